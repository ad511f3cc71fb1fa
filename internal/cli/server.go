package cli

import (
	"github.com/spf13/cobra"

	"paperpack/internal/config"
	"paperpack/internal/devrun"
	"paperpack/internal/pipeline"
)

// profileStage is the last stage a run profile needs.
func profileStage(cfg *config.Config, p devrun.Profile) (string, error) {
	switch p {
	case devrun.ProfileShadow:
		return pipeline.StageManifest, nil
	case devrun.ProfileReobf:
		if !cfg.Mappings.Reobf {
			return "", invalidInvocationf("the reobf profile requires mappings.reobf in the descriptor")
		}
		return pipeline.StageMappings, nil
	case devrun.ProfileDev:
		return pipeline.StageCompile, nil
	}
	return "", invalidInvocationf("unknown run profile %q", p)
}

func (a *app) runCommand() *cobra.Command {
	var (
		flags   buildFlags
		profile string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the server and start it for development",
		Long: `Build as far as the profile needs and start the server in the run
directory with the terminal attached. The shadow profile runs the shaded
jar, reobf the reobfuscated jar and dev the unrelocated classes. The
server's exit status becomes paperpack's.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := devrun.ParseProfile(profile)
			if err != nil {
				return invalidInvocationf("--profile: %v", err)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			until, err := profileStage(cfg, p)
			if err != nil {
				return err
			}
			res, err := a.runPipeline(cmd.Context(), cfg, &flags, until)
			if err != nil {
				return err
			}

			opts := devrun.Options{
				Profile:          p,
				Java:             cfg.Run.Java,
				MainClass:        cfg.Project.MainClass,
				Artifact:         res.Artifact,
				Classpath:        res.RunClasspath(false),
				WorkDir:          cfg.Path(cfg.Run.WorkDir),
				MemoryGB:         cfg.Run.MemoryGB,
				DisableWatchdog:  cfg.Run.DisableWatchdog,
				JVMArgs:          cfg.Run.JVMArgs,
				SystemProperties: cfg.Run.SystemProperties,
				TestPlugin:       cfg.Path(cfg.Run.TestPlugin),
				Stdin:            a.streams.In,
				Stdout:           a.streams.Out,
				Stderr:           a.streams.Err,
			}
			if p == devrun.ProfileDev {
				// Unrelocated classes need the bundled libraries on the classpath.
				opts.Artifact = res.Classes
				opts.Classpath = res.RunClasspath(true)
			}
			code, err := devrun.NewRunner(a.logger).Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if code != 0 {
				return &ServerExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", string(devrun.ProfileShadow), "Run profile: shadow, reobf or dev")
	flags.bind(cmd.Flags())
	return cmd
}
