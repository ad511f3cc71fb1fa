package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"paperpack/internal/config"
	"paperpack/internal/maven"
	"paperpack/internal/metrics"
	"paperpack/internal/pipeline"
)

// buildFlags are shared by every command that runs the pipeline.
type buildFlags struct {
	tracePath string
	retries   int
}

func (f *buildFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.tracePath, "trace-file", "", "Write the canonical build trace to this file")
	fs.IntVar(&f.retries, "http-retries", 4, "Retries for each repository request")
}

// runPipeline builds cfg up to until. Metrics are written whether or not
// the build succeeds.
func (a *app) runPipeline(ctx context.Context, cfg *config.Config, flags *buildFlags, until string) (*pipeline.Result, error) {
	if flags.retries < 0 {
		return nil, invalidInvocationf("--http-retries must not be negative, got %d", flags.retries)
	}
	rec := metrics.New()
	p := pipeline.New(cfg,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(rec),
		pipeline.WithFetcherOptions(maven.WithRetries(flags.retries, time.Second, 15*time.Second)),
	)
	res, err := p.Build(ctx, pipeline.Options{Until: until, TracePath: flags.tracePath})
	if a.metricsFile != "" {
		if werr := rec.WriteTextfile(a.metricsFile); werr != nil {
			a.logger.Warn("could not write metrics", zap.String("path", a.metricsFile), zap.Error(werr))
		}
	}
	return res, err
}

func (a *app) buildCommand() *cobra.Command {
	var (
		flags buildFlags
		until string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the build pipeline",
		Long: fmt.Sprintf(`Run the build pipeline. Stages run in the order
%v; test, mappings and publish run only when configured.
A failing stage skips every stage after it.`, pipeline.AllStages()),
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			res, err := a.runPipeline(cmd.Context(), cfg, &flags, until)
			if err != nil {
				return err
			}
			return a.printSummary(res)
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "Stop after this stage")
	flags.bind(cmd.Flags())
	return cmd
}

func (a *app) checkCommand() *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Build, test and verify the server jar without mapping or publishing it",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			res, err := a.runPipeline(cmd.Context(), cfg, &flags, pipeline.StageVerify)
			if err != nil {
				return err
			}
			return a.printSummary(res)
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}

func (a *app) resolveCommand() *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve dependencies and print the resolution report",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			res, err := a.runPipeline(cmd.Context(), cfg, &flags, pipeline.StageResolve)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(a.streams.Out)
			enc.SetIndent(2)
			if err := enc.Encode(maven.NewReport(res.Resolution)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}

func (a *app) printSummary(res *pipeline.Result) error {
	w := a.streams.Out
	fmt.Fprintf(w, "build:       %s\n", res.BuildID)
	fmt.Fprintf(w, "target:      %s\n", res.Target)
	if res.Artifact != "" {
		fmt.Fprintf(w, "artifact:    %s\n", res.Artifact)
	}
	if res.Fingerprint != "" {
		line := res.Fingerprint.String()
		switch {
		case res.PreviousFingerprint == "":
		case res.PreviousFingerprint == res.Fingerprint:
			line += " (unchanged)"
		default:
			line += " (changed)"
		}
		fmt.Fprintf(w, "fingerprint: %s\n", line)
	}
	if res.Tests != nil {
		fmt.Fprintf(w, "tests:       %s\n", res.Tests)
	}
	for _, p := range res.Published {
		fmt.Fprintf(w, "published:   %s\n", p)
	}
	return nil
}
