package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"paperpack/internal/config"
	"paperpack/internal/manifest"
	"paperpack/internal/mappings"
	"paperpack/internal/scan"
	"paperpack/internal/shade"
)

func (a *app) scanCommand() *cobra.Command {
	var (
		classpath   []string
		annotations []string
		relocations bool
	)
	cmd := &cobra.Command{
		Use:   "scan <jar>",
		Short: "Report calls to forbidden API methods made from a jar",
		Long: `Report calls from the classes of a jar to methods carrying a forbidden
annotation. Annotated methods are looked up in the jar itself and on the
given classpath. Findings are printed one per line and make the command
fail.`,
		Args: rangeArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jar := args[0]
			if err := existingFile("jar", jar); err != nil {
				return err
			}
			if relocations {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				r, err := shade.NewRelocator(cfg.Relocations)
				if err != nil {
					return err
				}
				if err := scan.VerifyRelocation(jar, r); err != nil {
					return err
				}
			}
			findings, err := scan.New(annotations, a.logger).Scan(cmd.Context(), jar, classpath)
			if err != nil {
				return err
			}
			for _, f := range findings {
				fmt.Fprintln(a.streams.Out, f)
			}
			if len(findings) > 0 {
				return &scan.BadCallsError{Jar: jar, Findings: findings}
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringSliceVar(&classpath, "classpath", nil, "Jars and class directories that declare the called methods")
	fs.StringSliceVar(&annotations, "annotation", config.Default().Scan.BadAnnotations, "Type descriptor of a forbidden annotation")
	fs.BoolVar(&relocations, "relocations", false, "Also check that no entry is left under a relocated package of the descriptor")
	return cmd
}

func (a *app) deobfCommand() *cobra.Command {
	defaults := config.Default().Mappings
	var from, to, dest string
	cmd := &cobra.Command{
		Use:   "deobf <jar> [trace-file]",
		Short: "Translate an obfuscated stack trace with the mappings embedded in a jar",
		Long: `Translate an obfuscated stack trace with the mappings embedded in a jar.
The trace is read from trace-file, or from standard input when it is
omitted, and written to standard output.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jar := args[0]
			if err := existingFile("jar", jar); err != nil {
				return err
			}
			d, err := mappings.LoadDeobfuscator(jar, dest, from, to)
			if errors.Is(err, mappings.ErrUnknownNamespace) {
				return invalidInvocationf("%v", err)
			}
			if err != nil {
				return err
			}
			var in io.Reader = a.streams.In
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return invalidInvocationf("trace file: %v", err)
				}
				defer f.Close()
				in = f
			}
			return d.Translate(in, a.streams.Out)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&from, "from", defaults.TargetNamespace, "Namespace the trace was written in")
	fs.StringVar(&to, "to", defaults.SourceNamespace, "Namespace to translate to")
	fs.StringVar(&dest, "dest", defaults.Dest, "Location of the mapping table inside the jar")
	return cmd
}

func (a *app) manifestCommand() *cobra.Command {
	var attribute string
	cmd := &cobra.Command{
		Use:   "manifest <jar>",
		Short: "Print the manifest of a jar",
		Args:  rangeArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jar := args[0]
			if err := existingFile("jar", jar); err != nil {
				return err
			}
			m, err := manifest.Read(jar)
			if err != nil {
				return err
			}
			if attribute == "" {
				_, err = a.streams.Out.Write(m.Encode())
				return err
			}
			v := m.Get(attribute)
			if v == "" {
				return fmt.Errorf("%s: attribute %s is not set", jar, attribute)
			}
			_, err = fmt.Fprintln(a.streams.Out, v)
			return err
		},
	}
	cmd.Flags().StringVarP(&attribute, "attribute", "a", "", "Print only this main attribute")
	return cmd
}
