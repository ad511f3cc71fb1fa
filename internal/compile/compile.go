// Package compile drives javac over the project sources.
package compile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"go.uber.org/zap"

	"paperpack/internal/archive"
	"paperpack/internal/process"
)

// Options describes one compilation.
type Options struct {
	Javac         string
	Release       int
	Args          []string
	Env           map[string]string
	SourceDirs    []string
	ResourceDirs  []string
	LicenseFile   string
	Classpath     []string
	ProcessorPath []string
	// OutputDir receives classes and resources. It is deleted first:
	// compilation is never incremental.
	OutputDir string
	// TempDir holds the javac argument file.
	TempDir string
}

// Result summarizes a compilation.
type Result struct {
	Sources   int
	Resources int
	OutputDir string
	// Diagnostics is javac's output from a successful run (warnings).
	Diagnostics string
}

// CompileError reports a javac failure.
type CompileError struct {
	ExitCode int
	Output   string
}

func (e *CompileError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("javac exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("javac exited with code %d:\n%s", e.ExitCode, out)
}

// Compiler runs javac.
type Compiler struct {
	Logger *zap.Logger
}

// New creates a Compiler.
func New(logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{Logger: logger}
}

// Compile cleans the output directory, compiles every source file and
// copies resources and the license file next to the classes.
func (c *Compiler) Compile(ctx context.Context, opts Options) (*Result, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("compile: output directory not set")
	}
	if err := os.RemoveAll(opts.OutputDir); err != nil {
		return nil, fmt.Errorf("clean %s: %w", opts.OutputDir, err)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	sources, err := Sources(opts.SourceDirs)
	if err != nil {
		return nil, err
	}
	res := &Result{Sources: len(sources), OutputDir: opts.OutputDir}

	if len(sources) == 0 {
		c.Logger.Info("no sources to compile", zap.Strings("source_dirs", opts.SourceDirs))
	} else {
		out, err := c.javac(ctx, opts, sources)
		if err != nil {
			return nil, err
		}
		res.Diagnostics = out
	}

	n, err := copyResources(opts.ResourceDirs, opts.OutputDir)
	if err != nil {
		return nil, err
	}
	res.Resources = n
	if opts.LicenseFile != "" {
		if err := copyFile(opts.LicenseFile, opts.OutputDir, filepath.Base(opts.LicenseFile)); err != nil {
			return nil, fmt.Errorf("copy license: %w", err)
		}
		res.Resources++
	}
	c.Logger.Info("compiled",
		zap.Int("sources", res.Sources),
		zap.Int("resources", res.Resources),
		zap.String("output", opts.OutputDir))
	return res, nil
}

func (c *Compiler) javac(ctx context.Context, opts Options, sources []string) (string, error) {
	tmp := opts.TempDir
	if tmp == "" {
		tmp = filepath.Join(filepath.Dir(opts.OutputDir), "tmp")
	}
	argfile := filepath.Join(tmp, "javac-sources.txt")
	if err := archive.WriteFileAtomic(argfile, []byte(Argfile(sources)), 0o644); err != nil {
		return "", fmt.Errorf("write javac argument file: %w", err)
	}

	javac := opts.Javac
	if javac == "" {
		javac = "javac"
	}
	args := Arguments(opts)
	args = append(args, "@"+argfile)
	c.Logger.Debug("running javac", zap.String("javac", javac), zap.Strings("args", args), zap.Int("sources", len(sources)))

	res, err := process.Run(ctx, process.Command{
		Path: javac,
		Args: args,
		Env:  opts.Env,
	})
	if err != nil {
		return "", err
	}
	output := string(res.Stderr) + string(res.Stdout)
	if res.ExitCode != 0 {
		return "", &CompileError{ExitCode: res.ExitCode, Output: output}
	}
	return output, nil
}

// Arguments builds the javac option list, without the argument file.
func Arguments(opts Options) []string {
	args := []string{"-d", opts.OutputDir, "-encoding", "UTF-8"}
	if len(opts.Classpath) > 0 {
		args = append(args, "-classpath", strings.Join(opts.Classpath, string(os.PathListSeparator)))
	}
	if len(opts.ProcessorPath) > 0 {
		args = append(args, "-processorpath", strings.Join(opts.ProcessorPath, string(os.PathListSeparator)))
	} else {
		args = append(args, "-proc:none")
	}
	if opts.Release > 0 {
		args = append(args, "--release", strconv.Itoa(opts.Release))
	}
	return append(args, opts.Args...)
}

// Argfile renders source paths in javac @file syntax, one quoted path per
// line.
func Argfile(sources []string) string {
	var sb strings.Builder
	for _, s := range sources {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		sb.WriteString(`"` + s + `"` + "\n")
	}
	return sb.String()
}

// Sources lists *.java files under dirs, sorted. Missing directories are
// skipped.
func Sources(dirs []string) ([]string, error) {
	var out []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir && errors.Is(err, fs.ErrNotExist) {
					return filepath.SkipDir
				}
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".java") {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan sources in %s: %w", dir, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// copyResources mirrors every file under dirs into out. Earlier
// directories take precedence.
func copyResources(dirs []string, out string) (int, error) {
	n := 0
	seen := map[string]bool{}
	for _, dir := range dirs {
		entries, err := archive.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return n, err
		}
		for _, e := range entries {
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			dst, err := securejoin.SecureJoin(out, e.Name)
			if err != nil {
				return n, err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return n, err
			}
			if err := os.WriteFile(dst, e.Data, 0o644); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func copyFile(src, dir, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dst, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
