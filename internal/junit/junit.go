// Package junit runs unit tests with the JUnit Platform console launcher
// and reads its XML reports.
package junit

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"paperpack/internal/process"
)

// DefaultLauncher is the console launcher entry point of
// junit-platform-console-standalone.
const DefaultLauncher = "org.junit.platform.console.ConsoleLauncher"

// Options describes one test run.
type Options struct {
	Java string
	// MainClass is the launcher entry point; DefaultLauncher when empty.
	MainClass string
	// ClassDirs are scanned for test classes and lead the classpath.
	ClassDirs []string
	Classpath []string
	// Excludes are class file globs ("org/example/Foo*Test.class") of
	// tests that are never run.
	Excludes []string
	JVMArgs  []string
	Env      map[string]string
	WorkDir  string
	// ReportsDir receives the XML reports. It is cleared first.
	ReportsDir string
}

// Summary totals the suites of one run.
type Summary struct {
	Suites   int
	Tests    int
	Failures int
	Errors   int
	Skipped  int
}

// Failed reports whether any test failed or errored.
func (s Summary) Failed() bool { return s.Failures+s.Errors > 0 }

func (s Summary) String() string {
	return fmt.Sprintf("%d tests, %d failures, %d errors, %d skipped", s.Tests, s.Failures, s.Errors, s.Skipped)
}

// TestError reports a launcher run that did not pass.
type TestError struct {
	ExitCode int
	Summary  Summary
	Output   string
}

func (e *TestError) Error() string {
	msg := fmt.Sprintf("tests failed (launcher exited with code %d): %s", e.ExitCode, e.Summary)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ":\n" + out
	}
	return msg
}

// Runner starts the launcher.
type Runner struct {
	logger *zap.Logger
}

// New creates a Runner.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Arguments returns the java arguments for opts.
func Arguments(opts Options) ([]string, error) {
	if len(opts.ClassDirs) == 0 {
		return nil, errors.New("no test class directories")
	}
	main := opts.MainClass
	if main == "" {
		main = DefaultLauncher
	}
	sep := string(os.PathListSeparator)
	cp := append(append([]string(nil), opts.ClassDirs...), opts.Classpath...)

	args := append([]string(nil), opts.JVMArgs...)
	args = append(args, "-cp", strings.Join(cp, sep), main,
		"execute",
		"--disable-banner",
		"--details=summary",
		"--reports-dir", opts.ReportsDir,
		"--scan-class-path", strings.Join(opts.ClassDirs, sep),
	)
	for _, glob := range opts.Excludes {
		pattern, err := ClassNamePattern(glob)
		if err != nil {
			return nil, err
		}
		args = append(args, "--exclude-classname", pattern)
	}
	return args, nil
}

// Run executes the tests and returns the totals of the written reports.
// A failing run returns *TestError.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	args, err := Arguments(opts)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(opts.ReportsDir); err != nil {
		return nil, fmt.Errorf("clean %s: %w", opts.ReportsDir, err)
	}
	if err := os.MkdirAll(opts.ReportsDir, 0o755); err != nil {
		return nil, err
	}
	java := opts.Java
	if java == "" {
		java = "java"
	}
	r.logger.Debug("junit command", zap.String("java", java), zap.Strings("args", args))

	res, err := process.Run(ctx, process.Command{
		Path:        java,
		Args:        args,
		Dir:         opts.WorkDir,
		Env:         opts.Env,
		GracePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	sum, err := ReadReports(opts.ReportsDir)
	if err != nil {
		return nil, err
	}
	output := strings.TrimSpace(string(res.Stdout) + "\n" + string(res.Stderr))
	if res.ExitCode != 0 || sum.Failed() {
		return sum, &TestError{ExitCode: res.ExitCode, Summary: *sum, Output: output}
	}
	r.logger.Info("tests passed",
		zap.Int("tests", sum.Tests),
		zap.Int("skipped", sum.Skipped),
		zap.Int("suites", sum.Suites))
	r.logger.Debug("junit output", zap.String("output", output))
	return sum, nil
}

// ClassNamePattern converts a class file glob into the class name regular
// expression the launcher filters with. "*" and "?" stay within one
// package, "**" crosses packages.
func ClassNamePattern(glob string) (string, error) {
	g := strings.TrimSuffix(strings.TrimSpace(glob), ".class")
	if g == "" {
		return "", fmt.Errorf("empty test exclude %q", glob)
	}
	g = strings.ReplaceAll(g, "/", ".")
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(g); i++ {
		switch {
		case strings.HasPrefix(g[i:], "**"):
			b.WriteString(".*")
			i++
		case g[i] == '*':
			b.WriteString(`[^.]*`)
		case g[i] == '?':
			b.WriteString(`[^.]`)
		default:
			b.WriteString(regexp.QuoteMeta(g[i : i+1]))
		}
	}
	b.WriteString("$")
	pattern := b.String()
	if _, err := regexp.Compile(pattern); err != nil {
		return "", fmt.Errorf("test exclude %q: %w", glob, err)
	}
	return pattern, nil
}

// suite is the root element of a legacy XML report.
type suite struct {
	XMLName  xml.Name `xml:"testsuite"`
	Name     string   `xml:"name,attr"`
	Tests    int      `xml:"tests,attr"`
	Failures int      `xml:"failures,attr"`
	Errors   int      `xml:"errors,attr"`
	Skipped  int      `xml:"skipped,attr"`
}

// ReadReports totals the TEST-*.xml reports in dir.
func ReadReports(dir string) (*Summary, error) {
	files, err := filepath.Glob(filepath.Join(dir, "TEST-*.xml"))
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		var s suite
		if err := xml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("invalid test report %s: %w", filepath.Base(f), err)
		}
		sum.Suites++
		sum.Tests += s.Tests
		sum.Failures += s.Failures
		sum.Errors += s.Errors
		sum.Skipped += s.Skipped
	}
	return sum, nil
}
