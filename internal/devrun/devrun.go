// Package devrun launches a development server from build outputs.
package devrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"paperpack/internal/process"
)

// Profile selects what the server is started from.
type Profile string

const (
	// ProfileShadow runs the shaded jar.
	ProfileShadow Profile = "shadow"
	// ProfileReobf runs the reobfuscated jar.
	ProfileReobf Profile = "reobf"
	// ProfileDev runs the unrelocated classes directory.
	ProfileDev Profile = "dev"
)

// Profiles lists every profile in display order.
var Profiles = []Profile{ProfileShadow, ProfileReobf, ProfileDev}

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	for _, p := range Profiles {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown run profile %q (want shadow, reobf or dev)", s)
}

// DefaultGracePeriod is how long the server gets to save and stop after an
// interrupt before it is killed.
const DefaultGracePeriod = 30 * time.Second

const vanillaJar = "minecraft.jar"

// Options describes one server launch.
type Options struct {
	Profile   Profile
	Java      string
	MainClass string
	// Artifact is the jar (shadow, reobf) or classes directory (dev) placed
	// first on the classpath.
	Artifact  string
	Classpath []string

	WorkDir          string
	MemoryGB         int
	DisableWatchdog  bool
	JVMArgs          []string
	SystemProperties map[string]string
	TestPlugin       string

	Env         map[string]string
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	GracePeriod time.Duration
}

func (o Options) validate() error {
	var errs []error
	if _, err := ParseProfile(string(o.Profile)); err != nil {
		errs = append(errs, err)
	}
	if o.MemoryGB <= 0 {
		errs = append(errs, fmt.Errorf("memory must be a positive number of gigabytes, got %d", o.MemoryGB))
	}
	if o.MainClass == "" {
		errs = append(errs, errors.New("main class not set"))
	}
	if o.Artifact == "" {
		errs = append(errs, errors.New("artifact not set"))
	}
	if o.WorkDir == "" {
		errs = append(errs, errors.New("working directory not set"))
	}
	return errors.Join(errs...)
}

// SystemProperties returns the -D properties for opts, fixed ones included.
func SystemProperties(opts Options) map[string]string {
	props := map[string]string{
		"net.kyori.adventure.text.warnWhenLegacyFormattingDetected": "true",
		"io.papermc.paper.suppress.sout.nags":                       "true",
	}
	if opts.DisableWatchdog {
		props["disable.watchdog"] = "true"
	}
	if opts.Profile == ProfileDev {
		props["Paper.isRunDev"] = "true"
	}
	for k, v := range opts.SystemProperties {
		props[k] = v
	}
	return props
}

// Classpath returns the launch classpath: the artifact followed by the
// runtime classpath. The dev profile drops the vanilla server jar.
func Classpath(opts Options) []string {
	cp := []string{opts.Artifact}
	for _, p := range opts.Classpath {
		if opts.Profile == ProfileDev && strings.HasSuffix(p, vanillaJar) {
			continue
		}
		if p == opts.Artifact {
			continue
		}
		cp = append(cp, p)
	}
	return cp
}

// Arguments builds the java argument list for opts.
func Arguments(opts Options) ([]string, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	mem := strconv.Itoa(opts.MemoryGB) + "G"
	args := []string{
		"-Xms" + mem,
		"-Xmx" + mem,
		"--enable-preview",
		"--add-modules=jdk.incubator.vector",
	}
	args = append(args, opts.JVMArgs...)

	props := SystemProperties(opts)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-D"+k+"="+props[k])
	}

	args = append(args, "-cp", strings.Join(Classpath(opts), string(os.PathListSeparator)), opts.MainClass)
	if opts.TestPlugin != "" {
		abs, err := filepath.Abs(opts.TestPlugin)
		if err != nil {
			return nil, err
		}
		args = append(args, "-add-plugin="+abs)
	}
	return append(args, "--nogui"), nil
}

// Runner starts servers.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Run creates the working directory, starts the server with standard
// streams attached and returns its exit code. Cancelling ctx stops the
// server, giving it GracePeriod to shut down.
func (r *Runner) Run(ctx context.Context, opts Options) (int, error) {
	args, err := Arguments(opts)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return 0, fmt.Errorf("create working directory: %w", err)
	}
	java := opts.Java
	if java == "" {
		java = "java"
	}
	grace := opts.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}

	r.logger.Info("starting server",
		zap.String("profile", string(opts.Profile)),
		zap.String("work_dir", opts.WorkDir),
		zap.Int("memory_gb", opts.MemoryGB))
	r.logger.Debug("java command", zap.String("java", java), zap.Strings("args", args))

	res, err := process.Run(ctx, process.Command{
		Path:        java,
		Args:        args,
		Dir:         opts.WorkDir,
		Env:         opts.Env,
		Stdin:       opts.Stdin,
		Stdout:      opts.Stdout,
		Stderr:      opts.Stderr,
		GracePeriod: grace,
		Foreground:  isTerminal(opts.Stdin),
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("server exited", zap.Int("exit_code", res.ExitCode))
	return res.ExitCode, nil
}

// isTerminal reports whether r is a terminal the server reads its console
// from.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
