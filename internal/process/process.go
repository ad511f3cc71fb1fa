// Package process runs external tools (javac, java) with a controlled
// environment, normally in their own process group.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// DefaultPassEnv lists host variables visible to tools unless a Command
// overrides PassEnv.
var DefaultPassEnv = []string{"PATH", "HOME", "JAVA_HOME", "LANG", "LC_ALL", "TMPDIR", "TERM", "USER"}

// Command describes one subprocess.
type Command struct {
	Path string
	Args []string
	Dir  string

	// Env is added on top of the host variables named in PassEnv. Nothing
	// else from the host environment is visible.
	Env     map[string]string
	PassEnv []string

	// Stdin, Stdout and Stderr are connected to the process when set.
	// Unset Stdout and Stderr are captured into the Result.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// GracePeriod is how long the process gets between SIGTERM and SIGKILL
	// after cancellation. Zero kills immediately.
	GracePeriod time.Duration

	// Foreground keeps the process in the caller's process group so it can
	// read from the caller's terminal. Cancellation then signals only the
	// process itself.
	Foreground bool
}

// Result holds the outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run starts c and waits for it. A non-zero exit is reported through
// Result.ExitCode, not as an error. When ctx is cancelled the process
// (its whole group unless c.Foreground) is terminated and ctx's error is
// returned.
func Run(ctx context.Context, c Command) (*Result, error) {
	if c.Path == "" {
		return nil, errors.New("command path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s not started: %w", c.Path, err)
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = BuildEnv(c.PassEnv, c.Env, os.LookupEnv)

	// A background process group reading the terminal would be stopped by
	// SIGTTIN, so foreground commands stay in ours.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: !c.Foreground}
	// Bounds how long Wait blocks on I/O copying once the process is gone.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		target := -cmd.Process.Pid
		if c.Foreground {
			target = cmd.Process.Pid
		}
		terminate(target, c.GracePeriod, done)
		return nil, fmt.Errorf("%s cancelled: %w", c.Path, ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", c.Path, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// terminate signals target (a negative pid names a process group) and waits
// for the process to exit.
func terminate(target int, grace time.Duration, done <-chan error) {
	if grace > 0 {
		_ = syscall.Kill(target, syscall.SIGTERM)
		select {
		case <-done:
			return
		case <-time.After(grace):
		}
	}
	_ = syscall.Kill(target, syscall.SIGKILL)
	<-done
}

// BuildEnv assembles a sorted environment from the host variables named in
// pass (DefaultPassEnv when nil) and the explicit variables in extra, which
// take precedence.
func BuildEnv(pass []string, extra map[string]string, lookup func(string) (string, bool)) []string {
	if pass == nil {
		pass = DefaultPassEnv
	}
	vars := make(map[string]string, len(pass)+len(extra))
	for _, k := range pass {
		if v, ok := lookup(k); ok {
			vars[k] = v
		}
	}
	for k, v := range extra {
		vars[k] = v
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
