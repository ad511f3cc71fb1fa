package process

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRun_OnlyDeclaredEnvironmentVisible(t *testing.T) {
	t.Setenv("SECRET_HOST_VAR", "should_not_see_this")

	res, err := Run(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", `echo "secret=${SECRET_HOST_VAR:-unset} foo=$FOO path=${PATH:+set}"`},
		Env:     map[string]string{"FOO": "hello"},
		PassEnv: []string{"PATH"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "secret=unset foo=hello path=set\n", string(res.Stdout))
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo broken >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "broken\n", string(res.Stderr))
}

func TestRun_StreamsAndWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	res, err := Run(context.Background(), Command{
		Path:   "/bin/sh",
		Args:   []string{"-c", "read line; echo \"$line from $(pwd)\""},
		Dir:    dir,
		Stdin:  strings.NewReader("stop\n"),
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, "stop from "+resolved+"\n", out.String())
}

func TestRun_CancelKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "child-survived")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, Command{
		Path: "/bin/sh",
		// The grandchild would write the marker if it outlived the group.
		Args: []string{"-c", "(sleep 1; touch " + marker + ") & sleep 30"},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestRun_GracePeriodDeliversSIGTERM(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "terminated")
	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	errc := make(chan error, 1)
	go func() {
		_, err := Run(ctx, Command{
			Path:        "/bin/sh",
			Args:        []string{"-c", "trap 'touch " + marker + "; exit 0' TERM; echo ready; while :; do sleep 0.05; done"},
			Stdout:      out,
			GracePeriod: 5 * time.Second,
		})
		errc <- err
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ready") }, 5*time.Second, 20*time.Millisecond)
	cancel()
	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	assert.FileExists(t, marker)
}

func TestRun_ForegroundStaysInCallerGroup(t *testing.T) {
	for _, tc := range []struct {
		name       string
		foreground bool
	}{
		{name: "own group"},
		{name: "foreground", foreground: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Run(context.Background(), Command{
				Path:       "/bin/sh",
				Args:       []string{"-c", `echo "$$ $(cut -d' ' -f5 /proc/$$/stat)"`},
				Foreground: tc.foreground,
			})
			require.NoError(t, err)
			fields := strings.Fields(string(res.Stdout))
			require.Len(t, fields, 2)
			pid, err := strconv.Atoi(fields[0])
			require.NoError(t, err)
			pgid, err := strconv.Atoi(fields[1])
			require.NoError(t, err)
			if tc.foreground {
				assert.Equal(t, syscall.Getpgrp(), pgid)
			} else {
				assert.Equal(t, pid, pgid)
			}
		})
	}
}

func TestRun_ForegroundCancelSignalsProcess(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "terminated")
	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	errc := make(chan error, 1)
	go func() {
		_, err := Run(ctx, Command{
			Path:        "/bin/sh",
			Args:        []string{"-c", "trap 'touch " + marker + "; exit 0' TERM; echo ready; while :; do sleep 0.05; done"},
			Stdout:      out,
			GracePeriod: 5 * time.Second,
			Foreground:  true,
		})
		errc <- err
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ready") }, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.FileExists(t, marker)
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestBuildEnv(t *testing.T) {
	host := map[string]string{"PATH": "/usr/bin", "HOME": "/root", "AWS_SECRET": "x"}
	lookup := func(k string) (string, bool) {
		v, ok := host[k]
		return v, ok
	}
	got := BuildEnv([]string{"PATH", "HOME", "JAVA_HOME"}, map[string]string{"HOME": "/tmp/home", "B": "2"}, lookup)
	assert.Equal(t, []string{"B=2", "HOME=/tmp/home", "PATH=/usr/bin"}, got)

	assert.Empty(t, BuildEnv([]string{}, nil, lookup))
}
