package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "log.json")
		logger, err := New(verbose, path)
		require.NoError(t, err)

		ForStage(ForBuild(logger, "b-1"), "shade").Debug("relocating")
		logger.Info("done")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		out := string(data)
		assert.Contains(t, out, `"msg":"done"`)
		if verbose {
			assert.Contains(t, out, `"level":"debug"`)
			assert.Contains(t, out, `"build_id":"b-1"`)
			assert.Contains(t, out, `"stage":"shade"`)
		} else {
			assert.False(t, strings.Contains(out, "relocating"), out)
		}
	}
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(false, &buf)
	logger.Debug("hidden")
	ForStage(logger, "verify").Warn("findings", zap.Int("count", 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"stage":"verify"`)
	assert.Contains(t, out, `"count":2`)
	assert.Contains(t, out, `"ts":"`)
}
