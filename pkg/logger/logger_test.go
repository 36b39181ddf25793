package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONWithProcessFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hvac.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path}, ForProcess("server", 2, "77")...)
	require.NoError(t, err)

	log.Info("dropped below level")
	log.Warn("kept", zap.String("path", "/data/x"))
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "hvac", entry["service"])
	require.Equal(t, "server", entry["role"])
	require.EqualValues(t, 2, entry["rank"])
	require.Equal(t, "77", entry["job"])
	require.Equal(t, "/data/x", entry["path"])
}

func TestNew_BadLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hvac.log")
	log, err := New(Config{Level: "chatty", OutputFile: path})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "hidden")
	require.Contains(t, string(raw), "shown")
}

func TestNew_UnwritableFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "hvac.log")})
	require.Error(t, err)
}
