package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Options{Level: "warn", Output: &buf, Service: "relayboard"})
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("dropped")
	log.Warn().Str("reason", "drag").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "drag", entry["reason"])
	assert.Equal(t, "relayboard", entry["service"])
	assert.NotEmpty(t, entry["time"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Options{Format: "console", Output: &buf})
	require.NoError(t, err)
	log.Info().Msg("board saved")
	assert.Contains(t, buf.String(), "board saved")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestFileOutputAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayboard.log")
	for i := 0; i < 2; i++ {
		log, closer, err := New(Options{Path: path})
		require.NoError(t, err)
		log.Info().Int("run", i).Msg("started")
		require.NoError(t, closer.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), `"message":"started"`))
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
