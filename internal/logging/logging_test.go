package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "warn", Console: true}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("quiet")
	log.Warn().Str("conn", "1").Msg("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), "conn=")
}

func TestFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mitmctl.log")
	log, closer, err := New(Config{Level: "debug", File: path, MaxSizeMB: 1}, nil)
	require.NoError(t, err)

	log.Debug().Int("storage", 3).Msg("opened")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := bytes.TrimSpace(data)
	assert.Equal(t, "opened", gjson.GetBytes(line, "message").String())
	assert.Equal(t, int64(3), gjson.GetBytes(line, "storage").Int())
	assert.Equal(t, "debug", gjson.GetBytes(line, "level").String())
}

func TestNoOutputsIsNop(t *testing.T) {
	log, closer, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	log.Info().Msg("dropped")
}

func TestBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)
}
