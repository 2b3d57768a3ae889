package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/InfraSecConsult/dpi-core-go/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_ConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := Setup(config.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("hidden")
	logger.Warn().Str("protocol", "HTTP").Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "HTTP")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestSetup_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpi.log")
	var buf bytes.Buffer
	logger, closer, err := Setup(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
}

func TestSetup_InvalidLevel(t *testing.T) {
	_, _, err := Setup(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
