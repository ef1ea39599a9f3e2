package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConsoleOnly(t *testing.T) {
	l, err := New(Config{Level: "debug", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.NotNil(t, l.Get())
}

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "openclaw.log")

	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	zl := l.Get()
	zl.Info().Str("key", "value").Msg("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "nonsense", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.Get().GetLevel().String())
}

func TestWith_AddsComponentField(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	l, err := New(Config{Level: "debug", File: logFile})
	require.NoError(t, err)

	withLogger := l.With("memory")
	withLogger.Info().Msg("tagged")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"memory"`)
}

func TestNop(t *testing.T) {
	// Must not panic and must be disabled.
	log := Nop()
	log.Info().Msg("dropped")
	assert.Equal(t, "disabled", log.GetLevel().String())
}
