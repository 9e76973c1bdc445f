package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevels(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	closer, err := Setup(Options{})
	require.NoError(t, err)
	require.NoError(t, closer())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	closer, err = Setup(Options{Verbose: true, JSON: true})
	require.NoError(t, err)
	require.NoError(t, closer())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetupTraceWritesFile(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	closer, err := Setup(Options{Trace: true, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.TraceLevel, zerolog.GlobalLevel())
	log.Trace().Str("line", "{}").Msg("send")
	require.NoError(t, closer())

	data, err := os.ReadFile(filepath.Join(dir, TraceFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"send"`)
}
