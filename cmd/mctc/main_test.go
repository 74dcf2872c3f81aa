package main

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
)

func TestNewMctcCommand(t *testing.T) {
	cmd := NewMctcCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "mctc", cmd.Use)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"onboard", "gateway", "send", "console", "migrate", "seed", "audit", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestConfigFlagOverridesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.json")
	t.Cleanup(func() { internal.SetConfigPath("") })

	cmd := NewMctcCommand()
	cmd.SetArgs([]string{"--config", path, "version"})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, path, internal.GetConfigPath())
}
