package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommandRegistersExpectedFlags(t *testing.T) {
	rootCmd := NewRootCommand()

	for _, name := range []string{
		"loglevel", "address", "cert-file", "key-file", "policies",
		"sources-path", "verification-path", "download-dir", "workers",
		"always-accept-admission-reviews-on-namespace", "otel-collector-endpoint",
		"continue-on-errors",
	} {
		assert.NotNilf(t, rootCmd.Flags().Lookup(name), "expected flag %q to be registered", name)
	}
}

func TestNewRootCommandDefaults(t *testing.T) {
	rootCmd := NewRootCommand()

	address, err := rootCmd.Flags().GetString("address")
	require.NoError(t, err)
	assert.Equal(t, ":3000", address)

	workers, err := rootCmd.Flags().GetInt64("workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), workers)

	level, err := rootCmd.Flags().GetString("loglevel")
	require.NoError(t, err)
	assert.Equal(t, "info", level)
}
