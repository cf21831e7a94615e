package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"schedule", "collect", "detect", "jobs", "anomalies", "sites", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "perfwatch", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestCollectCommand_Flags(t *testing.T) {
	flag := collectCmd.Flags().Lookup("device")
	require.NotNil(t, flag, "collect command should have --device flag")
}

func TestServeCommand_Flags(t *testing.T) {
	require.NotNil(t, serveCmd.Flags().Lookup("port"))
	require.NotNil(t, serveCmd.Flags().Lookup("no-cron"))
}

func TestJobsListCommand_Flags(t *testing.T) {
	for _, name := range []string{"status", "site", "limit"} {
		assert.NotNil(t, jobsListCmd.Flags().Lookup(name), "jobs list should have --%s flag", name)
	}
}
