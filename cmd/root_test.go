package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "ingest", "jobs", "worker", "review", "tariffs", "rates", "stats", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "tariff-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level"} {
		f := rootCmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, "missing --%s", name)
		assert.Empty(t, f.DefValue)
	}
	assert.True(t, rootCmd.SilenceUsage)
}

func TestJobsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"enqueue", "list", "show", "requeue", "dlq"} {
		assert.True(t, names[name], "jobs should have subcommand %q", name)
	}
}

func TestReviewCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reviewCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "approve", "reject"} {
		assert.True(t, names[name], "review should have subcommand %q", name)
	}
}

func TestIngestCommand_Flags(t *testing.T) {
	for _, name := range []string{"port", "type", "force", "json", "enqueue"} {
		assert.NotNil(t, ingestCmd.Flags().Lookup(name), "ingest should have --%s flag", name)
	}
}

func TestReviewApproveCommand_AmountFlag(t *testing.T) {
	flag := reviewApproveCmd.Flags().Lookup("amount")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestTariffsExportCommand_Flags(t *testing.T) {
	flag := tariffsExportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "csv", flag.DefValue)

	status := tariffsExportCmd.Flags().Lookup("status")
	require.NotNil(t, status)
	assert.Equal(t, "active", status.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestWorkerCommand_Flags(t *testing.T) {
	flag := workerCmd.Flags().Lookup("metrics-port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}
