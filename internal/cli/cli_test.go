package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/order"
)

func parse(t *testing.T, args ...string) (*Invocation, bool, error) {
	t.Helper()
	var out bytes.Buffer
	return Parse(args, &out)
}

func TestParseGridPathForms(t *testing.T) {
	for name, args := range map[string][]string{
		"positional":     {"grid.hcl"},
		"grid flag":      {"-grid", "grid.hcl"},
		"shorthand flag": {"-g", "grid.hcl"},
	} {
		t.Run(name, func(t *testing.T) {
			inv, exit, err := parse(t, args...)
			require.NoError(t, err)
			require.False(t, exit)
			require.Equal(t, ModeRun, inv.Mode)
			assert.Equal(t, "grid.hcl", inv.Config.GridPath)
		})
	}
}

func TestParseDefaults(t *testing.T) {
	inv, _, err := parse(t, "grid.hcl")
	require.NoError(t, err)
	cfg := inv.Config
	assert.Equal(t, "threads", cfg.Scheduler)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, order.DefaultSymmetryRatio, cfg.SymmetryRatio)
	assert.False(t, cfg.Trace)
	assert.Empty(t, cfg.Targets)
}

func TestParseTargets(t *testing.T) {
	inv, _, err := parse(t, "-targets", "a, b,(p, 2)", "grid.hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "(p, 2)"}, inv.Config.Targets)
}

func TestParseNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	inv, exit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, inv)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParseValidation(t *testing.T) {
	cases := map[string][]string{
		"bad log format": {"-log-format", "xml", "grid.hcl"},
		"bad log level":  {"-log-level", "verbose", "grid.hcl"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parse(t, args...)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestParseUnknownFlag(t *testing.T) {
	_, _, err := parse(t, "-definitely-not-a-flag")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestParseWorkerStdioMode(t *testing.T) {
	inv, exit, err := parse(t, "-worker-stdio")
	require.NoError(t, err)
	assert.False(t, exit)
	assert.Equal(t, ModeWorkerStdio, inv.Mode)
}

func TestParseRemoteWorkerMode(t *testing.T) {
	inv, _, err := parse(t, "-connect", "http://127.0.0.1:9421", "-workers", "3")
	require.NoError(t, err)
	assert.Equal(t, ModeRemoteWorker, inv.Mode)
	assert.Equal(t, "http://127.0.0.1:9421", inv.WorkerURL)
	assert.Equal(t, 3, inv.Workers)
}

func TestParseSchedulerAddress(t *testing.T) {
	inv, _, err := parse(t, "-scheduler", "0.0.0.0:9421", "grid.hcl")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9421", inv.Config.Scheduler)
}
