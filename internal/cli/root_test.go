package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/stagecoord/internal/audit"
	"github.com/p-blackswan/stagecoord/internal/stage"
	"github.com/p-blackswan/stagecoord/internal/sweeper"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "stagecoord", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"run"}, {"sweep"}, {"audit", "verify"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))

	verify, _, err := cmd.Find([]string{"audit", "verify"})
	require.NoError(t, err)
	kind := verify.Flags().Lookup("kind")
	require.NotNil(t, kind)
	assert.Equal(t, audit.KindExecutionModeration, kind.DefValue)
}

// testEnv points the CLI at a fresh database with quiet logs.
func testEnv(t *testing.T) string {
	t.Helper()
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	db := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MGMT_AUTH_MODE", "none")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("DB_PATH", db)
	return db
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInvalidFormat(t *testing.T) {
	testEnv(t)
	_, err := execute(t, "sweep", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_ExecutesStage(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "run", "--project", "p1", "--user", "u1", "--stage", "storyboard",
		"--input", "prompt=harbour at dawn", "--format", "json")
	require.NoError(t, err)

	var rec stage.StageExecutionRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.True(t, rec.Success)
	assert.Equal(t, stage.Storyboard, rec.Plan.StageType)
	assert.Equal(t, 2.0, rec.CostActual)
}

func TestRun_TextOutputAndReplay(t *testing.T) {
	testEnv(t)
	args := []string{"run", "--project", "p1", "--user", "u1", "--stage", "VOICE", "--idempotency-key", "k1"}

	first, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, first, "(VOICE) success")
	assert.NotContains(t, first, "Replayed")

	second, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, second, "Replayed:  true")
}

func TestRun_Errors(t *testing.T) {
	testEnv(t)

	_, err := execute(t, "run", "--project", "p1", "--user", "u1", "--stage", "HOLOGRAM")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "run", "--project", "p1")
	assert.Error(t, err, "required flags")
}

func TestRun_FailedStageExitCode(t *testing.T) {
	testEnv(t)
	t.Setenv("DEFAULT_PROJECT_BUDGET", "1")
	args := []string{"run", "--project", "p1", "--user", "u1", "--stage", "SCRIPT"}

	_, err := execute(t, args...)
	require.NoError(t, err)

	out, err := execute(t, args...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "budget_exhausted")
}

func TestSweep(t *testing.T) {
	testEnv(t)

	out, err := execute(t, "sweep", "--format", "json")
	require.NoError(t, err)
	var res sweeper.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, sweeper.Result{}, res)
}

func TestAuditVerify(t *testing.T) {
	db := testEnv(t)

	for _, st := range []string{"SCRIPT", "MUSIC"} {
		_, err := execute(t, "run", "--project", "p1", "--user", "u1", "--stage", st, "--db", db)
		require.NoError(t, err)
	}

	out, err := execute(t, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Chain execution_moderation: OK (2 entries)")

	out, err = execute(t, "audit", "verify", "--kind", "other", "--format", "json")
	require.NoError(t, err)
	var report audit.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 0, report.Entries)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", assert.AnError)))
}
