package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTaskCreateVerifyAndAudit(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	storage := []string{"--db-path", db, "--evidence-dir", filepath.Join(dir, "evidence")}

	out, err := run(t, append(storage, "migrate")...)
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite ledger schema is up to date")

	out, err = run(t, append(storage, "task", "create",
		"--courier", "courier-7",
		"--start", "2026-03-02T09:00:00Z",
		"--end", "2026-03-02T17:00:00Z",
		"--travel-minutes", "25",
		"--shift", "afternoon",
		"--pack", "PACK-7")...)
	require.NoError(t, err)

	var task models.Task
	require.NoError(t, json.Unmarshal([]byte(out), &task), out)
	assert.Equal(t, "courier-7", task.AssignedCourierID)
	assert.Equal(t, models.StagePending, task.Stage)
	assert.True(t, task.IsAfternoonShift())

	out, err = run(t, append(storage, "verify", task.ID)...)
	require.NoError(t, err)
	assert.Contains(t, out, "EVENT")

	_, err = run(t, append(storage, "verify", "missing")...)
	assert.Error(t, err)

	out, err = run(t, append(storage, "audit", "verify")...)
	require.NoError(t, err)
	assert.Contains(t, out, "audit chain intact: 0 entries")

	out, err = run(t, append(storage, "audit", "replay")...)
	require.NoError(t, err)
	assert.Contains(t, out, "published 0 audit entries")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "custody dev")
}

func TestBuildLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, buildLogger("debug", "json").Enabled(ctx, slog.LevelDebug))
	assert.False(t, buildLogger("warn", "text").Enabled(ctx, slog.LevelInfo))
	assert.True(t, buildLogger("", "").Enabled(ctx, slog.LevelInfo))
	assert.False(t, buildLogger("", "").Enabled(ctx, slog.LevelDebug))
}
