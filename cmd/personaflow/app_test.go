package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/personaflow/collaboration"
	"github.com/BaSui01/personaflow/config"
	"github.com/BaSui01/personaflow/persistence"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/task"
	"github.com/BaSui01/personaflow/testutil"
	"github.com/BaSui01/personaflow/testutil/fixtures"
	"github.com/BaSui01/personaflow/testutil/mocks"
)

func fileStoreConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.CodeExecution = false
	cfg.Store.Type = "file"
	cfg.Store.Dir = dir
	require.NoError(t, cfg.Validate())
	return cfg
}

// scriptedGenerator plans with plan and answers every worker with "done".
func scriptedGenerator(plan string) *mocks.MockGenerator {
	return mocks.NewMockGenerator().WithGenerateFunc(func(_ context.Context, req persona.GenerateRequest) (string, error) {
		if strings.Contains(req.Prompt, "ASSIGN:") {
			return plan, nil
		}
		return "done", nil
	})
}

func TestNewApp_RunsAndPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := testutil.TestContext(t)
	logger := zaptest.NewLogger(t)

	a, err := newApp(ctx, fileStoreConfig(t, dir), logger, withGenerator(scriptedGenerator(fixtures.PlanChain)))
	require.NoError(t, err)
	assert.Nil(t, a.sandbox)

	report, err := a.engine.Run(ctx, "ship the parser")
	require.NoError(t, err)
	assert.Equal(t, collaboration.StateAggregated, report.State)
	require.Len(t, report.Entries, 2)

	stored, err := a.store.ListTasks(ctx, persistence.TaskFilter{RequestID: report.RequestID})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, st := range stored {
		assert.Equal(t, task.StatusCompleted, st.Status)
	}

	snap := a.dashboard.Snapshot(report.RequestID)
	assert.Len(t, snap.Tasks, 2)
	require.NoError(t, a.Close(context.Background()))
}

func TestNewApp_TaskIDsContinueAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	ctx := testutil.TestContext(t)
	logger := zaptest.NewLogger(t)
	gen := mocks.NewMockGenerator().WithResponse(fixtures.DirectAnswer)

	first, err := newApp(ctx, fileStoreConfig(t, dir), logger, withGenerator(gen))
	require.NoError(t, err)
	r1, err := first.engine.Run(ctx, "what is 2+2?")
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second, err := newApp(ctx, fileStoreConfig(t, dir), logger, withGenerator(gen))
	require.NoError(t, err)
	defer second.Close(context.Background())
	r2, err := second.engine.Run(ctx, "and 3+3?")
	require.NoError(t, err)

	require.Len(t, r1.Entries, 1)
	require.Len(t, r2.Entries, 1)
	assert.Greater(t, r2.Entries[0].TaskID, r1.Entries[0].TaskID)

	all, err := second.store.ListTasks(ctx, persistence.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNewApp_InvalidStore(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unreachable redis", func(c *config.Config) {
			c.Store.Type = "redis"
			c.Redis.Addr = "127.0.0.1:1"
		}},
		{"file store path is a file", func(c *config.Config) {
			c.Store.Type = "file"
			c.Store.Dir = blocker
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Engine.CodeExecution = false
			tt.mutate(cfg)

			a, err := newApp(testutil.TestContext(t), cfg, zaptest.NewLogger(t), withGenerator(mocks.NewMockGenerator()))
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Contains(t, err.Error(), "open task store")
		})
	}
}
