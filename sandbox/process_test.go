//go:build unix

package sandbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func runProcess(t *testing.T, req ExecutionRequest, maxOutput int) ExecutionResult {
	t.Helper()
	backend := NewProcessBackend(ProcessBackendConfig{MaxOutputBytes: maxOutput}, zaptest.NewLogger(t))
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 10
	}
	if req.ID == "" {
		req.ID = t.Name()
	}
	return backend.Execute(context.Background(), req, t.TempDir())
}

func TestProcessBackend_PythonPrint(t *testing.T) {
	requireInterpreter(t, "python3")

	res := runProcess(t, ExecutionRequest{Source: "print(1+1)", Language: LangPython}, 0)

	assert.True(t, res.Success, res.Stderr)
	assert.Equal(t, "2\n", res.Stdout)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, CategoryNone, res.FailureCategory)
	assert.Equal(t, "process", res.Backend)
}

func TestProcessBackend_NonzeroExit(t *testing.T) {
	requireInterpreter(t, "bash")

	res := runProcess(t, ExecutionRequest{Source: "echo oops >&2; exit 3", Language: LangBash}, 0)

	assert.False(t, res.Success)
	assert.Equal(t, CategoryNonzeroExit, res.FailureCategory)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestProcessBackend_InfiniteLoopTimesOut(t *testing.T) {
	requireInterpreter(t, "python3")

	res := runProcess(t, ExecutionRequest{Source: "while True:\n    pass\n", Language: LangPython, TimeoutSeconds: 1}, 0)

	assert.Equal(t, CategoryTimeout, res.FailureCategory)
	assert.Nil(t, res.ExitCode)
	assert.GreaterOrEqual(t, res.ElapsedSeconds, 1.0)
	assert.Less(t, res.ElapsedSeconds, 3.0)
}

func TestProcessBackend_TimeoutKillsProcessGroup(t *testing.T) {
	requireInterpreter(t, "bash")

	// The background sleep inherits stdout; only a group kill lets Execute return early.
	src := "sleep 30 &\necho started\nwhile true; do :; done\n"
	start := time.Now()
	res := runProcess(t, ExecutionRequest{Source: src, Language: LangBash, TimeoutSeconds: 1}, 0)

	assert.Equal(t, CategoryTimeout, res.FailureCategory)
	assert.Equal(t, "started\n", res.Stdout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessBackend_OrphanedChildDoesNotBlock(t *testing.T) {
	requireInterpreter(t, "bash")

	start := time.Now()
	res := runProcess(t, ExecutionRequest{Source: "(sleep 30 &)\necho done\n", Language: LangBash}, 0)

	assert.Equal(t, CategoryNone, res.FailureCategory)
	assert.Equal(t, "done\n", res.Stdout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessBackend_ForeignKillIsResourceExceeded(t *testing.T) {
	requireInterpreter(t, "bash")

	res := runProcess(t, ExecutionRequest{Source: "kill -9 $$", Language: LangBash}, 0)

	assert.Equal(t, CategoryResourceExceeded, res.FailureCategory)
	assert.Nil(t, res.ExitCode)
}

func TestProcessBackend_OutputCapped(t *testing.T) {
	requireInterpreter(t, "python3")

	res := runProcess(t, ExecutionRequest{Source: "print('x' * 100000)", Language: LangPython}, 1024)

	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, 1024)
}

func TestProcessBackend_WorkingDirectoryIsWorkspace(t *testing.T) {
	requireInterpreter(t, "bash")

	dir := t.TempDir()
	backend := NewProcessBackend(ProcessBackendConfig{}, zaptest.NewLogger(t))
	res := backend.Execute(context.Background(), ExecutionRequest{
		ID: "pwd", Source: "pwd; ls", Language: LangBash, TimeoutSeconds: 5,
	}, dir)

	require.True(t, res.Success, res.Stderr)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, real, lines[0])
	assert.Equal(t, "main.sh", lines[1])
}

func TestProcessBackend_MissingInterpreterIsUnavailable(t *testing.T) {
	backend := NewProcessBackend(ProcessBackendConfig{
		Interpreters: map[Language][]string{LangPython: {"definitely-not-a-python"}},
	}, zaptest.NewLogger(t))

	res := backend.Execute(context.Background(), ExecutionRequest{
		ID: "x", Source: "print(1)", Language: LangPython, TimeoutSeconds: 1,
	}, t.TempDir())

	assert.Equal(t, CategoryBackendUnavailable, res.FailureCategory)
	assert.Error(t, backend.Probe(context.Background()))
}

func TestProcessBackend_CancelledContext(t *testing.T) {
	requireInterpreter(t, "bash")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	backend := NewProcessBackend(ProcessBackendConfig{}, zaptest.NewLogger(t))
	res := backend.Execute(ctx, ExecutionRequest{
		ID: "cancel", Source: "sleep 30", Language: LangBash, TimeoutSeconds: 10,
	}, t.TempDir())

	assert.Equal(t, CategoryInternalError, res.FailureCategory)
	assert.Equal(t, "execution cancelled", res.Error)
	assert.Less(t, res.ElapsedSeconds, 5.0)
}
