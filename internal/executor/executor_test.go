package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/sandbox"
)

type fakeStore struct {
	mu      sync.Mutex
	running map[int64]bool
	results map[int64]model.TaskInstance
}

func newFakeStore() *fakeStore {
	return &fakeStore{running: map[int64]bool{}, results: map[int64]model.TaskInstance{}}
}

func (f *fakeStore) BulkMarkRunning(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.running[id] = true
	}
	return nil
}

func (f *fakeStore) CompleteTask(ctx context.Context, id int64, status model.TaskStatus, outputs map[string]interface{}, logs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = model.TaskInstance{ID: id, Status: status, Outputs: outputs, Logs: logs}
	return nil
}

func (f *fakeStore) GetTaskInstance(ctx context.Context, id int64) (*model.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ti, ok := f.results[id]
	if !ok {
		return &model.TaskInstance{ID: id, Status: model.TaskRunning}, nil
	}
	return &ti, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []model.SchedulerEvent
}

func (f *fakeBus) Publish(ctx context.Context, queueKey string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload.(model.SchedulerEvent))
	return nil
}

type fakeRunner struct {
	mu         sync.Mutex
	result     *sandbox.Result
	err        error
	delay      time.Duration
	workspaces []string
}

func (f *fakeRunner) Run(ctx context.Context, modulePath string, input []byte, workspaceDir string) (*sandbox.Result, error) {
	f.mu.Lock()
	f.workspaces = append(f.workspaces, workspaceDir)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func TestExecuteGroup_AllSucceed(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	runner := &fakeRunner{result: &sandbox.Result{Output: []byte(`{"ok":true}`)}}
	exec := New(st, bus, runner, t.TempDir(), nil, nil)

	payload := model.GroupPayload{
		GroupID: "abc123",
		Tasks: []model.GroupTask{
			{TaskInstanceID: 1, Type: model.AgentWASM, SourceRef: "/fixtures/a.wasm"},
			{TaskInstanceID: 2, Type: model.AgentWASM, SourceRef: "/fixtures/b.wasm"},
		},
	}

	require.NoError(t, exec.ExecuteGroup(context.Background(), payload))

	assert.True(t, st.running[1])
	assert.True(t, st.running[2])
	assert.Equal(t, model.TaskCompleted, st.results[1].Status)
	assert.Equal(t, model.TaskCompleted, st.results[2].Status)
	assert.Len(t, bus.events, 2)
}

func TestExecuteGroup_WorkspacePerTaskAndCleanedUp(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	runner := &fakeRunner{result: &sandbox.Result{Output: []byte(`{}`)}}
	root := t.TempDir()
	exec := New(st, bus, runner, root, nil, nil)

	payload := model.GroupPayload{
		GroupID: "grp000000001",
		Tasks: []model.GroupTask{
			{TaskInstanceID: 7, Type: model.AgentWASM, SourceRef: "/fixtures/a.wasm"},
		},
	}
	require.NoError(t, exec.ExecuteGroup(context.Background(), payload))

	require.Len(t, runner.workspaces, 1)
	assert.Equal(t, filepath.Join(root, "wasm_workspaces", "grp000000001", "7"), runner.workspaces[0])

	// Torn down after the group returns, even though the run succeeded.
	_, err := os.Stat(runner.workspaces[0])
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteGroup_NoShortCircuitOnFirstFailure(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	runner := &fakeRunner{result: &sandbox.Result{Trap: "fuel exhausted"}}
	exec := New(st, bus, runner, t.TempDir(), nil, nil)

	payload := model.GroupPayload{
		GroupID: "def456",
		Tasks: []model.GroupTask{
			{TaskInstanceID: 1, Type: model.AgentWASM, SourceRef: "/fixtures/a.wasm"},
			{TaskInstanceID: 2, Type: model.AgentWASM, SourceRef: "/fixtures/b.wasm"},
		},
	}

	require.NoError(t, exec.ExecuteGroup(context.Background(), payload))

	assert.Equal(t, model.TaskFailed, st.results[1].Status)
	assert.Equal(t, model.TaskFailed, st.results[2].Status)
	assert.Len(t, bus.events, 2)
}

func TestExecuteGroup_StubBackendsSucceed(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	exec := New(st, bus, &fakeRunner{}, t.TempDir(), nil, nil)

	payload := model.GroupPayload{
		GroupID: "stub00000001",
		Tasks: []model.GroupTask{
			{TaskInstanceID: 1, Type: model.AgentDocker, SourceRef: "alpine:latest"},
			{TaskInstanceID: 2, Type: model.AgentPythonFunction, SourceRef: "https://fn.example/run"},
		},
	}

	require.NoError(t, exec.ExecuteGroup(context.Background(), payload))
	assert.Equal(t, model.TaskCompleted, st.results[1].Status)
	assert.Contains(t, st.results[1].Logs, "simulated docker run")
	assert.Equal(t, model.TaskCompleted, st.results[2].Status)
	assert.Contains(t, st.results[2].Logs, "simulated function call")
}

func TestExecuteGroup_UnknownBackendFailsImmediately(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	exec := New(st, bus, &fakeRunner{}, t.TempDir(), nil, nil)

	payload := model.GroupPayload{
		GroupID: "ghi789",
		Tasks:   []model.GroupTask{{TaskInstanceID: 1, Type: "WEIRD", SourceRef: "n/a"}},
	}

	require.NoError(t, exec.ExecuteGroup(context.Background(), payload))
	assert.Equal(t, model.TaskFailed, st.results[1].Status)
	assert.Contains(t, st.results[1].Logs, "Unsupported agent type")
}

func TestExecuteGroup_SoftTimeoutFailsOutstandingWithoutError(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	runner := &fakeRunner{result: &sandbox.Result{Output: []byte(`{}`)}, delay: 50 * time.Millisecond}
	exec := New(st, bus, runner, t.TempDir(), nil, nil)
	exec.softOverride = 10 * time.Millisecond

	payload := model.GroupPayload{
		GroupID: "jkl012",
		Tasks:   []model.GroupTask{{TaskInstanceID: 1, Type: model.AgentWASM, SourceRef: "/fixtures/a.wasm"}},
	}

	err := exec.ExecuteGroup(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, st.results[1].Status)
}

func TestExecuteGroup_HardTimeoutReturnsError(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	runner := &fakeRunner{result: &sandbox.Result{Output: []byte(`{}`)}, delay: 200 * time.Millisecond}
	exec := New(st, bus, runner, t.TempDir(), nil, nil)
	exec.softOverride = 150 * time.Millisecond
	exec.hardOverride = 10 * time.Millisecond

	payload := model.GroupPayload{
		GroupID: "mno345",
		Tasks:   []model.GroupTask{{TaskInstanceID: 1, Type: model.AgentWASM, SourceRef: "/fixtures/a.wasm"}},
	}

	err := exec.ExecuteGroup(context.Background(), payload)
	require.Error(t, err)
	assert.Equal(t, model.TaskFailed, st.results[1].Status)
}
