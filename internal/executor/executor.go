// Package executor implements the task-group executor: given a
// dispatched group of tasks, it bulk-marks them RUNNING, fans out one
// goroutine per task against the right backend, waits for all of them
// (no short-circuit on first failure), persists each outcome, and
// emits a scheduler_queue event per task.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weix2025/dagforge/internal/metrics"
	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/queue"
	"github.com/weix2025/dagforge/internal/sandbox"
)

// TaskStore is the persistence surface ExecuteGroup needs; *store.Store
// satisfies it.
type TaskStore interface {
	BulkMarkRunning(ctx context.Context, taskInstanceIDs []int64) error
	CompleteTask(ctx context.Context, taskInstanceID int64, status model.TaskStatus, outputs map[string]interface{}, logs string) error
	GetTaskInstance(ctx context.Context, id int64) (*model.TaskInstance, error)
}

// EventPublisher is the narrow slice of *queue.Bus the executor uses
// to notify the scheduler of a finished task.
type EventPublisher interface {
	Publish(ctx context.Context, queueKey string, payload interface{}) error
}

// Runner executes one WASM module invocation with workspaceDir as the
// guest's only visible filesystem. *sandbox.Sandbox satisfies it.
type Runner interface {
	Run(ctx context.Context, modulePath string, input []byte, workspaceDir string) (*sandbox.Result, error)
}

// Soft and hard timeouts bound a whole task group, independent of the
// per-task wasmtime epoch deadline: soft aborts cleanly (marks
// in-flight tasks FAILED, does not re-raise), hard indicates something
// is catastrophically stuck (re-raised to the caller after the bulk
// fail, so a supervisor can restart the worker). Both deadlines start
// when the group starts and ExecuteGroup returns at whichever fires
// first; with these values the soft timeout always fires first, so the
// hard path is taken only when the hard timeout is set below the soft one.
const (
	SoftGroupTimeout = 3600 * time.Second
	HardGroupTimeout = 3700 * time.Second
)

// Executor runs dispatched task groups.
type Executor struct {
	store         TaskStore
	bus           EventPublisher
	sandbox       Runner
	workspaceRoot string // SHARED_FS_ROOT; per-task dirs live under <root>/wasm_workspaces
	metrics       *metrics.Metrics
	logger        *zap.Logger

	// softOverride/hardOverride let tests shrink the group timeouts
	// below SoftGroupTimeout/HardGroupTimeout without waiting an hour.
	// Left zero in production, where the package constants apply.
	softOverride time.Duration
	hardOverride time.Duration
}

// New builds an Executor. workspaceRoot is the shared filesystem root
// under which per-task WASM workspaces are created and torn down.
func New(st TaskStore, bus EventPublisher, sb Runner, workspaceRoot string, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: st, bus: bus, sandbox: sb, workspaceRoot: workspaceRoot, metrics: m, logger: logger}
}

func (e *Executor) softTimeout() time.Duration {
	if e.softOverride > 0 {
		return e.softOverride
	}
	return SoftGroupTimeout
}

func (e *Executor) hardTimeout() time.Duration {
	if e.hardOverride > 0 {
		return e.hardOverride
	}
	return HardGroupTimeout
}

// ExecuteGroup runs every task in payload concurrently and returns
// once all of them have reached a terminal state or a group timeout
// fires. Soft timeout produces a nil error with every still-running
// task marked FAILED; hard timeout fails everything outstanding and
// returns an error so the caller can treat the group as catastrophic.
func (e *Executor) ExecuteGroup(ctx context.Context, payload model.GroupPayload) error {
	if len(payload.Tasks) == 0 {
		return nil
	}

	ids := make([]int64, len(payload.Tasks))
	for i, t := range payload.Tasks {
		ids[i] = t.TaskInstanceID
	}
	if err := e.store.BulkMarkRunning(ctx, ids); err != nil {
		return fmt.Errorf("executor: bulk mark running: %w", err)
	}

	softCtx, softCancel := context.WithTimeout(ctx, e.softTimeout())
	defer softCancel()
	hardCtx, hardCancel := context.WithTimeout(ctx, e.hardTimeout())
	defer hardCancel()

	var wg sync.WaitGroup
	done := make(chan struct{})

	for _, task := range payload.Tasks {
		wg.Add(1)
		go func(task model.GroupTask) {
			defer wg.Done()
			e.runOne(softCtx, payload.GroupID, task)
		}(task)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-hardCtx.Done():
		e.failOutstanding(context.Background(), payload, "task group exceeded hard timeout")
		return fmt.Errorf("executor: group %s exceeded hard timeout", payload.GroupID)
	case <-softCtx.Done():
		e.failOutstanding(context.Background(), payload, "task group exceeded soft timeout")
		return nil
	}
}

// failOutstanding marks every task in payload that has not yet
// reached a terminal state as FAILED and notifies the scheduler. Used
// on both timeout paths; ctx is detached from the group's own
// deadline since it runs after that deadline has already fired.
func (e *Executor) failOutstanding(ctx context.Context, payload model.GroupPayload, reason string) {
	for _, task := range payload.Tasks {
		ti, err := e.store.GetTaskInstance(ctx, task.TaskInstanceID)
		if err != nil || ti.Status.IsTerminal() {
			continue
		}
		e.finish(ctx, task.TaskInstanceID, model.TaskFailed, nil, reason)
	}
}

func (e *Executor) runOne(ctx context.Context, groupID string, task model.GroupTask) {
	start := time.Now()
	logger := e.logger.With(zap.String("group_id", groupID), zap.Int64("task_instance_id", task.TaskInstanceID))

	var status model.TaskStatus
	var outputs map[string]interface{}
	var logLine string

	switch task.Type {
	case model.AgentWASM:
		status, outputs, logLine = e.runWASM(ctx, groupID, task)
	case model.AgentDocker:
		status, outputs, logLine = e.runDockerStub(ctx, task)
	case model.AgentPythonFunction:
		status, outputs, logLine = e.runPythonStub(ctx, task)
	default:
		status, outputs, logLine = model.TaskFailed, nil, fmt.Sprintf("Unsupported agent type %q", task.Type)
	}

	if e.metrics != nil {
		e.metrics.TaskExecutions.WithLabelValues(string(task.Type), string(status)).Inc()
		e.metrics.TaskExecutionTime.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
	}

	logger.Info("task finished", zap.String("status", string(status)), zap.Duration("duration", time.Since(start)))
	e.finish(ctx, task.TaskInstanceID, status, outputs, logLine)
}

func (e *Executor) runWASM(ctx context.Context, groupID string, task model.GroupTask) (model.TaskStatus, map[string]interface{}, string) {
	input, err := json.Marshal(task.Params.InputParams)
	if err != nil {
		return model.TaskFailed, nil, fmt.Sprintf("marshal input: %v", err)
	}

	wsDir := filepath.Join(e.workspaceRoot, "wasm_workspaces", groupID, strconv.FormatInt(task.TaskInstanceID, 10))
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		return model.TaskFailed, nil, fmt.Sprintf("create workspace dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(wsDir); err != nil {
			e.logger.Warn("failed to remove workspace dir", zap.String("dir", wsDir), zap.Error(err))
		}
	}()

	result, err := e.sandbox.Run(ctx, task.SourceRef, input, wsDir)
	if err != nil {
		return model.TaskFailed, nil, fmt.Sprintf("sandbox infrastructure error: %v", err)
	}
	if result.Trap != "" {
		if e.metrics != nil {
			switch result.Trap {
			case "fuel exhausted":
				e.metrics.SandboxFuelExhausted.Inc()
			case "wall-clock deadline exceeded":
				e.metrics.SandboxTimeouts.Inc()
			}
		}
		return model.TaskFailed, nil, result.Trap
	}

	var outputs map[string]interface{}
	if err := json.Unmarshal(result.Output, &outputs); err != nil {
		return model.TaskFailed, nil, fmt.Sprintf("guest output did not decode: %v", err)
	}
	return model.TaskCompleted, outputs, "completed"
}

// runDockerStub stands in for a container backend. It reports success
// with simulated logs so DOCKER-typed templates can be exercised end
// to end before the real backend lands.
func (e *Executor) runDockerStub(ctx context.Context, task model.GroupTask) (model.TaskStatus, map[string]interface{}, string) {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return model.TaskFailed, nil, "cancelled before docker stub finished"
	}
	return model.TaskCompleted, map[string]interface{}{}, fmt.Sprintf("simulated docker run of %s", task.SourceRef)
}

// runPythonStub stands in for the hosted-function backend.
func (e *Executor) runPythonStub(ctx context.Context, task model.GroupTask) (model.TaskStatus, map[string]interface{}, string) {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return model.TaskFailed, nil, "cancelled before function stub finished"
	}
	return model.TaskCompleted, map[string]interface{}{}, fmt.Sprintf("simulated function call to %s", task.SourceRef)
}

func (e *Executor) finish(ctx context.Context, taskInstanceID int64, status model.TaskStatus, outputs map[string]interface{}, logLine string) {
	if err := e.store.CompleteTask(ctx, taskInstanceID, status, outputs, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), logLine)); err != nil {
		e.logger.Error("failed to persist task outcome", zap.Int64("task_instance_id", taskInstanceID), zap.Error(err))
		return
	}

	event := model.SchedulerEvent{TaskInstanceID: taskInstanceID}
	if status == model.TaskCompleted {
		event.EventType = model.EventTaskCompleted
	} else {
		event.EventType = model.EventTaskFailed
		event.Error = logLine
	}

	if err := e.bus.Publish(ctx, queue.SchedulerQueueKey, event); err != nil {
		e.logger.Error("failed to publish scheduler event", zap.Int64("task_instance_id", taskInstanceID), zap.Error(err))
	}
}
