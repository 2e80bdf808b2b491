// Package scheduler is the event-driven DAG advancement engine. It
// consumes lifecycle events from scheduler_queue, decides which nodes
// of a workflow have become ready, materializes them as task
// instances, and dispatches them as task groups on compute_queue. All
// state lives in the database; the handlers are idempotent, so
// at-least-once event delivery is safe.
//
// Per-workflow serialization is provided by running a single
// scheduler consumer (see the scheduler worker's main). The unique
// (workflow_instance_id, node_id) constraint and the terminal-state
// guard on workflow transitions remain as backstops if that deployment
// choice ever changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"

	"github.com/weix2025/dagforge/internal/dag"
	"github.com/weix2025/dagforge/internal/metrics"
	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/queue"
	"github.com/weix2025/dagforge/internal/store"
)

// Store is the persistence surface the scheduler depends on;
// *store.Store satisfies it.
type Store interface {
	GetWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error)
	TransitionWorkflowStatus(ctx context.Context, id int64, newStatus model.WorkflowStatus, setStarted, setCompleted bool) error
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
	GetTaskInstance(ctx context.Context, id int64) (*model.TaskInstance, error)
	ListTaskInstances(ctx context.Context, workflowID int64) ([]*model.TaskInstance, error)
	MaterializeTask(ctx context.Context, workflowID int64, nodeID string, agentID int64, params map[string]interface{}) (*model.TaskInstance, bool, error)
	IncrementRetry(ctx context.Context, taskInstanceID int64) error
	CountTasksByStatus(ctx context.Context, workflowID int64) (total, completed, failed int, err error)
}

// Publisher is the slice of *queue.Bus the scheduler publishes
// through.
type Publisher interface {
	Publish(ctx context.Context, queueKey string, payload interface{}) error
	PublishDelayed(ctx context.Context, queueKey string, payload interface{}, delay time.Duration) error
}

// Scheduler advances workflow instances in response to lifecycle
// events.
type Scheduler struct {
	store   Store
	bus     Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds a Scheduler.
func New(st Store, bus Publisher, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: st, bus: bus, metrics: m, logger: logger}
}

// newGroupID returns a fresh 12-character URL-safe group identifier.
func newGroupID() string {
	return shortuuid.New()[:12]
}

// HandleEvent dispatches one scheduler event to its handler. A nil
// return means the event is fully handled (including the "workflow
// already terminal, ignore" cases); a non-nil return means transient
// infrastructure failure and the broker should redeliver.
func (s *Scheduler) HandleEvent(ctx context.Context, ev model.SchedulerEvent) error {
	if s.metrics != nil {
		s.metrics.SchedulerEvents.WithLabelValues(string(ev.EventType)).Inc()
	}

	switch ev.EventType {
	case model.EventStartWorkflow:
		return s.handleStartWorkflow(ctx, ev.InstanceID)
	case model.EventTaskCompleted:
		return s.handleTaskCompleted(ctx, ev.TaskInstanceID)
	case model.EventTaskFailed:
		return s.handleTaskFailed(ctx, ev.TaskInstanceID, ev.Error)
	case model.EventCancelWorkflow:
		return s.handleCancelWorkflow(ctx, ev.InstanceID)
	default:
		s.logger.Warn("dropping event with unknown type", zap.String("event_type", string(ev.EventType)))
		return nil
	}
}

func (s *Scheduler) handleStartWorkflow(ctx context.Context, instanceID int64) error {
	wf, err := s.store.GetWorkflowInstance(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("START_WORKFLOW for unknown instance", zap.Int64("workflow_instance_id", instanceID))
		return nil
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	if dag.IsCyclic(wf.DAGDefinition) {
		return s.failWorkflow(ctx, wf.ID, "dag definition contains a cycle")
	}
	starts := dag.StartNodes(wf.DAGDefinition)
	if len(starts) == 0 {
		return s.failWorkflow(ctx, wf.ID, "dag definition has no start nodes")
	}

	if err := s.store.TransitionWorkflowStatus(ctx, wf.ID, model.WorkflowRunning, true, false); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.WorkflowsStarted.Inc()
	}
	s.logger.Info("workflow started",
		zap.Int64("workflow_instance_id", wf.ID),
		zap.Int("start_nodes", len(starts)))

	return s.dispatchTaskGroup(ctx, wf, starts)
}

func (s *Scheduler) handleTaskCompleted(ctx context.Context, taskInstanceID int64) error {
	task, err := s.store.GetTaskInstance(ctx, taskInstanceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("TASK_COMPLETED for unknown task", zap.Int64("task_instance_id", taskInstanceID))
		return nil
	}
	if err != nil {
		return err
	}

	wf, err := s.store.GetWorkflowInstance(ctx, task.WorkflowInstanceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("TASK_COMPLETED for unknown workflow", zap.Int64("workflow_instance_id", task.WorkflowInstanceID))
		return nil
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	all, err := s.store.ListTaskInstances(ctx, wf.ID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(all))
	completed := make(map[string]bool, len(all))
	for _, ti := range all {
		existing[ti.NodeID] = true
		if ti.Status == model.TaskCompleted {
			completed[ti.NodeID] = true
		}
	}

	var ready []string
	for _, n := range dag.Downstream(wf.DAGDefinition, task.NodeID) {
		if existing[n] {
			continue
		}
		if dag.DependenciesMet(wf.DAGDefinition, n, completed) {
			ready = append(ready, n)
		}
	}
	if len(ready) > 0 {
		if err := s.dispatchTaskGroup(ctx, wf, ready); err != nil {
			return err
		}
	}

	_, completedCount, _, err := s.store.CountTasksByStatus(ctx, wf.ID)
	if err != nil {
		return err
	}
	if completedCount == len(wf.DAGDefinition.Nodes) {
		if err := s.store.TransitionWorkflowStatus(ctx, wf.ID, model.WorkflowCompleted, false, true); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return nil
			}
			return err
		}
		if s.metrics != nil {
			s.metrics.WorkflowsCompleted.Inc()
		}
		s.logger.Info("workflow completed", zap.Int64("workflow_instance_id", wf.ID))
	}
	return nil
}

func (s *Scheduler) handleTaskFailed(ctx context.Context, taskInstanceID int64, errMsg string) error {
	task, err := s.store.GetTaskInstance(ctx, taskInstanceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("TASK_FAILED for unknown task", zap.Int64("task_instance_id", taskInstanceID))
		return nil
	}
	if err != nil {
		return err
	}

	wf, err := s.store.GetWorkflowInstance(ctx, task.WorkflowInstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	// A redelivered TASK_FAILED can arrive after the task has already
	// been reset for retry or re-run to completion; only a task still
	// sitting in FAILED is acted on.
	if task.Status != model.TaskFailed {
		s.logger.Debug("stale TASK_FAILED ignored",
			zap.Int64("task_instance_id", task.ID),
			zap.String("status", string(task.Status)))
		return nil
	}

	if node := findNode(wf.DAGDefinition, task.NodeID); node != nil && node.Data.RetryPolicy != nil && task.RetryCount < node.Data.RetryPolicy.MaxRetries {
		return s.retryTask(ctx, wf, task, node.Data.RetryPolicy)
	}

	return s.failWorkflow(ctx, wf.ID, fmt.Sprintf("task %d (%s) failed: %s", task.ID, task.NodeID, errMsg))
}

// retryTask resets the failed task to PENDING with a bumped
// retry_count and re-dispatches it as a single-task group, delayed by
// the node's configured backoff.
func (s *Scheduler) retryTask(ctx context.Context, wf *model.WorkflowInstance, task *model.TaskInstance, rp *model.RetryPolicy) error {
	agent, err := s.store.GetAgent(ctx, task.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return s.failWorkflow(ctx, wf.ID, fmt.Sprintf("agent %d for task %d no longer exists", task.AgentID, task.ID))
	}
	if err != nil {
		return err
	}

	if err := s.store.IncrementRetry(ctx, task.ID); err != nil {
		return err
	}

	payload := model.GroupPayload{
		GroupID: newGroupID(),
		Tasks: []model.GroupTask{{
			TaskInstanceID: task.ID,
			Type:           agent.Type,
			SourceRef:      agent.SourceReference,
			Params:         model.GroupTaskParams{InputParams: task.InputParams},
		}},
	}

	delay := time.Duration(rp.DelaySeconds) * time.Second
	if delay > 0 {
		err = s.bus.PublishDelayed(ctx, queue.ComputeQueueKey, payload, delay)
	} else {
		err = s.bus.Publish(ctx, queue.ComputeQueueKey, payload)
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.TaskRetries.Inc()
	}
	s.logger.Info("task retry dispatched",
		zap.Int64("workflow_instance_id", wf.ID),
		zap.Int64("task_instance_id", task.ID),
		zap.String("node_id", task.NodeID),
		zap.Int("retry_count", task.RetryCount+1),
		zap.Int("max_retries", rp.MaxRetries),
		zap.Duration("delay", delay))
	return nil
}

func (s *Scheduler) handleCancelWorkflow(ctx context.Context, instanceID int64) error {
	err := s.store.TransitionWorkflowStatus(ctx, instanceID, model.WorkflowCancelled, false, true)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("CANCEL_WORKFLOW for unknown instance", zap.Int64("workflow_instance_id", instanceID))
		return nil
	}
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.WorkflowsCancelled.Inc()
	}
	s.logger.Info("workflow cancelled", zap.Int64("workflow_instance_id", instanceID))
	return nil
}

// dispatchTaskGroup materializes one task instance per ready node and
// enqueues the group on compute_queue. Nodes whose task instance
// already exists are skipped, so a redelivered event cannot dispatch
// the same node twice. Definition problems (node without an agent_id,
// agent row missing) terminate the workflow instead of erroring.
func (s *Scheduler) dispatchTaskGroup(ctx context.Context, wf *model.WorkflowInstance, nodeIDs []string) error {
	groupID := newGroupID()

	var tasks []model.GroupTask
	for _, nodeID := range nodeIDs {
		node := findNode(wf.DAGDefinition, nodeID)
		if node == nil || node.Data.AgentID == 0 {
			return s.failWorkflow(ctx, wf.ID, fmt.Sprintf("node %q has no agent_id", nodeID))
		}

		agent, err := s.store.GetAgent(ctx, node.Data.AgentID)
		if errors.Is(err, store.ErrNotFound) {
			return s.failWorkflow(ctx, wf.ID, fmt.Sprintf("node %q references unknown agent %d", nodeID, node.Data.AgentID))
		}
		if err != nil {
			return err
		}

		ti, created, err := s.store.MaterializeTask(ctx, wf.ID, nodeID, agent.ID, node.Data.InputParams)
		if err != nil {
			return err
		}
		if !created {
			continue // already dispatched by an earlier delivery
		}

		tasks = append(tasks, model.GroupTask{
			TaskInstanceID: ti.ID,
			Type:           agent.Type,
			SourceRef:      agent.SourceReference,
			Params:         model.GroupTaskParams{InputParams: node.Data.InputParams},
		})
	}

	if len(tasks) == 0 {
		return nil
	}

	if err := s.bus.Publish(ctx, queue.ComputeQueueKey, model.GroupPayload{GroupID: groupID, Tasks: tasks}); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TaskGroupsDispatched.Inc()
	}
	s.logger.Info("task group dispatched",
		zap.Int64("workflow_instance_id", wf.ID),
		zap.String("group_id", groupID),
		zap.Int("tasks", len(tasks)))
	return nil
}

// failWorkflow moves a workflow to FAILED unless it is already
// terminal.
func (s *Scheduler) failWorkflow(ctx context.Context, workflowID int64, reason string) error {
	err := s.store.TransitionWorkflowStatus(ctx, workflowID, model.WorkflowFailed, false, true)
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.WorkflowsFailed.Inc()
	}
	s.logger.Warn("workflow failed",
		zap.Int64("workflow_instance_id", workflowID),
		zap.String("reason", reason))
	return nil
}

func findNode(def model.DAGDefinition, nodeID string) *model.Node {
	for i := range def.Nodes {
		if def.Nodes[i].ID == nodeID {
			return &def.Nodes[i]
		}
	}
	return nil
}
