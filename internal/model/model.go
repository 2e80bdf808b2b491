// Package model defines the data types the scheduler and executor read
// and write: agents, templates, workflow/task instances, and the
// transient payloads that travel over the event bus.
package model

import "time"

// AgentType identifies the execution backend a task runs on.
type AgentType string

const (
	AgentWASM           AgentType = "WASM"
	AgentDocker         AgentType = "DOCKER"
	AgentPythonFunction AgentType = "PYTHON_FUNCTION"
)

// Agent is read-only to the core; it is owned by the API/CRUD surface.
type Agent struct {
	ID              int64
	Type            AgentType
	SourceReference string // filesystem path (WASM), image ref (DOCKER), endpoint hint (PYTHON_FUNCTION)
	InputSchema     []byte
	OutputSchema    []byte
}

// RetryPolicy is attached to a node and consulted by the scheduler on
// TASK_FAILED.
type RetryPolicy struct {
	MaxRetries   int `json:"max_retries"`
	DelaySeconds int `json:"delay_seconds"`
}

// NodeData is the node payload carried in a DAG definition.
type NodeData struct {
	AgentID     int64                  `json:"agent_id"`
	InputParams map[string]interface{} `json:"input_params"`
	RetryPolicy *RetryPolicy           `json:"retry_policy,omitempty"`
	TimeoutSecs int                    `json:"timeout_seconds,omitempty"`
}

// Node is one vertex of a DAG definition. Node IDs are unique within a template.
type Node struct {
	ID   string   `json:"id"`
	Data NodeData `json:"data"`
}

// Edge is a directed dependency: From must complete before To can start.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAGDefinition is the graph shape shared by templates and the
// denormalized snapshot carried on a WorkflowInstance.
type DAGDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// DAGTemplate is read-only to the core.
type DAGTemplate struct {
	ID            int64
	DAGDefinition DAGDefinition
}

// WorkflowStatus is the lifecycle state of a WorkflowInstance (I2).
type WorkflowStatus string

const (
	WorkflowQueued    WorkflowStatus = "QUEUED"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether status is absorbing (I2).
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// WorkflowInstance is read-write; the scheduler owns its status transitions.
type WorkflowInstance struct {
	ID            int64
	TemplateID    int64
	DAGDefinition DAGDefinition // denormalized snapshot, immutable once set
	Status        WorkflowStatus
	Priority      int
	Inputs        map[string]interface{}
	Outputs       map[string]interface{}
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TaskStatus is the lifecycle state of a TaskInstance (I3).
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// IsTerminal reports whether status is a terminal TaskInstance state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskInstance is one node's concrete execution within a workflow
// instance. (WorkflowInstanceID, NodeID) is unique (I1).
type TaskInstance struct {
	ID                 int64
	WorkflowInstanceID int64
	NodeID             string
	AgentID            int64
	Status             TaskStatus
	InputParams        map[string]interface{}
	Outputs            map[string]interface{}
	Logs               string
	RetryCount         int
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// GroupTask is one task's entry within a dispatched task group.
type GroupTask struct {
	TaskInstanceID int64           `json:"task_instance_id"`
	Type           AgentType       `json:"type"`
	SourceRef      string          `json:"source_reference"`
	Params         GroupTaskParams `json:"params"`
}

// GroupTaskParams wraps the input params the way the wire format nests them.
type GroupTaskParams struct {
	InputParams map[string]interface{} `json:"input_params"`
}

// GroupPayload is the transient message dispatched to compute_queue.
type GroupPayload struct {
	GroupID string      `json:"group_id"` // 12-char URL-safe id
	Tasks   []GroupTask `json:"tasks"`
}

// SchedulerEventType tags the three (plus cancellation) event variants.
type SchedulerEventType string

const (
	EventStartWorkflow  SchedulerEventType = "START_WORKFLOW"
	EventTaskCompleted  SchedulerEventType = "TASK_COMPLETED"
	EventTaskFailed     SchedulerEventType = "TASK_FAILED"
	EventCancelWorkflow SchedulerEventType = "CANCEL_WORKFLOW"
)

// SchedulerEvent is the tagged union carried on scheduler_queue.
type SchedulerEvent struct {
	EventType      SchedulerEventType `json:"event_type"`
	InstanceID     int64              `json:"instance_id,omitempty"`
	TaskInstanceID int64              `json:"task_instance_id,omitempty"`
	Error          string             `json:"error,omitempty"`
}
