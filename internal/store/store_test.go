package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weix2025/dagforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAgent(t *testing.T, s *Store) int64 {
	t.Helper()
	res, err := s.conn.Exec(`INSERT INTO agents (type, source_reference) VALUES (?, ?)`, model.AgentWASM, "/fixtures/echo.wasm")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestCreateAndGetWorkflowInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := model.DAGDefinition{Nodes: []model.Node{{ID: "a"}}}
	id, err := s.CreateWorkflowInstance(ctx, &model.WorkflowInstance{
		TemplateID:    1,
		DAGDefinition: def,
		Priority:      5,
		Inputs:        map[string]interface{}{"x": 1.0},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	wi, err := s.GetWorkflowInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowQueued, wi.Status)
	require.Equal(t, 5, wi.Priority)
	require.Equal(t, "a", wi.DAGDefinition.Nodes[0].ID)
}

func TestTransitionWorkflowStatus_RejectsAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateWorkflowInstance(ctx, &model.WorkflowInstance{DAGDefinition: model.DAGDefinition{}})
	require.NoError(t, err)

	require.NoError(t, s.TransitionWorkflowStatus(ctx, id, model.WorkflowRunning, true, false))
	require.NoError(t, s.TransitionWorkflowStatus(ctx, id, model.WorkflowCompleted, false, true))

	err = s.TransitionWorkflowStatus(ctx, id, model.WorkflowFailed, false, true)
	require.ErrorIs(t, err, ErrTerminal)

	wi, err := s.GetWorkflowInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowCompleted, wi.Status)
}

func TestMaterializeTask_SecondCallReturnsExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := seedAgent(t, s)

	def := model.DAGDefinition{Nodes: []model.Node{{ID: "a"}}}
	wfID, err := s.CreateWorkflowInstance(ctx, &model.WorkflowInstance{DAGDefinition: def})
	require.NoError(t, err)

	ti, created, err := s.MaterializeTask(ctx, wfID, "a", agentID, map[string]interface{}{"x": 1.0})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.TaskPending, ti.Status)
	require.Equal(t, "a", ti.NodeID)

	again, created, err := s.MaterializeTask(ctx, wfID, "a", agentID, nil) // redelivery
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, ti.ID, again.ID)

	tasks, err := s.ListTaskInstances(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestBulkMarkRunningAndCompleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := seedAgent(t, s)

	def := model.DAGDefinition{Nodes: []model.Node{{ID: "a"}}}
	wfID, err := s.CreateWorkflowInstance(ctx, &model.WorkflowInstance{DAGDefinition: def})
	require.NoError(t, err)
	ti, _, err := s.MaterializeTask(ctx, wfID, "a", agentID, nil)
	require.NoError(t, err)

	require.NoError(t, s.BulkMarkRunning(ctx, []int64{ti.ID}))
	require.NoError(t, s.CompleteTask(ctx, ti.ID, model.TaskCompleted, map[string]interface{}{"ok": true}, "done"))

	total, completed, failed, err := s.CountTasksByStatus(ctx, wfID)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, 1, completed)
	require.Equal(t, 0, failed)
}

func TestAgentAndTemplateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, &model.Agent{Type: model.AgentWASM, SourceReference: "/fixtures/echo.wasm"})
	require.NoError(t, err)
	a, err := s.GetAgent(ctx, agentID)
	require.NoError(t, err)
	require.Equal(t, model.AgentWASM, a.Type)
	require.Equal(t, "/fixtures/echo.wasm", a.SourceReference)

	_, err = s.GetAgent(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	def := model.DAGDefinition{
		Nodes: []model.Node{{ID: "a", Data: model.NodeData{AgentID: agentID}}},
		Edges: []model.Edge{},
	}
	tmplID, err := s.CreateDAGTemplate(ctx, def)
	require.NoError(t, err)
	tmpl, err := s.GetDAGTemplate(ctx, tmplID)
	require.NoError(t, err)
	require.Equal(t, "a", tmpl.DAGDefinition.Nodes[0].ID)
	require.Equal(t, agentID, tmpl.DAGDefinition.Nodes[0].Data.AgentID)
}

func TestGetTaskInstancesByNodeIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := seedAgent(t, s)

	def := model.DAGDefinition{Nodes: []model.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	wfID, err := s.CreateWorkflowInstance(ctx, &model.WorkflowInstance{DAGDefinition: def})
	require.NoError(t, err)
	for _, n := range []string{"a", "b", "c"} {
		_, _, err := s.MaterializeTask(ctx, wfID, n, agentID, nil)
		require.NoError(t, err)
	}

	tasks, err := s.GetTaskInstancesByNodeIDs(ctx, wfID, []string{"a", "c"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agentID := seedAgent(t, s)

	def := model.DAGDefinition{Nodes: []model.Node{{ID: "a"}}}
	wfID, err := s.CreateWorkflowInstance(ctx, &model.WorkflowInstance{DAGDefinition: def})
	require.NoError(t, err)
	created, _, err := s.MaterializeTask(ctx, wfID, "a", agentID, nil)
	require.NoError(t, err)

	require.NoError(t, s.IncrementRetry(ctx, created.ID))
	ti, err := s.GetTaskInstance(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, ti.RetryCount)
	require.Equal(t, model.TaskPending, ti.Status)
}
