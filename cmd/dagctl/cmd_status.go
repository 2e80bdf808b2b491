package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show a workflow instance and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Request cancellation of a running workflow instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var logsCmd = &cobra.Command{
	Use:   "logs <instance-id>",
	Short: "Print per-task logs of a workflow instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(logsCmd)
}

func parseInstanceID(args []string) (int64, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("instance id must be an integer: %w", err)
	}
	return id, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := parseInstanceID(args)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := st.GetWorkflowInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load instance %d: %w", id, err)
	}
	tasks, err := st.ListTaskInstances(ctx, id)
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	fmt.Printf("workflow %d  template=%d  status=%s  priority=%d\n", wf.ID, wf.TemplateID, wf.Status, wf.Priority)
	if wf.StartedAt != nil {
		fmt.Printf("  started:   %s\n", wf.StartedAt.Format(time.RFC3339))
	}
	if wf.CompletedAt != nil {
		fmt.Printf("  completed: %s\n", wf.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("  tasks: %d/%d\n", len(tasks), len(wf.DAGDefinition.Nodes))
	for _, ti := range tasks {
		fmt.Printf("    [%d] node=%s agent=%d status=%s retries=%d\n", ti.ID, ti.NodeID, ti.AgentID, ti.Status, ti.RetryCount)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := parseInstanceID(args)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTaskInstances(ctx, id)
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	for _, ti := range tasks {
		fmt.Printf("--- task %d (node %s, %s)\n", ti.ID, ti.NodeID, ti.Status)
		if ti.Logs != "" {
			fmt.Println(ti.Logs)
		}
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := parseInstanceID(args)
	if err != nil {
		return err
	}

	bus, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer bus.Close()

	event := model.SchedulerEvent{EventType: model.EventCancelWorkflow, InstanceID: id}
	if err := bus.Publish(ctx, queue.SchedulerQueueKey, event); err != nil {
		return fmt.Errorf("failed to enqueue cancellation: %w", err)
	}
	fmt.Printf("cancellation requested for workflow instance %d\n", id)
	return nil
}
