package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weix2025/dagforge/internal/model"
	"github.com/weix2025/dagforge/internal/queue"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow instance against a template",
	RunE:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().Int64("template", 0, "template id")
	submitCmd.Flags().String("inputs", "{}", "workflow inputs as a JSON object")
	submitCmd.Flags().Int("priority", 0, "workflow priority")
	submitCmd.MarkFlagRequired("template")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	templateID, _ := cmd.Flags().GetInt64("template")
	inputsJSON, _ := cmd.Flags().GetString("inputs")
	priority, _ := cmd.Flags().GetInt("priority")

	var inputs map[string]interface{}
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return fmt.Errorf("inputs must be a JSON object: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tmpl, err := st.GetDAGTemplate(ctx, templateID)
	if err != nil {
		return fmt.Errorf("failed to load template %d: %w", templateID, err)
	}

	id, err := st.CreateWorkflowInstance(ctx, &model.WorkflowInstance{
		TemplateID:    tmpl.ID,
		DAGDefinition: tmpl.DAGDefinition,
		Priority:      priority,
		Inputs:        inputs,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}

	bus, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer bus.Close()

	event := model.SchedulerEvent{EventType: model.EventStartWorkflow, InstanceID: id}
	if err := bus.Publish(ctx, queue.SchedulerQueueKey, event); err != nil {
		return fmt.Errorf("instance %d created but START_WORKFLOW not enqueued: %w", id, err)
	}

	fmt.Printf("workflow instance %d submitted\n", id)
	return nil
}
