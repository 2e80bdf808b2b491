package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weix2025/dagforge/internal/model"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an executable agent",
	RunE:  runAgentRegister,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentRegisterCmd)

	agentRegisterCmd.Flags().String("type", "WASM", "agent type (WASM, DOCKER, PYTHON_FUNCTION)")
	agentRegisterCmd.Flags().String("source", "", "source reference: module path, image ref, or endpoint")
	agentRegisterCmd.MarkFlagRequired("source")
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentType, _ := cmd.Flags().GetString("type")
	source, _ := cmd.Flags().GetString("source")

	switch model.AgentType(agentType) {
	case model.AgentWASM, model.AgentDocker, model.AgentPythonFunction:
	default:
		return fmt.Errorf("unknown agent type %q", agentType)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.CreateAgent(ctx, &model.Agent{
		Type:            model.AgentType(agentType),
		SourceReference: source,
	})
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	fmt.Printf("agent %d registered (%s %s)\n", id, agentType, source)
	return nil
}
