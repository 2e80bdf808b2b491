package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/weix2025/dagforge/internal/dag"
	"github.com/weix2025/dagforge/internal/model"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage DAG templates",
}

var templateCreateCmd = &cobra.Command{
	Use:   "create -f definition.json",
	Short: "Create a DAG template from a definition file",
	RunE:  runTemplateCreate,
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate -f definition.json",
	Short: "Validate a DAG definition without storing it",
	RunE:  runTemplateValidate,
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateCreateCmd)
	templateCmd.AddCommand(templateValidateCmd)

	for _, c := range []*cobra.Command{templateCreateCmd, templateValidateCmd} {
		c.Flags().StringP("file", "f", "", "path to the DAG definition JSON")
		c.MarkFlagRequired("file")
	}
	templateCreateCmd.Flags().Bool("force", false, "store the template even if validation reports problems")
}

func loadDefinition(cmd *cobra.Command) (model.DAGDefinition, error) {
	var def model.DAGDefinition
	path, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return def, nil
}

func reportProblems(def model.DAGDefinition) []error {
	problems := dag.ValidateDefinition(def)
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "problem: %v\n", p)
	}
	return problems
}

func runTemplateValidate(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(cmd)
	if err != nil {
		return err
	}
	if problems := reportProblems(def); len(problems) > 0 {
		return fmt.Errorf("definition has %d problem(s)", len(problems))
	}
	fmt.Printf("definition ok: %d nodes, %d edges\n", len(def.Nodes), len(def.Edges))
	return nil
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	def, err := loadDefinition(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if problems := reportProblems(def); len(problems) > 0 && !force {
		return fmt.Errorf("definition has %d problem(s); use --force to store anyway", len(problems))
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.CreateDAGTemplate(ctx, def)
	if err != nil {
		return fmt.Errorf("failed to store template: %w", err)
	}
	fmt.Printf("template %d created (%d nodes, %d edges)\n", id, len(def.Nodes), len(def.Edges))
	return nil
}
