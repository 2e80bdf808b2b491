package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/weix2025/dagforge/internal/queue"
	"github.com/weix2025/dagforge/internal/store"
)

var (
	version   = "v0.1.0"
	dbURL     string
	redisAddr string
)

var rootCmd = &cobra.Command{
	Use:   "dagctl",
	Short: "dagctl - operate the dagforge workflow engine",
	Long: `dagctl is a command-line tool for operating dagforge.

Register agents, create DAG templates, submit workflow instances,
and inspect their progress.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "dagforge.db", "database connection string (postgres:// or sqlite path)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "redis address")
}

func openStore() (*store.Store, error) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		dbURL = v
	}
	return store.Open(dbURL)
}

func openBus(ctx context.Context) (*queue.Bus, error) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	return queue.New(ctx, queue.Config{Addr: redisAddr}, zap.NewNop())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
