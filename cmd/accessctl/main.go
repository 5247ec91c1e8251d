package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "accessctl",
	Short: "Operator tooling for the Odyssey access core",
	Long:  `accessctl prepares the database and credentials the access service runs against.`,
	Example: `  # Create tables, then provision the catalog and the superadmin role
  accessctl migrate
  accessctl seed --protected-role superadmin

  # Produce a value for ADMIN_TOKEN_HASH
  echo -n "$TOKEN" | accessctl hash-token`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
