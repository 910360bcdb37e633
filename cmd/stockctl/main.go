package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/config"
	"github.com/SirClappington/stockq/internal/logging"
)

var (
	cfg     config.Config
	logger  *zap.Logger
	rootCmd = &cobra.Command{
		Use:   "stockctl",
		Short: "Operate a stockq deployment",
		Long: `stockctl runs migrations, queues batch files, inspects suspended
batches and runs the retention sweep by hand. It reads the same
environment as the api and scheduler processes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			l, err := logging.New(cfg.AppEnv, cfg.LogLevel)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
