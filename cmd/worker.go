package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/config"
	"github.com/andresmejia3/livekyc/internal/queue"
	"github.com/andresmejia3/livekyc/internal/utils"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued enrollments from Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()
		cfg := App.cfg
		if cmd.Flags().Changed("concurrency") {
			cfg.QueueConcurrency = workerConcurrency
		}
		if err := cfg.ValidateFields(config.QueueFields...); err != nil {
			return err
		}

		// Every concurrent task may hold a landmark engine
		cfg.Engines = cfg.QueueConcurrency
		svc, err := App.Service(ctx)
		if err != nil {
			utils.ShowError("Failed to initialize enrollment service", err, nil)
			return err
		}

		fmt.Fprintf(os.Stderr, "⚙️  Processing queued enrollments with %d workers...\n", cfg.QueueConcurrency)
		w := queue.NewWorker(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword), cfg.QueueConcurrency, queue.NewHandler(svc))
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 4, "Number of tasks processed at once (default: QUEUE_CONCURRENCY)")
	rootCmd.AddCommand(workerCmd)
}
