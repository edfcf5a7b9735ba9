package cmd

import (
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/config"
	"github.com/andresmejia3/livekyc/internal/logger"
	"github.com/andresmejia3/livekyc/internal/queue"
	"github.com/andresmejia3/livekyc/internal/server"
	"github.com/andresmejia3/livekyc/internal/utils"
)

var (
	serveAddr  string
	serveAsync bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the enrollment API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()
		cfg := App.cfg
		if cmd.Flags().Changed("addr") {
			cfg.HTTPAddr = serveAddr
		}

		svc, err := App.Service(ctx)
		if err != nil {
			utils.ShowError("Failed to initialize enrollment service", err, nil)
			return err
		}

		opts := server.Options{Origins: cfg.CORSOrigins, Release: !cfg.Development()}
		if serveAsync {
			if err := cfg.ValidateFields(config.QueueFields...); err != nil {
				return err
			}
			client := asynq.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword))
			App.onClose(func() {
				if err := client.Close(); err != nil {
					logger.Warning("asynq client close failed", logger.LoggerOptions{Key: "error", Data: err.Error()})
				}
			})
			opts.Queue = queue.NewProducer(client)
		}

		fmt.Fprintf(os.Stderr, "🌐 Serving on %s\n", cfg.HTTPAddr)
		return server.Serve(ctx, cfg.HTTPAddr, server.NewRouter(svc, opts))
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "HTTP listen address (default: HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveAsync, "async", false, "Enable POST /api/v1/kyc/async backed by the Redis queue")
	rootCmd.AddCommand(serveCmd)
}
