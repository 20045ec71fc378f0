package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/burstq/burstq/internal/core"
	"github.com/burstq/burstq/internal/kv"
	"github.com/burstq/burstq/internal/worker"
)

var version = "0.3.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burstq-worker",
		Short: "Reference worker: consume task ids and report exit codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			timeoutSec, _ := cmd.Flags().GetInt("task-timeout")
			cfgPath, _ := cmd.Flags().GetString("config")
			if queueName == "" {
				return errors.New("--queue is required")
			}

			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := kv.NewRedis(cfg.RedisURL)
			if err != nil {
				return err
			}
			defer store.Close()

			w := worker.New(store, cfg.AMQPURL, queueName, time.Duration(timeoutSec)*time.Second)
			err = w.Run(cmd.Context())
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().String("queue", "", "queue to consume")
	cmd.Flags().Int("task-timeout", 0, "per-task execution timeout in seconds (0 = none)")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("burstq-worker %s\n", version)
		},
	})
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
