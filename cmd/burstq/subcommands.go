package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/burstq/burstq/internal/core"
	"github.com/burstq/burstq/internal/kv"
	"github.com/burstq/burstq/internal/objstore"
	"github.com/burstq/burstq/internal/plan"
	"github.com/burstq/burstq/internal/queue"
	"github.com/burstq/burstq/pkg/api"
)

// Build a client from config and environment
func resolveClient(cmd *cobra.Command) (*core.Client, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	store, err := kv.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	s3c, err := objstore.NewClientFromEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	var journal *core.Journal
	if cfg.JournalPath != "" {
		journal, err = core.NewJournal(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	return core.NewClient(core.Options{
		WorkID:       cfg.WorkID,
		Store:        store,
		Queue:        queue.NewConnector(cfg.AMQPURL, cfg.Heartbeat()),
		Planner:      plan.NewPlanner(objstore.NewLister(s3c)),
		Journal:      journal,
		PollInterval: cfg.PollInterval(),
	}), nil
}

// Dry-run the planner against a manifest
func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <manifest.yaml>",
		Short: "Expand a manifest and print its plan items without submitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := api.LoadManifest(args[0])
			if err != nil {
				return err
			}
			s3c, err := objstore.NewClientFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			planner := plan.NewPlanner(objstore.NewLister(s3c))
			enc := json.NewEncoder(os.Stdout)
			count := 0
			err = planner.ForEach(cmd.Context(), &m.Spec, func(item api.PlanItem) error {
				count++
				return enc.Encode(item)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%d plan items\n", count)
			return nil
		},
	}
}

// Submit a manifest
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <manifest.yaml>",
		Short: "Submit a manifest as a single task or an expanded batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, _ := cmd.Flags().GetInt("rate")
			stopOnError, _ := cmd.Flags().GetBool("stop-on-error")
			watch, _ := cmd.Flags().GetBool("watch")

			m, err := api.LoadManifest(args[0])
			if err != nil {
				return err
			}
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if !m.BatchEnabled() {
				res, err := client.CreateSingle(cmd.Context(), m)
				if err != nil {
					return err
				}
				fmt.Println(res.TaskID)
				if watch {
					return watchSubmitted(cmd.Context(), client, []string{res.TaskID})
				}
				return nil
			}

			res, err := client.CreateBatch(cmd.Context(), m, core.BatchOptions{
				RatePerSec:  rate,
				StopOnError: stopOnError,
			})
			if err != nil {
				return err
			}
			failed := 0
			for _, task := range res.Tasks {
				if task.Err != "" {
					failed++
					fmt.Printf("%s\tERROR\t%s\n", task.TaskID, task.Err)
					continue
				}
				fmt.Printf("%s\n", task.TaskID)
			}
			fmt.Fprintf(os.Stderr, "work %s: %d tasks, %d failed\n", res.WorkID, len(res.Tasks), failed)
			if watch {
				return watchWork(cmd.Context(), client, res.WorkID, 0, 0)
			}
			return nil
		},
	}
	cmd.Flags().Int("rate", 0, "max publishes per second (0 = unlimited)")
	cmd.Flags().Bool("stop-on-error", false, "abort the batch on the first publish failure")
	cmd.Flags().Bool("watch", false, "watch the submitted work until completion")
	return cmd
}

func watchSubmitted(ctx context.Context, client *core.Client, taskIDs []string) error {
	out, err := client.WaitForMany(ctx, taskIDs, core.ManyOptions{})
	if err != nil {
		return err
	}
	for _, r := range out.Done {
		fmt.Printf("%s\t%d\n", r.TaskID, r.Code)
	}
	return nil
}

// Wait for one task
func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <taskId>",
		Short: "Wait for a single task to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeoutSec, _ := cmd.Flags().GetInt("timeout")
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			out, err := client.WaitForTask(cmd.Context(), args[0], core.WaitOptions{
				Timeout: time.Duration(timeoutSec) * time.Second,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d\n", out.State, out.TaskID, out.Code)
			if out.State != api.WaitDone {
				os.Exit(2)
			}
			return nil
		},
	}
	cmd.Flags().Int("timeout", 0, "seconds to wait (0 = forever)")
	return cmd
}

// Watch a whole work
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <workId>",
		Short: "Watch every task of a work until done, timeout or idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeoutSec, _ := cmd.Flags().GetInt("timeout")
			idleSec, _ := cmd.Flags().GetInt("idle")
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			return watchWork(cmd.Context(), client, args[0],
				time.Duration(timeoutSec)*time.Second, time.Duration(idleSec)*time.Second)
		},
	}
	cmd.Flags().Int("timeout", 0, "overall deadline in seconds (0 = none)")
	cmd.Flags().Int("idle", 0, "give up after this many seconds without progress (0 = never)")
	return cmd
}

func watchWork(ctx context.Context, client *core.Client, workID string, timeout, idle time.Duration) error {
	out, err := client.WatchWork(ctx, workID, core.WatchOptions{
		Timeout: timeout,
		Idle:    idle,
		OnEvent: func(ev api.Event) {
			if ev.Type == api.EventTaskDone {
				fmt.Printf("%s\t%d\t(%d/%d)\n", ev.TaskID, ev.Code, ev.Done, ev.Total)
			}
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: %d/%d tasks completed\n", out.State, len(out.Results), out.Total)
	if out.State != api.WaitDone {
		os.Exit(2)
	}
	return nil
}

// Simulate a worker completion (development helper)
func newCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "complete <taskId> <code>",
		Short:  "Write an exit code for a task as a worker would",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code int
			if _, err := fmt.Sscanf(args[1], "%d", &code); err != nil {
				return fmt.Errorf("parse exit code: %w", err)
			}
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.NotifyTaskCompletion(cmd.Context(), args[0], code)
		},
	}
}
