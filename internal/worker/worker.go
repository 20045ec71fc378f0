package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/burstq/burstq/internal/ids"
	"github.com/burstq/burstq/internal/kv"
	"github.com/burstq/burstq/pkg/api"
)

// Worker is a reference consumer: it dequeues task ids, reads descriptors
// from the store, runs the executable and reports exit codes back. Input and
// output staging against the object store is left to real deployments; this
// worker runs the executable as-is.
type Worker struct {
	store   kv.Store
	amqpURL string
	queue   string
	timeout time.Duration
}

func New(store kv.Store, amqpURL, queue string, timeout time.Duration) *Worker {
	return &Worker{store: store, amqpURL: amqpURL, queue: queue, timeout: timeout}
}

// Run consumes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := amqp.Dial(w.amqpURL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(w.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.queue, err)
	}
	log.Info().Str("queue", w.queue).Msg("worker consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			taskID := string(d.Body)
			if err := w.handle(ctx, taskID); err != nil {
				log.Error().Err(err).Str("task", taskID).Msg("task handling failed")
			}
			// The queue is at-least-once; descriptors are idempotent on
			// redelivery, so ack regardless.
			_ = d.Ack(false)
		}
	}
}

func (w *Worker) handle(ctx context.Context, taskID string) error {
	raw, ok, err := w.store.LIndex(ctx, ids.DescriptorKey(taskID), 0)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	if !ok {
		return fmt.Errorf("no descriptor at %s", ids.DescriptorKey(taskID))
	}
	var d api.TaskDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return fmt.Errorf("decode descriptor: %w", err)
	}

	code := w.execute(ctx, &d)
	return w.report(ctx, taskID, code)
}

func (w *Worker) execute(ctx context.Context, d *api.TaskDescriptor) int {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, d.Executable, d.Args...)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	}
	out, err := cmd.CombinedOutput()
	code := ExitCode(err)
	logEvent := log.Info()
	if code != 0 {
		logEvent = log.Warn()
	}
	logEvent.Str("task", d.TaskID).Int("code", code).Int("output_bytes", len(out)).
		Msg("task executed")
	return code
}

// report writes the exit code then flags the completion set. Workers must
// keep that order: the client reads the code only after seeing the flag.
func (w *Worker) report(ctx context.Context, taskID string, code int) error {
	if err := w.store.SAdd(ctx, taskID, strconv.Itoa(code)); err != nil {
		return fmt.Errorf("write exit code: %w", err)
	}
	workID := ids.ExtractWorkID(taskID)
	if workID == "" {
		return fmt.Errorf("task id %q carries no work id", taskID)
	}
	if err := w.store.SAdd(ctx, ids.CompletionSetKey(workID), taskID); err != nil {
		return fmt.Errorf("flag completion: %w", err)
	}
	return nil
}

// ExitCode maps an exec error to the decimal code reported to the client.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return 1
}
