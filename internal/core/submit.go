package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/burstq/burstq/internal/ids"
	"github.com/burstq/burstq/internal/plan"
	"github.com/burstq/burstq/pkg/api"
)

// BatchOptions tunes CreateBatch.
type BatchOptions struct {
	// RatePerSec caps publishes per one-second window; zero disables the
	// limiter (pure burst-plus-drain).
	RatePerSec int
	// StopOnError aborts the batch on the first publish failure, after
	// rollback.
	StopOnError bool
}

// CreateSingle submits the manifest as exactly one task: persist the
// descriptor, record work-set membership, then publish the task id. The
// descriptor is always in place before a worker can dequeue the id.
func (c *Client) CreateSingle(ctx context.Context, m *api.Manifest) (api.SubmitResult, error) {
	workID := c.resolveWorkID(m)
	queueName := m.Spec.TaskType
	if queueName == "" {
		return api.SubmitResult{}, fmt.Errorf("manifest has no spec.taskType")
	}
	if err := c.queue.CheckQueueOrThrow(queueName); err != nil {
		return api.SubmitResult{}, err
	}

	taskID := ids.NewTaskID(workID)
	item := plan.SingleItem(&m.Spec)
	if err := c.persistTask(ctx, &m.Spec, item, taskID, workID); err != nil {
		return api.SubmitResult{}, err
	}
	if err := c.queue.Publish(ctx, queueName, taskID); err != nil {
		c.metrics.RecordPublishError()
		return api.SubmitResult{}, err
	}
	c.metrics.RecordSubmission()
	c.journalRecord(ctx, JournalEntry{TaskID: taskID, WorkID: workID, Queue: queueName, Source: "single"})
	log.Info().Str("task", taskID).Str("queue", queueName).Msg("task submitted")
	return api.SubmitResult{TaskID: taskID, Source: api.Source{Single: true}}, nil
}

// CreateBatch expands the manifest through the planner and submits each plan
// item as it is produced. A publish failure rolls the task's descriptor and
// membership back best-effort and is recorded in the corresponding result
// entry; with StopOnError the batch aborts after rollback.
func (c *Client) CreateBatch(ctx context.Context, m *api.Manifest, opts BatchOptions) (api.BatchResult, error) {
	workID := c.resolveWorkID(m)
	queueName := m.Spec.TaskType
	if queueName == "" {
		return api.BatchResult{WorkID: workID}, fmt.Errorf("manifest has no spec.taskType")
	}
	if err := c.queue.CheckQueueOrThrow(queueName); err != nil {
		return api.BatchResult{WorkID: workID}, err
	}

	limiter := newRateLimiter(opts.RatePerSec)
	result := api.BatchResult{WorkID: workID, Tasks: []api.SubmitResult{}}

	err := c.planner.ForEach(ctx, &m.Spec, func(item api.PlanItem) error {
		taskID := ids.NewTaskID(workID)
		if err := limiter.wait(ctx); err != nil {
			return err
		}
		if err := c.persistTask(ctx, &m.Spec, item, taskID, workID); err != nil {
			return err
		}
		if err := c.queue.PublishBurst(ctx, queueName, taskID); err != nil {
			c.metrics.RecordPublishError()
			c.rollbackTask(ctx, taskID, workID)
			result.Tasks = append(result.Tasks, api.SubmitResult{
				TaskID: taskID,
				Source: item.Source,
				Err:    err.Error(),
			})
			c.journalRecord(ctx, JournalEntry{
				TaskID: taskID, WorkID: workID, Queue: queueName,
				Source: sourceLabel(item.Source), Err: err.Error(),
			})
			if opts.StopOnError {
				return err
			}
			return nil
		}
		c.metrics.RecordSubmission()
		result.Tasks = append(result.Tasks, api.SubmitResult{TaskID: taskID, Source: item.Source})
		c.journalRecord(ctx, JournalEntry{
			TaskID: taskID, WorkID: workID, Queue: queueName, Source: sourceLabel(item.Source),
		})
		return nil
	})
	if err != nil {
		return result, err
	}
	log.Info().Str("work", workID).Int("tasks", len(result.Tasks)).Str("queue", queueName).
		Msg("batch submitted")
	return result, nil
}

func (c *Client) resolveWorkID(m *api.Manifest) string {
	if m.Metadata.WorkID != "" {
		return m.Metadata.WorkID
	}
	return c.workID
}

// persistTask writes the descriptor then the work-set membership. Both must
// precede publication; their order relative to each other is unconstrained.
func (c *Client) persistTask(ctx context.Context, spec *api.Spec, item api.PlanItem, taskID, workID string) error {
	descriptor := plan.BuildDescriptor(spec, item, taskID)
	payload, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := c.store.LPush(ctx, ids.DescriptorKey(taskID), string(payload)); err != nil {
		return fmt.Errorf("persist descriptor: %w", err)
	}
	if err := c.store.SAdd(ctx, ids.WorkSetKey(workID), taskID); err != nil {
		return fmt.Errorf("record membership: %w", err)
	}
	return nil
}

// rollbackTask undoes persistTask after a failed publish. Best-effort: both
// deletes are attempted even if the first fails.
func (c *Client) rollbackTask(ctx context.Context, taskID, workID string) {
	if err := c.store.Del(ctx, ids.DescriptorKey(taskID)); err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("descriptor rollback failed")
	}
	if err := c.store.SRem(ctx, ids.WorkSetKey(workID), taskID); err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("membership rollback failed")
	}
}

func sourceLabel(s api.Source) string {
	switch {
	case s.Single:
		return "single"
	case s.Prefix != "":
		return "prefix:" + s.Prefix
	case len(s.Keys) > 0:
		return fmt.Sprintf("keys:%d", len(s.Keys))
	default:
		return ""
	}
}
