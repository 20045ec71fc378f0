package core

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/burstq/burstq/internal/completion"
	"github.com/burstq/burstq/internal/ids"
	"github.com/burstq/burstq/pkg/api"
)

// WaitOptions tunes WaitForTask. A zero Timeout waits indefinitely (bounded
// only by ctx).
type WaitOptions struct {
	Timeout time.Duration
}

// ManyOptions tunes WaitForMany.
type ManyOptions struct {
	Timeout time.Duration
	// FailFast cancels all remaining waiters as soon as one task completes
	// with a non-zero exit code.
	FailFast bool
}

// WatchOptions tunes WatchWork.
type WatchOptions struct {
	Timeout time.Duration
	// Idle ends the watch when no task has completed for this long.
	Idle time.Duration
	Poll time.Duration
	// Expected overrides the work-set cardinality snapshot.
	Expected int
	OnEvent  func(api.Event)
}

// WaitForTask blocks until taskID completes, the timeout fires, or ctx is
// done. A pre-written exit code short-circuits without touching the
// completion connector; after a timeout one final peek guards against codes
// that landed while the timer fired.
func (c *Client) WaitForTask(ctx context.Context, taskID string, opts WaitOptions) (api.WaitOutcome, error) {
	if raw, ok, err := c.store.SRandMember(ctx, taskID); err != nil {
		return api.WaitOutcome{}, err
	} else if ok {
		if code, convErr := strconv.Atoi(raw); convErr == nil {
			return api.WaitOutcome{State: api.WaitDone, TaskID: taskID, Code: code}, nil
		}
		log.Warn().Str("task", taskID).Str("raw", raw).Msg("ignoring malformed exit code")
	}

	conn := c.completionForTask(taskID)
	started := time.Now()
	ch, err := conn.WaitChan(taskID)
	if err != nil {
		return api.WaitOutcome{}, err
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		c.metrics.RecordCompletion(time.Since(started))
		return api.WaitOutcome{State: api.WaitDone, TaskID: taskID, Code: res.Code}, nil
	case <-timeout:
		conn.CancelWait(taskID)
		// The code may have been written while the timer fired.
		if code, ok, err := conn.PeekExitCode(ctx, taskID); err == nil && ok {
			c.metrics.RecordCompletion(time.Since(started))
			return api.WaitOutcome{State: api.WaitDone, TaskID: taskID, Code: code}, nil
		}
		return api.WaitOutcome{State: api.WaitTimeout, TaskID: taskID}, nil
	case <-ctx.Done():
		conn.CancelWait(taskID)
		return api.WaitOutcome{}, ctx.Err()
	}
}

// WaitForMany waits for all taskIDs. Already-written exit codes are gathered
// in one pipelined peek; the rest wait through the completion connector.
func (c *Client) WaitForMany(ctx context.Context, taskIDs []string, opts ManyOptions) (api.ManyOutcome, error) {
	out := api.ManyOutcome{State: api.WaitDone, Done: []api.TaskResult{}, Pending: []string{}}
	if len(taskIDs) == 0 {
		return out, nil
	}

	peeked, err := c.store.MultiRandMembers(ctx, taskIDs)
	if err != nil {
		return api.ManyOutcome{}, err
	}
	var pending []string
	for _, taskID := range taskIDs {
		if raw, ok := peeked[taskID]; ok {
			if code, convErr := strconv.Atoi(raw); convErr == nil {
				out.Done = append(out.Done, api.TaskResult{TaskID: taskID, Code: code})
				if opts.FailFast && code != 0 {
					out.State = api.WaitFailed
				}
				continue
			}
		}
		pending = append(pending, taskID)
	}
	if out.State == api.WaitFailed || len(pending) == 0 {
		out.Pending = pending
		if out.Pending == nil {
			out.Pending = []string{}
		}
		return out, nil
	}

	results, cancel := c.spawnWaiters(pending)
	defer cancel()

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	remaining := map[string]struct{}{}
	for _, id := range pending {
		remaining[id] = struct{}{}
	}
	for len(remaining) > 0 {
		select {
		case res := <-results:
			delete(remaining, res.TaskID)
			out.Done = append(out.Done, api.TaskResult{TaskID: res.TaskID, Code: res.Code})
			if opts.FailFast && res.Code != 0 {
				out.State = api.WaitFailed
				out.Pending = keys(remaining)
				return out, nil
			}
		case <-deadline:
			out.State = api.WaitTimeout
			out.Pending = keys(remaining)
			return out, nil
		case <-ctx.Done():
			return api.ManyOutcome{}, ctx.Err()
		}
	}
	return out, nil
}

// WatchWork observes a whole work until every expected task completes, the
// timeout elapses, or progress stalls past the idle deadline.
func (c *Client) WatchWork(ctx context.Context, workID string, opts WatchOptions) (api.WatchOutcome, error) {
	poll := opts.Poll
	if poll <= 0 {
		poll = time.Second
	}

	expected := opts.Expected
	if expected <= 0 {
		n, err := c.store.SCard(ctx, ids.WorkSetKey(workID))
		if err != nil {
			return api.WatchOutcome{}, err
		}
		expected = int(n)
	}

	members, err := c.store.SMembers(ctx, ids.WorkSetKey(workID))
	if err != nil {
		return api.WatchOutcome{}, err
	}
	// The set may grow while we watch; the snapshot is authoritative.
	if len(members) > expected {
		members = members[:expected]
	}

	out := api.WatchOutcome{State: api.WaitDone, Total: expected, Results: []api.TaskResult{}}
	emit := func(ev api.Event) {
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	}

	peeked, err := c.store.MultiRandMembers(ctx, members)
	if err != nil {
		return api.WatchOutcome{}, err
	}
	var waiting []string
	for _, taskID := range members {
		if raw, ok := peeked[taskID]; ok {
			if code, convErr := strconv.Atoi(raw); convErr == nil {
				out.Results = append(out.Results, api.TaskResult{TaskID: taskID, Code: code})
				emit(api.Event{Type: api.EventTaskDone, TaskID: taskID, Code: code, Done: len(out.Results), Total: expected})
				continue
			}
		}
		waiting = append(waiting, taskID)
	}
	emit(api.Event{Type: api.EventProgress, Done: len(out.Results), Total: expected})
	if len(out.Results) >= expected {
		return out, nil
	}

	results, cancel := c.spawnWaiters(waiting)
	defer cancel()

	started := time.Now()
	lastNew := started
	for len(out.Results) < expected {
		// Drain whatever resolved since the last pass without blocking.
		drained := false
		for {
			select {
			case res := <-results:
				out.Results = append(out.Results, api.TaskResult{TaskID: res.TaskID, Code: res.Code})
				lastNew = time.Now()
				drained = true
				emit(api.Event{Type: api.EventTaskDone, TaskID: res.TaskID, Code: res.Code, Done: len(out.Results), Total: expected})
				continue
			default:
			}
			break
		}
		if drained {
			emit(api.Event{Type: api.EventProgress, Done: len(out.Results), Total: expected})
			continue
		}
		if opts.Timeout > 0 && time.Since(started) >= opts.Timeout {
			out.State = api.WaitTimeout
			return out, nil
		}
		if opts.Idle > 0 && time.Since(lastNew) >= opts.Idle {
			out.State = api.WaitIdle
			return out, nil
		}
		sleep := poll
		if opts.Idle > 0 {
			if rest := opts.Idle - time.Since(lastNew); rest < sleep {
				sleep = rest
			}
		}
		if opts.Timeout > 0 {
			if rest := opts.Timeout - time.Since(started); rest < sleep {
				sleep = rest
			}
		}
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		select {
		case res := <-results:
			out.Results = append(out.Results, api.TaskResult{TaskID: res.TaskID, Code: res.Code})
			lastNew = time.Now()
			emit(api.Event{Type: api.EventTaskDone, TaskID: res.TaskID, Code: res.Code, Done: len(out.Results), Total: expected})
			emit(api.Event{Type: api.EventProgress, Done: len(out.Results), Total: expected})
		case <-time.After(sleep):
		case <-ctx.Done():
			return api.WatchOutcome{}, ctx.Err()
		}
	}
	return out, nil
}

// spawnWaiters registers a resolver per task id and fans results into one
// channel. The returned cancel drops every resolver that has not fired and
// reaps the relay goroutines.
func (c *Client) spawnWaiters(taskIDs []string) (<-chan completion.Result, func()) {
	results := make(chan completion.Result, len(taskIDs))
	stop := make(chan struct{})
	type waiter struct {
		conn *completion.Connector
		id   string
	}
	var waiters []waiter

	for _, taskID := range taskIDs {
		conn := c.completionForTask(taskID)
		ch, err := conn.WaitChan(taskID)
		if err != nil {
			// A waiter already exists for this id elsewhere in the process.
			log.Warn().Err(err).Str("task", taskID).Msg("skipping duplicate waiter")
			continue
		}
		waiters = append(waiters, waiter{conn: conn, id: taskID})
		go func(ch <-chan completion.Result) {
			select {
			case res := <-ch:
				results <- res
			case <-stop:
			}
		}(ch)
	}

	cancel := func() {
		close(stop)
		for _, w := range waiters {
			w.conn.CancelWait(w.id)
		}
	}
	return results, cancel
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
