package completion

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/burstq/burstq/internal/ids"
	"github.com/burstq/burstq/internal/kv"
)

// DefaultPollInterval is how often the drain loop re-checks an empty
// completion set.
const DefaultPollInterval = time.Second

// Result is a completed task's exit code as observed in the store.
type Result struct {
	TaskID string
	Code   int
}

// Connector is the single long-running poller that drains a work's
// completion set and dispatches exit codes to in-process waiters. The store
// does not support long-polling by set member, so a bounded sleep-poll is the
// synchronization point between workers and waiters.
type Connector struct {
	store    kv.Store
	workID   string
	interval time.Duration

	mu        sync.Mutex
	resolvers map[string]chan Result
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewConnector(store kv.Store, workID string, interval time.Duration) *Connector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Connector{
		store:     store,
		workID:    workID,
		interval:  interval,
		resolvers: map[string]chan Result{},
	}
}

// Start launches the drain loop. Idempotent; a stopped connector can be
// started again.
func (c *Connector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)
}

// Stop requests loop exit and waits for it. Idempotent.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()
	close(stop)
	<-done
}

func (c *Connector) run(stop, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		progressed := c.step(ctx, stop)
		select {
		case <-stop:
			return
		default:
		}
		if progressed {
			continue
		}
		select {
		case <-stop:
			return
		case <-time.After(c.interval):
		}
	}
}

// step processes at most one completion-set member. It reports whether it
// made progress; any error is logged and treated as no progress so the loop
// backs off instead of spinning.
func (c *Connector) step(ctx context.Context, stop chan struct{}) bool {
	setKey := ids.CompletionSetKey(c.workID)
	taskID, ok, err := c.store.SRandMember(ctx, setKey)
	if err != nil {
		log.Warn().Err(err).Str("work", c.workID).Msg("completion poll failed")
		return false
	}
	if !ok {
		return false
	}
	select {
	case <-stop:
		return false
	default:
	}

	codeStr, ok, err := c.store.SRandMember(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("exit code read failed")
		return false
	}
	if !ok {
		// Completion signalled before the exit code is visible; the worker
		// contract forbids this, but a retry next pass is harmless.
		log.Warn().Str("task", taskID).Msg("completion without exit code")
		return false
	}

	c.mu.Lock()
	ch, waiting := c.resolvers[taskID]
	if waiting {
		delete(c.resolvers, taskID)
	}
	c.mu.Unlock()

	if err := c.store.SRem(ctx, setKey, taskID); err != nil {
		log.Warn().Err(err).Str("task", taskID).Msg("completion set cleanup failed")
	}
	if !waiting {
		// Late or unobserved completion; nothing in-process cares.
		return true
	}

	code, err := strconv.Atoi(codeStr)
	if err != nil {
		log.Error().Str("task", taskID).Str("raw", codeStr).Msg("malformed exit code")
		code = -1
	}
	ch <- Result{TaskID: taskID, Code: code}
	return true
}

// WaitChan installs a single-shot resolver for taskID and returns the channel
// its result will arrive on. At most one waiter may exist per task id.
func (c *Connector) WaitChan(taskID string) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resolvers[taskID]; exists {
		return nil, fmt.Errorf("waiter already registered for %s", taskID)
	}
	ch := make(chan Result, 1)
	c.resolvers[taskID] = ch
	return ch, nil
}

// CancelWait drops the resolver for taskID, reporting whether one existed.
func (c *Connector) CancelWait(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resolvers[taskID]; !exists {
		return false
	}
	delete(c.resolvers, taskID)
	return true
}

// Waiters reports how many resolvers are currently installed.
func (c *Connector) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resolvers)
}

// PeekExitCode non-destructively reads the task's exit code, if written.
func (c *Connector) PeekExitCode(ctx context.Context, taskID string) (int, bool, error) {
	codeStr, ok, err := c.store.SRandMember(ctx, taskID)
	if err != nil || !ok {
		return 0, false, err
	}
	code, convErr := strconv.Atoi(codeStr)
	if convErr != nil {
		// Not a decimal code: treat as not-yet-completed rather than
		// failing the wait.
		log.Warn().Str("task", taskID).Str("raw", codeStr).Msg("ignoring malformed exit code")
		return 0, false, nil
	}
	return code, true, nil
}

// NotifyTaskCompletion writes code into the task's exit-code set and flags
// the task in the work's completion set, in the same order workers do.
func (c *Connector) NotifyTaskCompletion(ctx context.Context, taskID string, code int) error {
	if err := c.store.SAdd(ctx, taskID, strconv.Itoa(code)); err != nil {
		return fmt.Errorf("write exit code: %w", err)
	}
	if err := c.store.SAdd(ctx, ids.CompletionSetKey(c.workID), taskID); err != nil {
		return fmt.Errorf("flag completion: %w", err)
	}
	return nil
}
