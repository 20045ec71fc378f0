package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/burstq/burstq/internal/completion"
	"github.com/burstq/burstq/internal/ids"
	"github.com/burstq/burstq/internal/kv"
	"github.com/burstq/burstq/internal/plan"
)

// Queue is the slice of the queue connector the engines use.
// *queue.Connector satisfies it.
type Queue interface {
	CheckQueueOrThrow(name string) error
	Publish(ctx context.Context, name, payload string) error
	PublishBurst(ctx context.Context, name, payload string) error
	Close() error
}

// Client owns the store connection, the queue connection and one completion
// connector per observed work. All of them terminate on Close.
type Client struct {
	workID  string
	store   kv.Store
	queue   Queue
	planner *plan.Planner
	journal *Journal
	metrics *Metrics

	pollInterval time.Duration

	mu          sync.Mutex
	completions map[string]*completion.Connector
	closed      bool
}

// Options assembles a client from already-constructed connectors, so tests
// and callers with custom wiring share one path.
type Options struct {
	WorkID       string
	Store        kv.Store
	Queue        Queue
	Planner      *plan.Planner
	Journal      *Journal
	PollInterval time.Duration
}

func NewClient(opts Options) *Client {
	return &Client{
		workID:       ids.NewWorkID(opts.WorkID),
		store:        opts.Store,
		queue:        opts.Queue,
		planner:      opts.Planner,
		journal:      opts.Journal,
		metrics:      NewMetrics(),
		pollInterval: opts.PollInterval,
		completions:  map[string]*completion.Connector{},
	}
}

// WorkID is the client's default work id, used when a manifest does not name
// one.
func (c *Client) WorkID() string { return c.workID }

func (c *Client) Metrics() *Metrics { return c.metrics }

// Completion returns the running completion connector for workID, creating
// and starting it on first use. One connector per work per client.
func (c *Client) Completion(workID string) *completion.Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.completions[workID]; ok {
		return conn
	}
	conn := completion.NewConnector(c.store, workID, c.pollInterval)
	conn.Start()
	c.completions[workID] = conn
	return conn
}

// completionForTask locates the connector owning taskID's work, falling back
// to the client's default work for ids that do not embed one.
func (c *Client) completionForTask(taskID string) *completion.Connector {
	workID := ids.ExtractWorkID(taskID)
	if workID == "" {
		workID = c.workID
	}
	return c.Completion(workID)
}

// NotifyTaskCompletion writes code for taskID the way a worker would: exit
// code first, completion flag second. It writes through the store directly so
// a simulation helper does not spin up a drain loop that would race to
// consume its own flag.
func (c *Client) NotifyTaskCompletion(ctx context.Context, taskID string, code int) error {
	workID := ids.ExtractWorkID(taskID)
	if workID == "" {
		workID = c.workID
	}
	if err := c.store.SAdd(ctx, taskID, strconv.Itoa(code)); err != nil {
		return fmt.Errorf("write exit code: %w", err)
	}
	if err := c.store.SAdd(ctx, ids.CompletionSetKey(workID), taskID); err != nil {
		return fmt.Errorf("flag completion: %w", err)
	}
	return nil
}

// Close stops all completion connectors and closes the queue and store
// connections. Idempotent. Outstanding waiters are abandoned; their wait
// calls return on their own timeouts or contexts.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*completion.Connector, 0, len(c.completions))
	for _, conn := range c.completions {
		conns = append(conns, conn)
	}
	c.completions = map[string]*completion.Connector{}
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
	}
	var firstErr error
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			firstErr = err
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) journalRecord(ctx context.Context, e JournalEntry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(ctx, e); err != nil {
		log.Warn().Err(err).Str("task", e.TaskID).Msg("journal write failed")
	}
}
