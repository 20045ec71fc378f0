package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// MissingQueueError is raised when a passive check finds no queue declared
// under the given name. Queues are declared by an external operator, never by
// this connector.
type MissingQueueError struct{ Name string }

func (e MissingQueueError) Error() string { return "ENOQUEUE:" + e.Name }

// DefaultHeartbeat matches the broker-side default the operators deploy with.
const DefaultHeartbeat = 60 * time.Second

// Connector maintains one lazily-opened connection and one channel per queue
// name. Connection or channel loss invalidates the corresponding cache; the
// next operation reopens. All state is guarded by mu, which also coalesces
// concurrent openers: the first caller dials while the rest wait on the lock
// and then find the cached handle.
type Connector struct {
	url       string
	heartbeat time.Duration

	mu       sync.Mutex
	conn     *amqp.Connection
	channels map[string]*channelState
	closed   bool
}

type channelState struct {
	ch *amqp.Channel

	// pubMu serializes publishes; amqp channels are not safe for
	// concurrent writes.
	pubMu sync.Mutex

	flowMu sync.Mutex
	paused bool
	gone   bool
	// resume is non-nil while paused and closed on flow-resume or channel
	// close, so waiters can select on it alongside their context.
	resume chan struct{}
}

// setFlow records a broker flow transition.
func (st *channelState) setFlow(active bool) {
	st.flowMu.Lock()
	defer st.flowMu.Unlock()
	if st.gone {
		return
	}
	if !active && !st.paused {
		st.paused = true
		st.resume = make(chan struct{})
	} else if active && st.paused {
		st.paused = false
		close(st.resume)
		st.resume = nil
	}
}

// markGone flags the channel dead and releases any paused waiters.
func (st *channelState) markGone() {
	st.flowMu.Lock()
	defer st.flowMu.Unlock()
	st.gone = true
	if st.paused {
		st.paused = false
		close(st.resume)
		st.resume = nil
	}
}

func NewConnector(url string, heartbeat time.Duration) *Connector {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Connector{
		url:       url,
		heartbeat: heartbeat,
		channels:  map[string]*channelState{},
	}
}

func (c *Connector) getConn() (*amqp.Connection, error) {
	if c.closed {
		return nil, errors.New("queue connector closed")
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: c.heartbeat})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c.conn = conn
	c.channels = map[string]*channelState{}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if reason, ok := <-closeCh; ok && reason != nil {
			log.Warn().Str("reason", reason.Reason).Int("code", reason.Code).
				Msg("amqp connection lost")
		}
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.channels = map[string]*channelState{}
		}
		c.mu.Unlock()
	}()
	return conn, nil
}

func (c *Connector) getChannel(name string) (*channelState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.channels[name]; ok {
		return st, nil
	}
	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel for %s: %w", name, err)
	}
	st := &channelState{ch: ch}
	c.channels[name] = st

	flowCh := ch.NotifyFlow(make(chan bool, 1))
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for {
			select {
			case active, ok := <-flowCh:
				if !ok {
					return
				}
				st.setFlow(active)
			case reason, ok := <-closeCh:
				if ok && reason != nil {
					log.Debug().Str("queue", name).Str("reason", reason.Reason).
						Msg("amqp channel closed")
				}
				st.markGone()
				c.evict(name, st)
				return
			}
		}
	}()
	return st, nil
}

func (c *Connector) evict(name string, st *channelState) {
	c.mu.Lock()
	if cur, ok := c.channels[name]; ok && cur == st {
		delete(c.channels, name)
	}
	c.mu.Unlock()
}

// CheckQueue passively declares name and reports whether it exists. A 404
// closes the channel server-side, so the cached channel is evicted before
// returning.
func (c *Connector) CheckQueue(name string) (bool, error) {
	st, err := c.getChannel(name)
	if err != nil {
		return false, err
	}
	_, err = st.ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err == nil {
		return true, nil
	}
	// The failed declare killed the channel regardless of the cause.
	c.evict(name, st)
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return false, nil
	}
	return false, fmt.Errorf("passive declare %s: %w", name, err)
}

// CheckQueueOrThrow raises MissingQueueError when name is not declared.
func (c *Connector) CheckQueueOrThrow(name string) error {
	ok, err := c.CheckQueue(name)
	if err != nil {
		return err
	}
	if !ok {
		return MissingQueueError{Name: name}
	}
	return nil
}

// Publish is a fire-and-forget send of payload to the queue's default-exchange
// routing key.
func (c *Connector) Publish(ctx context.Context, name, payload string) error {
	st, err := c.getChannel(name)
	if err != nil {
		return err
	}
	st.pubMu.Lock()
	defer st.pubMu.Unlock()
	err = st.ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(payload),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// PublishBurst sends payload, waiting out any broker flow-pause first. TCP
// backpressure blocks inside the client's writer, so together these give the
// submission pipeline its backpressure point.
func (c *Connector) PublishBurst(ctx context.Context, name, payload string) error {
	st, err := c.getChannel(name)
	if err != nil {
		return err
	}
	if err := st.waitFlow(ctx); err != nil {
		return err
	}
	st.pubMu.Lock()
	defer st.pubMu.Unlock()
	err = st.ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(payload),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// waitFlow blocks while the broker has the channel paused, honoring ctx.
func (st *channelState) waitFlow(ctx context.Context) error {
	for {
		st.flowMu.Lock()
		if st.gone {
			st.flowMu.Unlock()
			return errors.New("channel closed")
		}
		if !st.paused {
			st.flowMu.Unlock()
			return nil
		}
		resume := st.resume
		st.flowMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// Close closes all channels then the connection. Idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for name, st := range c.channels {
		if err := st.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Debug().Err(err).Str("queue", name).Msg("channel close")
		}
	}
	c.channels = map[string]*channelState{}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	c.conn = nil
	return nil
}
