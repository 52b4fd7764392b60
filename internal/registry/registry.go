// ABOUTME: In-memory connection registry mapping topics to live connections
// ABOUTME: Each connection owns a send queue drained by its own worker goroutine

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSendTimeout bounds how long a publish waits on any one connection.
	DefaultSendTimeout = 5 * time.Second

	// DefaultQueueSize is the per-connection outbound buffer.
	// Matches the broadcaster subscriber buffer (64 events).
	DefaultQueueSize = 64
)

// Delivery errors. They appear inside PublishError, never as Publish's only cause.
var (
	ErrNotAttached  = errors.New("connection has no attached transport")
	ErrQueueFull    = errors.New("connection send queue full")
	ErrSendTimeout  = errors.New("send timed out")
	ErrDisconnected = errors.New("connection disconnected")
	ErrAttached     = errors.New("connection already attached")
	ErrClosed       = errors.New("registry closed")
)

// Delivery is one payload pushed to one connection. Topic is the topic
// through which the connection matched the publish.
type Delivery struct {
	Topic   string
	Payload []byte
}

// Sink writes deliveries to a live transport. Deliver must honour ctx; the
// registry cancels it once the send timeout has elapsed.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, d Delivery) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Observer receives delivery outcomes and connection counts, e.g. for metrics.
type Observer interface {
	// ObserveDelivery is called once per connection reached by a publish.
	// topic is the first topic of the publish; all of them name one conversation.
	ObserveDelivery(topic string, err error)
	ObserveConnections(n int)
}

// DeliveryFailure records a failed delivery to a single connection.
type DeliveryFailure struct {
	ConnectionID string
	Err          error
}

// PublishError reports the connections a publish could not reach. Deliveries
// to every connection not listed here succeeded.
type PublishError struct {
	Topics   []string
	Failures []DeliveryFailure
}

func (e *PublishError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.ConnectionID
	}
	return fmt.Sprintf("publish to %s failed for %d connection(s): %s",
		strings.Join(e.Topics, ","), len(e.Failures), strings.Join(ids, ","))
}

// Unwrap exposes the per-connection causes to errors.Is.
func (e *PublishError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	SendTimeout time.Duration
	QueueSize   int
	Logger      *slog.Logger
	Observer    Observer

	// OnDeliveryFailure is called, outside any lock, for each connection a
	// publish failed to reach. Transports use it to evict slow consumers so
	// that the client reconnects and reconciles from history.
	OnDeliveryFailure func(connectionID string, err error)
}

type envelope struct {
	ctx      context.Context
	delivery Delivery
	result   chan error
}

type connection struct {
	id     string
	topics map[string]struct{}
	sink   Sink
	queue  chan *envelope
	done   chan struct{}
}

// target is a snapshot of a connection taken under the read lock.
type target struct {
	id    string
	topic string
	sink  Sink
	queue chan *envelope
	done  chan struct{}
}

// Registry tracks which connections are subscribed to which topics and
// pushes published payloads to them. All methods are safe for concurrent use.
// Join, Leave and Disconnect are total: they never fail.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*connection // topic -> connectionID -> conn
	conns  map[string]*connection
	closed bool
	wg     sync.WaitGroup

	sendTimeout time.Duration
	queueSize   int
	observer    Observer
	onFailure   func(string, error)
	logger      *slog.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		topics:      make(map[string]map[string]*connection),
		conns:       make(map[string]*connection),
		sendTimeout: opts.SendTimeout,
		queueSize:   opts.QueueSize,
		observer:    opts.Observer,
		onFailure:   opts.OnDeliveryFailure,
		logger:      opts.Logger.With("component", "registry"),
	}
}

// getOrCreateLocked returns the entry for id, creating it if needed.
// Caller must hold r.mu for writing.
func (r *Registry) getOrCreateLocked(id string) *connection {
	if c, ok := r.conns[id]; ok {
		return c
	}
	c := &connection{
		id:     id,
		topics: make(map[string]struct{}),
		queue:  make(chan *envelope, r.queueSize),
		done:   make(chan struct{}),
	}
	r.conns[id] = c
	r.notifyConnectionsLocked()
	return c
}

// Attach binds a transport sink to a connection and starts its send worker.
// The connection entry is created if Join has not already created it.
func (r *Registry) Attach(connectionID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	c := r.getOrCreateLocked(connectionID)
	if c.sink != nil {
		return fmt.Errorf("%w: %s", ErrAttached, connectionID)
	}
	c.sink = sink

	r.wg.Add(1)
	go r.runWorker(c)

	r.logger.Debug("connection attached", "connection_id", connectionID)
	return nil
}

// runWorker drains one connection's queue until the connection is removed.
// Envelopes whose publish already gave up are skipped.
func (r *Registry) runWorker(c *connection) {
	defer r.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			if err := env.ctx.Err(); err != nil {
				env.result <- ErrSendTimeout
				continue
			}
			env.result <- c.sink.Deliver(env.ctx, env.delivery)
		}
	}
}

// Join subscribes a connection to a topic. Joining twice is a no-op, and an
// unknown connection is created on the fly.
func (r *Registry) Join(connectionID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	c := r.getOrCreateLocked(connectionID)
	if _, ok := c.topics[topic]; ok {
		return
	}
	c.topics[topic] = struct{}{}

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]*connection)
		r.topics[topic] = subs
	}
	subs[connectionID] = c

	r.logger.Debug("joined topic", "connection_id", connectionID, "topic", topic)
}

// Leave unsubscribes a connection from a topic. Leaving a topic the
// connection is not subscribed to is a no-op.
func (r *Registry) Leave(connectionID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	if _, ok := c.topics[topic]; !ok {
		return
	}
	delete(c.topics, topic)
	r.removeSubscriberLocked(topic, connectionID)

	// An entry created only by Join disappears with its last topic.
	if c.sink == nil && len(c.topics) == 0 {
		delete(r.conns, connectionID)
		close(c.done)
		r.notifyConnectionsLocked()
	}

	r.logger.Debug("left topic", "connection_id", connectionID, "topic", topic)
}

func (r *Registry) removeSubscriberLocked(topic, connectionID string) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, connectionID)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// Disconnect removes a connection from every topic and stops its worker.
// Safe to call any number of times.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	for topic := range c.topics {
		r.removeSubscriberLocked(topic, connectionID)
	}
	delete(r.conns, connectionID)
	close(c.done)
	r.notifyConnectionsLocked()

	r.logger.Debug("connection removed", "connection_id", connectionID, "topics", len(c.topics))
}

// Publish delivers payload to every connection subscribed to topic at the
// moment of the call. It returns the number of successful deliveries and a
// *PublishError describing any connections that could not be reached.
func (r *Registry) Publish(topic string, payload []byte) (int, error) {
	return r.PublishTopics([]string{topic}, payload)
}

// PublishTopics delivers payload once to every connection subscribed to any
// of topics. A connection subscribed to several of the topics receives a
// single copy. Each connection is given at most the send timeout, and sends
// proceed in parallel so a slow connection cannot delay the others.
func (r *Registry) PublishTopics(topics []string, payload []byte) (int, error) {
	targets := r.snapshot(topics)
	if len(targets) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	results := make([]chan error, len(targets))
	for i, t := range targets {
		results[i] = r.enqueue(ctx, t, payload)
	}

	delivered := 0
	var failures []DeliveryFailure
	for i, ch := range results {
		var err error
		select {
		case err = <-ch:
		case <-ctx.Done():
			err = ErrSendTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrSendTimeout, err)
		}
		if r.observer != nil {
			r.observer.ObserveDelivery(topics[0], err)
		}
		if err != nil {
			failures = append(failures, DeliveryFailure{ConnectionID: targets[i].id, Err: err})
			continue
		}
		delivered++
	}

	if len(failures) == 0 {
		return delivered, nil
	}

	for _, f := range failures {
		r.logger.Warn("delivery failed",
			"connection_id", f.ConnectionID,
			"topics", topics,
			"error", f.Err)
		if r.onFailure != nil {
			r.onFailure(f.ConnectionID, f.Err)
		}
	}
	return delivered, &PublishError{Topics: topics, Failures: failures}
}

// snapshot copies the subscriber set for topics under the read lock,
// deduplicated by connection.
func (r *Registry) snapshot(topics []string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var targets []target
	for _, topic := range topics {
		for id, c := range r.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, target{
				id:    id,
				topic: topic,
				sink:  c.sink,
				queue: c.queue,
				done:  c.done,
			})
		}
	}
	return targets
}

// enqueue hands a delivery to the connection's worker without blocking.
func (r *Registry) enqueue(ctx context.Context, t target, payload []byte) chan error {
	result := make(chan error, 1)
	if t.sink == nil {
		result <- ErrNotAttached
		return result
	}

	env := &envelope{
		ctx:      ctx,
		delivery: Delivery{Topic: t.topic, Payload: payload},
		result:   result,
	}
	select {
	case <-t.done:
		result <- ErrDisconnected
	case t.queue <- env:
	default:
		result <- ErrQueueFull
	}
	return result
}

// Subscribers returns the ids of the connections subscribed to topic, sorted.
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.topics[topic]))
	for id := range r.topics[topic] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Topics returns the topics a connection is subscribed to, sorted.
func (r *Registry) Topics(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// ConnectionCount returns the number of known connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) notifyConnectionsLocked() {
	if r.observer != nil {
		r.observer.ObserveConnections(len(r.conns))
	}
}

// Close removes every connection and waits for the send workers to exit.
// Later Joins are ignored and Attach fails with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for id, c := range r.conns {
		close(c.done)
		delete(r.conns, id)
	}
	clear(r.topics)
	r.notifyConnectionsLocked()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Debug("registry closed")
}
