// ABOUTME: Tests for the connection registry's join/leave/publish/disconnect semantics
// ABOUTME: Covers idempotence, snapshot fan-out, send timeouts and failure isolation

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects every delivery it is given.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (s *recordingSink) Deliver(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

// stallingSink blocks until its context is cancelled, simulating a dead peer.
var stallingSink = SinkFunc(func(ctx context.Context, _ Delivery) error {
	<-ctx.Done()
	return ctx.Err()
})

type countingObserver struct {
	ok, failed  atomic.Int64
	connections atomic.Int64
}

func (o *countingObserver) ObserveDelivery(_ string, err error) {
	if err != nil {
		o.failed.Add(1)
		return
	}
	o.ok.Add(1)
}

func (o *countingObserver) ObserveConnections(n int) { o.connections.Store(int64(n)) }

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r := New(opts)
	t.Cleanup(r.Close)
	return r
}

func attach(t *testing.T, r *Registry, id string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	require.NoError(t, r.Attach(id, sink))
	return sink
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	attach(t, r, "c1")

	r.Join("c1", "group:7")
	r.Join("c1", "group:7")

	assert.Equal(t, []string{"c1"}, r.Subscribers("group:7"))
	assert.Equal(t, []string{"group:7"}, r.Topics("c1"))
}

func TestRegistry_JoinUnknownConnectionCreatesEntry(t *testing.T) {
	r := newTestRegistry(t, Options{})

	r.Join("ghost", "group:7")

	assert.Equal(t, []string{"ghost"}, r.Subscribers("group:7"))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistry_LeaveIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	attach(t, r, "c1")
	r.Join("c1", "group:7")

	r.Leave("c1", "group:7")
	r.Leave("c1", "group:7")
	r.Leave("c1", "never-joined")
	r.Leave("unknown", "group:7")

	assert.Empty(t, r.Subscribers("group:7"))
	assert.Empty(t, r.Topics("c1"))
	assert.Equal(t, 1, r.ConnectionCount(), "attached connection survives leaving its topics")
}

func TestRegistry_LeaveDropsJoinOnlyEntry(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Join("ghost", "group:7")

	r.Leave("ghost", "group:7")

	assert.Equal(t, 0, r.ConnectionCount())
}

func TestRegistry_DisconnectRemovesAllSubscriptions(t *testing.T) {
	r := newTestRegistry(t, Options{})
	attach(t, r, "c1")
	attach(t, r, "c2")
	r.Join("c1", "group:7")
	r.Join("c1", "private:a:b")
	r.Join("c2", "group:7")

	r.Disconnect("c1")
	r.Disconnect("c1")

	assert.Equal(t, []string{"c2"}, r.Subscribers("group:7"))
	assert.Empty(t, r.Subscribers("private:a:b"))
	assert.Nil(t, r.Topics("c1"))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestRegistry_DisconnectThenReattach(t *testing.T) {
	r := newTestRegistry(t, Options{})
	attach(t, r, "c1")
	r.Disconnect("c1")

	sink := attach(t, r, "c1")
	r.Join("c1", "group:7")

	n, err := r.Publish("group:7", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sink.count())
}

func TestRegistry_AttachTwiceFails(t *testing.T) {
	r := newTestRegistry(t, Options{})
	attach(t, r, "c1")

	err := r.Attach("c1", &recordingSink{})
	assert.ErrorIs(t, err, ErrAttached)
}

func TestRegistry_PublishReachesEverySubscriber(t *testing.T) {
	r := newTestRegistry(t, Options{})
	sinks := make([]*recordingSink, 3)
	for i := range sinks {
		id := fmt.Sprintf("c%d", i)
		sinks[i] = attach(t, r, id)
		r.Join(id, "group:7")
	}
	other := attach(t, r, "outsider")
	r.Join("outsider", "group:8")

	n, err := r.Publish("group:7", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, s := range sinks {
		require.Equal(t, 1, s.count())
		assert.Equal(t, "group:7", s.deliveries[0].Topic)
		assert.Equal(t, []byte("hello"), s.deliveries[0].Payload)
	}
	assert.Equal(t, 0, other.count())
}

func TestRegistry_PublishToEmptyTopic(t *testing.T) {
	r := newTestRegistry(t, Options{})

	n, err := r.Publish("group:404", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRegistry_PublishTopicsDeduplicatesConnections(t *testing.T) {
	r := newTestRegistry(t, Options{})
	alice := attach(t, r, "alice-conn")
	bob := attach(t, r, "bob-conn")
	r.Join("alice-conn", "private:alice:bob")
	r.Join("alice-conn", "private:bob:alice")
	r.Join("bob-conn", "private:bob:alice")

	n, err := r.PublishTopics([]string{"private:alice:bob", "private:bob:alice"}, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, alice.count())
	assert.Equal(t, 1, bob.count())
}

func TestRegistry_SlowConnectionDoesNotBlockOthers(t *testing.T) {
	obs := &countingObserver{}
	var failedIDs []string
	var mu sync.Mutex
	r := newTestRegistry(t, Options{
		SendTimeout: 100 * time.Millisecond,
		Observer:    obs,
		OnDeliveryFailure: func(id string, _ error) {
			mu.Lock()
			failedIDs = append(failedIDs, id)
			mu.Unlock()
		},
	})
	require.NoError(t, r.Attach("x", stallingSink))
	healthy := attach(t, r, "y")
	r.Join("x", "group:7")
	r.Join("y", "group:7")

	start := time.Now()
	n, err := r.Publish("group:7", []byte("hello"))
	elapsed := time.Since(start)

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, healthy.count())
	assert.Less(t, elapsed, 2*time.Second)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	require.Len(t, pubErr.Failures, 1)
	assert.Equal(t, "x", pubErr.Failures[0].ConnectionID)
	assert.ErrorIs(t, err, ErrSendTimeout)

	assert.Equal(t, int64(1), obs.ok.Load())
	assert.Equal(t, int64(1), obs.failed.Load())
	mu.Lock()
	assert.Equal(t, []string{"x"}, failedIDs)
	mu.Unlock()
}

func TestRegistry_SinkErrorIsIsolated(t *testing.T) {
	boom := errors.New("broken pipe")
	r := newTestRegistry(t, Options{})
	require.NoError(t, r.Attach("bad", SinkFunc(func(context.Context, Delivery) error { return boom })))
	good := attach(t, r, "good")
	r.Join("bad", "group:7")
	r.Join("good", "group:7")

	n, err := r.Publish("group:7", []byte("x"))

	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, good.count())
}

func TestRegistry_UnattachedConnectionFails(t *testing.T) {
	r := newTestRegistry(t, Options{})
	r.Join("ghost", "group:7")
	good := attach(t, r, "good")
	r.Join("good", "group:7")

	n, err := r.Publish("group:7", []byte("x"))

	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.Equal(t, 1, good.count())
}

func TestRegistry_FullQueueFailsFast(t *testing.T) {
	release := make(chan struct{})
	r := newTestRegistry(t, Options{QueueSize: 1, SendTimeout: time.Second})
	require.NoError(t, r.Attach("slow", SinkFunc(func(ctx context.Context, _ Delivery) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})))
	r.Join("slow", "group:7")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Go(func() {
			_, err := r.Publish("group:7", []byte("x"))
			errs <- err
		})
	}
	wg.Wait()
	close(release)
	close(errs)

	var queueFull int
	for err := range errs {
		if errors.Is(err, ErrQueueFull) {
			queueFull++
		}
	}
	assert.GreaterOrEqual(t, queueFull, 1)
}

func TestRegistry_ConcurrentJoinLeavePublish(t *testing.T) {
	r := newTestRegistry(t, Options{})
	for i := range 10 {
		attach(t, r, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for i := range 10 {
		id := fmt.Sprintf("c%d", i)
		wg.Go(func() {
			for range 50 {
				r.Join(id, "group:7")
				r.Leave(id, "group:7")
			}
			r.Join(id, "group:7")
		})
	}
	for range 5 {
		wg.Go(func() {
			for range 50 {
				_, _ = r.Publish("group:7", []byte("x"))
			}
		})
	}
	wg.Wait()

	assert.Len(t, r.Subscribers("group:7"), 10)
}

func TestRegistry_CloseStopsEverything(t *testing.T) {
	obs := &countingObserver{}
	r := New(Options{Observer: obs})
	require.NoError(t, r.Attach("c1", &recordingSink{}))
	r.Join("c1", "group:7")
	assert.Equal(t, int64(1), obs.connections.Load())

	r.Close()

	assert.Equal(t, 0, r.ConnectionCount())
	assert.Equal(t, int64(0), obs.connections.Load())
	assert.ErrorIs(t, r.Attach("c2", &recordingSink{}), ErrClosed)
	r.Join("c2", "group:7")
	assert.Empty(t, r.Subscribers("group:7"))
}
