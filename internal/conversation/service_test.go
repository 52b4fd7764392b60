// ABOUTME: Tests for the send pipeline's ordering, error taxonomy and fan-out
// ABOUTME: Uses recording fakes for call order and the real registry for delivery scenarios

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/registry"
	"github.com/2389/parley/internal/router"
	"github.com/2389/parley/internal/store"
)

// callLog records the order of store and publisher calls.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type loggingStore struct {
	*store.MockStore
	log *callLog
}

func (s *loggingStore) PersistMessage(ctx context.Context, msg *store.NewMessage) (*chat.Message, error) {
	s.log.add("persist")
	return s.MockStore.PersistMessage(ctx, msg)
}

type loggingPublisher struct {
	log      *callLog
	err      error
	payloads [][]byte
}

func (p *loggingPublisher) Publish(conv chat.Conversation, payload []byte) (int, error) {
	p.log.add("publish:" + conv.Key())
	p.payloads = append(p.payloads, payload)
	if p.err != nil {
		return 0, p.err
	}
	return 1, nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *countingObserver) ObserveSend(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func newLoggedService(t *testing.T) (*Service, *store.MockStore, *loggingPublisher, *callLog) {
	t.Helper()
	log := &callLog{}
	ms := store.NewMockStore()
	pub := &loggingPublisher{log: log}
	return New(&loggingStore{MockStore: ms, log: log}, pub, nil), ms, pub, log
}

func TestSend_PersistsBeforePublish(t *testing.T) {
	svc, _, pub, log := newLoggedService(t)

	result, err := svc.Send(t.Context(), &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{"persist", "publish:private:alice:bob"}, log.snapshot())
	assert.Equal(t, StageAcknowledged, result.Stage)
	assert.NotZero(t, result.Message.ID)
	assert.False(t, result.Message.SentAt.IsZero())

	frame, err := chat.DecodeFrame(pub.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, chat.FrameMessage, frame.Type)
	assert.Equal(t, result.Message.ID, frame.Message.ID, "live frame carries the persisted id")
}

func TestSend_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
	}{
		{"no target", SendRequest{SenderID: "alice", Content: "hi"}},
		{"both targets", SendRequest{SenderID: "alice", ReceiverID: "bob", GroupID: "7", Content: "hi"}},
		{"empty text", SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "   "}},
		{"file without id", SendRequest{SenderID: "alice", ReceiverID: "bob", Type: chat.MessageTypeFile}},
		{"unknown type", SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "x", Type: "sticker"}},
		{"no sender", SendRequest{ReceiverID: "bob", Content: "hi"}},
		{"colon in id", SendRequest{SenderID: "alice", GroupID: "a:b", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, log := newLoggedService(t)
			req := tt.req

			_, err := svc.Send(t.Context(), &req)

			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, log.snapshot(), "nothing persisted or published")
		})
	}
}

func TestSend_FileMessageAllowsEmptyContent(t *testing.T) {
	svc, _, _, _ := newLoggedService(t)

	result, err := svc.Send(t.Context(), &SendRequest{
		SenderID: "alice", GroupID: "7", Type: chat.MessageTypeFile, FileID: "f-1",
	})
	require.NoError(t, err)
	assert.Equal(t, chat.MessageTypeFile, result.Message.Type)
	assert.Equal(t, "f-1", result.Message.FileID)
}

func TestSend_PersistFailureSkipsPublish(t *testing.T) {
	svc, ms, _, log := newLoggedService(t)
	obs := &countingObserver{}
	svc.SetObserver(obs)
	ms.PersistErr = errors.New("disk full")

	_, err := svc.Send(t.Context(), &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi"})

	var persistErr *PersistError
	require.ErrorAs(t, err, &persistErr)
	assert.EqualError(t, persistErr.Err, "disk full")
	assert.Equal(t, []string{"persist"}, log.snapshot())
	assert.Equal(t, []Outcome{OutcomePersistError}, obs.outcomes)
}

func TestSend_PublishFailureStillSucceeds(t *testing.T) {
	svc, ms, pub, _ := newLoggedService(t)
	pub.err = &registry.PublishError{
		Topics:   []string{"private:alice:bob"},
		Failures: []registry.DeliveryFailure{{ConnectionID: "bob-1", Err: registry.ErrSendTimeout}},
	}

	result, err := svc.Send(t.Context(), &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.ErrorIs(t, result.PublishErr, registry.ErrSendTimeout)
	assert.Equal(t, StageAcknowledged, result.Stage)

	msgs, err := ms.FetchHistory(t.Context(), store.HistoryQuery{Conversation: chat.Private("bob", "alice")})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, result.Message.ID, msgs[0].ID)
}

func TestSend_RetryWithRequestIDIsNotDuplicated(t *testing.T) {
	svc, ms, _, log := newLoggedService(t)
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	svc.SetRequestCache(cache)

	req := SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi", RequestID: "r-1"}
	first, err := svc.Send(t.Context(), &req)
	require.NoError(t, err)

	retry := req
	second, err := svc.Send(t.Context(), &retry)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Len(t, log.snapshot(), 2, "one persist and one publish")

	msgs, err := ms.FetchHistory(t.Context(), store.HistoryQuery{Conversation: chat.Private("alice", "bob")})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSend_RetryWhileInFlightIsRejected(t *testing.T) {
	svc, _, _, log := newLoggedService(t)
	obs := &countingObserver{}
	svc.SetObserver(obs)
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	svc.SetRequestCache(cache)

	// The first attempt has claimed the key but not finished.
	_, status := cache.Claim("alice:r-1")
	require.Equal(t, dedupe.StatusNew, status)

	_, err := svc.Send(t.Context(), &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi", RequestID: "r-1"})

	assert.ErrorIs(t, err, ErrRequestInFlight)
	assert.Empty(t, log.snapshot())
	assert.Equal(t, []Outcome{OutcomeInFlight}, obs.outcomes)
}

func TestSend_RetryAfterPersistFailurePersists(t *testing.T) {
	svc, ms, _, _ := newLoggedService(t)
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	svc.SetRequestCache(cache)

	ms.PersistErr = errors.New("locked")
	req := SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi", RequestID: "r-1"}
	_, err := svc.Send(t.Context(), &req)
	require.Error(t, err)

	ms.PersistErr = nil
	retry := SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi", RequestID: "r-1"}
	result, err := svc.Send(t.Context(), &retry)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
}

func TestSend_PersistSurvivesCallerCancellation(t *testing.T) {
	svc, _, _, _ := newLoggedService(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	result, err := svc.Send(ctx, &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.NotZero(t, result.Message.ID)
}

// pipeline wires the real registry, router and in-memory store.
type pipeline struct {
	reg   *registry.Registry
	store *store.MockStore
	rt    *router.Router
	svc   *Service
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	reg := registry.New(registry.Options{SendTimeout: 200 * time.Millisecond})
	t.Cleanup(reg.Close)
	ms := store.NewMockStore()
	rt := router.New(reg, ms, nil)
	svc := New(ms, rt, nil)
	svc.SetAuthorizer(rt)
	return &pipeline{reg: reg, store: ms, rt: rt, svc: svc}
}

type frameInbox struct {
	mu     sync.Mutex
	frames []*chat.Frame
}

func (b *frameInbox) Deliver(_ context.Context, d registry.Delivery) error {
	var f chat.Frame
	if err := json.Unmarshal(d.Payload, &f); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, &f)
	return nil
}

func (b *frameInbox) messages() []*chat.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*chat.Frame(nil), b.frames...)
}

func (p *pipeline) connect(t *testing.T, principal, connID string, conv chat.Conversation) *frameInbox {
	t.Helper()
	box := &frameInbox{}
	require.NoError(t, p.reg.Attach(connID, box))
	require.NoError(t, p.rt.Join(t.Context(), principal, connID, conv))
	return box
}

func TestScenario_PrivateHappyPath(t *testing.T) {
	p := newPipeline(t)
	alice := p.connect(t, "1", "conn-1", chat.Private("1", "2"))
	bob := p.connect(t, "2", "conn-2", chat.Private("2", "1"))

	result, err := p.svc.Send(t.Context(), &SendRequest{SenderID: "1", ReceiverID: "2", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, result.PublishErr)
	assert.Equal(t, 2, result.Delivered)

	for name, box := range map[string]*frameInbox{"alice": alice, "bob": bob} {
		frames := box.messages()
		require.Len(t, frames, 1, name)
		got := frames[0].Message
		assert.Equal(t, result.Message.ID, got.ID, name)
		assert.Equal(t, "hi", got.Content, name)
		assert.Equal(t, "1", got.SenderID, name)
		assert.True(t, result.Message.SentAt.Equal(got.SentAt), name)
	}
}

func TestScenario_SenderOtherConnectionReceives(t *testing.T) {
	p := newPipeline(t)
	laptop := p.connect(t, "alice", "alice-laptop", chat.Private("alice", "bob"))
	phone := p.connect(t, "alice", "alice-phone", chat.Private("alice", "bob"))

	result, err := p.svc.Send(t.Context(), &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "sync"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Delivered)
	assert.Len(t, laptop.messages(), 1)
	assert.Len(t, phone.messages(), 1)
}

func TestScenario_GroupFanOut(t *testing.T) {
	p := newPipeline(t)
	ctx := t.Context()
	require.NoError(t, p.store.CreateGroup(ctx, &store.Group{ID: "7", Name: "team", CreatedBy: "alice"}))
	require.NoError(t, p.store.AddGroupMember(ctx, "7", "bob"))
	require.NoError(t, p.store.AddGroupMember(ctx, "7", "carol"))

	boxes := []*frameInbox{
		p.connect(t, "alice", "alice-1", chat.Group("7")),
		p.connect(t, "alice", "alice-2", chat.Group("7")),
		p.connect(t, "bob", "bob-1", chat.Group("7")),
		p.connect(t, "carol", "carol-1", chat.Group("7")),
	}

	result, err := p.svc.Send(ctx, &SendRequest{SenderID: "alice", GroupID: "7", Content: "standup"})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Delivered)
	for _, box := range boxes {
		assert.Len(t, box.messages(), 1)
	}
}

func TestScenario_SendWhileSubscriberDisconnected(t *testing.T) {
	p := newPipeline(t)
	ctx := t.Context()
	p.connect(t, "1", "conn-1", chat.Private("1", "2"))
	p.connect(t, "2", "conn-2", chat.Private("2", "1"))

	before, err := p.svc.Send(ctx, &SendRequest{SenderID: "2", ReceiverID: "1", Content: "earlier"})
	require.NoError(t, err)
	lastKnown := before.Message.ID

	p.reg.Disconnect("conn-2")

	result, err := p.svc.Send(ctx, &SendRequest{SenderID: "1", ReceiverID: "2", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	msgs, err := p.svc.History(ctx, &HistoryRequest{
		PrincipalID:  "2",
		Conversation: chat.Private("2", "1"),
		SinceID:      lastKnown,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestScenario_StalledSubscriberDoesNotFailSend(t *testing.T) {
	p := newPipeline(t)
	healthy := p.connect(t, "bob", "bob-1", chat.Private("bob", "alice"))
	require.NoError(t, p.reg.Attach("bob-2", registry.SinkFunc(func(ctx context.Context, _ registry.Delivery) error {
		<-ctx.Done()
		return ctx.Err()
	})))
	require.NoError(t, p.rt.Join(t.Context(), "bob", "bob-2", chat.Private("bob", "alice")))

	result, err := p.svc.Send(t.Context(), &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.ErrorIs(t, result.PublishErr, registry.ErrSendTimeout)
	assert.Len(t, healthy.messages(), 1)
}

func TestSend_ForbiddenGroup(t *testing.T) {
	p := newPipeline(t)
	ctx := t.Context()
	require.NoError(t, p.store.CreateGroup(ctx, &store.Group{ID: "7", Name: "team", CreatedBy: "alice"}))

	_, err := p.svc.Send(ctx, &SendRequest{SenderID: "mallory", GroupID: "7", Content: "spam"})
	assert.ErrorIs(t, err, router.ErrNotMember)
}

func TestHistory_PrivateMustIncludeCaller(t *testing.T) {
	p := newPipeline(t)

	_, err := p.svc.History(t.Context(), &HistoryRequest{PrincipalID: "mallory", Conversation: chat.Private("alice", "bob")})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDelete_SoftDeletesAndNotifies(t *testing.T) {
	p := newPipeline(t)
	ctx := t.Context()
	bob := p.connect(t, "bob", "bob-1", chat.Private("bob", "alice"))

	sent, err := p.svc.Send(ctx, &SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "oops"})
	require.NoError(t, err)

	_, err = p.svc.Delete(ctx, "bob", sent.Message.ID)
	assert.ErrorIs(t, err, ErrNotSender)

	deleted, err := p.svc.Delete(ctx, "alice", sent.Message.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	frames := bob.messages()
	require.Len(t, frames, 2)
	assert.Equal(t, chat.FrameDeleted, frames[1].Type)
	assert.Equal(t, sent.Message.ID, frames[1].Message.ID)

	msgs, err := p.svc.History(ctx, &HistoryRequest{PrincipalID: "bob", Conversation: chat.Private("bob", "alice")})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = p.svc.Delete(ctx, "alice", 999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
