// ABOUTME: Client session state machine: connect, subscribe, reconnect with backoff, reconcile
// ABOUTME: Replaces process-wide "current user" state with an explicit per-session object

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/chat"
)

// State is the transport lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultHandshakeTimeout bounds a single transport handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultMaxAttempts bounds automatic reconnect attempts after a drop.
	DefaultMaxAttempts = 10
)

// DefaultBackoff is the reconnect delay schedule; the last entry repeats.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrNoConversation is returned by Send when no conversation is selected.
	ErrNoConversation = errors.New("no conversation selected")
)

// ConnectionError reports a failed transport handshake. Attempts is 1 for an
// explicit Connect and the number of tries for an exhausted reconnect.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Conn is one live transport connection.
type Conn interface {
	// Join subscribes to a conversation's topics. It fails if the server
	// rejects the subscription or the connection is gone.
	Join(ctx context.Context, conv chat.Conversation) error
	Leave(ctx context.Context, conv chat.Conversation) error
	// Frames yields pushed message and deleted frames. It is closed when the
	// connection drops or Close is called.
	Frames() <-chan *chat.Frame
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// HistoryFetcher returns a conversation's messages with id greater than sinceID,
// in (sentAt, id) order. It is the authoritative reconciliation path.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conv chat.Conversation, sinceID int64) ([]chat.Message, error)
}

// Sender submits a message for persistence and returns the stored copy.
type Sender interface {
	Send(ctx context.Context, conv chat.Conversation, content, requestID string) (*chat.Message, error)
}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	Backoff          []time.Duration
	MaxAttempts      int
	Sender           Sender
	Logger           *slog.Logger

	// OnMessage is called once per new message id, live or reconciled.
	OnMessage func(conv chat.Conversation, msg chat.Message)
	// OnDelete is called when a displayed message is deleted.
	OnDelete func(conv chat.Conversation, messageID int64)
	// OnError reports background failures: exhausted reconnects
	// (*ConnectionError), rejected re-subscriptions and failed reconciliation.
	OnError func(err error)
}

// Session is one client's connection to the delivery service: who the user
// is, which conversation is open, what has been seen, and the transport.
type Session struct {
	userID  string
	dialer  Dialer
	history HistoryFetcher
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	changed   chan struct{} // closed and replaced on every state change
	conn      Conn
	current   *chat.Conversation
	timelines map[string]*Timeline
	attempts  int
	closed    bool

	// subMu orders subscription changes against (re)connect completion, so a
	// completed reconnect always subscribes to the conversation selected at
	// that moment.
	subMu sync.Mutex

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a disconnected session for userID.
func New(userID string, dialer Dialer, history HistoryFetcher, opts Options) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Session{
		userID:    userID,
		dialer:    dialer,
		history:   history,
		opts:      opts,
		logger:    opts.Logger.With("component", "session", "user_id", userID),
		state:     StateDisconnected,
		changed:   make(chan struct{}),
		timelines: make(map[string]*Timeline),
		lifetime:  lifetime,
		cancel:    cancel,
	}
}

// UserID returns the session's principal.
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Changed returns a channel closed at the next state change.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// WaitFor blocks until the session reaches want or ctx is done.
func (s *Session) WaitFor(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		state, ch := s.state, s.changed
		s.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (currently %s): %w", want, state, ctx.Err())
		}
	}
}

// Attempts returns the current reconnect attempt, 0 when not reconnecting.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Current returns the selected conversation, if any.
func (s *Session) Current() (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return chat.Conversation{}, false
	}
	return *s.current, true
}

// Messages returns the merged timeline of conv.
func (s *Session) Messages(conv chat.Conversation) []chat.Message {
	return s.timeline(conv).Messages()
}

func (s *Session) timeline(conv chat.Conversation) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conv.Key()
	tl, ok := s.timelines[key]
	if !ok {
		tl = NewTimeline()
		s.timelines[key] = tl
	}
	return tl
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("state change", "from", s.state, "to", state)
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

// Connect performs the initial handshake, bounded by the handshake timeout.
// On failure it returns a *ConnectionError and the session stays
// Disconnected; retrying is up to the caller. Connect on a session that is
// already connecting or connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		if !s.closed {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		s.logger.Warn("connect failed", "error", err)
		return &ConnectionError{Attempts: 1, Err: err}
	}

	return s.establish(ctx, conn)
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	return s.dialer.Dial(dialCtx)
}

// establish makes conn the live connection, re-subscribes to whatever
// conversation is selected now, and reconciles it from history.
// Subscription problems are reported through OnError; the connection stays up.
func (s *Session) establish(ctx context.Context, conn Conn) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.attempts = 0
	s.setStateLocked(StateConnected)
	current := s.current
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watch(conn)

	s.logger.Info("connected")

	if current != nil {
		if err := s.subscribe(ctx, conn, *current); err != nil {
			s.report(err)
		}
	}
	return nil
}

// subscribe joins conv and fetches everything after the synced watermark
// taken before the join, so nothing published during an outage or a switch
// is missed.
func (s *Session) subscribe(ctx context.Context, conn Conn, conv chat.Conversation) error {
	since := s.timeline(conv).SyncedID()
	if err := conn.Join(ctx, conv); err != nil {
		return fmt.Errorf("joining %s: %w", conv, err)
	}
	return s.reconcile(ctx, conv, since)
}

// reconcile merges history after sinceID into the timeline and advances the
// synced watermark to the newest id fetched.
func (s *Session) reconcile(ctx context.Context, conv chat.Conversation, sinceID int64) error {
	msgs, err := s.history.FetchHistory(ctx, conv, sinceID)
	if err != nil {
		return fmt.Errorf("reconciling %s since %d: %w", conv, sinceID, err)
	}
	tl := s.timeline(conv)
	added := tl.Merge(msgs...)
	synced := sinceID
	for _, msg := range msgs {
		synced = max(synced, msg.ID)
	}
	tl.MarkSynced(synced)
	s.logger.Debug("reconciled", "conversation", conv.Key(), "since_id", sinceID, "fetched", len(msgs), "new", len(added))
	for _, msg := range added {
		s.emit(conv, msg)
	}
	return nil
}

// Reconcile fetches history for the selected conversation since its synced
// watermark. Useful after a send failed ambiguously or on user request.
func (s *Session) Reconcile(ctx context.Context) error {
	conv, ok := s.Current()
	if !ok {
		return ErrNoConversation
	}
	return s.reconcile(ctx, conv, s.timeline(conv).SyncedID())
}

// watch consumes frames until conn drops, then starts reconnecting unless
// the session closed or already replaced conn.
func (s *Session) watch(conn Conn) {
	defer s.wg.Done()

	for frame := range conn.Frames() {
		s.handleFrame(frame)
	}

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.setStateLocked(StateReconnecting)
	s.wg.Add(1)
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn("connection lost, reconnecting")
	go s.reconnect()
}

func (s *Session) handleFrame(f *chat.Frame) {
	if f.Message == nil {
		return
	}
	msg := *f.Message
	conv := msg.Conversation()

	switch f.Type {
	case chat.FrameMessage:
		for _, added := range s.timeline(conv).Merge(msg) {
			s.emit(conv, added)
		}
	case chat.FrameDeleted:
		if s.timeline(conv).Remove(msg.ID) && s.opts.OnDelete != nil {
			s.opts.OnDelete(conv, msg.ID)
		}
	}
}

func (s *Session) emit(conv chat.Conversation, msg chat.Message) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(conv, msg)
	}
}

func (s *Session) report(err error) {
	s.logger.Warn("session error", "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// backoff returns the delay before the given 1-based attempt.
func (s *Session) backoff(attempt int) time.Duration {
	i := min(attempt-1, len(s.opts.Backoff)-1)
	return s.opts.Backoff[i]
}

// reconnect retries the handshake on the backoff schedule until it succeeds,
// the attempts run out, or the session is closed.
func (s *Session) reconnect() {
	defer s.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()

		timer := time.NewTimer(s.backoff(attempt))
		select {
		case <-s.lifetime.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := s.dial(s.lifetime)
		if err != nil {
			lastErr = err
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		_ = s.establish(s.lifetime, conn)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.report(&ConnectionError{Attempts: s.opts.MaxAttempts, Err: lastErr})
}

// Switch selects conv as the open conversation. When connected it leaves the
// previous conversation, joins conv and reconciles it. When not connected the
// selection is recorded and applied by the next successful (re)connect, even
// if that reconnect began before the switch.
func (s *Session) Switch(ctx context.Context, conv chat.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.Kind == chat.KindPrivate && !conv.Includes(s.userID) {
		return fmt.Errorf("%w: private conversation must include %s", chat.ErrInvalidConversation, s.userID)
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.current
	selected := conv
	s.current = &selected
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if prev != nil && !prev.Equal(conv) {
		if err := conn.Leave(ctx, *prev); err != nil {
			s.logger.Warn("leave failed", "conversation", prev.Key(), "error", err)
		}
	}
	return s.subscribe(ctx, conn, conv)
}

// Send submits content to the selected conversation and merges the stored
// message into the timeline. The live echo of the same message is then
// discarded as a duplicate.
func (s *Session) Send(ctx context.Context, content string) (*chat.Message, error) {
	if s.opts.Sender == nil {
		return nil, errors.New("session has no sender")
	}
	conv, ok := s.Current()
	if !ok {
		return nil, ErrNoConversation
	}

	msg, err := s.opts.Sender.Send(ctx, conv, content, uuid.NewString())
	if err != nil {
		return nil, err
	}
	for _, added := range s.timeline(conv).Merge(*msg) {
		s.emit(conv, added)
	}
	return msg, nil
}

// Close disconnects, cancels any reconnect in progress and waits for
// background work to stop. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.attempts = 0
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	s.logger.Debug("session closed")
	return err
}
