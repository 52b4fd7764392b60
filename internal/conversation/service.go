// ABOUTME: Message pipeline: validate, persist, publish, acknowledge
// ABOUTME: History is the source of truth; live fan-out is best effort on top of it

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/store"
)

const (
	// persistTimeout bounds a store write. The write runs detached from the
	// caller's context so a client hanging up cannot leave it half-done.
	persistTimeout = 5 * time.Second

	// maxContentLength bounds a text message in bytes.
	maxContentLength = 16 * 1024
)

// MessageStore defines what the pipeline needs from storage
type MessageStore interface {
	PersistMessage(ctx context.Context, msg *store.NewMessage) (*chat.Message, error)
	FetchHistory(ctx context.Context, q store.HistoryQuery) ([]chat.Message, error)
	GetMessage(ctx context.Context, id int64) (*chat.Message, error)
	SoftDeleteMessage(ctx context.Context, id int64) error
}

// Publisher fans a payload out to every live subscriber of a conversation.
type Publisher interface {
	Publish(conv chat.Conversation, payload []byte) (int, error)
}

// Authorizer decides whether a principal may access a conversation.
type Authorizer interface {
	Authorize(ctx context.Context, principalID string, conv chat.Conversation) error
}

// Observer is told the outcome of every send.
type Observer interface {
	ObserveSend(outcome Outcome)
}

// Stage is the furthest point a send reached.
type Stage string

const (
	StageValidated    Stage = "validated"
	StagePersisted    Stage = "persisted"
	StagePublished    Stage = "published"
	StageAcknowledged Stage = "acknowledged"
)

// Outcome classifies a finished send for observers.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeForbidden    Outcome = "forbidden"
	OutcomePersistError Outcome = "persist_error"
	OutcomeInFlight     Outcome = "in_flight"
)

// Service is the message pipeline. It guarantees a message is durably stored
// before any subscriber can see it live.
type Service struct {
	store     MessageStore
	publisher Publisher
	authz     Authorizer
	requests  *dedupe.Cache
	observer  Observer
	logger    *slog.Logger
}

// New creates a pipeline. Pass nil logger for default.
func New(store MessageStore, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "conversation"),
	}
}

// SetAuthorizer enables membership checks on send, history and delete.
func (s *Service) SetAuthorizer(a Authorizer) {
	s.authz = a
}

// SetRequestCache enables retry-safe sends keyed by SendRequest.RequestID.
func (s *Service) SetRequestCache(c *dedupe.Cache) {
	s.requests = c
}

// SetObserver registers an observer for send outcomes.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// SendRequest is an outbound message. Exactly one of ReceiverID and GroupID
// must be set.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	GroupID    string
	Content    string
	Type       chat.MessageType
	FileID     string

	// RequestID is an optional client-chosen key; a retry with the same key
	// returns the original message instead of storing a duplicate.
	RequestID string
}

// Conversation returns the conversation the request targets.
func (r *SendRequest) Conversation() chat.Conversation {
	if r.GroupID != "" {
		return chat.Group(r.GroupID)
	}
	return chat.Private(r.SenderID, r.ReceiverID)
}

// SendResult is the acknowledgement returned to the sender.
type SendResult struct {
	Message   *chat.Message
	Stage     Stage
	Duplicate bool

	// Delivered counts live connections that received the message.
	Delivered int
	// PublishErr is informational only; the send still succeeded.
	PublishErr error
}

// validate normalizes and checks a request.
func validate(req *SendRequest) error {
	if req.SenderID == "" {
		return invalid("sender is required")
	}
	if (req.ReceiverID == "") == (req.GroupID == "") {
		return invalid("exactly one of receiver_id and group_id must be set")
	}
	if req.Type == "" {
		req.Type = chat.MessageTypeText
	}
	if !req.Type.Valid() {
		return invalid("unknown message type %q", req.Type)
	}
	switch req.Type {
	case chat.MessageTypeText:
		if strings.TrimSpace(req.Content) == "" {
			return invalid("content is required for text messages")
		}
	case chat.MessageTypeFile:
		if req.FileID == "" {
			return invalid("file_id is required for file messages")
		}
	}
	if len(req.Content) > maxContentLength {
		return invalid("content exceeds %d bytes", maxContentLength)
	}
	if err := req.Conversation().Validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Send runs a message through the pipeline:
//
//	Validated -> Persisted -> Published -> Acknowledged
//
// Key principle: record first, then act. The message is published only once
// it has a durable id and timestamp. A persist failure returns *PersistError
// and nothing is published. A publish failure is logged and reported in
// SendResult.PublishErr, but Send still succeeds because every subscriber can
// recover the message from history.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := validate(req); err != nil {
		s.observe(OutcomeInvalid)
		return nil, err
	}
	conv := req.Conversation()

	if s.authz != nil {
		if err := s.authz.Authorize(ctx, req.SenderID, conv); err != nil {
			s.observe(OutcomeForbidden)
			return nil, err
		}
	}

	requestKey := ""
	if s.requests != nil && req.RequestID != "" {
		requestKey = req.SenderID + ":" + req.RequestID
		id, status := s.requests.Claim(requestKey)
		switch status {
		case dedupe.StatusPending:
			s.observe(OutcomeInFlight)
			return nil, ErrRequestInFlight
		case dedupe.StatusDone:
			return s.replay(ctx, id)
		}
	}

	msg, err := s.persist(ctx, req)
	if err != nil {
		if requestKey != "" {
			s.requests.Release(requestKey)
		}
		s.observe(OutcomePersistError)
		return nil, err
	}
	if requestKey != "" {
		s.requests.Complete(requestKey, msg.ID)
	}

	s.logger.Debug("message persisted",
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"conversation", conv.Key(),
		"stage", StagePersisted)

	result := &SendResult{Message: msg, Stage: StagePersisted}
	result.Delivered, result.PublishErr = s.publish(conv, chat.FrameMessage, msg)
	result.Stage = StageAcknowledged

	s.observe(OutcomeOK)
	return result, nil
}

// persist stores the message with a detached, bounded context.
func (s *Service) persist(ctx context.Context, req *SendRequest) (*chat.Message, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg, err := s.store.PersistMessage(persistCtx, &store.NewMessage{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		GroupID:    req.GroupID,
		Content:    req.Content,
		Type:       req.Type,
		FileID:     req.FileID,
	})
	if err != nil {
		s.logger.Error("failed to persist message",
			"sender_id", req.SenderID,
			"error", err)
		return nil, &PersistError{Err: err}
	}
	return msg, nil
}

// replay answers a retried request with the message it already produced.
func (s *Service) replay(ctx context.Context, id int64) (*SendResult, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, &PersistError{Err: fmt.Errorf("loading original message %d: %w", id, err)}
	}
	s.observe(OutcomeDuplicate)
	return &SendResult{Message: msg, Stage: StageAcknowledged, Duplicate: true}, nil
}

// publish encodes one frame and fans it out. Failures are logged, never returned
// as errors to the caller.
func (s *Service) publish(conv chat.Conversation, frameType chat.FrameType, msg *chat.Message) (int, error) {
	payload, err := chat.EncodeFrame(&chat.Frame{Type: frameType, Message: msg})
	if err != nil {
		s.logger.Error("failed to encode frame", "message_id", msg.ID, "error", err)
		return 0, err
	}

	delivered, err := s.publisher.Publish(conv, payload)
	if err != nil {
		s.logger.Warn("live delivery incomplete; subscribers will reconcile from history",
			"message_id", msg.ID,
			"conversation", conv.Key(),
			"delivered", delivered,
			"error", err)
		return delivered, err
	}

	s.logger.Debug("message published",
		"message_id", msg.ID,
		"conversation", conv.Key(),
		"delivered", delivered,
		"stage", StagePublished)
	return delivered, nil
}

func (s *Service) observe(o Outcome) {
	if s.observer != nil {
		s.observer.ObserveSend(o)
	}
}

// HistoryRequest selects part of a conversation's history for a principal.
type HistoryRequest struct {
	PrincipalID  string
	Conversation chat.Conversation
	SinceID      int64
	Forward      bool // page from the oldest message after SinceID, even when it is 0
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// History returns the non-deleted messages of a conversation in (sentAt, id)
// order. This is the authoritative path clients reconcile against.
func (s *Service) History(ctx context.Context, req *HistoryRequest) ([]chat.Message, error) {
	if err := req.Conversation.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	if req.Conversation.Kind == chat.KindPrivate && !req.Conversation.Includes(req.PrincipalID) {
		return nil, invalid("private history must include the caller")
	}
	if s.authz != nil {
		if err := s.authz.Authorize(ctx, req.PrincipalID, req.Conversation); err != nil {
			return nil, err
		}
	}

	msgs, err := s.store.FetchHistory(ctx, store.HistoryQuery{
		Conversation: req.Conversation,
		SinceID:      req.SinceID,
		Forward:      req.Forward,
		Since:        req.Since,
		Until:        req.Until,
		Limit:        req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	return msgs, nil
}

// Delete soft-deletes a message sent by principalID and tells live
// subscribers. Deleting an already-deleted message succeeds.
func (s *Service) Delete(ctx context.Context, principalID string, messageID int64) (*chat.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if msg.SenderID != principalID {
		return nil, ErrNotSender
	}
	if msg.Deleted {
		return msg, nil
	}

	if err := s.store.SoftDeleteMessage(ctx, messageID); err != nil {
		return nil, &PersistError{Err: err}
	}
	msg.Deleted = true

	s.logger.Info("message deleted", "message_id", messageID, "sender_id", principalID)
	_, _ = s.publish(msg.Conversation(), chat.FrameDeleted, msg)
	return msg, nil
}
