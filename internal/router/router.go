// ABOUTME: Conversation router mapping conversations to topics on the registry
// ABOUTME: Authorizes joins against conversation membership before subscribing

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/store"
)

// ErrNotMember is returned when a principal may not access a conversation.
var ErrNotMember = errors.New("not a member of the conversation")

// Subscriptions is the part of the connection registry the router drives.
type Subscriptions interface {
	Join(connectionID, topic string)
	Leave(connectionID, topic string)
	PublishTopics(topics []string, payload []byte) (int, error)
}

// MembershipResolver returns the principals allowed to receive a conversation.
type MembershipResolver interface {
	ResolveMembership(ctx context.Context, conv chat.Conversation) ([]string, error)
}

// TopicsFor returns the topics a conversation is published to: "group:{id}"
// for groups, and both "private:A:B" and "private:B:A" for a private pair.
func TopicsFor(conv chat.Conversation) []string {
	if conv.Kind == chat.KindGroup {
		return []string{chat.GroupTopic(conv.GroupID)}
	}
	ab := chat.PrivateTopic(conv.UserA, conv.UserB)
	ba := chat.PrivateTopic(conv.UserB, conv.UserA)
	if ab == ba {
		return []string{ab}
	}
	return []string{ab, ba}
}

// Router resolves conversations to topics and manages connection subscriptions.
type Router struct {
	subs    Subscriptions
	members MembershipResolver
	logger  *slog.Logger
}

// New creates a router. Pass nil logger for default.
func New(subs Subscriptions, members MembershipResolver, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subs:    subs,
		members: members,
		logger:  logger.With("component", "router"),
	}
}

// TopicsFor returns the topics for conv. See the package-level TopicsFor.
func (r *Router) TopicsFor(conv chat.Conversation) []string {
	return TopicsFor(conv)
}

// Authorize checks that principalID is a member of conv.
func (r *Router) Authorize(ctx context.Context, principalID string, conv chat.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	members, err := r.members.ResolveMembership(ctx, conv)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotMember, conv)
	}
	if err != nil {
		return fmt.Errorf("resolving membership: %w", err)
	}
	if !slices.Contains(members, principalID) {
		return fmt.Errorf("%w: %s", ErrNotMember, conv)
	}
	return nil
}

// Join subscribes a connection owned by principalID to every topic of conv,
// after checking membership. Membership is checked again once subscribed:
// a removal that commits between the first check and the subscription would
// otherwise miss this connection in its unsubscribe sweep.
func (r *Router) Join(ctx context.Context, principalID, connectionID string, conv chat.Conversation) error {
	if err := r.Authorize(ctx, principalID, conv); err != nil {
		r.rejected(principalID, connectionID, conv, err)
		return err
	}
	for _, topic := range TopicsFor(conv) {
		r.subs.Join(connectionID, topic)
	}
	if err := r.Authorize(ctx, principalID, conv); err != nil {
		r.Leave(connectionID, conv)
		r.rejected(principalID, connectionID, conv, err)
		return err
	}
	r.logger.Debug("joined conversation",
		"principal_id", principalID,
		"connection_id", connectionID,
		"conversation", conv.Key())
	return nil
}

func (r *Router) rejected(principalID, connectionID string, conv chat.Conversation, err error) {
	r.logger.Warn("join rejected",
		"principal_id", principalID,
		"connection_id", connectionID,
		"conversation", conv.Key(),
		"error", err)
}

// Leave unsubscribes a connection from every topic of conv. It never fails.
func (r *Router) Leave(connectionID string, conv chat.Conversation) {
	for _, topic := range TopicsFor(conv) {
		r.subs.Leave(connectionID, topic)
	}
}

// SwitchConversation leaves all topics of from (if set) and then joins all
// topics of to (if set). The two steps are not atomic: a message published
// in between is missed live and recovered from history. If the join is
// rejected the connection is left with no subscription for either.
func (r *Router) SwitchConversation(ctx context.Context, principalID, connectionID string, from, to *chat.Conversation) error {
	if from != nil {
		r.Leave(connectionID, *from)
	}
	if to == nil {
		return nil
	}
	return r.Join(ctx, principalID, connectionID, *to)
}

// Publish fans payload out to every connection subscribed to any topic of
// conv. A connection subscribed to both private topics receives one copy.
func (r *Router) Publish(conv chat.Conversation, payload []byte) (int, error) {
	return r.subs.PublishTopics(TopicsFor(conv), payload)
}
