// ABOUTME: Conversation references and the deterministic topic names derived from them
// ABOUTME: A conversation is either a private pair of users or a group

package chat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConversation is returned when a conversation reference is malformed.
var ErrInvalidConversation = errors.New("invalid conversation")

// Kind distinguishes private pairs from groups.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

// Topic prefixes. Topic names are "group:{id}" and "private:{a}:{b}".
const (
	groupTopicPrefix   = "group:"
	privateTopicPrefix = "private:"
)

// Conversation identifies a private pair (UserA, UserB) or a group (GroupID).
// For private conversations UserA is conventionally the local user, but the
// pair is unordered: Private("a", "b") and Private("b", "a") are the same
// conversation and have the same Key.
type Conversation struct {
	Kind    Kind
	UserA   string
	UserB   string
	GroupID string
}

// Private returns the private conversation between a and b.
func Private(a, b string) Conversation {
	return Conversation{Kind: KindPrivate, UserA: a, UserB: b}
}

// Group returns the conversation for the group with the given id.
func Group(id string) Conversation {
	return Conversation{Kind: KindGroup, GroupID: id}
}

// Validate checks that exactly the fields for the conversation's kind are set.
func (c Conversation) Validate() error {
	switch c.Kind {
	case KindPrivate:
		if c.UserA == "" || c.UserB == "" {
			return fmt.Errorf("%w: private conversation needs both participants", ErrInvalidConversation)
		}
		if c.GroupID != "" {
			return fmt.Errorf("%w: private conversation cannot carry a group id", ErrInvalidConversation)
		}
	case KindGroup:
		if c.GroupID == "" {
			return fmt.Errorf("%w: group conversation needs a group id", ErrInvalidConversation)
		}
		if c.UserA != "" || c.UserB != "" {
			return fmt.Errorf("%w: group conversation cannot carry participants", ErrInvalidConversation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConversation, c.Kind)
	}
	for _, part := range []string{c.UserA, c.UserB, c.GroupID} {
		if strings.Contains(part, ":") {
			return fmt.Errorf("%w: identifier %q contains ':'", ErrInvalidConversation, part)
		}
	}
	return nil
}

// Key returns an order-independent identifier, suitable as a map key.
func (c Conversation) Key() string {
	if c.Kind == KindGroup {
		return GroupTopic(c.GroupID)
	}
	a, b := c.UserA, c.UserB
	if b < a {
		a, b = b, a
	}
	return PrivateTopic(a, b)
}

// Peer returns the other participant of a private conversation as seen by self.
// For group conversations it returns "".
func (c Conversation) Peer(self string) string {
	if c.Kind != KindPrivate {
		return ""
	}
	if c.UserA == self {
		return c.UserB
	}
	return c.UserA
}

// Includes reports whether userID is one of the private participants.
func (c Conversation) Includes(userID string) bool {
	return c.Kind == KindPrivate && (c.UserA == userID || c.UserB == userID)
}

// Equal reports whether two references name the same conversation.
func (c Conversation) Equal(other Conversation) bool {
	return c.Kind == other.Kind && c.Key() == other.Key()
}

func (c Conversation) String() string {
	return c.Key()
}

// GroupTopic returns the topic for a group.
func GroupTopic(groupID string) string {
	return groupTopicPrefix + groupID
}

// PrivateTopic returns the directional private topic "private:{from}:{to}".
func PrivateTopic(from, to string) string {
	return privateTopicPrefix + from + ":" + to
}

// ParseTopic recovers the conversation a topic belongs to.
func ParseTopic(topic string) (Conversation, error) {
	switch {
	case strings.HasPrefix(topic, groupTopicPrefix):
		id := strings.TrimPrefix(topic, groupTopicPrefix)
		conv := Group(id)
		return conv, conv.Validate()
	case strings.HasPrefix(topic, privateTopicPrefix):
		a, b, ok := strings.Cut(strings.TrimPrefix(topic, privateTopicPrefix), ":")
		if !ok {
			return Conversation{}, fmt.Errorf("%w: topic %q", ErrInvalidConversation, topic)
		}
		conv := Private(a, b)
		return conv, conv.Validate()
	default:
		return Conversation{}, fmt.Errorf("%w: topic %q", ErrInvalidConversation, topic)
	}
}
