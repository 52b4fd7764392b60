// ABOUTME: JSON frames exchanged over the live websocket transport
// ABOUTME: ConversationRef is the wire form of a conversation relative to the caller

package chat

import (
	"encoding/json"
	"fmt"
)

// FrameType names a websocket frame.
type FrameType string

// Client to server.
const (
	FrameJoin   FrameType = "join"
	FrameLeave  FrameType = "leave"
	FrameSwitch FrameType = "switch"
	FrameSend   FrameType = "send"
	FramePing   FrameType = "ping"
)

// Server to client.
const (
	FrameMessage FrameType = "message"
	FrameDeleted FrameType = "deleted"
	FrameAck     FrameType = "ack"
	FrameError   FrameType = "error"
	FramePong    FrameType = "pong"
)

// ConversationRef identifies a conversation on the wire. Private conversations
// name only the peer; the other participant is the authenticated caller.
type ConversationRef struct {
	Kind    Kind   `json:"kind"`
	Peer    string `json:"peer,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// Resolve turns the reference into a Conversation for the caller self.
func (r ConversationRef) Resolve(self string) (Conversation, error) {
	var conv Conversation
	switch r.Kind {
	case KindPrivate:
		conv = Private(self, r.Peer)
	case KindGroup:
		conv = Group(r.GroupID)
	default:
		return Conversation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidConversation, r.Kind)
	}
	if err := conv.Validate(); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// RefFor builds the wire reference for conv as seen by self.
func RefFor(conv Conversation, self string) ConversationRef {
	if conv.Kind == KindGroup {
		return ConversationRef{Kind: KindGroup, GroupID: conv.GroupID}
	}
	return ConversationRef{Kind: KindPrivate, Peer: conv.Peer(self)}
}

// Frame is the single envelope used in both directions. Only the fields
// relevant to Type are populated.
type Frame struct {
	Type         FrameType        `json:"type"`
	RequestID    string           `json:"request_id,omitempty"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
	From         *ConversationRef `json:"from,omitempty"`
	To           *ConversationRef `json:"to,omitempty"`

	// send
	Content     string      `json:"content,omitempty"`
	MessageType MessageType `json:"message_type,omitempty"`
	FileID      string      `json:"file_id,omitempty"`

	// message, deleted, ack
	Message *Message `json:"message,omitempty"`

	Error string `json:"error,omitempty"`
}

// EncodeFrame marshals a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame unmarshals a frame and checks that it has a type.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decoding frame: missing type")
	}
	return &f, nil
}
