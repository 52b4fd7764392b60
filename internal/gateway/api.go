// ABOUTME: HTTP API handlers for sending, history, deletion and group membership
// ABOUTME: History is the authoritative path clients reconcile against after gaps

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/router"
	"github.com/2389/parley/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 * 1024

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	Conversation chat.ConversationRef `json:"conversation"`
	Content      string               `json:"content"`
	MessageType  chat.MessageType     `json:"message_type,omitempty"`
	FileID       string               `json:"file_id,omitempty"`
	RequestID    string               `json:"request_id,omitempty"`
}

// SendMessageResponse is the JSON response for POST /api/messages.
type SendMessageResponse struct {
	Message   *chat.Message `json:"message"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Delivered int           `json:"delivered"`
}

// HistoryMessage is one entry of a history response. ContentHTML is set when
// the request asked for render=html.
type HistoryMessage struct {
	chat.Message
	ContentHTML string `json:"content_html,omitempty"`
}

// HistoryResponse is the JSON response for GET /api/history.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
	// HasMore is true when the page is full and more messages may follow.
	HasMore bool `json:"has_more"`
}

// CreateGroupRequest is the JSON request body for POST /api/groups.
type CreateGroupRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// GroupResponse is the JSON form of a group.
type GroupResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// AddMemberRequest is the JSON request body for POST /api/groups/{id}/members.
type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

// MembersResponse is the JSON response for GET /api/groups/{id}/members.
type MembersResponse struct {
	Members []string `json:"members"`
}

// handleSendMessage handles POST /api/messages. The response is written only
// after the message is durable; live delivery has been attempted by then.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalID(r.Context())

	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := req.Conversation.Resolve(principal)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.conversation.Send(r.Context(), sendRequest(principal, conv, req.Content, req.MessageType, req.FileID, req.RequestID))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	g.sendJSON(w, status, SendMessageResponse{
		Message:   result.Message,
		Duplicate: result.Duplicate,
		Delivered: result.Delivered,
	})
}

// handleDeleteMessage handles DELETE /api/messages/{id}.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := g.conversation.Delete(r.Context(), auth.PrincipalID(r.Context()), id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]*chat.Message{"message": msg})
}

// handleHistory handles GET /api/history.
//
// Query parameters: kind (private|group), peer or group_id, since_id, since,
// until, limit, render=html. Times are RFC 3339 or YYYY-MM-DD; a date-only
// until includes the whole day.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalID(r.Context())
	q := r.URL.Query()

	ref := chat.ConversationRef{
		Kind:    chat.Kind(q.Get("kind")),
		Peer:    q.Get("peer"),
		GroupID: q.Get("group_id"),
	}
	conv, err := ref.Resolve(principal)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := &conversation.HistoryRequest{PrincipalID: principal, Conversation: conv}

	// A since_id, even 0, asks for the page after it rather than the latest.
	if q.Has("since_id") {
		req.Forward = true
		req.SinceID, err = strconv.ParseInt(q.Get("since_id"), 10, 64)
		if err != nil || req.SinceID < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since_id")
			return
		}
	}
	if req.Since, err = parseTimeParam(q.Get("since"), false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	if req.Until, err = parseTimeParam(q.Get("until"), true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid until: "+err.Error())
		return
	}
	if req.Limit, err = g.historyLimit(q.Get("limit")); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.conversation.History(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	renderHTML := q.Get("render") == "html"
	resp := HistoryResponse{
		Messages: make([]HistoryMessage, 0, len(msgs)),
		HasMore:  len(msgs) == req.Limit,
	}
	for _, m := range msgs {
		hm := HistoryMessage{Message: m}
		if renderHTML && m.Type == chat.MessageTypeText {
			hm.ContentHTML = g.renderMarkdown(m.Content)
		}
		resp.Messages = append(resp.Messages, hm)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// historyLimit applies the configured default and ceiling to a limit param.
func (g *Gateway) historyLimit(v string) (int, error) {
	if v == "" {
		return g.config.History.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, g.config.History.MaxLimit), nil
}

// parseTimeParam parses an optional RFC 3339 timestamp or a YYYY-MM-DD date.
// With endOfRange set, a bare date means the start of the following day so
// the whole day is included.
func parseTimeParam(v string, endOfRange bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfRange {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

// renderMarkdown converts message text to HTML. Raw HTML in the source is
// not passed through.
func (g *Gateway) renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(src), &buf); err != nil {
		g.logger.Warn("rendering markdown", "error", err)
		return ""
	}
	return buf.String()
}

// handleCreateGroup handles POST /api/groups. The caller becomes the first member.
func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalID(r.Context())

	var req CreateGroupRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := chat.Group(req.ID).Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	group := &store.Group{ID: req.ID, Name: req.Name, CreatedBy: principal}
	if err := g.store.CreateGroup(r.Context(), group); err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("group created", "group_id", group.ID, "created_by", principal)
	g.sendJSON(w, http.StatusCreated, GroupResponse{
		ID:        group.ID,
		Name:      group.Name,
		CreatedBy: group.CreatedBy,
		CreatedAt: group.CreatedAt,
	})
}

// handleListMembers handles GET /api/groups/{id}/members. Only members may list.
func (g *Gateway) handleListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	if err := g.router.Authorize(r.Context(), auth.PrincipalID(r.Context()), chat.Group(groupID)); err != nil {
		g.sendServiceError(w, err)
		return
	}
	members, err := g.store.ListGroupMembers(r.Context(), groupID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MembersResponse{Members: members})
}

// handleAddMember handles POST /api/groups/{id}/members. Any member may add others.
func (g *Gateway) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	principal := auth.PrincipalID(r.Context())

	var req AddMemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := g.router.Authorize(r.Context(), principal, chat.Group(groupID)); err != nil {
		g.sendServiceError(w, err)
		return
	}
	if err := g.store.AddGroupMember(r.Context(), groupID, req.UserID); err != nil {
		g.sendServiceError(w, err)
		return
	}

	g.logger.Info("group member added", "group_id", groupID, "user_id", req.UserID, "added_by", principal)
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveMember handles DELETE /api/groups/{id}/members/{user}. Members
// may remove themselves; the group creator may remove anyone. The removed
// user's live connections stop receiving the group at once.
func (g *Gateway) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	userID := r.PathValue("user")
	principal := auth.PrincipalID(r.Context())

	group, err := g.store.GetGroup(r.Context(), groupID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if principal != userID && principal != group.CreatedBy {
		g.sendJSONError(w, http.StatusForbidden, "only the group creator can remove other members")
		return
	}
	if err := g.store.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		g.sendServiceError(w, err)
		return
	}

	for _, c := range g.clientsOf(userID) {
		g.router.Leave(c.id, chat.Group(groupID))
	}

	g.logger.Info("group member removed", "group_id", groupID, "user_id", userID, "removed_by", principal)
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendServiceError maps domain errors onto HTTP status codes.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	var persistErr *conversation.PersistError
	switch {
	case errors.Is(err, conversation.ErrInvalidRequest), errors.Is(err, chat.ErrInvalidConversation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrNotMember), errors.Is(err, conversation.ErrNotSender):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, conversation.ErrMessageNotFound), errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, conversation.ErrRequestInFlight), errors.Is(err, store.ErrDuplicateGroup):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &persistErr):
		g.logger.Error("persist failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "message not stored; retry")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
