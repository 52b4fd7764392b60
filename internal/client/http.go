// ABOUTME: HTTP API client for sending, deleting, history paging and group membership
// ABOUTME: Implements the session's HistoryFetcher and Sender against a gateway

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/chat"
)

// DefaultPageSize is the history page size requested while reconciling.
const DefaultPageSize = 200

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 30 * time.Second

const (
	// DefaultSendAttempts bounds how often a send is tried when the gateway
	// answers with a temporary error.
	DefaultSendAttempts = 3

	// DefaultRetryDelay is the pause between send attempts.
	DefaultRetryDelay = 500 * time.Millisecond
)

// ErrUnauthorized is returned when the gateway rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusConflict ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// Group is a group as returned by the gateway.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// SendResult is the gateway's answer to a send.
type SendResult struct {
	Message   *chat.Message `json:"message"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Delivered int           `json:"delivered"`
}

// HistoryPage is one page of GET /api/history.
type HistoryPage struct {
	Messages []HistoryMessage `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// HistoryMessage is a stored message, optionally with rendered HTML.
type HistoryMessage struct {
	chat.Message
	ContentHTML string `json:"content_html,omitempty"`
}

// HistoryQuery selects a page of history. Zero fields are omitted. Forward
// pages from the oldest message after SinceID, even when SinceID is 0;
// otherwise a query without a lower bound returns the latest page.
type HistoryQuery struct {
	SinceID    int64
	Forward    bool
	Since      time.Time
	Until      time.Time
	Limit      int
	RenderHTML bool
}

// Options configures an HTTPClient.
type Options struct {
	HTTPClient   *http.Client
	PageSize     int
	SendAttempts int
	RetryDelay   time.Duration
	Logger       *slog.Logger
}

// HTTPClient calls the gateway's HTTP API as one user.
type HTTPClient struct {
	baseURL      string
	userID       string
	token        string
	http         *http.Client
	pageSize     int
	sendAttempts int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// NewHTTPClient creates a client for the gateway at baseURL, authenticated
// with token as userID. opts may be nil.
func NewHTTPClient(baseURL, userID, token string, opts *Options) *HTTPClient {
	if opts == nil {
		opts = &Options{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	sendAttempts := opts.SendAttempts
	if sendAttempts <= 0 {
		sendAttempts = DefaultSendAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		userID:       userID,
		token:        token,
		http:         httpClient,
		pageSize:     pageSize,
		sendAttempts: sendAttempts,
		retryDelay:   retryDelay,
		logger:       logger.With("component", "client"),
	}
}

// Send implements session.Sender. A retry with the same requestID returns
// the originally stored message.
func (c *HTTPClient) Send(ctx context.Context, conv chat.Conversation, content, requestID string) (*chat.Message, error) {
	res, err := c.SendMessage(ctx, conv, content, chat.MessageTypeText, "", requestID)
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

// SendMessage posts a message. An empty requestID is replaced by a fresh one.
// Temporary gateway errors (not stored, still in flight, rate limited) are
// retried with the same requestID, so the message is stored at most once.
func (c *HTTPClient) SendMessage(ctx context.Context, conv chat.Conversation, content string, typ chat.MessageType, fileID, requestID string) (*SendResult, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	body := map[string]any{
		"conversation": chat.RefFor(conv, c.userID),
		"content":      content,
		"request_id":   requestID,
	}
	if typ != "" {
		body["message_type"] = typ
	}
	if fileID != "" {
		body["file_id"] = fileID
	}

	var res SendResult
	for attempt := 1; ; attempt++ {
		err := c.do(ctx, http.MethodPost, "/api/messages", nil, body, &res)
		if err == nil {
			return &res, nil
		}
		var apiErr *APIError
		if attempt >= c.sendAttempts || !errors.As(err, &apiErr) || !apiErr.Temporary() {
			return nil, fmt.Errorf("sending message: %w", err)
		}
		c.logger.Debug("retrying send", "request_id", requestID, "attempt", attempt, "error", err)

		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("sending message: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// DeleteMessage soft-deletes a message the user sent.
func (c *HTTPClient) DeleteMessage(ctx context.Context, id int64) (*chat.Message, error) {
	var res struct {
		Message *chat.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/messages/"+strconv.FormatInt(id, 10), nil, nil, &res); err != nil {
		return nil, fmt.Errorf("deleting message %d: %w", id, err)
	}
	return res.Message, nil
}

// History fetches a single page.
func (c *HTTPClient) History(ctx context.Context, conv chat.Conversation, q HistoryQuery) (*HistoryPage, error) {
	params := conversationParams(chat.RefFor(conv, c.userID))
	if q.SinceID > 0 || q.Forward {
		params.Set("since_id", strconv.FormatInt(q.SinceID, 10))
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.RenderHTML {
		params.Set("render", "html")
	}

	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, "/api/history", params, nil, &page); err != nil {
		return nil, fmt.Errorf("fetching history for %s: %w", conv, err)
	}
	return &page, nil
}

// FetchHistory implements session.HistoryFetcher: every message after
// sinceID, paging forward until the gateway has nothing more.
func (c *HTTPClient) FetchHistory(ctx context.Context, conv chat.Conversation, sinceID int64) ([]chat.Message, error) {
	var out []chat.Message
	cursor := sinceID
	for {
		page, err := c.History(ctx, conv, HistoryQuery{SinceID: cursor, Forward: true, Limit: c.pageSize})
		if err != nil {
			return nil, err
		}
		for _, m := range page.Messages {
			out = append(out, m.Message)
			cursor = max(cursor, m.ID)
		}
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
	}
	c.logger.Debug("fetched history", "conversation", conv.String(), "since_id", sinceID, "count", len(out))
	return out, nil
}

// CreateGroup creates a group with the user as its first member. An empty id
// lets the gateway choose one.
func (c *HTTPClient) CreateGroup(ctx context.Context, id, name string) (*Group, error) {
	var g Group
	if err := c.do(ctx, http.MethodPost, "/api/groups", nil, map[string]string{"id": id, "name": name}, &g); err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}
	return &g, nil
}

// Members lists a group's members.
func (c *HTTPClient) Members(ctx context.Context, groupID string) ([]string, error) {
	var res struct {
		Members []string `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, groupPath(groupID), nil, nil, &res); err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", groupID, err)
	}
	return res.Members, nil
}

// AddMember adds userID to a group.
func (c *HTTPClient) AddMember(ctx context.Context, groupID, userID string) error {
	if err := c.do(ctx, http.MethodPost, groupPath(groupID), nil, map[string]string{"user_id": userID}, nil); err != nil {
		return fmt.Errorf("adding %s to %s: %w", userID, groupID, err)
	}
	return nil
}

// RemoveMember removes userID from a group.
func (c *HTTPClient) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := c.do(ctx, http.MethodDelete, groupPath(groupID)+"/"+url.PathEscape(userID), nil, nil, nil); err != nil {
		return fmt.Errorf("removing %s from %s: %w", userID, groupID, err)
	}
	return nil
}

func groupPath(groupID string) string {
	return "/api/groups/" + url.PathEscape(groupID) + "/members"
}

func conversationParams(ref chat.ConversationRef) url.Values {
	params := url.Values{"kind": {string(ref.Kind)}}
	if ref.Kind == chat.KindGroup {
		params.Set("group_id", ref.GroupID)
	} else {
		params.Set("peer", ref.Peer)
	}
	return params
}

// do issues one authenticated JSON request. out may be nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	}
	return apiErr
}
