// ABOUTME: Tests for the HTTP API client against a scripted httptest server
// ABOUTME: Covers history paging, request encoding and error decoding

package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pagedHistory serves n messages in pages of the requested limit.
type pagedHistory struct {
	mu       sync.Mutex
	n        int64
	requests []string
}

func (p *pagedHistory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r.URL.RawQuery)
	p.mu.Unlock()

	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	var page HistoryPage
	for id := since + 1; id <= p.n && len(page.Messages) < limit; id++ {
		page.Messages = append(page.Messages, HistoryMessage{Message: chat.Message{
			ID: id, SenderID: "bob", ReceiverID: "alice", Content: fmt.Sprint(id),
			SentAt: time.Unix(id, 0).UTC(),
		}})
	}
	page.HasMore = len(page.Messages) == limit
	_ = json.NewEncoder(w).Encode(page)
}

func TestFetchHistory_PagesUntilExhausted(t *testing.T) {
	h := &pagedHistory{n: 7}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "tok", &Options{PageSize: 3, Logger: testLogger()})
	msgs, err := c.FetchHistory(t.Context(), chat.Private("alice", "bob"), 1)
	require.NoError(t, err)

	require.Len(t, msgs, 6)
	assert.Equal(t, int64(2), msgs[0].ID)
	assert.Equal(t, int64(7), msgs[5].ID)
	// The second page is full, so a third request confirms the end.
	require.Len(t, h.requests, 3)
	assert.Contains(t, h.requests[0], "since_id=1")
	assert.Contains(t, h.requests[1], "since_id=4")
	assert.Contains(t, h.requests[2], "since_id=7")
	assert.Contains(t, h.requests[0], "kind=private")
	assert.Contains(t, h.requests[0], "peer=bob")
}

func TestFetchHistory_ShortPageStops(t *testing.T) {
	h := &pagedHistory{n: 2}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "tok", &Options{PageSize: 10, Logger: testLogger()})
	msgs, err := c.FetchHistory(t.Context(), chat.Group("g1"), 0)
	require.NoError(t, err)

	assert.Len(t, msgs, 2)
	require.Len(t, h.requests, 1)
	assert.Contains(t, h.requests[0], "group_id=g1")
	// An empty timeline still pages forward from the start.
	assert.Contains(t, h.requests[0], "since_id=0")
}

func TestHistory_LatestPageOmitsSinceID(t *testing.T) {
	h := &pagedHistory{n: 2}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "tok", &Options{Logger: testLogger()})
	_, err := c.History(t.Context(), chat.Group("g1"), HistoryQuery{Limit: 5})
	require.NoError(t, err)

	require.Len(t, h.requests, 1)
	assert.NotContains(t, h.requests[0], "since_id")
}

func TestSendMessage_EncodesRequest(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"message":{"id":9,"sender_id":"alice","receiver_id":"bob","content":"hi","message_type":"text","sent_at":"2026-01-02T03:04:05Z"},"delivered":2}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "tok", &Options{Logger: testLogger()})
	msg, err := c.Send(t.Context(), chat.Private("alice", "bob"), "hi", "req-1")
	require.NoError(t, err)

	assert.Equal(t, int64(9), msg.ID)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "req-1", got["request_id"])
	assert.Equal(t, "hi", got["content"])
	assert.Equal(t, map[string]any{"kind": "private", "peer": "bob"}, got["conversation"])
}

func TestSendMessage_GeneratesRequestID(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"message":{"id":1},"delivered":0}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "tok", &Options{Logger: testLogger()})
	_, err := c.SendMessage(t.Context(), chat.Group("g1"), "x", chat.MessageTypeFile, "f-1", "")
	require.NoError(t, err)

	assert.NotEmpty(t, got["request_id"])
	assert.Equal(t, "file", got["message_type"])
	assert.Equal(t, "f-1", got["file_id"])
}

func TestSendMessage_RetriesTemporaryErrors(t *testing.T) {
	var mu sync.Mutex
	var requestIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu.Lock()
		requestIDs = append(requestIDs, fmt.Sprint(got["request_id"]))
		n := len(requestIDs)
		mu.Unlock()

		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"message not stored; retry"}`)
		case 2:
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"request already in flight"}`)
		default:
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"message":{"id":4},"delivered":1}`)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "tok", &Options{RetryDelay: time.Millisecond, Logger: testLogger()})
	res, err := c.SendMessage(t.Context(), chat.Group("g1"), "x", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Message.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requestIDs, 3)
	assert.NotEmpty(t, requestIDs[0])
	assert.Equal(t, requestIDs[0], requestIDs[1])
	assert.Equal(t, requestIDs[0], requestIDs[2])
}

func TestSendMessage_GivesUp(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		attempts int
	}{
		{"permanent error", http.StatusForbidden, 1},
		{"temporary error exhausted", http.StatusServiceUnavailable, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				calls++
				mu.Unlock()
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"no"}`)
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "alice", "tok", &Options{SendAttempts: 2, RetryDelay: time.Millisecond, Logger: testLogger()})
			_, err := c.Send(t.Context(), chat.Group("g1"), "x", "req-1")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.attempts, calls)
		})
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		temporary bool
	}{
		{"forbidden", http.StatusForbidden, `{"error":"not a member of the conversation: group:g1"}`, "not a member of the conversation: group:g1", false},
		{"unavailable", http.StatusServiceUnavailable, `{"error":"message not stored; retry"}`, "message not stored; retry", true},
		{"plain body", http.StatusBadGateway, `oops`, "Bad Gateway", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "alice", "tok", &Options{Logger: testLogger()})
			_, err := c.Members(t.Context(), "g1")

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.temporary, apiErr.Temporary())
		})
	}
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "alice", "bad", &Options{Logger: testLogger()})
	_, err := c.FetchHistory(t.Context(), chat.Group("g1"), 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRemoveMember_EscapesPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "alice", "tok", &Options{Logger: testLogger()})
	require.NoError(t, c.RemoveMember(t.Context(), "g 1", "bob/x"))
	assert.Equal(t, "/api/groups/g%201/members/bob%2Fx", path)
}
