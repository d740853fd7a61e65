// Package dmsync is the client-side direct-message core of the LMS: a
// realtime channel, a peer directory, presence and typing tracking, and a
// reconciliation engine that keeps one ordered, deduplicated message list
// per chat on top of a durable local cache.
//
// Example:
//
//	storage, _ := dmsync.NewFileStorage(dir)
//	store, _ := dmsync.NewChatStore(ctx, storage, nil)
//	api := dmsync.NewClient(token, dmsync.WithBaseURL("https://lms.example.com"))
//	rt := api.Realtime(nil)
//	dir := dmsync.NewPeerDirectory(api, nil)
//	engine := dmsync.NewEngine(store, rt, dir, &dmsync.EngineConfig{UserID: "42"})
//	engine.Start()
//	engine.OpenChat(ctx, chatID)
//	engine.Send(ctx, chatID, "hello")
package dmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the LMS REST API. The chat core only needs directory
// search and the thread list.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Realtime creates a realtime client for the same server and token.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewRealtimeClient(c.baseURL, &cfg)
}

// Result is the REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return fmt.Errorf("no data in response")
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) doRequest(ctx context.Context, method, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var r Result
		if json.Unmarshal(body, &r) == nil && r.Error != nil {
			return nil, r.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	data, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return &APIError{Code: "REQUEST_FAILED", Message: "request failed"}
	}
	return res.Decode(out)
}

// ============================================================================
// Directory and threads
// ============================================================================

// SearchUsers looks users up by display name.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]Peer, error) {
	var raw []map[string]any
	if err := c.get(ctx, "/api/users/search", map[string]string{"q": query}, &raw); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	peers := make([]Peer, 0, len(raw))
	for _, r := range raw {
		id := strOf(r, []string{"id", "_id", "userId"})
		if id == "" {
			continue
		}
		peers = append(peers, Peer{
			ID:   id,
			Name: strOf(r, []string{"name", "displayName", "fullName"}),
			Role: parseRole(strOf(r, []string{"role", "type"})),
		})
	}
	return peers, nil
}

// ListThreads fetches the server's direct-message thread list.
func (c *Client) ListThreads(ctx context.Context) ([]ChatSummary, error) {
	var raw []map[string]any
	if err := c.get(ctx, "/api/dm/threads", nil, &raw); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	threads := make([]ChatSummary, 0, len(raw))
	for _, r := range raw {
		t := ChatSummary{
			ID:          strOf(r, []string{"id", "_id", "threadId"}),
			Title:       strOf(r, []string{"title", "name", "peerName"}),
			LastMessage: strOf(r, []string{"lastMessage", "last_message"}),
			PeerID:      strOf(r, []string{"peerId", "peer_id", "peerUserId"}),
			PeerRole:    parseRole(strOf(r, []string{"peerRole", "peer_role", "peerUserType"})),
		}
		if t.ID == "" {
			continue
		}
		if ts := parseTime(firstOf(r, []string{"updatedAt", "updated_at"})); !ts.IsZero() {
			t.UpdatedAt = ts.UnixMilli()
		}
		if n, ok := firstOf(r, []string{"unreadCount", "unread_count"}).(float64); ok && n > 0 {
			t.UnreadCount = int(n)
		}
		threads = append(threads, t)
	}
	return threads, nil
}
