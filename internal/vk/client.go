// Package vk implements the subset of the remote platform's HTTP API the
// collector needs: long-poll session acquisition and polling, missed-event
// history, user profiles, and conversation metadata.
package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.vk.com/method"
	callTimeout    = 30 * time.Second
	// longPollVersion selects the update format the parser understands.
	longPollVersion = 3
)

// Client is a thin HTTP client for the platform API. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	pollClient *http.Client
	baseURL    string
	pollScheme string
	version    string

	tokenMu sync.RWMutex
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithPollScheme overrides the scheme used for long-poll server URLs (tests).
func WithPollScheme(scheme string) Option {
	return func(c *Client) { c.pollScheme = scheme }
}

// WithHTTPClient overrides the underlying HTTP clients (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
		c.pollClient = h
	}
}

// NewClient creates a platform client with the given access token and API version.
func NewClient(token, version string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: callTimeout},
		// Long-poll requests block up to the wait bound; give them headroom.
		pollClient: &http.Client{Timeout: 90 * time.Second},
		baseURL:    defaultBaseURL,
		pollScheme: "https",
		token:      token,
		version:    version,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the access token. Used by the credential refresh path
// after the server rejects the current token.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) accessToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// call performs a method call and unwraps the {response, error} envelope.
func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", c.accessToken())
	params.Set("v", c.version)

	u := fmt.Sprintf("%s/%s?%s", c.baseURL, method, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s: %s: %s", method, resp.Status, string(b))
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
		Error    *APIError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, envelope.Error)
	}
	return envelope.Response, nil
}

// LongPollServer is an acquired poll session.
type LongPollServer struct {
	Server string `json:"server"`
	Key    string `json:"key"`
	Ts     int64  `json:"ts"`
	Pts    int64  `json:"pts"`
}

// GetLongPollServer acquires a poll session with a position token (pts).
func (c *Client) GetLongPollServer(ctx context.Context) (*LongPollServer, error) {
	params := url.Values{}
	params.Set("need_pts", "1")
	params.Set("lp_version", strconv.Itoa(longPollVersion))

	raw, err := c.call(ctx, "messages.getLongPollServer", params)
	if err != nil {
		return nil, err
	}
	var srv LongPollServer
	if err := json.Unmarshal(raw, &srv); err != nil {
		return nil, fmt.Errorf("decode long poll server: %w", err)
	}
	return &srv, nil
}

// Poll failure codes returned in the "failed" field.
const (
	PollOK         = 0
	PollEventsLost = 1 // history outdated, keep polling with the returned ts
	PollKeyExpired = 2 // re-acquire the key
	PollInfoLost   = 3 // re-acquire key and ts
	PollBadVersion = 4 // invalid long-poll version, fatal
)

// PollResponse is a single long-poll check result. A non-zero Failed asks
// for session re-acquisition rather than a plain retry.
type PollResponse struct {
	Ts      int64             `json:"ts"`
	Updates []json.RawMessage `json:"updates"`
	Failed  int               `json:"failed"`
}

// Poll blocks on the long-poll endpoint for up to wait seconds. A response
// with zero updates is not an error.
func (c *Client) Poll(ctx context.Context, server, key string, ts int64, wait, mode int) (*PollResponse, error) {
	params := url.Values{}
	params.Set("act", "a_check")
	params.Set("key", key)
	params.Set("ts", strconv.FormatInt(ts, 10))
	params.Set("wait", strconv.Itoa(wait))
	params.Set("mode", strconv.Itoa(mode))
	params.Set("version", strconv.Itoa(longPollVersion))

	endpoint := server
	if !strings.Contains(endpoint, "://") {
		endpoint = c.pollScheme + "://" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("long poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("long poll: %s: %s", resp.Status, string(b))
	}

	var pr PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("long poll: decode response: %w", err)
	}
	return &pr, nil
}

// HistoryMessage is a message recovered from the missed-event history.
type HistoryMessage struct {
	ID     int64  `json:"id"`
	PeerID int64  `json:"peer_id"`
	FromID int64  `json:"from_id"`
	Date   int64  `json:"date"`
	Text   string `json:"text"`
}

// History is the result of a gap-recovery call.
type History struct {
	Messages struct {
		Count int              `json:"count"`
		Items []HistoryMessage `json:"items"`
	} `json:"messages"`
	NewPts int64 `json:"new_pts"`
}

// GetLongPollHistory fetches events missed between the stored position
// token and the current one.
func (c *Client) GetLongPollHistory(ctx context.Context, ts, pts int64) (*History, error) {
	params := url.Values{}
	params.Set("ts", strconv.FormatInt(ts, 10))
	params.Set("pts", strconv.FormatInt(pts, 10))

	raw, err := c.call(ctx, "messages.getLongPollHistory", params)
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &h, nil
}

// UserRecord is a remote user profile.
type UserRecord struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	LastSeen  *struct {
		Time int64 `json:"time"`
	} `json:"last_seen,omitempty"`
}

// DisplayName joins the profile name fields.
func (u UserRecord) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// UsersGet resolves up to 1000 user ids in one call.
func (c *Client) UsersGet(ctx context.Context, ids []int64) ([]UserRecord, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{}
	params.Set("user_ids", strings.Join(strs, ","))
	params.Set("fields", "last_seen")

	raw, err := c.call(ctx, "users.get", params)
	if err != nil {
		return nil, err
	}
	var users []UserRecord
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// Conversation is remote conversation metadata.
type Conversation struct {
	Title     string
	MemberIDs []int64
}

// GetConversation fetches display metadata and membership for a peer.
func (c *Client) GetConversation(ctx context.Context, peerID int64) (*Conversation, error) {
	params := url.Values{}
	params.Set("peer_ids", strconv.FormatInt(peerID, 10))

	raw, err := c.call(ctx, "messages.getConversationsById", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []struct {
			ChatSettings *struct {
				Title        string  `json:"title"`
				ActiveIDs    []int64 `json:"active_ids"`
				MembersCount int     `json:"members_count"`
			} `json:"chat_settings"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ChatSettings == nil {
		return nil, nil
	}
	cs := resp.Items[0].ChatSettings
	return &Conversation{Title: cs.Title, MemberIDs: cs.ActiveIDs}, nil
}
