// Package rest is the client for the chat backend's HTTP endpoints: room
// and message listings, pagination, catch-up fetches, pins, prefs and the
// create-message fallback used while the WebSocket is down.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stackelite/chatsync/internal/transport"
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// IsConflict reports whether err is an HTTP 409, meaning the referenced
// entity was concurrently edited or deleted.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsRejection reports whether err is an explicit server rejection (4xx).
// Timeouts and transport failures are not rejections; optimistic state is
// only rolled back for rejections.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}

// Client talks to the chat backend's REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a REST client for baseURL authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Page is a cursor-paginated listing of messages.
type Page struct {
	Items      []transport.Message `json:"items"`
	NextCursor string              `json:"next_cursor"`
	HasMore    bool                `json:"has_more"`
}

// ListRooms fetches all rooms visible to the session user.
func (c *Client) ListRooms(ctx context.Context) ([]transport.Room, error) {
	var out struct {
		Items []transport.Room `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListMessages fetches a page of messages strictly older than the before
// cursor (empty cursor means newest page), limit entries at most.
func (c *Client) ListMessages(ctx context.Context, roomID, before string, limit int) (Page, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	q.Set("limit", strconv.Itoa(limit))
	var page Page
	err := c.do(ctx, http.MethodGet, "/rooms/"+roomID+"/messages", q, nil, &page)
	return page, err
}

// ListMessagesSince fetches messages created after the given timestamp,
// used as the catch-up fetch after a reconnect.
func (c *Client) ListMessagesSince(ctx context.Context, roomID string, since time.Time) ([]transport.Message, error) {
	q := url.Values{}
	q.Set("since", transport.FormatTime(since))
	var out struct {
		Items []transport.Message `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+roomID+"/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CreateMessage posts a message over HTTP. Fallback path while the
// WebSocket is down; the idempotency key rides in both the body and the
// Idempotency-Key header, so a retried call cannot double-post.
func (c *Client) CreateMessage(ctx context.Context, roomID string, msg transport.CreateMessage) (transport.Message, error) {
	var out transport.Message
	headers := map[string]string{"Idempotency-Key": msg.ClientMsgID}
	err := c.doWithHeaders(ctx, http.MethodPost, "/rooms/"+roomID+"/messages", nil, msg, &out, headers)
	return out, err
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, roomID, messageID, content string) (transport.Message, error) {
	body := map[string]string{"content": content}
	var out transport.Message
	err := c.do(ctx, http.MethodPatch, "/rooms/"+roomID+"/messages/"+messageID, nil, body, &out)
	return out, err
}

// DeleteMessage tombstones a message.
func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/rooms/"+roomID+"/messages/"+messageID, nil, nil, nil)
}

// AddReaction adds the session user's emoji reaction to a message. The
// updated reaction set comes back through the message.updated push.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodPost, "/messages/"+messageID+"/reactions", nil, body, nil)
}

// RemoveReaction removes the session user's emoji reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+messageID+"/reactions/"+url.PathEscape(emoji), nil, nil, nil)
}

// MarkRead advances the server-side read cursor.
func (c *Client) MarkRead(ctx context.Context, roomID, lastReadMessageID string) error {
	body := map[string]string{"last_read_message_id": lastReadMessageID}
	return c.do(ctx, http.MethodPut, "/rooms/"+roomID+"/read", nil, body, nil)
}

// UpdatePrefs sends a partial prefs update and returns the authoritative
// server copy.
func (c *Client) UpdatePrefs(ctx context.Context, roomID string, update map[string]any) (transport.Prefs, error) {
	var out transport.Prefs
	err := c.do(ctx, http.MethodPut, "/rooms/"+roomID+"/prefs", nil, update, &out)
	return out, err
}

// WirePin is the wire representation of a message pin.
type WirePin struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	PinnedBy  string `json:"pinned_by"`
	PinnedAt  string `json:"pinned_at"`
}

// ListPins fetches the pinned messages of a room.
func (c *Client) ListPins(ctx context.Context, roomID string) ([]WirePin, error) {
	var out struct {
		Items []WirePin `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+roomID+"/pins", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// AddPin pins a message in a room.
func (c *Client) AddPin(ctx context.Context, roomID, messageID string) (WirePin, error) {
	body := map[string]string{"message_id": messageID}
	var out WirePin
	err := c.do(ctx, http.MethodPost, "/rooms/"+roomID+"/pins", nil, body, &out)
	return out, err
}

// RemovePin unpins a message in a room.
func (c *Client) RemovePin(ctx context.Context, roomID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/rooms/"+roomID+"/pins/"+messageID, nil, nil, nil)
}

// WireUser is the wire representation of an account user.
type WireUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ListUsers fetches the account's user directory.
func (c *Client) ListUsers(ctx context.Context) ([]WireUser, error) {
	var out struct {
		Items []WireUser `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.doWithHeaders(ctx, method, path, query, body, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, query url.Values, body, out any, headers map[string]string) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown"}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		if envelope.Code != "" {
			apiErr.Code = envelope.Code
		}
		apiErr.Message = envelope.Message
	}
	return apiErr
}
