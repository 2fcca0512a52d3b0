package opview

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
	"strings"
	"time"

	v1 "desk/shared/contracts/chat/v1"
)

const maxResponseBytes = 4 << 20

// APIError is a non-2xx response from the REST surface.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opview: http %d: %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the REST surface with a bearer token.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for baseURL, e.g. "http://127.0.0.1:8080".
func NewClient(baseURL, token string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("opview: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("opview: missing host")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("opview: empty token")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, token: strings.TrimSpace(token), http: hc}, nil
}

// StreamURL returns the websocket endpoint on the same host.
func (c *Client) StreamURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Token returns the bearer token.
func (c *Client) Token() string { return c.token }

// ListConversations fetches one page of the conversation index.
func (c *Client) ListConversations(ctx context.Context, status string, page, size int) (v1.ConversationPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	setPage(q, page, size)

	var out v1.ConversationPage
	err := c.do(ctx, http.MethodGet, "/api/conversations", q, nil, &out)
	return out, err
}

// ListMessages fetches one page of a conversation's messages, newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, page, size int) (v1.MessagePage, error) {
	q := url.Values{}
	setPage(q, page, size)

	var out v1.MessagePage
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+strconv.FormatInt(conversationID, 10)+"/messages", q, nil, &out)
	return out, err
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, text string) (v1.MessageView, error) {
	var out v1.MessageView
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+strconv.FormatInt(conversationID, 10)+"/messages", nil,
		map[string]string{"text": text}, &out)
	return out, err
}

// UpdateStatus changes a conversation's status.
func (c *Client) UpdateStatus(ctx context.Context, conversationID int64, status string) (v1.ConversationView, error) {
	var out v1.ConversationView
	err := c.do(ctx, http.MethodPatch, "/api/conversations/"+strconv.FormatInt(conversationID, 10)+"/status", nil,
		map[string]string{"status": status}, &out)
	return out, err
}

func setPage(q url.Values, page, size int) {
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, dst any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &er)
		return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
