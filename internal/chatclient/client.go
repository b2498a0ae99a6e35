// Package chatclient is a small client for the portal REST API.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pawcare/portal/internal/events"
)

// APIError is a non-zero envelope code returned by the server.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Session struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID       uint64 `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type Exchange struct {
	UserMessage      events.ChatMessage `json:"userMessage"`
	AssistantMessage events.ChatMessage `json:"assistantMessage"`
}

type MessagePage struct {
	Messages   []events.ChatMessage `json:"messages"`
	NextBefore string               `json:"nextBefore"`
}

const maxResponseBytes = 8 << 20

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login exchanges an email or username and password for a token. The token
// is kept on the client for later calls.
func (c *Client) Login(ctx context.Context, login, password string) (string, User, error) {
	var out struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	body := map[string]string{"login": login, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/login", body, nil, &out); err != nil {
		return "", User{}, err
	}
	c.Token = out.Token
	return out.Token, out.User, nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.doJSON(ctx, http.MethodGet, "/me", nil, nil, &u)
	return u, err
}

func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	var s Session
	err := c.doJSON(ctx, http.MethodPost, "/chat/sessions", map[string]string{"title": title}, nil, &s)
	return s, err
}

// GetSession fetches one session; it fails for ids the user does not own.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var s Session
	err := c.doJSON(ctx, http.MethodGet, "/chat/sessions/"+url.PathEscape(sessionID), nil, nil, &s)
	return s, err
}

// ListSessions returns one page of sessions and the total count.
func (c *Client) ListSessions(ctx context.Context, page, limit int) ([]Session, int64, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Sessions []Session `json:"sessions"`
		Total    int64     `json:"total"`
	}
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/chat/sessions", q), nil, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Sessions, out.Total, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chat/sessions/"+url.PathEscape(sessionID), nil, nil, nil)
}

// ListMessages returns messages newest first; pass NextBefore to page back.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int, before string) (MessagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var page MessagePage
	err := c.doJSON(ctx, http.MethodGet, withQuery("/chat/sessions/"+url.PathEscape(sessionID)+"/messages", q), nil, nil, &page)
	return page, err
}

// SendText posts a text message. An empty idempotency key gets a fresh one.
func (c *Client) SendText(ctx context.Context, sessionID, text, idempotencyKey string) (Exchange, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	hdr := http.Header{"Idempotency-Key": []string{idempotencyKey}}
	var ex Exchange
	err := c.doJSON(ctx, http.MethodPost, "/chat/sessions/"+url.PathEscape(sessionID)+"/messages",
		map[string]string{"text": text}, hdr, &ex)
	return ex, err
}

// UploadAudio sends a voice message. The returned message has a pending
// audio variant until the worker processes it.
func (c *Client) UploadAudio(ctx context.Context, sessionID, filename string, r io.Reader) (events.ChatMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return events.ChatMessage{}, errors.Wrap(err, "multipart")
	}
	if _, err := io.Copy(fw, r); err != nil {
		return events.ChatMessage{}, errors.Wrap(err, "read audio")
	}
	if err := mw.Close(); err != nil {
		return events.ChatMessage{}, errors.Wrap(err, "multipart")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat/sessions/"+url.PathEscape(sessionID)+"/audio", &buf)
	if err != nil {
		return events.ChatMessage{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var msg events.ChatMessage
	err = c.do(req, &msg)
	return msg, err
}

// MediaURL returns a presigned download link for a media blob.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (string, time.Time, error) {
	var out struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/media/"+url.PathEscape(mediaID)+"/url", nil, nil, &out); err != nil {
		return "", time.Time{}, err
	}
	return out.URL, out.ExpiresAt, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, hdr http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrapf(err, "read %s %s", req.Method, req.URL.Path)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// proxies and the mux answer some failures with plain text
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Message: bodySnippet(raw, resp.Status)}
		}
		return errors.Wrapf(err, "decode %s %s (http %d)", req.Method, req.URL.Path, resp.StatusCode)
	}
	if env.Code != 0 || resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return errors.Wrap(json.Unmarshal(env.Data, out), "decode data")
}

func bodySnippet(raw []byte, fallback string) string {
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return fallback
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
