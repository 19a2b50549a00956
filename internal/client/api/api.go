// Package api is the client side of the REST endpoints: login, the
// activity feed, push tokens and version checks.
package api

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

	"happy-sync/internal/auth"
	"happy-sync/internal/feed"
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Temporary reports whether retrying the same request can succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// TokenSource yields the bearer token for authenticated calls.
type TokenSource interface {
	Token() (string, error)
}

type Client struct {
	baseURL string
	tokens  TokenSource
	hc      *http.Client
}

// New returns a client for baseURL. tokens may be nil for a client that
// only logs in; hc defaults to a client with a 30s timeout.
func New(baseURL string, tokens TokenSource, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), tokens: tokens, hc: hc}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, authed bool) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.tokens == nil {
			return ErrUnauthorized
		}
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Auth exchanges a signed challenge for a token.
func (c *Client) Auth(ctx context.Context, proof auth.Proof) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth", nil, proof, &resp, false); err != nil {
		return "", err
	}
	if !resp.Success || resp.Token == "" {
		return "", errors.New("auth: no token in response")
	}
	return resp.Token, nil
}

type FeedQuery struct {
	Before string
	After  string
	Limit  int
}

type FeedItem struct {
	ID        string    `json:"id"`
	Body      feed.Body `json:"body"`
	RepeatKey *string   `json:"repeatKey"`
	Cursor    string    `json:"cursor"`
	CreatedAt int64     `json:"createdAt"`
}

type FeedPage struct {
	Items   []FeedItem `json:"items"`
	HasMore bool       `json:"hasMore"`
}

func (c *Client) Feed(ctx context.Context, q FeedQuery) (FeedPage, error) {
	query := url.Values{}
	if q.Before != "" {
		query.Set("before", q.Before)
	}
	if q.After != "" {
		query.Set("after", q.After)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var page FeedPage
	err := c.do(ctx, http.MethodGet, "/v1/feed", query, nil, &page, true)
	return page, err
}

type PushToken struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/push-tokens", nil, map[string]string{"token": token}, nil, true)
}

func (c *Client) ListPushTokens(ctx context.Context) ([]PushToken, error) {
	var resp struct {
		Tokens []PushToken `json:"tokens"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/push-tokens", nil, nil, &resp, true)
	return resp.Tokens, err
}

func (c *Client) DeletePushToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/push-tokens/"+url.PathEscape(token), nil, nil, nil, true)
}

type VersionInfo struct {
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocolVersion"`
	UpdateRequired  bool   `json:"update_required"`
}

func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var v VersionInfo
	err := c.do(ctx, http.MethodGet, "/v1/version", nil, nil, &v, false)
	return v, err
}
