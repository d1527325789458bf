package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/cachegate/cachegate/client"
	"github.com/cachegate/cachegate/logger"
	"github.com/cachegate/cachegate/store"
)

// Error is a typed HTTP failure from the cache surface.
type Error struct {
	URL      string
	Method   string
	Status   int
	Code     string
	TheError error
}

func (e *Error) Error() string {
	if e == nil || e.TheError == nil {
		return ""
	}
	return e.TheError.Error()
}

func (e *Error) Unwrap() error {
	return e.TheError
}

func newError(url, method string, status int, code, message string) *Error {
	return &Error{
		URL:      url,
		Method:   method,
		Status:   status,
		Code:     code,
		TheError: fmt.Errorf("%s %s: %d %s", method, url, status, message),
	}
}

// Client talks to a remote cache surface and satisfies client.Origin, so a
// client.Cache can mirror a coordinator across the network.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     logger.Logger
}

var _ client.Origin = (*Client)(nil)

// NewClient returns a Client for the surface served at baseURL. An empty
// token disables the Authorization header.
func NewClient(log logger.Logger, baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  http.DefaultClient,
		log:     log.WithPrefix("[api]"),
	}
}

func (c *Client) keyURL(key string) string {
	return c.baseURL + "/v1/cache/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Mark(err, store.ErrUnavailable)
	}
	return resp, nil
}

// decodeFailure maps an error response onto the store taxonomy where it
// applies, falling back to a typed *Error.
func decodeFailure(resp *http.Response, method, u string) error {
	var envelope Response
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, &envelope)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusServiceUnavailable:
		return errors.Mark(newError(u, method, resp.StatusCode, envelope.Code, envelope.Message), store.ErrUnavailable)
	}
	return newError(u, method, resp.StatusCode, envelope.Code, envelope.Message)
}

// Fetch implements client.Origin.
func (c *Client) Fetch(ctx context.Context, key string) (*client.Result, error) {
	u := c.keyURL(key)
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeFailure(resp, http.MethodGet, u)
	}
	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	version, _ := strconv.ParseInt(resp.Header.Get(HeaderVersion), 10, 64)
	return &client.Result{Value: value, Version: version}, nil
}

// Push implements client.Origin.
func (c *Client) Push(ctx context.Context, key string, value []byte) (*client.Result, error) {
	u := c.keyURL(key)
	resp, err := c.do(ctx, http.MethodPut, u, value)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeFailure(resp, http.MethodPut, u)
	}
	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope.Version == 0 {
		// Write-invalidate surface: no version to report.
		return nil, nil
	}
	return &client.Result{Value: value, Version: envelope.Version}, nil
}

// Remove implements client.Origin.
func (c *Client) Remove(ctx context.Context, key string) error {
	u := c.keyURL(key)
	resp, err := c.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeFailure(resp, http.MethodDelete, u)
	}
	return nil
}

// Invalidate drops a single key from the remote cache without touching the
// authoritative store.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	return c.invalidate(ctx, key)
}

// InvalidateAll drops every cached entry on the remote surface.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.invalidate(ctx, "")
}

func (c *Client) invalidate(ctx context.Context, key string) error {
	u := c.baseURL + "/v1/invalidate"
	if key != "" {
		u += "?key=" + url.QueryEscape(key)
	}
	resp, err := c.do(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeFailure(resp, http.MethodPost, u)
	}
	return nil
}
