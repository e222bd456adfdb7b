// Package api implements the HTTP client for the state server: story
// and reading documents, scope snapshots with save-with-revision
// semantics, and a websocket stream of fresh snapshots as an alternative
// to polling.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wandertale/engine/internal/reading"
	"github.com/wandertale/engine/internal/statesync"
	"github.com/wandertale/engine/internal/story"
	"github.com/wandertale/engine/internal/variable"
)

// Client talks to a state server. It implements reading.Services.
type Client struct {
	baseURL   string
	http      *http.Client
	verbosity int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithClientVerbosity sets the logging verbosity for requests.
func WithClientVerbosity(level int) ClientOption {
	return func(c *Client) {
		c.verbosity = level
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one request, decoding a JSON response into out when out is
// non-nil. Non-2xx statuses are reported as errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.verbosity >= 2 {
		log.Printf("[v2] %s %s", method, path)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// FetchStory retrieves a story document.
func (c *Client) FetchStory(ctx context.Context, storyID string) (*story.Story, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/story/"+url.PathEscape(storyID), nil, &raw); err != nil {
		return nil, err
	}
	return story.Decode(raw)
}

// FetchReading retrieves a reading.
func (c *Client) FetchReading(ctx context.Context, readingID string) (*reading.Reading, error) {
	r := &reading.Reading{}
	if err := c.do(ctx, http.MethodGet, "/reading/"+url.PathEscape(readingID), nil, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveReading persists a reading.
func (c *Client) SaveReading(ctx context.Context, r *reading.Reading) error {
	return c.do(ctx, http.MethodPut, "/reading/"+url.PathEscape(r.ID), r, nil)
}

// FetchReadingsForStoryAndUser lists the readings a user participates in
// for one story.
func (c *Client) FetchReadingsForStoryAndUser(ctx context.Context, storyID, userID string) ([]*reading.Reading, error) {
	var readings []*reading.Reading
	path := "/reading/story/" + url.PathEscape(storyID) + "/user/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// FetchStates retrieves the server's current scope snapshots for a
// reading.
func (c *Client) FetchStates(ctx context.Context, readingID string) (*variable.CombinedScopes, error) {
	scopes := &variable.CombinedScopes{}
	if err := c.do(ctx, http.MethodGet, "/reading/"+url.PathEscape(readingID)+"/states", nil, scopes); err != nil {
		return nil, err
	}
	if scopes.Global == nil || scopes.Shared == nil {
		return nil, fmt.Errorf("states response for reading %s is missing a scope", readingID)
	}
	return scopes, nil
}

// SaveStates submits the full combined scopes. The server answers with
// its authoritative snapshots and whether the write collided.
func (c *Client) SaveStates(ctx context.Context, scopes *variable.CombinedScopes) (*statesync.UpdateStatesResponse, error) {
	readingID := scopes.Shared.ReadingID()
	resp := &statesync.UpdateStatesResponse{}
	if err := c.do(ctx, http.MethodPut, "/reading/"+url.PathEscape(readingID)+"/states", scopes, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
