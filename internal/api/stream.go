package api

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/wandertale/engine/internal/variable"
)

// StateStream is a live websocket feed of fresh scope snapshots for one
// reading. It replaces interval polling when the server supports it;
// snapshot staleness is still enforced by whoever applies the snapshots.
type StateStream struct {
	conn      *websocket.Conn
	apply     func(*variable.CombinedScopes)
	verbosity int
	done      chan struct{}
}

// WatchStates opens a state stream for a reading. Every snapshot the
// server broadcasts is handed to apply. The stream closes when ctx is
// cancelled, Close is called, or the connection drops.
func (c *Client) WatchStates(ctx context.Context, readingID string, apply func(*variable.CombinedScopes)) (*StateStream, error) {
	wsURL, err := c.watchURL(readingID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing state stream %s: %w", wsURL, err)
	}

	s := &StateStream{
		conn:      conn,
		apply:     apply,
		verbosity: c.verbosity,
		done:      make(chan struct{}),
	}

	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// watchURL derives the ws:// form of the watch endpoint.
func (c *Client) watchURL(readingID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q for state stream", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/reading/" + url.PathEscape(readingID) + "/watch"
	return u.String(), nil
}

// readLoop decodes snapshots off the wire until the connection closes.
func (s *StateStream) readLoop() {
	defer close(s.done)
	defer s.conn.Close()

	for {
		scopes := &variable.CombinedScopes{}
		if err := s.conn.ReadJSON(scopes); err != nil {
			if s.verbosity >= 2 && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[v2] state stream closed: %v", err)
			}
			return
		}
		if scopes.Global == nil || scopes.Shared == nil {
			continue
		}
		if s.verbosity >= 3 {
			log.Printf("[v3] state stream: shared rev %d, global rev %d",
				scopes.Shared.RevisionNumber(), scopes.Global.RevisionNumber())
		}
		s.apply(scopes)
	}
}

// Done is closed when the stream has stopped.
func (s *StateStream) Done() <-chan struct{} {
	return s.done
}

// Close tears the stream down.
func (s *StateStream) Close() {
	s.conn.Close()
}
