// Package realtime keeps a websocket open to a session's live channel and
// folds every broadcast into the editor. The server echoes the writer's own
// mutations like any peer's, and those echoes are what confirm pending lines.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"lyricsync/internal/editor"
	"lyricsync/internal/wire"
)

var ErrNotConnected = errors.New("live channel not connected")

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	outboxSize = 16
)

// Target receives reconciled broadcasts. *editor.Editor implements it.
type Target interface {
	ApplyRemoteAdd(line wire.Line, lines []wire.Line) editor.Outcome
	ApplyRemoteUpdate(line wire.Line) editor.Outcome
	ApplyRemoteDelete(lineID int64, lines []wire.Line)
	ApplyRemoteList(lines []wire.Line)
	ApplyRemoteSession(session wire.Session)
}

// Presence is who is in the session and who is typing right now.
type Presence struct {
	Writers []string
	Typing  []string
}

type Options struct {
	BaseURL   string
	SessionID string
	WriterID  string
	Token     string
	Target    Target

	// OnPresence is called after every presence change. Optional.
	OnPresence func(Presence)
	// OnConnect is called after every successful (re)connect. Optional.
	OnConnect func()
	// Backoff builds the reconnect schedule; exponential when nil.
	Backoff func() backoff.BackOff
	Dialer  *websocket.Dialer
}

type Client struct {
	url        string
	header     http.Header
	sessionID  string
	writerID   string
	target     Target
	onPresence func(Presence)
	onConnect  func()
	newBackoff func() backoff.BackOff
	dialer     *websocket.Dialer

	mu     sync.Mutex
	outbox chan wire.Event
	active map[string]bool
	typing map[string]bool
}

func New(opts Options) (*Client, error) {
	if opts.Target == nil {
		return nil, fmt.Errorf("realtime: target is required")
	}
	u, err := liveURL(opts.BaseURL, opts.SessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	newBackoff := opts.Backoff
	if newBackoff == nil {
		newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		url:        u,
		header:     header,
		sessionID:  opts.SessionID,
		writerID:   opts.WriterID,
		target:     opts.Target,
		onPresence: opts.OnPresence,
		onConnect:  opts.OnConnect,
		newBackoff: newBackoff,
		dialer:     dialer,
		active:     map[string]bool{},
		typing:     map[string]bool{},
	}, nil
}

func liveURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse live url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String() + "/api/sessions/" + url.PathEscape(sessionID) + "/live", nil
}

// Run keeps the channel connected until ctx is done, reconnecting with
// backoff. Pending lines are left alone while disconnected.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackoff()
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err == nil {
			b.Reset()
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("live channel gave up: %w", err)
		}
		log.Printf("realtime: session %s disconnected, retrying in %s: %v", c.sessionID, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	out := make(chan wire.Event, outboxSize)
	c.connected(out)
	defer c.disconnected()

	go c.writePump(conn, out, done)
	out <- wire.Event{Type: wire.EventJoin, SessionID: c.sessionID, WriterID: c.writerID, At: time.Now().UTC()}
	if c.onConnect != nil {
		c.onConnect()
	}

	for {
		var ev wire.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read live event: %w", err)
		}
		c.dispatch(ev)
	}
}

func (c *Client) writePump(conn *websocket.Conn, out <-chan wire.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// connected installs the outbox and starts presence from scratch.
func (c *Client) connected(out chan wire.Event) {
	c.mu.Lock()
	c.outbox = out
	c.active = map[string]bool{}
	c.typing = map[string]bool{}
	if c.writerID != "" {
		c.active[c.writerID] = true
	}
	p := c.presenceLocked()
	c.mu.Unlock()
	c.notifyPresence(p)
}

func (c *Client) disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = nil
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox != nil
}

// SendTyping announces that this writer started or stopped typing. Presence is
// best effort: when the outbox is full the event is dropped.
func (c *Client) SendTyping(typing bool) error {
	t := wire.EventStoppedTyping
	if typing {
		t = wire.EventTyping
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox == nil {
		return ErrNotConnected
	}
	select {
	case c.outbox <- wire.Event{Type: t, SessionID: c.sessionID, WriterID: c.writerID, At: time.Now().UTC()}:
	default:
	}
	return nil
}

func (c *Client) dispatch(ev wire.Event) {
	if ev.SessionID != "" && ev.SessionID != c.sessionID {
		return
	}
	if ev.IsPresence() {
		c.applyPresence(ev)
		return
	}
	switch ev.Type {
	case wire.EventLineAdded:
		if ev.Line == nil {
			return
		}
		outcome := c.target.ApplyRemoteAdd(*ev.Line, ev.Lines)
		if outcome == editor.Inserted && ev.WriterID != "" && ev.WriterID == c.writerID {
			log.Printf("realtime: reconciliation miss for own line %d (client id %q), inserted", ev.Line.ID, ev.Line.ClientID)
		}
	case wire.EventLineUpdated:
		if ev.Line != nil {
			c.target.ApplyRemoteUpdate(*ev.Line)
		}
	case wire.EventLineDeleted:
		c.target.ApplyRemoteDelete(ev.LineID, ev.Lines)
	case wire.EventLinesReordered:
		c.target.ApplyRemoteList(ev.Lines)
	case wire.EventSessionUpdated:
		if ev.Session != nil {
			c.target.ApplyRemoteSession(*ev.Session)
		}
	default:
		log.Printf("realtime: ignoring %q event", ev.Type)
	}
}

func (c *Client) applyPresence(ev wire.Event) {
	c.mu.Lock()
	switch ev.Type {
	case wire.EventPresence:
		c.active = toSet(ev.Writers)
		c.typing = toSet(ev.Typing)
	case wire.EventWriterJoined:
		c.active[ev.WriterID] = true
	case wire.EventWriterLeft:
		delete(c.active, ev.WriterID)
		delete(c.typing, ev.WriterID)
	case wire.EventTyping:
		c.active[ev.WriterID] = true
		c.typing[ev.WriterID] = true
	case wire.EventStoppedTyping:
		delete(c.typing, ev.WriterID)
	}
	p := c.presenceLocked()
	c.mu.Unlock()
	c.notifyPresence(p)
}

// Presence returns the current presence sets, sorted.
func (c *Client) Presence() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked()
}

func (c *Client) presenceLocked() Presence {
	return Presence{Writers: sortedKeys(c.active), Typing: sortedKeys(c.typing)}
}

func (c *Client) notifyPresence(p Presence) {
	if c.onPresence != nil {
		c.onPresence(p)
	}
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
