package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lyricsync/internal/wire"
)

func liveURL(srv *httptest.Server, sessionID, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + sessionID + "/live?token=" + token
}

func readUntil(t *testing.T, conn *websocket.Conn, want wire.EventType) wire.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev wire.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if ev.Type == want {
			return ev
		}
	}
}

func dialAndJoin(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(liveURL(srv, "ses-1", token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(wire.Event{Type: wire.EventJoin, SessionID: "ses-1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	return conn
}

func TestLiveRejectsMissingToken(t *testing.T) {
	svc := newTestService(&fakeStore{}, Options{})
	srv := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(liveURL(srv, "ses-1", ""), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestLiveBroadcastsMutationsAndPresence(t *testing.T) {
	fs := &fakeStore{}
	bus := newRecordingBus()
	svc := newTestService(fs, Options{Bus: bus})
	server := NewHTTPServer(svc, "*")
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()
	token := tokenFor(t, fs, "wr-ada")

	first := dialAndJoin(t, srv, token)
	defer first.Close()
	presence := readUntil(t, first, wire.EventPresence)
	if len(presence.Writers) != 1 || presence.Writers[0] != "wr-ada" {
		t.Fatalf("unexpected presence %+v", presence)
	}

	second := dialAndJoin(t, srv, token)
	readUntil(t, second, wire.EventPresence)
	waitFor(t, func() bool { return server.hub.Connected("ses-1") == 2 })
	if got := len(bus.ofType(wire.EventWriterJoined)); got != 1 {
		t.Fatalf("expected one writer_joined for two sockets, got %d", got)
	}

	if _, err := svc.AddLine(context.Background(), principalFor(fs, "wr-ada"), "ses-1", wire.AddLineRequest{Content: "echo"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, conn := range []*websocket.Conn{first, second} {
		ev := readUntil(t, conn, wire.EventLineAdded)
		if ev.Line == nil || ev.Line.Content != "echo" {
			t.Fatalf("unexpected line_added %+v", ev)
		}
	}

	if err := second.WriteJSON(wire.Event{Type: wire.EventTyping}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	typing := readUntil(t, first, wire.EventTyping)
	if typing.WriterID != "wr-ada" {
		t.Fatalf("typing should carry the authenticated writer, got %q", typing.WriterID)
	}

	second.Close()
	waitFor(t, func() bool { return server.hub.Connected("ses-1") == 1 })
	if got := len(bus.ofType(wire.EventWriterLeft)); got != 0 {
		t.Fatalf("writer still has a socket, got %d writer_left", got)
	}

	if err := first.WriteJSON(wire.Event{Type: wire.EventLeave}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, func() bool { return len(bus.ofType(wire.EventWriterLeft)) == 1 })
	writers, _, err := svc.Presence().Snapshot(context.Background(), "ses-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(writers) != 0 {
		t.Fatalf("expected empty presence, got %v", writers)
	}
}
