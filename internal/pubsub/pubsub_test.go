package pubsub

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"lyricsync/internal/wire"
)

func setupTestRedis(t *testing.T) (*RedisBus, *RedisPresence) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := Connect("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisBus(client), NewRedisPresence(client)
}

func receive(t *testing.T, ch <-chan wire.Event) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	return wire.Event{}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func testBusDeliversToEverySubscriber(t *testing.T, bus Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, stopFirst, err := bus.Subscribe(ctx, "ses-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stopFirst()
	second, stopSecond, err := bus.Subscribe(ctx, "ses-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stopSecond()
	other, stopOther, err := bus.Subscribe(ctx, "ses-2")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stopOther()

	line := &wire.Line{ID: 501, SessionID: "ses-1", LineNumber: 1, Content: "Dreaming out loud tonight", ClientID: "ln_1"}
	if err := bus.Publish(ctx, wire.Event{Type: wire.EventLineAdded, SessionID: "ses-1", WriterID: "w-1", Line: line}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, ch := range []<-chan wire.Event{first, second} {
		ev := receive(t, ch)
		if ev.Type != wire.EventLineAdded || ev.Line == nil || ev.Line.ClientID != "ln_1" || ev.WriterID != "w-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("event leaked to another session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusDeliversToEverySubscriber(t *testing.T) {
	bus, _ := setupTestRedis(t)
	testBusDeliversToEverySubscriber(t, bus)
}

func TestLocalBusDeliversToEverySubscriber(t *testing.T) {
	testBusDeliversToEverySubscriber(t, NewLocalBus())
}

func TestLocalBusCancelClosesChannel(t *testing.T) {
	bus := NewLocalBus()
	ch, cancel, _ := bus.Subscribe(context.Background(), "ses-1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	if err := bus.Publish(context.Background(), wire.Event{Type: wire.EventTyping, SessionID: "ses-1"}); err != nil {
		t.Fatalf("Publish after cancel failed: %v", err)
	}
}

func testPresence(t *testing.T, p Presence) {
	ctx := context.Background()
	for _, w := range []string{"w-2", "w-1"} {
		if err := p.Join(ctx, "ses-1", w); err != nil {
			t.Fatalf("Join(%s) failed: %v", w, err)
		}
	}
	if err := p.SetTyping(ctx, "ses-1", "w-2", true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}

	writers, typing, err := p.Snapshot(ctx, "ses-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !reflect.DeepEqual(writers, []string{"w-1", "w-2"}) || !reflect.DeepEqual(typing, []string{"w-2"}) {
		t.Fatalf("writers=%v typing=%v", writers, typing)
	}

	if err := p.Leave(ctx, "ses-1", "w-2"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	writers, typing, _ = p.Snapshot(ctx, "ses-1")
	if !reflect.DeepEqual(writers, []string{"w-1"}) || len(typing) != 0 {
		t.Fatalf("after leave writers=%v typing=%v", writers, typing)
	}

	writers, _, _ = p.Snapshot(ctx, "ses-unknown")
	if len(writers) != 0 {
		t.Fatalf("unknown session has writers %v", writers)
	}
}

func TestRedisPresence(t *testing.T) {
	_, presence := setupTestRedis(t)
	testPresence(t, presence)
}

func TestLocalPresence(t *testing.T) {
	testPresence(t, NewLocalPresence())
}
