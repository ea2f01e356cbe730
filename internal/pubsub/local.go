package pubsub

import (
	"context"
	"sort"
	"sync"

	"lyricsync/internal/wire"
)

// LocalBus delivers events to subscribers in this process only.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan wire.Event
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]chan wire.Event)}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *LocalBus) Publish(ctx context.Context, ev wire.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, sessionID string) (<-chan wire.Event, func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan wire.Event, 64)
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan wire.Event)
	}
	b.subs[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

type LocalPresence struct {
	mu      sync.Mutex
	writers map[string]map[string]bool
	typing  map[string]map[string]bool
}

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		writers: make(map[string]map[string]bool),
		typing:  make(map[string]map[string]bool),
	}
}

func add(m map[string]map[string]bool, sessionID, writerID string) {
	if m[sessionID] == nil {
		m[sessionID] = make(map[string]bool)
	}
	m[sessionID][writerID] = true
}

func (p *LocalPresence) Join(ctx context.Context, sessionID, writerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	add(p.writers, sessionID, writerID)
	return nil
}

func (p *LocalPresence) Leave(ctx context.Context, sessionID, writerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writers[sessionID], writerID)
	delete(p.typing[sessionID], writerID)
	return nil
}

func (p *LocalPresence) SetTyping(ctx context.Context, sessionID, writerID string, typing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if typing {
		add(p.typing, sessionID, writerID)
	} else {
		delete(p.typing[sessionID], writerID)
	}
	return nil
}

func (p *LocalPresence) Snapshot(ctx context.Context, sessionID string) ([]string, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return keys(p.writers[sessionID]), keys(p.typing[sessionID]), nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
