package replay

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

const DefaultProbeInterval = 15 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the API and posts a wake-up when it comes back, on every
// tick while it stays reachable, and whenever a write was queued while online.
type Monitor struct {
	pinger   Pinger
	mailbox  *Mailbox
	interval time.Duration
	online   atomic.Bool
}

func NewMonitor(p Pinger, mailbox *Mailbox, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{pinger: p, mailbox: mailbox, interval: interval}
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// ScheduleSync asks for a replay. While offline it does nothing; the next
// successful probe posts the wake-up instead.
func (m *Monitor) ScheduleSync() {
	if m.online.Load() {
		m.mailbox.Post()
	}
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.pinger.Ping(pctx)
	wasOnline := m.online.Load()
	m.online.Store(err == nil)
	switch {
	case err == nil && !wasOnline:
		log.Println("replay: api reachable, waking replay")
		m.mailbox.Post()
	case err == nil:
		m.mailbox.Post()
	case wasOnline && ctx.Err() == nil:
		log.Printf("replay: api unreachable: %v", err)
	}
}
