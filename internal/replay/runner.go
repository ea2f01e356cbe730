package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"lyricsync/internal/cache"
	"lyricsync/internal/remote"
	"lyricsync/internal/wire"
)

// Queue is the durable queue plus the snapshot writes a replay needs.
type Queue interface {
	ListQueue() ([]cache.Entry, error)
	ClearQueueEntry(id uint64) error
	SaveLine(line wire.Line) error
	LineByClientID(sessionID, clientID string) (wire.Line, error)
}

type Replayer interface {
	Replay(ctx context.Context, entry cache.Entry, lineID int64) (remote.Ack, error)
}

// Confirmer is told about every acknowledged entry. *editor.Editor implements it.
type Confirmer interface {
	LineID(clientID string) (int64, bool)
	ApplyConfirmed(op cache.Op, clientID string, ack remote.Ack)
}

// ReplayError is a queued entry that could not be replayed. The entry stays
// queued for the next wake-up.
type ReplayError struct {
	EntryID uint64
	Op      cache.Op
	Err     error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s entry %d: %v", e.Op, e.EntryID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Result summarizes one drain.
type Result struct {
	Replayed  int
	Remaining int
}

type Runner struct {
	queue    Queue
	replayer Replayer
	mailbox  *Mailbox

	drainMu sync.Mutex

	mu        sync.Mutex
	confirmer Confirmer
}

func NewRunner(queue Queue, replayer Replayer, mailbox *Mailbox) *Runner {
	return &Runner{queue: queue, replayer: replayer, mailbox: mailbox}
}

// SetConfirmer attaches the editor of the open session, or detaches it with nil.
func (r *Runner) SetConfirmer(c Confirmer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmer = c
}

func (r *Runner) currentConfirmer() Confirmer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmer
}

// Run drains the queue on every wake-up until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.mailbox.Wake():
			res, err := r.Drain(ctx)
			if err != nil {
				log.Printf("replay: drain stopped after %d entries, %d left: %v", res.Replayed, res.Remaining, err)
			} else if res.Replayed > 0 {
				log.Printf("replay: replayed %d queued writes", res.Replayed)
			}
		}
	}
}

// Drain replays every queued entry in enqueue order and clears each one only
// after the server acknowledged it. A transport failure stops the drain. An
// entry the server refuses stays queued, and later entries for the same line
// are held back so they are never applied ahead of it.
func (r *Runner) Drain(ctx context.Context) (Result, error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	entries, err := r.queue.ListQueue()
	if err != nil {
		return Result{}, err
	}
	confirmer := r.currentConfirmer()

	var (
		res     Result
		lastErr error
		learned = map[string]int64{}
		held    = map[string]bool{}
	)
	for i, entry := range entries {
		clientID := entry.Payload.ClientID
		if clientID != "" && held[clientID] {
			res.Remaining++
			continue
		}

		ack, err := r.replayer.Replay(ctx, entry, r.resolveLineID(entry, learned, confirmer))
		if err != nil {
			rerr := &ReplayError{EntryID: entry.ID, Op: entry.Op, Err: err}
			if remote.IsNetworkError(err) || ctx.Err() != nil {
				res.Remaining += len(entries) - i
				return res, rerr
			}
			log.Printf("replay: keeping entry: %v", rerr)
			if clientID != "" {
				held[clientID] = true
			}
			res.Remaining++
			lastErr = rerr
			continue
		}

		if err := r.queue.ClearQueueEntry(entry.ID); err != nil {
			res.Remaining += len(entries) - i
			return res, err
		}
		res.Replayed++
		if ack.Line != nil && ack.Line.ID != 0 {
			if clientID != "" {
				learned[clientID] = ack.Line.ID
			}
			if err := r.queue.SaveLine(*ack.Line); err != nil {
				log.Printf("replay: cache line %d: %v", ack.Line.ID, err)
			}
		}
		if confirmer != nil {
			confirmer.ApplyConfirmed(entry.Op, clientID, ack)
		}
	}
	return res, lastErr
}

// resolveLineID finds the server id for an entry queued before its line was
// confirmed: from this drain, then the open editor, then the cache.
func (r *Runner) resolveLineID(entry cache.Entry, learned map[string]int64, confirmer Confirmer) int64 {
	p := entry.Payload
	if p.LineID != 0 || p.ClientID == "" || entry.Op == cache.OpAdd {
		return p.LineID
	}
	if id, ok := learned[p.ClientID]; ok {
		return id
	}
	if confirmer != nil {
		if id, ok := confirmer.LineID(p.ClientID); ok {
			return id
		}
	}
	line, err := r.queue.LineByClientID(p.SessionID, p.ClientID)
	if err == nil {
		return line.ID
	}
	if !errors.Is(err, cache.ErrNotFound) {
		log.Printf("replay: look up line %s: %v", p.ClientID, err)
	}
	return 0
}
