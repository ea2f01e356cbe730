// Package replay drains the durable write queue once connectivity is back.
//
// A Monitor runs in the background and only ever posts wake-ups to a Mailbox.
// The Runner, in the foreground, is the only code that reads and clears the
// queue.
package replay

// Mailbox carries wake-ups with at most one outstanding at a time.
type Mailbox struct {
	ch chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan struct{}, 1)}
}

// Post leaves a wake-up unless one is already waiting. It never blocks and
// reports whether a new wake-up was posted.
func (m *Mailbox) Post() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Mailbox) Wake() <-chan struct{} {
	return m.ch
}
