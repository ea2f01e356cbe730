package editor

// DefaultHistoryLimit bounds both the undo and the redo stack.
const DefaultHistoryLimit = 50

type ActionKind string

const (
	ActionAdd    ActionKind = "add"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Action is one undoable step. Lines are referenced by client id because the
// server id of a re-added line changes; LineID is informational only.
type Action struct {
	Kind     ActionKind
	ClientID string
	LineID   int64
	Position int
	Section  string
	Before   string
	After    string
}

type history struct {
	limit  int
	past   []Action
	future []Action

	// gen counts recorded user actions. Undo and Redo compare it across their
	// network call to notice an action recorded in the meantime.
	gen uint64
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit}
}

// record pushes a fresh user action and invalidates everything redoable.
func (h *history) record(a Action) {
	h.past = bounded(append(h.past, a), h.limit)
	h.future = nil
	h.gen++
}

func (h *history) popPast() (Action, bool) {
	return pop(&h.past)
}

func (h *history) popFuture() (Action, bool) {
	return pop(&h.future)
}

// pushPast and pushFuture move an action between stacks without touching the
// opposite stack.
func (h *history) pushPast(a Action) {
	h.past = bounded(append(h.past, a), h.limit)
}

func (h *history) pushFuture(a Action) {
	h.future = bounded(append(h.future, a), h.limit)
}

// restorePast puts back an action popped at generation gen, below any action
// recorded since then.
func (h *history) restorePast(a Action, gen uint64) {
	newer := int(h.gen - gen)
	if newer > len(h.past) {
		newer = len(h.past)
	}
	at := len(h.past) - newer
	h.past = append(h.past, Action{})
	copy(h.past[at+1:], h.past[at:])
	h.past[at] = a
	h.past = bounded(h.past, h.limit)
}

func pop(stack *[]Action) (Action, bool) {
	s := *stack
	if len(s) == 0 {
		return Action{}, false
	}
	a := s[len(s)-1]
	*stack = s[:len(s)-1]
	return a, true
}

// bounded drops the oldest entries so at most limit remain.
func bounded(s []Action, limit int) []Action {
	if len(s) <= limit {
		return s
	}
	out := make([]Action, limit)
	copy(out, s[len(s)-limit:])
	return out
}
