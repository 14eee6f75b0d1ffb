// Package memory holds the per-session conversation history exchanged with
// the language model.
//
// The history is an append-only, time-ordered list of entries. A completed
// turn commits its user transcript and assistant reply as one atomic pair;
// a turn that is cancelled or fails commits nothing, so the history never
// contains a user utterance without the reply that was actually spoken.
//
// All methods are safe for concurrent use.
package memory

import (
	"sync"
	"time"
)

// Role identifies the author of a history entry.
type Role string

const (
	// RoleUser marks an entry transcribed from caller speech.
	RoleUser Role = "user"

	// RoleAssistant marks an entry generated by the language model and
	// spoken back to the caller.
	RoleAssistant Role = "assistant"
)

// Entry is a single utterance in the conversation history.
type Entry struct {
	// Role identifies who produced the text.
	Role Role

	// Text is the utterance content.
	Text string

	// Timestamp is when the entry was committed.
	Timestamp time.Time
}

// History is the append-only conversation log for one session.
// The zero value is ready to use.
type History struct {
	mu      sync.Mutex
	entries []Entry
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a single entry, stamping it with the current time if the
// caller left Timestamp zero.
func (h *History) Append(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.append(e)
}

// AppendPair commits a user/assistant exchange atomically: no snapshot can
// observe the user entry without the assistant entry.
func (h *History) AppendPair(user, assistant Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.append(user)
	h.append(assistant)
}

func (h *History) append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.entries = append(h.entries, e)
}

// Snapshot returns a copy of the history at this instant. The caller may
// retain it across a turn; later commits do not mutate it.
func (h *History) Snapshot() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len reports the number of committed entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
