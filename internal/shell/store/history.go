package store

import "sync"

// maxHistoryEntry bounds the length of one recorded statement.
const maxHistoryEntry = 2048

// queryHistory is a fixed-size ring of the most recent statements.
type queryHistory struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

func newQueryHistory(size int) *queryHistory {
	if size <= 0 {
		size = 1
	}
	return &queryHistory{entries: make([]string, size)}
}

func (h *queryHistory) record(query string) {
	if len(query) > maxHistoryEntry {
		query = query[:maxHistoryEntry] + "..."
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = query
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns the recorded statements, oldest first.
func (h *queryHistory) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]string(nil), h.entries[:h.next]...)
	}
	out := make([]string, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
