package console

import "sync"

const defaultHistoryLines = 200

// history is a fixed-size ring of console log lines. When full, the oldest
// line is overwritten.
type history struct {
	mu    sync.RWMutex
	lines []string
	head  int // next write position
	full  bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = defaultHistoryLines
	}
	return &history{lines: make([]string, size)}
}

func (h *history) add(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lines[h.head] = line
	h.head = (h.head + 1) % len(h.lines)
	if h.head == 0 {
		h.full = true
	}
}

// all returns the retained lines, oldest first.
func (h *history) all() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]string, h.head)
		copy(out, h.lines[:h.head])
		return out
	}

	// Wrap-around: head -> end + start -> head
	out := make([]string, 0, len(h.lines))
	out = append(out, h.lines[h.head:]...)
	return append(out, h.lines[:h.head]...)
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.lines)
	}
	return h.head
}
