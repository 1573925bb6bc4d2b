package core

import "strings"

const defaultHistoryMax = 200

// inputHistory is a bounded ring of submitted sources, oldest first.
// Trailing blank lines are dropped and a repeat of the newest entry is
// not recorded again.
type inputHistory struct {
	ring  []string
	start int
	n     int
}

func newHistory(max int) *inputHistory {
	if max <= 0 {
		max = defaultHistoryMax
	}
	return &inputHistory{ring: make([]string, max)}
}

// Seed replaces the ring with persisted entries, keeping the newest.
func (h *inputHistory) Seed(entries []string) {
	if h == nil {
		return
	}
	h.start, h.n = 0, 0
	for _, entry := range entries {
		h.Append(entry)
	}
}

// Append records source and reports whether it was kept.
func (h *inputHistory) Append(source string) bool {
	if h == nil {
		return false
	}
	source = strings.TrimRight(source, " \t\r\n")
	if strings.TrimSpace(source) == "" {
		return false
	}
	if h.n > 0 && h.at(h.n-1) == source {
		return false
	}
	if h.n < len(h.ring) {
		h.ring[(h.start+h.n)%len(h.ring)] = source
		h.n++
		return true
	}
	h.ring[h.start] = source
	h.start = (h.start + 1) % len(h.ring)
	return true
}

func (h *inputHistory) at(i int) string {
	return h.ring[(h.start+i)%len(h.ring)]
}

// Entries copies the ring out in submission order.
func (h *inputHistory) Entries() []string {
	if h == nil || h.n == 0 {
		return nil
	}
	out := make([]string, h.n)
	for i := range out {
		out[i] = h.at(i)
	}
	return out
}
