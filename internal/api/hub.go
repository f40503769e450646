package api

import "sync"

// hub fans out "new events appended" wake-ups to blocked long-poll
// handlers. It carries no payload; woken handlers re-read the event log.
type hub struct {
	mu      sync.Mutex
	lastSeq int64
	ch      chan struct{}
}

func newHub() *hub {
	return &hub{ch: make(chan struct{})}
}

// wake records seq as the newest appended event and releases all waiters.
func (h *hub) wake(seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq > h.lastSeq {
		h.lastSeq = seq
	}
	close(h.ch)
	h.ch = make(chan struct{})
}

// wait returns a channel that is closed once events newer than `after`
// exist. If such events already exist the channel is closed immediately,
// so callers never block on a stale position.
func (h *hub) wait(after int64) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastSeq > after {
		done := make(chan struct{})
		close(done)
		return done
	}
	return h.ch
}
