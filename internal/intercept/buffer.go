package intercept

import "sync"

// PlotBuffer holds the full response of the latest successful run until
// the host reports that the assistant reply exists.
type PlotBuffer struct {
	mu     sync.Mutex
	chatID string
	plot   string
	full   bool
}

// Put replaces the buffered plot.
func (b *PlotBuffer) Put(chatID, plot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatID, b.plot, b.full = chatID, plot, true
}

// Take returns the buffered plot and empties the buffer.
func (b *PlotBuffer) Take() (chatID, plot string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chatID, plot, ok = b.chatID, b.plot, b.full
	b.chatID, b.plot, b.full = "", "", false
	return chatID, plot, ok
}

// Peek returns the buffered plot without consuming it.
func (b *PlotBuffer) Peek() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plot, b.full
}

// runSlot admits at most one run at a time. Entry attempts while a run is
// in flight are rejected, never queued.
type runSlot chan struct{}

func newRunSlot() runSlot { return make(runSlot, 1) }

func (s runSlot) tryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s runSlot) release() { <-s }

func (s runSlot) busy() bool { return len(s) > 0 }
