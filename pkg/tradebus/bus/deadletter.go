package bus

import (
	"sync"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// DeadLetter records an (event, subscription) pair that exhausted its retry
// budget. No further automatic action is taken for it.
type DeadLetter struct {
	Event          event.Event
	SubscriptionID string
	Handler        string
	Result         event.ProcessingResult
	DeadAt         time.Time
}

// deadLetterRing is a bounded ring buffer of terminal failures.
// Once full, the oldest entry is evicted to make room.
type deadLetterRing struct {
	mu    sync.Mutex
	buf   []DeadLetter
	next  int
	total int // entries ever written; min(total, len(buf)) are retained
}

func newDeadLetterRing(size int) *deadLetterRing {
	return &deadLetterRing{buf: make([]DeadLetter, size)}
}

func (r *deadLetterRing) add(dl DeadLetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = dl
	r.next = (r.next + 1) % len(r.buf)
	r.total++
}

func (r *deadLetterRing) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total < len(r.buf) {
		return r.total
	}
	return len(r.buf)
}

// snapshot returns retained entries, oldest first.
func (r *deadLetterRing) snapshot() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total < len(r.buf) {
		out := make([]DeadLetter, r.total)
		copy(out, r.buf[:r.total])
		return out
	}

	out := make([]DeadLetter, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
