package keystate

import (
	"math"
	"sync"
)

// trafficBuffer accumulates unflushed usage per real key. During a flush the
// drained snapshot is kept as inflight so pending balances stay accurate until
// the store write commits or the snapshot is merged back.
type trafficBuffer struct {
	mu       sync.Mutex
	pending  map[string]float64
	inflight map[string]float64
}

func newTrafficBuffer() *trafficBuffer {
	return &trafficBuffer{pending: make(map[string]float64)}
}

func validAmount(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func (b *trafficBuffer) add(key string, amount float64) bool {
	if key == "" || !validAmount(amount) {
		return false
	}
	b.mu.Lock()
	b.pending[key] += amount
	b.mu.Unlock()
	return true
}

// drain swaps out the live map. It returns nil when a previous drain has not
// been settled or there is nothing to flush.
func (b *trafficBuffer) drain() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight != nil || len(b.pending) == 0 {
		return nil
	}
	snap := b.pending
	b.pending = make(map[string]float64)
	b.inflight = snap
	return snap
}

func (b *trafficBuffer) settle() {
	b.mu.Lock()
	b.inflight = nil
	b.mu.Unlock()
}

func (b *trafficBuffer) requeue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.inflight {
		b.pending[k] += v
	}
	b.inflight = nil
}

func (b *trafficBuffer) amount(key string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[key] + b.inflight[key]
}

func (b *trafficBuffer) snapshot() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.pending)+len(b.inflight))
	for k, v := range b.pending {
		out[k] += v
	}
	for k, v := range b.inflight {
		out[k] += v
	}
	return out
}

func (b *trafficBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// move re-keys pending usage after a key rename. Inflight usage stays under
// the old name and is skipped by the store if that name no longer exists.
func (b *trafficBuffer) move(from, to string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.pending[from]; ok {
		b.pending[to] += v
		delete(b.pending, from)
	}
}
