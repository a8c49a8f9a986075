package limiter

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

// Slot is a permit to run one transfer. The zero Slot is never issued.
type Slot struct {
	id uint64
}

// Limiter caps the number of transfers in flight.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int

	mu       sync.Mutex
	next     uint64
	occupied map[uint64]struct{}
}

func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		occupied: make(map[uint64]struct{}, capacity),
	}
}

// TryAcquire returns a slot without blocking, or false when all are taken.
func (l *Limiter) TryAcquire() (Slot, bool, error) {
	if !l.sem.TryAcquire(1) {
		return Slot{}, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.occupied) >= l.capacity {
		l.sem.Release(1)
		return Slot{}, false, &errpkg.InvariantViolation{
			Op:     "acquire",
			Detail: fmt.Sprintf("%d slots occupied with capacity %d", len(l.occupied), l.capacity),
		}
	}
	l.next++
	l.occupied[l.next] = struct{}{}
	return Slot{id: l.next}, true, nil
}

// Release returns a slot. Releasing an unknown or already released slot is
// an invariant violation.
func (l *Limiter) Release(s Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.occupied[s.id]; !ok {
		return &errpkg.InvariantViolation{
			Op:     "release",
			Detail: fmt.Sprintf("slot %d is not held", s.id),
		}
	}
	delete(l.occupied, s.id)
	l.sem.Release(1)
	return nil
}

func (l *Limiter) Occupied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.occupied)
}

func (l *Limiter) Capacity() int {
	return l.capacity
}
