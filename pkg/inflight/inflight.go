package inflight

import "sync"

// Limiter limits concurrent "in-flight" operations.
//
// max:
// - max <= 0 means unlimited.
//
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	inFlight int
	max      int
}

func NewLimiter(max int) *Limiter {
	return &Limiter{max: max}
}

func (l *Limiter) SetMax(max int) {
	l.mu.Lock()
	l.max = max
	l.mu.Unlock()
}

func (l *Limiter) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *Limiter) AtLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max > 0 && l.inFlight >= l.max
}

// TryAcquire increments in-flight counter if under the limit.
// Returns true if acquired.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.inFlight >= l.max {
		return false
	}
	l.inFlight++
	return true
}

// Release decrements in-flight counter if possible.
// It is safe to call Release more times than Acquire; it will clamp at 0.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.mu.Unlock()
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	l.inFlight = 0
	l.mu.Unlock()
}
