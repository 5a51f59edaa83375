// Package limiter bounds how many render jobs of each class run at once.
//
// Waiters are served in FIFO order (golang.org/x/sync/semaphore), so a
// steady stream of new submissions cannot starve an older one. Work is never
// dropped: Acquire only delays the start of a job, and only a cancelled
// context makes it give up.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Class groups jobs that share a concurrency bound.
type Class int

const (
	// Template jobs merge or rewrite before rendering and cost the most.
	Template Class = iota
	// File jobs render an HTML file as-is.
	File
)

func (c Class) String() string {
	switch c {
	case Template:
		return "template"
	case File:
		return "file"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Default bounds per class.
const (
	DefaultTemplateLimit = 2
	DefaultFileLimit     = 5
)

// ErrUnknownClass is returned for a class with no configured bound.
var ErrUnknownClass = errors.New("limiter: unknown class")

type slot struct {
	limit    int
	sem      *semaphore.Weighted
	inflight atomic.Int64
	peak     atomic.Int64
	total    atomic.Int64
}

// Limiter holds one FIFO semaphore per class.
type Limiter struct {
	slots map[Class]*slot
}

// New builds a Limiter. Template and File always exist; a missing or
// non-positive bound falls back to 1 for explicit entries and to the
// package defaults otherwise.
func New(limits map[Class]int) *Limiter {
	merged := map[Class]int{Template: DefaultTemplateLimit, File: DefaultFileLimit}
	for c, n := range limits {
		if n <= 0 {
			n = 1
		}
		merged[c] = n
	}

	l := &Limiter{slots: make(map[Class]*slot, len(merged))}
	for c, n := range merged {
		l.slots[c] = &slot{limit: n, sem: semaphore.NewWeighted(int64(n))}
	}
	return l
}

// Acquire blocks until a slot of class c is free. The returned release
// must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, c Class) (release func(), err error) {
	s, ok := l.slots[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, c)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("limiter: acquire %s: %w", c, err)
	}

	n := s.inflight.Add(1)
	s.total.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.inflight.Add(-1)
			s.sem.Release(1)
		})
	}, nil
}

// Limit returns the bound of class c, or 0 if unknown.
func (l *Limiter) Limit(c Class) int {
	if s, ok := l.slots[c]; ok {
		return s.limit
	}
	return 0
}

// InFlight returns how many jobs of class c currently hold a slot.
func (l *Limiter) InFlight(c Class) int64 {
	if s, ok := l.slots[c]; ok {
		return s.inflight.Load()
	}
	return 0
}

// Peak returns the highest InFlight ever observed for class c.
func (l *Limiter) Peak(c Class) int64 {
	if s, ok := l.slots[c]; ok {
		return s.peak.Load()
	}
	return 0
}

// Total returns how many jobs of class c have been admitted.
func (l *Limiter) Total(c Class) int64 {
	if s, ok := l.slots[c]; ok {
		return s.total.Load()
	}
	return 0
}
