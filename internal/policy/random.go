// Package policy holds the probabilistic scheduling decisions: who speaks
// next, how long to wait, and when a thread is over.
package policy

import (
	"math/rand"
	"sync"
	"time"
)

// Source is a uniform random source in [0, 1).
type Source interface {
	Float64() float64
}

// LockedSource is a math/rand source safe for concurrent use.
type LockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSource returns a LockedSource seeded with seed. A zero seed uses the current time.
func NewSource(seed int64) *LockedSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &LockedSource{rnd: rand.New(rand.NewSource(seed))}
}

// Float64 returns the next draw.
func (s *LockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// Scripted replays a fixed sequence of draws, cycling when exhausted.
// It lets tests pin every random branch.
type Scripted struct {
	mu    sync.Mutex
	draws []float64
	next  int
}

// NewScripted returns a Scripted source over draws. With no draws it always returns 0.
func NewScripted(draws ...float64) *Scripted {
	return &Scripted{draws: draws}
}

// Float64 returns the next scripted draw.
func (s *Scripted) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.draws) == 0 {
		return 0
	}
	v := s.draws[s.next%len(s.draws)]
	s.next++
	return v
}

// uniform returns a duration uniformly distributed in [min, max].
func uniform(src Source, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(src.Float64()*float64(max-min))
}

// Pick returns an index in [0, n) drawn from src. n must be positive.
func Pick(src Source, n int) int {
	i := int(src.Float64() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}

// Shuffle permutes n elements in place with a Fisher-Yates shuffle over src.
func Shuffle(src Source, n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, Pick(src, i+1))
	}
}
