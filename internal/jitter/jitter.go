// Package jitter provides the randomness used to make account activity look
// organic: inclusive integer ranges, randomized delays and a swappable source.
package jitter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Source is the random number source used across the runner.
// Tests substitute a seeded source for deterministic draws.
type Source interface {
	IntN(n int) int
	Float64() float64
}

// Rand provides thread-safe random number generation using math/rand/v2.
// The zero value draws from the automatically seeded global generator.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a Rand backed by the global math/rand/v2 generator.
func NewRand() *Rand {
	return &Rand{}
}

// NewSeeded returns a deterministic Rand.
func NewSeeded(seed uint64) *Rand {
	return &Rand{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// IntN returns a random int in [0, n).
func (r *Rand) IntN(n int) int {
	if r.rng == nil {
		return rand.IntN(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// Float64 returns a random float64 in [0, 1).
func (r *Rand) Float64() float64 {
	if r.rng == nil {
		return rand.Float64()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Range is an inclusive integer range such as DELAY_BETWEEN_TX = (5, 12).
type Range struct {
	Min int
	Max int
}

// Fixed returns a range that always picks n.
func Fixed(n int) Range { return Range{Min: n, Max: n} }

// Pick draws uniformly from [Min, Max]. An inverted range picks Min.
func (r Range) Pick(src Source) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + src.IntN(r.Max-r.Min+1)
}

// Seconds draws a delay in whole seconds.
func (r Range) Seconds(src Source) time.Duration {
	return time.Duration(r.Pick(src)) * time.Second
}

// Validate reports an error for negative or inverted ranges.
func (r Range) Validate() error {
	if r.Min < 0 {
		return fmt.Errorf("range minimum must be >= 0, got %d", r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("range maximum %d is below minimum %d", r.Max, r.Min)
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("%d,%d", r.Min, r.Max)
}

// ParseRange parses "min,max" (a single number is a fixed range).
// Surrounding brackets or parentheses are tolerated: "(5, 12)".
func ParseRange(s string) (Range, error) {
	s = strings.Trim(strings.TrimSpace(s), "()[]")
	parts := strings.Split(s, ",")
	switch len(parts) {
	case 1:
		n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
		return Fixed(n), nil
	case 2:
		lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return Range{}, fmt.Errorf("invalid range minimum %q: %w", parts[0], err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return Range{}, fmt.Errorf("invalid range maximum %q: %w", parts[1], err)
		}
		return Range{Min: lo, Max: hi}, nil
	default:
		return Range{}, fmt.Errorf("invalid range %q: want \"min,max\"", s)
	}
}

// UnmarshalYAML accepts `[5, 12]`, `"5,12"` or a bare integer.
func (r *Range) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var pair []int
	if err := unmarshal(&pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("range list must have 2 elements, got %d", len(pair))
		}
		*r = Range{Min: pair[0], Max: pair[1]}
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRange(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
