package metrics

import (
	"sync/atomic"

	"github.com/gateway-fm/inkrunner/pkg/types"
)

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
// Uses a CAS loop so concurrent callers can never drive the value negative.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		newVal := current - delta
		if newVal < 0 {
			newVal = 0
		}
		if atomic.CompareAndSwapInt64(addr, current, newVal) {
			return newVal
		}
	}
}

// Counter is a simple atomic counter with convenience methods.
type Counter struct {
	value int64
}

// Add adds delta to the counter and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() int64 {
	return atomic.AddInt64(&c.value, 1)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset sets the counter to 0.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// SubSaturating subtracts delta, saturating at 0.
func (c *Counter) SubSaturating(delta int64) int64 {
	return AtomicSubSaturating(&c.value, delta)
}

// Tally counts workflow outcomes for the live status view.
type Tally struct {
	Success  Counter
	Failure  Counter
	NoResult Counter
	Active   Counter // accounts currently running
	Finished Counter // accounts done
}

// Record counts one outcome.
func (t *Tally) Record(o types.Outcome) {
	switch o {
	case types.OutcomeSuccess:
		t.Success.Inc()
	case types.OutcomeFailure:
		t.Failure.Inc()
	default:
		t.NoResult.Inc()
	}
}

// AccountStarted marks an account as active.
func (t *Tally) AccountStarted() int64 {
	return t.Active.Inc()
}

// AccountFinished moves an account from active to finished.
func (t *Tally) AccountFinished() int64 {
	t.Finished.Inc()
	return t.Active.SubSaturating(1)
}

// Reset zeroes every counter.
func (t *Tally) Reset() {
	t.Success.Reset()
	t.Failure.Reset()
	t.NoResult.Reset()
	t.Active.Reset()
	t.Finished.Reset()
}

// Fill copies the tally into a run summary.
func (t *Tally) Fill(s *types.RunSummary) {
	s.Success = t.Success.Load()
	s.Failure = t.Failure.Load()
	s.NoResult = t.NoResult.Load()
	s.Finished = int(t.Finished.Load())
}
