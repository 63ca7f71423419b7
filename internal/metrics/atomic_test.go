package metrics

import (
	"sync"
	"testing"

	"github.com/gateway-fm/inkrunner/pkg/types"
)

func TestAtomicSubSaturating(t *testing.T) {
	testCases := []struct {
		name     string
		initial  int64
		delta    int64
		expected int64
	}{
		{"normal subtraction", 100, 50, 50},
		{"exact to zero", 100, 100, 0},
		{"saturating at zero", 100, 150, 0},
		{"zero minus value", 0, 50, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var value int64 = tc.initial
			result := AtomicSubSaturating(&value, tc.delta)

			if result != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, result)
			}
			if value != tc.expected {
				t.Errorf("value expected %d, got %d", tc.expected, value)
			}
		})
	}
}

func TestAtomicSubSaturating_Concurrent(t *testing.T) {
	var value int64 = 1000

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			AtomicSubSaturating(&value, 20)
		}()
	}
	wg.Wait()

	if value != 0 {
		t.Errorf("expected 0 after oversubtraction, got %d", value)
	}
}

func TestCounter(t *testing.T) {
	var c Counter

	if got := c.Inc(); got != 1 {
		t.Errorf("Inc() = %d, want 1", got)
	}
	if got := c.Add(4); got != 5 {
		t.Errorf("Add(4) = %d, want 5", got)
	}
	if got := c.SubSaturating(10); got != 0 {
		t.Errorf("SubSaturating(10) = %d, want 0", got)
	}
	c.Add(3)
	c.Reset()
	if got := c.Load(); got != 0 {
		t.Errorf("after Reset, Load() = %d, want 0", got)
	}
}

func TestTally(t *testing.T) {
	var tally Tally

	tally.AccountStarted()
	tally.AccountStarted()
	tally.Record(types.OutcomeSuccess)
	tally.Record(types.OutcomeSuccess)
	tally.Record(types.OutcomeFailure)
	tally.Record(types.OutcomeNoResult)
	if active := tally.AccountFinished(); active != 1 {
		t.Errorf("AccountFinished() active = %d, want 1", active)
	}

	var s types.RunSummary
	tally.Fill(&s)
	if s.Success != 2 || s.Failure != 1 || s.NoResult != 1 || s.Finished != 1 {
		t.Errorf("summary = %+v, want 2/1/1 finished 1", s)
	}

	tally.Reset()
	tally.Fill(&s)
	if s.Success != 0 || s.Finished != 0 {
		t.Errorf("after Reset summary = %+v, want zeros", s)
	}
}
