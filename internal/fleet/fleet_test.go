package fleet

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/scheduler"
	"github.com/gateway-fm/inkrunner/internal/workflow"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testAccounts(t *testing.T, n int) []*account.Account {
	t.Helper()
	accts, err := account.FromHexKeys(account.TestPrivateKeys[:n])
	if err != nil {
		t.Fatal(err)
	}
	return accts
}

type okBridger struct {
	fail bool
}

func (b okBridger) BridgeWithPolicy(_ context.Context, _ workflow.BridgePolicy, _ workflow.BalanceReader) types.ActionResult {
	if b.fail {
		return types.ActionResult{Kind: types.ActionBridge, Outcome: types.OutcomeFailure, Detail: "rpc down"}
	}
	return types.ActionResult{Kind: types.ActionBridge, Outcome: types.OutcomeSuccess}
}

func TestThreeAccountsAllSucceed(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	accts := testAccounts(t, 3)

	o := New(Config{Accounts: accts, Delay: jitter.Fixed(0), Logger: logger})
	var started atomic.Int32
	results := o.Run(context.Background(), func(ctx context.Context, acct *account.Account) *types.AccountRunResult {
		started.Add(1)
		s := scheduler.New(scheduler.Config{Account: acct, Bridger: okBridger{}, Logger: logger})
		return s.Run(ctx, types.OpBridge, 0)
	})

	if got := started.Load(); got != 3 {
		t.Errorf("started %d tasks, want 3", got)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r == nil || r.Index != i {
			t.Fatalf("results[%d] = %+v", i, r)
		}
		if r.Count(types.OutcomeSuccess) != 1 {
			t.Errorf("account %d success = %d, want 1", i, r.Count(types.OutcomeSuccess))
		}
	}

	out := logs.String()
	if got := strings.Count(out, "Bridge completed successfully."); got != 3 {
		t.Errorf("success markers = %d, want 3\n%s", got, out)
	}
	if !strings.Contains(out, "Finished.") {
		t.Error("missing completion marker")
	}
}

func TestOneAccountFailureIsIsolated(t *testing.T) {
	accts := testAccounts(t, 3)
	o := New(Config{Accounts: accts, Delay: jitter.Fixed(0)})

	results := o.Run(context.Background(), func(ctx context.Context, acct *account.Account) *types.AccountRunResult {
		s := scheduler.New(scheduler.Config{Account: acct, Bridger: okBridger{fail: acct.Index == 1}})
		return s.Run(ctx, types.OpBridge, 0)
	})

	for i, r := range results {
		want := types.OutcomeSuccess
		if i == 1 {
			want = types.OutcomeFailure
		}
		if len(r.Actions) != 1 || r.Actions[0].Outcome != want {
			t.Errorf("account %d actions = %+v, want one %s", i, r.Actions, want)
		}
	}
}

func TestPanicIsCapturedPerAccount(t *testing.T) {
	accts := testAccounts(t, 3)
	var finished atomic.Int32
	o := New(Config{
		Accounts: accts,
		Delay:    jitter.Fixed(0),
		OnFinish: func(*types.AccountRunResult) { finished.Add(1) },
	})

	results := o.Run(context.Background(), func(_ context.Context, acct *account.Account) *types.AccountRunResult {
		if acct.Index == 0 {
			panic("connection reset")
		}
		r := &types.AccountRunResult{Index: acct.Index}
		r.Add(types.ActionResult{Kind: types.ActionMint, Outcome: types.OutcomeSuccess})
		return r
	})

	if results[0].Err == "" {
		t.Error("panicking account should carry an error")
	}
	for _, r := range results[1:] {
		if r.Err != "" || r.Count(types.OutcomeSuccess) != 1 {
			t.Errorf("sibling account affected: %+v", r)
		}
	}
	if finished.Load() != 3 {
		t.Errorf("OnFinish called %d times, want 3", finished.Load())
	}
}

func TestOffsetsAreCumulative(t *testing.T) {
	o := New(Config{Accounts: testAccounts(t, 3), Delay: jitter.Fixed(10)})
	got := o.Offsets()
	want := []time.Duration{0, 10 * time.Second, 20 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Offsets()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMaxConcurrent(t *testing.T) {
	o := New(Config{Accounts: testAccounts(t, 5), Delay: jitter.Fixed(0), MaxConcurrent: 2})

	var active, peak atomic.Int32
	o.Run(context.Background(), func(_ context.Context, acct *account.Account) *types.AccountRunResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New(Config{Accounts: testAccounts(t, 2), Delay: jitter.Fixed(1)})

	var ran atomic.Int32
	results := o.Run(ctx, func(context.Context, *account.Account) *types.AccountRunResult {
		ran.Add(1)
		return nil
	})

	// The first account has no offset and still runs.
	if ran.Load() != 1 {
		t.Errorf("ran %d tasks, want 1", ran.Load())
	}
	if results[1].Err == "" {
		t.Error("unstarted account should report why")
	}
}
