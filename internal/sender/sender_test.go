package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// mockClient implements Broadcaster for testing.
type mockClient struct {
	delay     time.Duration
	sendCount int32 // atomic
	shouldErr bool
}

var _ Broadcaster = (*mockClient)(nil)

func (m *mockClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	atomic.AddInt32(&m.sendCount, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.shouldErr {
		return common.Hash{}, errors.New("mock send failed")
	}
	return crypto.Keccak256Hash(raw), nil
}

func TestSenderBasic(t *testing.T) {
	client := &mockClient{}
	s := New(Config{Client: client, Concurrency: 10})

	hash, err := s.Send(context.Background(), []byte("tx"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != crypto.Keccak256Hash([]byte("tx")) {
		t.Errorf("hash = %s, want keccak(tx)", hash)
	}
	if got := atomic.LoadInt32(&client.sendCount); got != 1 {
		t.Errorf("sendCount = %d, want 1", got)
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight() after send = %d, want 0", got)
	}
}

func TestSenderPropagatesError(t *testing.T) {
	s := New(Config{Client: &mockClient{shouldErr: true}, Concurrency: 1})
	if _, err := s.Send(context.Background(), []byte("tx")); err == nil {
		t.Error("expected error from failing client")
	}
	if got := s.Available(); got != 1 {
		t.Errorf("Available() after failed send = %d, want 1", got)
	}
}

func TestSenderAtCapacity(t *testing.T) {
	client := &mockClient{delay: 100 * time.Millisecond}
	s := New(Config{Client: client, Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Send(context.Background(), []byte("tx"))
		}()
	}

	// Wait for both sends to hold their slots
	time.Sleep(20 * time.Millisecond)

	if _, err := s.TrySend(context.Background(), []byte("tx")); err != ErrAtCapacity {
		t.Errorf("TrySend error = %v, want ErrAtCapacity", err)
	}

	wg.Wait()

	if _, err := s.TrySend(context.Background(), []byte("tx")); err != nil {
		t.Errorf("TrySend after drain error = %v, want nil", err)
	}
}

func TestSendHonoursContextWhileWaiting(t *testing.T) {
	s := New(Config{Client: &mockClient{delay: 200 * time.Millisecond}, Concurrency: 1})

	go func() { _, _ = s.Send(context.Background(), []byte("slow")) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Send(ctx, []byte("tx")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send error = %v, want deadline exceeded", err)
	}
}

func TestWithClientSharesSlots(t *testing.T) {
	base := New(Config{Concurrency: 1})
	slow := base.WithClient(&mockClient{delay: 100 * time.Millisecond})
	other := &mockClient{}
	fast := base.WithClient(other)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = slow.Send(context.Background(), []byte("a"))
	}()
	time.Sleep(20 * time.Millisecond)

	if got := base.InFlight(); got != 1 {
		t.Errorf("base InFlight() = %d, want 1", got)
	}
	if _, err := fast.TrySend(context.Background(), []byte("b")); err != ErrAtCapacity {
		t.Errorf("TrySend on sibling view = %v, want ErrAtCapacity", err)
	}
	if atomic.LoadInt32(&other.sendCount) != 0 {
		t.Error("sibling client was called while at capacity")
	}
	<-done
}

func TestSenderCapacityMetrics(t *testing.T) {
	s := New(Config{Client: &mockClient{delay: 50 * time.Millisecond}, Concurrency: 5})

	if got := s.Capacity(); got != 5 {
		t.Errorf("Capacity() = %d, want 5", got)
	}
	if got := s.Available(); got != 5 {
		t.Errorf("Available() = %d, want 5", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Send(context.Background(), []byte("tx"))
		}()
	}
	time.Sleep(10 * time.Millisecond)

	if got := s.InFlight(); got != 3 {
		t.Errorf("InFlight() = %d, want 3", got)
	}
	if got := s.Available(); got != 2 {
		t.Errorf("Available() = %d, want 2", got)
	}

	wg.Wait()
}

func TestNewDefaultConcurrency(t *testing.T) {
	if got := New(Config{}).Capacity(); got != 16 {
		t.Errorf("default Capacity() = %d, want 16", got)
	}
}
