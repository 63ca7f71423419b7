// Package sender gates transaction broadcasts behind a shared semaphore so a
// large fleet does not burst the public RPC endpoints.
package sender

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAtCapacity is returned when the sender cannot accept more transactions.
var ErrAtCapacity = errors.New("sender at capacity")

// Broadcaster submits signed transactions. rpc.Client satisfies it.
type Broadcaster interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// Sender broadcasts transactions with semaphore-based backpressure.
// Views created by WithClient share the same slots.
type Sender struct {
	client    Broadcaster
	semaphore chan struct{}
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Client      Broadcaster
	Concurrency int // Max concurrent broadcasts (default: 16)
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		client:    cfg.Client,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// WithClient returns a Sender that broadcasts through client while sharing
// this sender's slots. Each account gets its own view over its own proxy.
func (s *Sender) WithClient(client Broadcaster) *Sender {
	return &Sender{
		client:    client,
		semaphore: s.semaphore,
		logger:    s.logger,
	}
}

// Send waits for a free slot and broadcasts raw.
func (s *Sender) Send(ctx context.Context, raw []byte) (common.Hash, error) {
	select {
	case s.semaphore <- struct{}{}:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
	defer func() { <-s.semaphore }()

	return s.client.SendRawTransaction(ctx, raw)
}

// TrySend broadcasts raw only if a slot is free right now.
// Returns ErrAtCapacity otherwise.
func (s *Sender) TrySend(ctx context.Context, raw []byte) (common.Hash, error) {
	select {
	case s.semaphore <- struct{}{}:
	default:
		s.logger.Debug("broadcast rejected, sender at capacity", slog.Int("capacity", cap(s.semaphore)))
		return common.Hash{}, ErrAtCapacity
	}
	defer func() { <-s.semaphore }()

	return s.client.SendRawTransaction(ctx, raw)
}

// Available returns the number of available send slots.
func (s *Sender) Available() int {
	return cap(s.semaphore) - len(s.semaphore)
}

// Capacity returns the total send capacity.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of broadcasts currently in progress.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}
