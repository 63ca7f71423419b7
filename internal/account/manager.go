package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// ErrNoAccounts is returned when the key file holds no usable keys.
var ErrNoAccounts = errors.New("no private keys loaded")

// BalanceReader reads an address balance. rpc.Client satisfies it.
type BalanceReader interface {
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
}

// Manager owns the loaded wallets and the proxy list they are paired with.
type Manager struct {
	accounts []*Account
	proxies  []string
	logger   *slog.Logger
}

// NewManager builds accounts from hex keys, preserving file order.
// An empty proxy list means every account connects directly.
func NewManager(keys, proxies []string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(keys) == 0 {
		return nil, ErrNoAccounts
	}

	accounts, err := FromHexKeys(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	return &Manager{
		accounts: accounts,
		proxies:  proxies,
		logger:   logger,
	}, nil
}

// Accounts returns the wallets in key-file order.
func (m *Manager) Accounts() []*Account {
	return m.accounts
}

// Proxies returns the loaded proxy lines.
func (m *Manager) Proxies() []string {
	return m.proxies
}

// ProxyFor returns the proxy assigned to the account at index i,
// cycling through the list, or "" when no proxies are configured.
func (m *Manager) ProxyFor(i int) string {
	return ProxyFor(m.proxies, i)
}

// ProxyFor picks proxies[i % len(proxies)].
func ProxyFor(proxies []string, i int) string {
	if len(proxies) == 0 || i < 0 {
		return ""
	}
	return proxies[i%len(proxies)]
}

// Balance is a balance lookup result for one account.
type Balance struct {
	Account *Account
	Wei     *big.Int
	Err     error
}

// Balances fetches every account balance with bounded parallelism.
// Lookup failures are reported per account rather than aborting the batch.
func (m *Manager) Balances(ctx context.Context, client BalanceReader, concurrency int) []Balance {
	if concurrency <= 0 {
		concurrency = 8
	}
	results := make([]Balance, len(m.accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, acc := range m.accounts {
		g.Go(func() error {
			wei, err := client.GetBalance(gctx, acc.Address)
			results[i] = Balance{Account: acc, Wei: wei, Err: err}
			if err != nil {
				acc.Logger(m.logger).Debug("balance check failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ValidateBalances splits accounts into funded (> minBalance) and unfunded
// groups. Accounts whose balance cannot be read count as unfunded.
func (m *Manager) ValidateBalances(ctx context.Context, client BalanceReader, minBalance *big.Int, concurrency int) (funded, unfunded []*Account) {
	for _, b := range m.Balances(ctx, client, concurrency) {
		if b.Err == nil && b.Wei.Cmp(minBalance) > 0 {
			funded = append(funded, b.Account)
		} else {
			unfunded = append(unfunded, b.Account)
		}
	}
	return funded, unfunded
}
