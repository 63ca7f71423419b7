// Package account manages the wallets a run drives and their nonces.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource reads the pending nonce of an address from the chain.
// rpc.Client satisfies it.
type NonceSource interface {
	GetNonce(ctx context.Context, address common.Address) (uint64, error)
}

// Account holds a wallet's key, its position in the key file and nonce state.
type Account struct {
	Index      int // 0-based position in the key file
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address

	mu    sync.Mutex
	nonce uint64 // next nonce this process would use
}

// NewAccount creates an account from a private key.
func NewAccount(index int, privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		Index:      index,
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// A leading 0x is accepted.
func NewAccountFromHex(index int, hexKey string) (*Account, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("account %d: invalid private key: %w", index+1, err)
	}
	return NewAccount(index, privateKey), nil
}

// Label returns the 1-based name used in logs, e.g. "Account 3".
func (a *Account) Label() string {
	return fmt.Sprintf("Account %d", a.Index+1)
}

// Logger returns a logger tagged with the account number and address.
func (a *Account) Logger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.Int("account", a.Index+1),
		slog.String("address", a.Address.Hex()),
	)
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Bump moves the reservation to the next nonce and returns it.
// Used when the node reports the current value as already taken.
func (n *Nonce) Bump() uint64 {
	a := n.account
	a.mu.Lock()
	defer a.mu.Unlock()
	n.value++
	if a.nonce < n.value+1 {
		a.nonce = n.value + 1
	}
	return n.value
}

// Commit marks the nonce as successfully used.
// Safe to call multiple times (idempotent).
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce to the account if not committed.
// Safe to call multiple times (idempotent).
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce fetches the pending nonce from the chain while holding the
// account lock and reserves max(chain, local). Concurrent reservations on the
// same account never observe the same value.
//
//	n, err := acc.ReserveNonce(ctx, client)
//	if err != nil {
//	    return err
//	}
//	defer n.Rollback()
//	...
//	n.Commit()
func (a *Account) ReserveNonce(ctx context.Context, src NonceSource) (*Nonce, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chain, err := src.GetNonce(ctx, a.Address)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	value := max(chain, a.nonce)
	a.nonce = value + 1

	return &Nonce{
		value:   value,
		account: a,
	}, nil
}

// rollback decrements nonce if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Out-of-order rollbacks must not rewind past a newer reservation.
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// Resync fetches the pending nonce from the chain and raises local state to it.
// Local state never moves backwards.
func (a *Account) Resync(ctx context.Context, src NonceSource) error {
	nonce, err := src.GetNonce(ctx, a.Address)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if nonce > a.nonce {
		a.nonce = nonce
	}
	a.mu.Unlock()
	return nil
}

// SetNonce sets the nonce value directly.
func (a *Account) SetNonce(nonce uint64) {
	a.mu.Lock()
	a.nonce = nonce
	a.mu.Unlock()
}

// PeekNonce returns the next local nonce without reserving it.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// Well-known test private keys (from Anvil/Hardhat default accounts).
// Only used by tests and local devnets.
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
}

// LoadTestAccounts loads the standard test accounts.
func LoadTestAccounts() ([]*Account, error) {
	return FromHexKeys(TestPrivateKeys)
}

// FromHexKeys builds accounts in key order.
func FromHexKeys(keys []string) ([]*Account, error) {
	accounts := make([]*Account, 0, len(keys))
	for i, hexKey := range keys {
		acc, err := NewAccountFromHex(i, hexKey)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
