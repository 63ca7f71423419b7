// Package network describes the chains the runner talks to.
package network

import (
	"sort"
	"strings"
	"sync"
)

// Built-in network names.
const (
	EthereumSepolia = "ethereum_sepolia"
	InkSepolia      = "ink_sepolia"
)

// Network is a chain endpoint plus the metadata needed to log transactions.
type Network struct {
	Name     string
	RPC      string
	Explorer string // transaction URL prefix, ends with "/"
	ChainID  int64
	Symbol   string
}

// TxURL returns the explorer link for a transaction hash.
func (n *Network) TxURL(hash string) string {
	if n == nil || n.Explorer == "" {
		return hash
	}
	return n.Explorer + strings.TrimPrefix(hash, "/")
}

// WithRPC returns a copy of the network pointing at a different RPC endpoint.
func (n *Network) WithRPC(url string) *Network {
	cp := *n
	if url != "" {
		cp.RPC = url
	}
	return &cp
}

// Registry holds registered network definitions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Network
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Network),
	}
}

// Register adds or updates a network definition.
func (r *Registry) Register(n *Network) {
	if n == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[n.Name] = n
}

// Get retrieves a network by name. Returns nil if not found.
func (r *Registry) Get(name string) *Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered network names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in testnets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SepoliaNetwork())
	r.Register(InkSepoliaNetwork())
	return r
}

// SepoliaNetwork is the Ethereum Sepolia testnet, the bridge source chain.
func SepoliaNetwork() *Network {
	return &Network{
		Name:     EthereumSepolia,
		RPC:      "https://ethereum-sepolia-rpc.publicnode.com",
		Explorer: "https://sepolia.etherscan.io/tx/",
		ChainID:  11155111,
		Symbol:   "ETH",
	}
}

// InkSepoliaNetwork is the Ink Sepolia testnet where contracts are deployed.
func InkSepoliaNetwork() *Network {
	return &Network{
		Name:     InkSepolia,
		RPC:      "https://rpc-gel-sepolia.inkonchain.com",
		Explorer: "https://explorer-sepolia.inkonchain.com/tx/",
		ChainID:  763373,
		Symbol:   "ETH",
	}
}
