package network

import (
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name     string
		expected *Network
	}{
		{EthereumSepolia, SepoliaNetwork()},
		{InkSepolia, InkSepoliaNetwork()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := r.Get(tt.name)
			if n == nil {
				t.Fatalf("expected %s to be registered, got nil", tt.name)
			}
			if n.ChainID != tt.expected.ChainID {
				t.Errorf("ChainID mismatch: got %d, want %d", n.ChainID, tt.expected.ChainID)
			}
			if n.RPC != tt.expected.RPC {
				t.Errorf("RPC mismatch: got %s, want %s", n.RPC, tt.expected.RPC)
			}
		})
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := DefaultRegistry()
	if n := r.Get("mainnet"); n != nil {
		t.Errorf("expected nil for unknown network, got %+v", n)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	names := DefaultRegistry().Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
	if names[0] != EthereumSepolia || names[1] != InkSepolia {
		t.Errorf("Names() = %v, want [%s %s]", names, EthereumSepolia, InkSepolia)
	}
}

func TestTxURL(t *testing.T) {
	n := InkSepoliaNetwork()
	got := n.TxURL("0xabc")
	want := "https://explorer-sepolia.inkonchain.com/tx/0xabc"
	if got != want {
		t.Errorf("TxURL() = %s, want %s", got, want)
	}

	var nilNet *Network
	if got := nilNet.TxURL("0xabc"); got != "0xabc" {
		t.Errorf("nil TxURL() = %s, want 0xabc", got)
	}
}

func TestWithRPC(t *testing.T) {
	base := SepoliaNetwork()
	custom := base.WithRPC("http://localhost:8545")
	if custom.RPC != "http://localhost:8545" {
		t.Errorf("RPC = %s, want http://localhost:8545", custom.RPC)
	}
	if base.RPC == custom.RPC {
		t.Error("WithRPC must not modify the receiver")
	}
	if same := base.WithRPC(""); same.RPC != base.RPC {
		t.Errorf("empty override changed RPC to %s", same.RPC)
	}
}
