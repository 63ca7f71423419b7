package txbuilder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var testRecipient = common.HexToAddress("0x1234567890123456789012345678901234567890")

func TestApplyGasMargin(t *testing.T) {
	tests := []struct {
		name       string
		estimate   uint64
		multiplier float64
		want       uint64
	}{
		{"transfer", 21000, 1.1, 23100},
		{"rounds down", 21001, 1.1, 23101}, // 23101.1
		{"odd estimate", 47, 1.1, 51},      // 51.7
		{"unit multiplier", 100000, 1.0, 100000},
		{"zero multiplier uses default", 100, 0, 110},
		{"zero estimate", 0, 1.1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApplyGasMargin(tt.estimate, tt.multiplier); got != tt.want {
				t.Errorf("ApplyGasMargin(%d, %v) = %d, want %d", tt.estimate, tt.multiplier, got, tt.want)
			}
		})
	}
}

func TestIntentClone(t *testing.T) {
	to := testRecipient
	in := &Intent{
		To:       &to,
		Data:     []byte{1, 2, 3},
		Value:    big.NewInt(5),
		GasPrice: big.NewInt(7),
		ChainID:  big.NewInt(763373),
		Nonce:    4,
	}
	cp := in.Clone()
	cp.Data[0] = 9
	cp.Value.SetInt64(99)
	cp.To[0] = 0xff
	cp.Nonce++

	if in.Data[0] != 1 || in.Value.Int64() != 5 || in.To[0] == 0xff || in.Nonce != 4 {
		t.Error("Clone() result aliases the original intent")
	}
}

func TestIntentCallMsg(t *testing.T) {
	in := &Intent{From: testRecipient, Value: big.NewInt(1), Data: []byte{0xaa}}
	msg := in.CallMsg()
	if msg.To != nil {
		t.Error("create intent should estimate with nil To")
	}
	if msg.Gas != 0 {
		t.Errorf("estimation Gas = %d, want 0", msg.Gas)
	}
	if !in.IsCreate() {
		t.Error("IsCreate() = false, want true")
	}
}

func TestSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := testRecipient
	in := &Intent{
		From:     from,
		To:       &to,
		Value:    big.NewInt(1000),
		Nonce:    3,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      21000,
		ChainID:  big.NewInt(763373),
	}

	signed, raw, err := Sign(in, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.Type() != types.LegacyTxType {
		t.Errorf("Type() = %d, want legacy", signed.Type())
	}
	if signed.Nonce() != 3 || signed.Gas() != 21000 {
		t.Errorf("nonce/gas = %d/%d, want 3/21000", signed.Nonce(), signed.Gas())
	}
	if crypto.Keccak256Hash(raw) != signed.Hash() {
		t.Error("raw encoding does not hash to the transaction hash")
	}

	sender, err := types.Sender(types.LatestSignerForChainID(in.ChainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if sender != from {
		t.Errorf("recovered sender = %s, want %s", sender, from)
	}
	if signed.ChainId().Int64() != 763373 {
		t.Errorf("ChainId() = %v, want 763373", signed.ChainId())
	}
}

func TestSignRequiresGas(t *testing.T) {
	key, _ := crypto.GenerateKey()
	_, _, err := Sign(&Intent{ChainID: big.NewInt(1)}, key)
	if err != ErrMissingGas {
		t.Errorf("Sign without gas error = %v, want ErrMissingGas", err)
	}
}
