// Package txbuilder assembles, prices and signs outgoing transactions.
package txbuilder

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultGasMultiplier is the safety margin applied to gas estimates.
const DefaultGasMultiplier = 1.1

// ErrMissingGas is returned when signing an intent without a gas limit.
var ErrMissingGas = errors.New("gas limit not set")

// Intent is the full parameter set of one outgoing transaction.
// A nil To means contract creation.
type Intent struct {
	From     common.Address
	To       *common.Address
	Data     []byte
	Value    *big.Int
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	ChainID  *big.Int
}

// CallMsg returns the estimation view of the intent (no gas limit).
func (in *Intent) CallMsg() ethereum.CallMsg {
	return ethereum.CallMsg{
		From:     in.From,
		To:       in.To,
		GasPrice: in.GasPrice,
		Value:    in.Value,
		Data:     in.Data,
	}
}

// IsCreate reports whether the intent deploys a contract.
func (in *Intent) IsCreate() bool {
	return in.To == nil
}

// Clone returns a deep copy so retries never alias the original params.
func (in *Intent) Clone() *Intent {
	cp := *in
	if in.To != nil {
		to := *in.To
		cp.To = &to
	}
	if in.Data != nil {
		cp.Data = append([]byte(nil), in.Data...)
	}
	if in.Value != nil {
		cp.Value = new(big.Int).Set(in.Value)
	}
	if in.GasPrice != nil {
		cp.GasPrice = new(big.Int).Set(in.GasPrice)
	}
	if in.ChainID != nil {
		cp.ChainID = new(big.Int).Set(in.ChainID)
	}
	return &cp
}

// Tx builds the unsigned transaction.
func (in *Intent) Tx() *types.Transaction {
	return NewLegacyTx(in.Nonce, in.To, in.Value, in.Gas, in.GasPrice, in.Data)
}

// ApplyGasMargin scales an estimate by multiplier and rounds down.
// The multiplier is applied in basis points so 1.1 never drifts to 1.0999.
func ApplyGasMargin(estimate uint64, multiplier float64) uint64 {
	if multiplier <= 0 {
		multiplier = DefaultGasMultiplier
	}
	bps := uint64(math.Round(multiplier * 10000))
	scaled := new(big.Int).Mul(new(big.Int).SetUint64(estimate), new(big.Int).SetUint64(bps))
	scaled.Quo(scaled, big.NewInt(10000))
	if !scaled.IsUint64() {
		return math.MaxUint64
	}
	return scaled.Uint64()
}

// Sign signs the intent with an EIP-155 signer for its chain and returns the
// signed transaction and its wire encoding.
func Sign(in *Intent, key *ecdsa.PrivateKey) (*types.Transaction, []byte, error) {
	if in.Gas == 0 {
		return nil, nil, ErrMissingGas
	}
	if in.ChainID == nil {
		return nil, nil, errors.New("chain id not set")
	}
	signer := types.LatestSignerForChainID(in.ChainID)
	signed, err := types.SignTx(in.Tx(), signer, key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal: %w", err)
	}
	return signed, raw, nil
}
