package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NewLegacyTx creates a gas-price transaction. A nil to deploys a contract.
// Testnet RPCs on both chains quote a single gas price, so fee-market fields
// are not used.
func NewLegacyTx(nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) *types.Transaction {
	if value == nil {
		value = new(big.Int)
	}
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	})
}
