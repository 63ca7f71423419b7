// Package contract holds the contract interfaces the runner talks to and
// deploys the collectible and token contracts.
package contract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Well-known Ink Sepolia addresses.
var (
	// BridgeAddress receives the Sepolia deposits bridged to Ink Sepolia.
	BridgeAddress = common.HexToAddress("0x33f60714BbD74d62b66D79213C348614DE51901C")
	// DomainRegistryAddress is the .ink name registry.
	DomainRegistryAddress = common.HexToAddress("0xf180136DdC9e4F8c9b5A9FE59e2b1f07265C5D4D")
)

// ERC20ABI covers the token constructor and the interaction methods.
const ERC20ABI = `[
  {"type":"constructor","inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"burn","inputs":[{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"pause","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

// ERC721ABI covers the collectible constructor and its mint method.
const ERC721ABI = `[
  {"type":"constructor","inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"createCollectible","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable"}
]`

// DomainRegistryABI covers batch registration of .ink names.
const DomainRegistryABI = `[
  {"type":"function","name":"registerDomains","inputs":[
    {"name":"owners","type":"address[]"},
    {"name":"domainNames","type":"string[]"},
    {"name":"expiries","type":"uint256[]"},
    {"name":"referral","type":"address"},
    {"name":"credits","type":"uint256"}
  ],"outputs":[],"stateMutability":"payable"}
]`

var (
	parseOnce sync.Once
	parsed    map[string]abi.ABI
	parseErr  error
)

// Built-in ABI names.
const (
	NameERC20          = "ERC20"
	NameERC721         = "ERC721"
	NameDomainRegistry = "DomainRegistry"
)

// BuiltinABI returns a parsed built-in ABI by name.
func BuiltinABI(name string) (abi.ABI, error) {
	parseOnce.Do(func() {
		parsed = make(map[string]abi.ABI)
		for n, src := range map[string]string{
			NameERC20:          ERC20ABI,
			NameERC721:         ERC721ABI,
			NameDomainRegistry: DomainRegistryABI,
		} {
			a, err := abi.JSON(strings.NewReader(src))
			if err != nil {
				parseErr = fmt.Errorf("parse %s abi: %w", n, err)
				return
			}
			parsed[n] = a
		}
	})
	if parseErr != nil {
		return abi.ABI{}, parseErr
	}
	a, ok := parsed[name]
	if !ok {
		return abi.ABI{}, fmt.Errorf("unknown built-in abi %q", name)
	}
	return a, nil
}

// Bound is an ABI attached to a deployed address.
type Bound struct {
	address common.Address
	abi     abi.ABI
}

// Bind attaches an ABI to an address.
func Bind(address common.Address, a abi.ABI) *Bound {
	return &Bound{address: address, abi: a}
}

// BindBuiltin attaches a built-in ABI to an address.
func BindBuiltin(address common.Address, name string) (*Bound, error) {
	a, err := BuiltinABI(name)
	if err != nil {
		return nil, err
	}
	return Bind(address, a), nil
}

// Address returns the contract address.
func (b *Bound) Address() common.Address {
	return b.address
}

// Pack encodes a method call.
func (b *Bound) Pack(method string, args ...interface{}) ([]byte, error) {
	return b.abi.Pack(method, args...)
}
