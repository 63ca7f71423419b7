package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/contract"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// RegisterDomain registers name.ink for the account with a random expiry.
// The payment is the per-unit price times the expiry.
func (a *Actions) RegisterDomain(ctx context.Context, name string) (res types.ActionResult) {
	defer a.guard(types.ActionRegisterDomain, &res)

	a.logger.Info(fmt.Sprintf("Attempting to register domain name %q...", name+".ink"))
	if !ValidDomainName(name) {
		a.logger.Error("Domain name should be text", slog.String("domain", name))
		return a.skip(types.ActionRegisterDomain, types.OutcomeNoResult, ErrInvalidDomain)
	}

	registry, err := contract.BindBuiltin(a.domainRegistry, contract.NameDomainRegistry)
	if err != nil {
		return a.skip(types.ActionRegisterDomain, types.OutcomeNoResult, err)
	}

	expiry := a.expiry.Pick(a.rand)
	value := DomainValue(a.domainPrice, expiry)

	sub := a.submitter.SubmitMethod(ctx, registry, "registerDomains", value,
		[]common.Address{a.Account().Address},
		[]string{name},
		[]*big.Int{big.NewInt(int64(expiry))},
		common.Address{},
		big.NewInt(0),
	)
	return a.settle(ctx, types.ActionResult{
		Kind:            types.ActionRegisterDomain,
		ContractAddress: a.domainRegistry.Hex(),
	}, sub)
}

// DomainValue is price × expiry in wei.
func DomainValue(price *big.Int, expiry int) *big.Int {
	return new(big.Int).Mul(price, big.NewInt(int64(expiry)))
}

// ValidDomainName reports whether name is usable as a label: non-empty,
// without whitespace or control characters and without the .ink suffix.
func ValidDomainName(name string) bool {
	if name == "" || strings.HasSuffix(strings.ToLower(name), ".ink") {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
