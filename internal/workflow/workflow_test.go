package workflow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/contract"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/pipeline"
	"github.com/gateway-fm/inkrunner/internal/rpc"
	"github.com/gateway-fm/inkrunner/internal/verification"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

type call struct {
	method string
	value  *big.Int
	data   []byte
	req    pipeline.Request
}

// fakeSubmitter records submissions and answers with a fixed result.
type fakeSubmitter struct {
	mu    sync.Mutex
	acct  *account.Account
	res   pipeline.Result
	calls []call
	panic bool
}

func (f *fakeSubmitter) Submit(_ context.Context, req pipeline.Request) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	f.calls = append(f.calls, call{value: req.Value, data: req.Data, req: req})
	return f.res
}

func (f *fakeSubmitter) SubmitMethod(_ context.Context, c pipeline.CallEncoder, method string, value *big.Int, args ...interface{}) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	data, err := c.Pack(method, args...)
	if err != nil {
		return pipeline.Result{Kind: types.TxPrepareFailed, Err: err}
	}
	to := c.Address()
	f.calls = append(f.calls, call{method: method, value: value, data: data, req: pipeline.Request{To: &to, Data: data, Value: value}})
	return f.res
}

func (f *fakeSubmitter) Account() *account.Account { return f.acct }

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVerifier struct {
	res   verification.Result
	calls atomic.Int32
}

func (f *fakeVerifier) Await(_ context.Context, _ common.Hash) verification.Result {
	f.calls.Add(1)
	return f.res
}

type fixedBalance struct {
	mu  sync.Mutex
	bal []*big.Int // consumed in order, last value sticks
	err error
}

func (f *fixedBalance) GetBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := f.bal[0]
	if len(f.bal) > 1 {
		f.bal = f.bal[1:]
	}
	return b, nil
}

func balance(wei ...int64) *fixedBalance {
	f := &fixedBalance{}
	for _, w := range wei {
		f.bal = append(f.bal, big.NewInt(w))
	}
	return f
}

var okSubmit = pipeline.Result{Kind: types.TxSubmitted, Hash: common.HexToHash("0xabc"), Nonce: 1}

func confirmed(contractAddr common.Address) verification.Result {
	return verification.Result{
		Verdict: types.VerdictConfirmed,
		Receipt: &rpc.TransactionReceipt{Status: 1, ContractAddress: contractAddr},
	}
}

func newActions(t *testing.T, sub *fakeSubmitter, ver *fakeVerifier, bal BalanceReader, mod func(*Config)) *Actions {
	t.Helper()
	acct, err := account.NewAccountFromHex(0, account.TestPrivateKeys[0])
	if err != nil {
		t.Fatal(err)
	}
	sub.acct = acct
	erc20, _ := contract.BuiltinABI(contract.NameERC20)
	erc721, _ := contract.BuiltinABI(contract.NameERC721)
	cfg := Config{
		Submitter: sub,
		Verifier:  ver,
		Balances:  bal,
		Artifacts: Artifacts{
			ERC20:  &contract.Artifact{Name: contract.NameERC20, ABI: erc20, Bytecode: []byte{0x60, 0x80}},
			ERC721: &contract.Artifact{Name: contract.NameERC721, ABI: erc721, Bytecode: []byte{0x60, 0x80}},
		},
		ArrivalPoll: time.Millisecond,
		Rand:        jitter.NewSeeded(1),
	}
	if mod != nil {
		mod(&cfg)
	}
	return New(cfg)
}

func TestBridgeBalanceGuard(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		value   int64
	}{
		{"balance below value", 100, 200},
		{"balance equal to value", 200, 200},
		{"zero balance", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{res: okSubmit}
			ver := &fakeVerifier{res: confirmed(common.Address{})}
			a := newActions(t, sub, ver, balance(tt.balance), nil)

			res := a.Bridge(context.Background(), big.NewInt(tt.value))
			if res.Outcome != types.OutcomeNoResult {
				t.Errorf("Outcome = %s, want no_result", res.Outcome)
			}
			if sub.count() != 0 {
				t.Errorf("submitted %d transactions, want 0", sub.count())
			}
			if res.Detail != ErrInsufficientBalance.Error() {
				t.Errorf("Detail = %q", res.Detail)
			}
		})
	}
}

func TestBridgeSubmitsToBridgeContract(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: confirmed(common.Address{})}
	a := newActions(t, sub, ver, balance(1000), nil)

	res := a.Bridge(context.Background(), big.NewInt(999))
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success (%s)", res.Outcome, res.Detail)
	}
	if sub.count() != 1 {
		t.Fatalf("submitted %d transactions, want 1", sub.count())
	}
	c := sub.calls[0]
	if c.req.To == nil || *c.req.To != contract.BridgeAddress {
		t.Errorf("To = %v, want %s", c.req.To, contract.BridgeAddress.Hex())
	}
	if c.value.Int64() != 999 {
		t.Errorf("Value = %s, want 999", c.value)
	}
	if res.TxHash != okSubmit.Hash.Hex() {
		t.Errorf("TxHash = %s", res.TxHash)
	}
}

func TestBridgeAmount(t *testing.T) {
	src := jitter.NewSeeded(7)
	bal := big.NewInt(1_234_567_891_000_000_000) // 1.234567891 ETH

	tests := []struct {
		name   string
		policy BridgePolicy
		want   *big.Int
	}{
		{"fixed amount", BridgePolicy{Amount: big.NewInt(42)}, big.NewInt(42)},
		{"ten percent truncated to five decimals", BridgePolicy{Percent: jitter.Fixed(10)}, big.NewInt(123_450_000_000_000_000)},
		{"five percent", BridgePolicy{Percent: jitter.Fixed(5)}, big.NewInt(61_720_000_000_000_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.BridgeAmount(bal, src); got.Cmp(tt.want) != 0 {
				t.Errorf("BridgeAmount() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBridgeWithPolicyMinBalance(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	a := newActions(t, sub, &fakeVerifier{}, balance(100), nil)

	res := a.BridgeWithPolicy(context.Background(), BridgePolicy{MinBalance: big.NewInt(101)}, nil)
	if res.Outcome != types.OutcomeNoResult {
		t.Errorf("Outcome = %s, want no_result", res.Outcome)
	}
	if sub.count() != 0 {
		t.Error("nothing should be submitted below the minimum balance")
	}
}

func TestBridgeWithPolicyWaitsForArrival(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: confirmed(common.Address{})}
	a := newActions(t, sub, ver, balance(1e18), nil)
	dest := balance(5, 5, 5, 10)

	res := a.BridgeWithPolicy(context.Background(), BridgePolicy{Percent: jitter.Fixed(5), Timeout: time.Second}, dest)
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", res.Outcome)
	}
	if got, want := sub.calls[0].value, big.NewInt(5e16); got.Cmp(want) != 0 {
		t.Errorf("bridged %s, want %s", got, want)
	}
	dest.mu.Lock()
	defer dest.mu.Unlock()
	if len(dest.bal) != 1 {
		t.Errorf("destination polled until %d readings left, want 1", len(dest.bal))
	}
}

func TestBridgeArrivalTimeoutKeepsSuccess(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: confirmed(common.Address{})}
	a := newActions(t, sub, ver, balance(1e18), nil)

	res := a.BridgeWithPolicy(context.Background(), BridgePolicy{Percent: jitter.Fixed(5), Timeout: 20 * time.Millisecond}, balance(5))
	if res.Outcome != types.OutcomeSuccess {
		t.Errorf("Outcome = %s, want success", res.Outcome)
	}
}

func TestSettleOutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		sub     pipeline.Result
		verdict types.Verdict
		want    types.Outcome
	}{
		{"confirmed", okSubmit, types.VerdictConfirmed, types.OutcomeSuccess},
		{"reverted", okSubmit, types.VerdictReverted, types.OutcomeFailure},
		{"timed out", okSubmit, types.VerdictTimedOut, types.OutcomeFailure},
		{"lookup error", okSubmit, types.VerdictLookupError, types.OutcomeFailure},
		{"gas estimation failed", pipeline.Result{Kind: types.TxGasEstimationFailed, Err: errors.New("execution reverted")}, "", types.OutcomeNoResult},
		{"prepare failed", pipeline.Result{Kind: types.TxPrepareFailed, Err: errors.New("dial")}, "", types.OutcomeNoResult},
		{"broadcast failed", pipeline.Result{Kind: types.TxBroadcastFailed, Err: errors.New("insufficient funds")}, "", types.OutcomeFailure},
		{"nonce retries exhausted", pipeline.Result{Kind: types.TxNonceRetried, Err: errors.New("nonce too low")}, "", types.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{res: tt.sub}
			ver := &fakeVerifier{res: verification.Result{Verdict: tt.verdict}}
			a := newActions(t, sub, ver, balance(1), nil)

			res := a.Mint(context.Background(), common.HexToAddress("0x01"))
			if res.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.want)
			}
			if !tt.sub.Submitted() && ver.calls.Load() != 0 {
				t.Error("verifier must not run for unsent transactions")
			}
		})
	}
}

func TestDeployZeroBalance(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	a := newActions(t, sub, &fakeVerifier{}, balance(0), nil)

	res, addr := a.DeployERC721(context.Background(), "Name", "SYM")
	if res.Outcome != types.OutcomeFailure {
		t.Errorf("Outcome = %s, want failure", res.Outcome)
	}
	if addr != (common.Address{}) {
		t.Errorf("addr = %s, want zero", addr.Hex())
	}
	if sub.count() != 0 {
		t.Error("nothing should be submitted with zero balance")
	}
}

func TestDeployReturnsReceiptAddress(t *testing.T) {
	want := common.HexToAddress("0x5555555555555555555555555555555555555555")
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: confirmed(want)}
	a := newActions(t, sub, ver, balance(1e18), nil)

	for _, deploy := range []func(context.Context, string, string) (types.ActionResult, common.Address){a.DeployERC721, a.DeployERC20} {
		res, addr := deploy(context.Background(), "Name", "SYM")
		if res.Outcome != types.OutcomeSuccess {
			t.Fatalf("Outcome = %s (%s)", res.Outcome, res.Detail)
		}
		if addr != want || res.ContractAddress != want.Hex() {
			t.Errorf("addr = %s, want %s", addr.Hex(), want.Hex())
		}
	}
	for _, c := range sub.calls {
		if c.req.To != nil {
			t.Error("deployment should be a contract creation")
		}
	}
}

func TestDeployRevertedHasNoAddress(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: verification.Result{Verdict: types.VerdictReverted, Receipt: &rpc.TransactionReceipt{}}}
	a := newActions(t, sub, ver, balance(1e18), nil)

	res, addr := a.DeployERC20(context.Background(), "Name", "SYM")
	if res.Outcome != types.OutcomeFailure {
		t.Errorf("Outcome = %s, want failure", res.Outcome)
	}
	if addr != (common.Address{}) {
		t.Error("reverted deployment must not return an address")
	}
}

func TestDeployMissingArtifact(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	a := newActions(t, sub, &fakeVerifier{}, balance(1e18), func(c *Config) { c.Artifacts.ERC20 = nil })

	res, _ := a.DeployERC20(context.Background(), "Name", "SYM")
	if res.Outcome != types.OutcomeNoResult {
		t.Errorf("Outcome = %s, want no_result", res.Outcome)
	}
}

func TestInteractUsesVocabulary(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: confirmed(common.Address{})}
	a := newActions(t, sub, ver, balance(1e18), nil)
	token := common.HexToAddress("0x7777777777777777777777777777777777777777")

	seen := map[string]bool{}
	for i := 0; i < 60; i++ {
		res := a.Interact(context.Background(), token)
		if res.Outcome != types.OutcomeSuccess {
			t.Fatalf("Outcome = %s (%s)", res.Outcome, res.Detail)
		}
	}
	for _, c := range sub.calls {
		seen[c.method] = true
		if *c.req.To != token {
			t.Errorf("To = %s, want token", c.req.To.Hex())
		}
	}
	for _, m := range []string{"mint", "burn", "pause"} {
		if !seen[m] {
			t.Errorf("method %s never chosen in 60 draws", m)
		}
	}
}

type fixedSource int

func (f fixedSource) IntN(n int) int   { return int(f) % n }
func (f fixedSource) Float64() float64 { return 0 }

func TestPickInteraction(t *testing.T) {
	weighted := []WeightedInteraction{
		{Kind: InteractMint, Weight: 3},
		{Kind: InteractBurn, Weight: 0},
		{Kind: InteractPause, Weight: 1},
	}
	tests := []struct {
		n    int
		want Interaction
	}{
		{0, InteractMint},
		{2, InteractMint},
		{3, InteractPause},
	}
	for _, tt := range tests {
		if got := PickInteraction(weighted, fixedSource(tt.n)); got != tt.want {
			t.Errorf("PickInteraction(n=%d) = %s, want %s", tt.n, got.Method(), tt.want.Method())
		}
	}
}

func TestInteractionArgs(t *testing.T) {
	wallet := common.HexToAddress("0x01")
	amount := PickAmount(fixedSource(5))
	if want := new(big.Int).Mul(big.NewInt(1_000_000), tokenUnit); amount.Cmp(want) != 0 {
		t.Errorf("PickAmount() = %s, want %s", amount, want)
	}
	if got := len(InteractMint.Args(wallet, amount)); got != 2 {
		t.Errorf("mint args = %d, want 2", got)
	}
	if got := len(InteractBurn.Args(wallet, amount)); got != 1 {
		t.Errorf("burn args = %d, want 1", got)
	}
	if InteractPause.Args(wallet, amount) != nil {
		t.Error("pause takes no args")
	}
}

func TestRegisterDomain(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit}
	ver := &fakeVerifier{res: confirmed(common.Address{})}
	a := newActions(t, sub, ver, balance(1e18), func(c *Config) { c.Expiry = jitter.Fixed(3) })

	res := a.RegisterDomain(context.Background(), "alice")
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %s (%s)", res.Outcome, res.Detail)
	}
	c := sub.calls[0]
	if c.method != "registerDomains" {
		t.Errorf("method = %s", c.method)
	}
	if want := big.NewInt(15_000_000_000_000); c.value.Cmp(want) != 0 {
		t.Errorf("value = %s, want %s", c.value, want)
	}
	if *c.req.To != contract.DomainRegistryAddress {
		t.Errorf("To = %s", c.req.To.Hex())
	}
}

func TestRegisterDomainRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "two words", "alice.ink", "tab\tname"} {
		sub := &fakeSubmitter{res: okSubmit}
		a := newActions(t, sub, &fakeVerifier{}, balance(1e18), nil)
		res := a.RegisterDomain(context.Background(), name)
		if res.Outcome != types.OutcomeNoResult {
			t.Errorf("RegisterDomain(%q) outcome = %s, want no_result", name, res.Outcome)
		}
		if sub.count() != 0 {
			t.Errorf("RegisterDomain(%q) submitted a transaction", name)
		}
	}
}

func TestDomainValueRange(t *testing.T) {
	for k := 1; k <= 10; k++ {
		want := new(big.Int).Mul(big.NewInt(5_000_000_000_000), big.NewInt(int64(k)))
		if got := DomainValue(DefaultDomainPrice, k); got.Cmp(want) != 0 {
			t.Errorf("DomainValue(%d) = %s, want %s", k, got, want)
		}
	}
}

func TestPanicBecomesNoResult(t *testing.T) {
	sub := &fakeSubmitter{res: okSubmit, panic: true}
	a := newActions(t, sub, &fakeVerifier{}, balance(1e18), nil)

	res := a.Mint(context.Background(), common.HexToAddress("0x01"))
	if res.Outcome != types.OutcomeNoResult {
		t.Errorf("Outcome = %s, want no_result", res.Outcome)
	}
	if res.Kind != types.ActionMint {
		t.Errorf("Kind = %s, want mint", res.Kind)
	}
}

func TestFormatEther(t *testing.T) {
	tests := []struct {
		wei  *big.Int
		want string
	}{
		{big.NewInt(0), "0"},
		{big.NewInt(1e18), "1"},
		{big.NewInt(123_450_000_000_000_000), "0.12345"},
		{big.NewInt(1), "0.000000000000000001"},
	}
	for _, tt := range tests {
		if got := FormatEther(tt.wei); got != tt.want {
			t.Errorf("FormatEther(%s) = %q, want %q", tt.wei, got, tt.want)
		}
	}
}
