package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/rpc"
	"github.com/gateway-fm/inkrunner/internal/sender"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// mockClient implements rpc.Client for testing.
type mockClient struct {
	mu          sync.Mutex
	chainNonce  uint64
	estimate    uint64
	estimateErr error
	sendErrs    []error // consumed one per broadcast; nil entry means success
	sent        []*ethtypes.Transaction
	chainIDHits atomic.Int32
}

var _ rpc.Client = (*mockClient)(nil)

func (m *mockClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return nil, nil
}

func (m *mockClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	m.sent = append(m.sent, tx)
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	return tx.Hash(), nil
}

func (m *mockClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	return m.chainNonce, nil
}

func (m *mockClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (m *mockClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockClient) GetChainID(ctx context.Context) (*big.Int, error) {
	m.chainIDHits.Add(1)
	return big.NewInt(763373), nil
}

func (m *mockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return m.estimate, nil
}

func (m *mockClient) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	return nil, nil
}

func (m *mockClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error) {
	return nil, nil
}

func (m *mockClient) sentTxs() []*ethtypes.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ethtypes.Transaction(nil), m.sent...)
}

var bridgeAddr = common.HexToAddress("0x33f60714BbD74d62b66D79213C348614DE51901C")

func newTestPipeline(t *testing.T, client *mockClient, logBuf *bytes.Buffer) (*Pipeline, *account.Account) {
	t.Helper()
	acc, err := account.NewAccountFromHex(0, account.TestPrivateKeys[0])
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	var logger *slog.Logger
	if logBuf != nil {
		logger = slog.New(slog.NewTextHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return New(Config{Client: client, Account: acc, Logger: logger}), acc
}

func TestSubmitSuccess(t *testing.T) {
	client := &mockClient{chainNonce: 7, estimate: 21000}
	p, acc := newTestPipeline(t, client, nil)

	res := p.Submit(context.Background(), Request{To: &bridgeAddr, Value: big.NewInt(1000)})
	if !res.Submitted() {
		t.Fatalf("Kind = %s, want submitted (err: %v)", res.Kind, res.Err)
	}
	if res.Nonce != 7 || res.Retries != 0 {
		t.Errorf("Nonce/Retries = %d/%d, want 7/0", res.Nonce, res.Retries)
	}

	sent := client.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(sent))
	}
	tx := sent[0]
	if tx.Gas() != 23100 {
		t.Errorf("gas limit = %d, want floor(21000*1.1) = 23100", tx.Gas())
	}
	if tx.GasPrice().Int64() != 1_000_000_000 {
		t.Errorf("gas price = %v, want network price", tx.GasPrice())
	}
	if tx.ChainId().Int64() != 763373 {
		t.Errorf("chain id = %v, want 763373", tx.ChainId())
	}
	if res.Hash != tx.Hash() {
		t.Errorf("Hash = %s, want %s", res.Hash, tx.Hash())
	}
	if got := acc.PeekNonce(); got != 8 {
		t.Errorf("committed PeekNonce() = %d, want 8", got)
	}
}

func TestSubmitNonceTooLowRetriesOnceWithNextNonce(t *testing.T) {
	client := &mockClient{
		chainNonce: 7,
		estimate:   50000,
		sendErrs:   []error{&rpc.RPCError{Code: -32000, Message: "nonce too low"}},
	}
	var logs bytes.Buffer
	p, acc := newTestPipeline(t, client, &logs)

	res := p.Submit(context.Background(), Request{To: &bridgeAddr, Value: big.NewInt(1)})
	if !res.Submitted() {
		t.Fatalf("Kind = %s, want submitted (err: %v)", res.Kind, res.Err)
	}
	if res.Nonce != 8 || res.Retries != 1 {
		t.Errorf("Nonce/Retries = %d/%d, want 8/1", res.Nonce, res.Retries)
	}

	sent := client.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(sent))
	}
	if sent[0].Nonce() != 7 || sent[1].Nonce() != 8 {
		t.Errorf("nonces = %d, %d, want 7, 8", sent[0].Nonce(), sent[1].Nonce())
	}
	if sent[0].Gas() != sent[1].Gas() || sent[0].GasPrice().Cmp(sent[1].GasPrice()) != 0 {
		t.Error("retry changed gas parameters")
	}
	if got := strings.Count(logs.String(), "Nonce collision"); got != 1 {
		t.Errorf("retry log lines = %d, want 1", got)
	}
	if got := acc.PeekNonce(); got != 9 {
		t.Errorf("PeekNonce() = %d, want 9", got)
	}
}

func TestSubmitReplacementUnderpricedIsRetried(t *testing.T) {
	client := &mockClient{
		estimate: 21000,
		sendErrs: []error{errors.New("replacement transaction underpriced")},
	}
	p, _ := newTestPipeline(t, client, nil)

	res := p.Submit(context.Background(), Request{To: &bridgeAddr})
	if !res.Submitted() || res.Retries != 1 {
		t.Errorf("Kind/Retries = %s/%d, want submitted/1", res.Kind, res.Retries)
	}
}

func TestSubmitNonceRetryCap(t *testing.T) {
	errs := make([]error, 0, 40)
	for i := 0; i < 40; i++ {
		errs = append(errs, errors.New("nonce too low"))
	}
	client := &mockClient{estimate: 21000, sendErrs: errs}
	acc, _ := account.NewAccountFromHex(0, account.TestPrivateKeys[0])
	p := New(Config{Client: client, Account: acc, MaxNonceRetries: 3})

	res := p.Submit(context.Background(), Request{To: &bridgeAddr})
	if res.Kind != types.TxNonceRetried {
		t.Fatalf("Kind = %s, want nonce_retried", res.Kind)
	}
	if got := len(client.sentTxs()); got != 4 {
		t.Errorf("broadcasts = %d, want 4 (1 + 3 retries)", got)
	}
	if res.Err == nil {
		t.Error("expected error describing the exhausted retries")
	}
}

func TestSubmitGasEstimationFailureNeverBroadcasts(t *testing.T) {
	client := &mockClient{chainNonce: 3, estimateErr: errors.New("execution reverted")}
	p, acc := newTestPipeline(t, client, nil)

	res := p.Submit(context.Background(), Request{To: &bridgeAddr})
	if res.Kind != types.TxGasEstimationFailed {
		t.Fatalf("Kind = %s, want gas_estimation_failed", res.Kind)
	}
	if got := len(client.sentTxs()); got != 0 {
		t.Errorf("broadcasts = %d, want 0", got)
	}
	if got := acc.PeekNonce(); got != 3 {
		t.Errorf("nonce not rolled back: PeekNonce() = %d, want 3", got)
	}
}

func TestSubmitBroadcastFailure(t *testing.T) {
	client := &mockClient{
		estimate: 21000,
		sendErrs: []error{errors.New("insufficient funds for gas * price + value")},
	}
	p, acc := newTestPipeline(t, client, nil)

	res := p.Submit(context.Background(), Request{To: &bridgeAddr})
	if res.Kind != types.TxBroadcastFailed {
		t.Fatalf("Kind = %s, want broadcast_failed", res.Kind)
	}
	if got := len(client.sentTxs()); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
	if got := acc.PeekNonce(); got != 0 {
		t.Errorf("nonce not rolled back: PeekNonce() = %d, want 0", got)
	}
}

func TestSubmitCustomGasMultiplier(t *testing.T) {
	client := &mockClient{estimate: 100000}
	p, _ := newTestPipeline(t, client, nil)

	res := p.Submit(context.Background(), Request{Data: []byte{0x60, 0x80}, GasMultiplier: 1.5})
	if !res.Submitted() {
		t.Fatalf("Kind = %s, err %v", res.Kind, res.Err)
	}
	tx := client.sentTxs()[0]
	if tx.To() != nil {
		t.Error("deployment should have nil To")
	}
	if tx.Gas() != 150000 {
		t.Errorf("gas = %d, want 150000", tx.Gas())
	}
}

func TestChainIDFetchedOnce(t *testing.T) {
	client := &mockClient{estimate: 21000}
	p, _ := newTestPipeline(t, client, nil)

	for i := 0; i < 3; i++ {
		p.Submit(context.Background(), Request{To: &bridgeAddr})
	}
	if got := client.chainIDHits.Load(); got != 1 {
		t.Errorf("eth_chainId calls = %d, want 1", got)
	}
}

func TestSubmitThroughSharedSender(t *testing.T) {
	client := &mockClient{estimate: 21000}
	acc, _ := account.NewAccountFromHex(0, account.TestPrivateKeys[0])
	gate := sender.New(sender.Config{Concurrency: 2})
	p := New(Config{Client: client, Account: acc, Sender: gate.WithClient(client)})

	if res := p.Submit(context.Background(), Request{To: &bridgeAddr}); !res.Submitted() {
		t.Fatalf("Kind = %s, err %v", res.Kind, res.Err)
	}
	if gate.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0 after send", gate.InFlight())
	}
}

type testContract struct {
	addr common.Address
	abi  abi.ABI
}

func (c testContract) Address() common.Address { return c.addr }
func (c testContract) Pack(method string, args ...interface{}) ([]byte, error) {
	return c.abi.Pack(method, args...)
}

func TestSubmitMethod(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"burn","inputs":[{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}]`))
	if err != nil {
		t.Fatal(err)
	}
	c := testContract{addr: common.HexToAddress("0x2222222222222222222222222222222222222222"), abi: parsed}
	client := &mockClient{estimate: 30000}
	p, _ := newTestPipeline(t, client, nil)

	res := p.SubmitMethod(context.Background(), c, "burn", nil, big.NewInt(5))
	if !res.Submitted() {
		t.Fatalf("Kind = %s, err %v", res.Kind, res.Err)
	}
	tx := client.sentTxs()[0]
	if *tx.To() != c.addr {
		t.Errorf("To = %s, want %s", tx.To(), c.addr)
	}
	if !bytes.Equal(tx.Data()[:4], parsed.Methods["burn"].ID) {
		t.Errorf("selector = %x, want %x", tx.Data()[:4], parsed.Methods["burn"].ID)
	}

	bad := p.SubmitMethod(context.Background(), c, "mint", nil)
	if bad.Kind != types.TxPrepareFailed {
		t.Errorf("unknown method Kind = %s, want prepare_failed", bad.Kind)
	}
}

func TestIsNonceCollision(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Nonce Too Low: next nonce 5"), true},
		{&rpc.RPCError{Code: -32000, Message: "replacement transaction underpriced"}, true},
		{errors.New("insufficient funds"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsNonceCollision(tt.err); got != tt.want {
			t.Errorf("IsNonceCollision(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
