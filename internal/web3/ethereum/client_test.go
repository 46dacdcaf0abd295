package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/web3"
)

const testVerifier = "0x00000000000000000000000000000000000000aa"

type revertError struct{}

func (revertError) Error() string  { return "execution reverted: invalid proof" }
func (revertError) ErrorCode() int { return 3 }

type fakeBackend struct {
	mu        sync.Mutex
	callOut   []byte
	callErr   error
	sendErr   error
	sent      []*coretypes.Transaction
	receipts  map[common.Hash]*coretypes.Receipt
	nonce     uint64
	closed    bool
	lastCall  gethcore.CallMsg
	blockNumb uint64
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return f.blockNumb, nil
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{BaseFee: big.NewInt(2_000_000_000)}, nil
}
func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callOut, f.callErr
}
func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, gethcore.NotFound
}
func (f *fakeBackend) Close() { f.closed = true }

func packBool(t *testing.T, v bool) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(VerifierABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	out, err := parsed.Methods["verifyProof"].Outputs.Pack(v)
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	return out
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	client, err := newClient(backend, Config{Name: "sepolia", Verifier: testVerifier, GasLimit: 110_000, Key: key})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitProofSignsAndSends(t *testing.T) {
	backend := &fakeBackend{callOut: packBool(t, true), receipts: map[common.Hash]*coretypes.Receipt{}}
	client := newTestClient(t, backend)

	ref, err := client.SubmitProof(context.Background(), web3.Submission{ProofID: "p1", Proof: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != ref.Hash || ref.Chain != "sepolia" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if tx.Gas() != 110_000 {
		t.Fatalf("gas should be capped at the configured limit, got %d", tx.Gas())
	}
	if *tx.To() != common.HexToAddress(testVerifier) {
		t.Fatalf("unexpected recipient %s", tx.To().Hex())
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(11155111)), tx)
	if err != nil || sender != client.from {
		t.Fatalf("unexpected sender %s: %v", sender.Hex(), err)
	}

	receipt, err := client.Receipt(context.Background(), ref)
	if err != nil || receipt.Status != web3.ReceiptPending {
		t.Fatalf("expected pending receipt, got %+v %v", receipt, err)
	}
	backend.receipts[ref.Hash] = &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 90_000}
	receipt, err = client.Receipt(context.Background(), ref)
	if err != nil || receipt.Status != web3.ReceiptConfirmed || receipt.BlockNumber != 42 {
		t.Fatalf("expected confirmed receipt, got %+v %v", receipt, err)
	}
}

func TestSubmitProofClassifiesFailures(t *testing.T) {
	cases := []struct {
		name    string
		backend *fakeBackend
		proof   []byte
		want    xerrors.Kind
	}{
		{name: "empty proof", backend: &fakeBackend{}, proof: nil, want: xerrors.KindChainRejection},
		{name: "verifier false", backend: &fakeBackend{callOut: packBool(t, false)}, proof: []byte{1}, want: xerrors.KindChainRejection},
		{name: "revert", backend: &fakeBackend{callErr: revertError{}}, proof: []byte{1}, want: xerrors.KindChainRejection},
		{name: "network", backend: &fakeBackend{callErr: errors.New("dial tcp: connection refused")}, proof: []byte{1}, want: xerrors.KindTransient},
		{name: "send", backend: &fakeBackend{callOut: packBool(t, true), sendErr: errors.New("i/o timeout")}, proof: []byte{1}, want: xerrors.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.backend)
			_, err := client.SubmitProof(context.Background(), web3.Submission{ProofID: "p", Proof: tc.proof})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := xerrors.KindOf(err); got != tc.want {
				t.Fatalf("kind = %s, want %s (%v)", got, tc.want, err)
			}
		})
	}
}

func TestReceiptReportsRevert(t *testing.T) {
	hash := common.HexToHash("0x01")
	backend := &fakeBackend{receipts: map[common.Hash]*coretypes.Receipt{
		hash: {Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(7)},
	}}
	client := newTestClient(t, backend)
	receipt, err := client.Receipt(context.Background(), web3.TxRef{Hash: hash})
	if err != nil || receipt.Status != web3.ReceiptReverted {
		t.Fatalf("expected reverted, got %+v %v", receipt, err)
	}
}

func TestSnapshotAndClose(t *testing.T) {
	backend := &fakeBackend{blockNumb: 255}
	client := newTestClient(t, backend)
	snap, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0xaa36a7" || snap.BlockNumber != "0xff" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	client.Close()
	if !backend.closed {
		t.Fatal("backend not closed")
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := newClient(&fakeBackend{}, Config{Verifier: testVerifier}); err == nil {
		t.Fatal("expected missing key error")
	}
	key, _ := crypto.GenerateKey()
	if _, err := newClient(&fakeBackend{}, Config{Verifier: "nope", Key: key}); err == nil {
		t.Fatal("expected invalid address error")
	}
}
