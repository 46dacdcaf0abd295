package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/retry"
	"ZKPay-Chain/internal/web3"
	"ZKPay-Chain/internal/web3/provider"
	"ZKPay-Chain/internal/web3/simulated"
)

type recordingListener struct {
	mu        sync.Mutex
	submitted []Record
	finished  chan Record
}

func newRecordingListener() *recordingListener {
	return &recordingListener{finished: make(chan Record, 16)}
}

func (l *recordingListener) VerificationSubmitted(_ context.Context, rec Record) {
	l.mu.Lock()
	l.submitted = append(l.submitted, rec)
	l.mu.Unlock()
}

func (l *recordingListener) VerificationFinished(_ context.Context, rec Record) {
	l.finished <- rec
}

func (l *recordingListener) next(t *testing.T) Record {
	t.Helper()
	select {
	case rec := <-l.finished:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for verification to finish")
		return Record{}
	}
}

func completedProof(t *testing.T, store *proof.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, proof.Request{
		ID: id, Kind: proof.KindGeneric, Function: "prove_kyc",
		Arguments: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`1`)}, StepSize: 1,
	}))
	_, err := store.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, id, proof.Artifact{Proof: []byte{9, 9}}, proof.Metrics{ProofSize: 2}))
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1.5}
}

func startCoordinator(t *testing.T, proofs *proof.MemoryStore, chains ChainSource, opts ...Option) (*Coordinator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	base := []Option{WithPolicy(fastPolicy(3)), WithPollInterval(time.Millisecond), WithConfirmTimeout(time.Second), WithWorkers(2)}
	c := NewCoordinator(proofs, chains, store, append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Start(ctx) }()
	t.Cleanup(cancel)
	return c, store
}

func TestVerifyConfirmsOnEveryChainIndependently(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p1")
	chains := provider.NewStaticRegistry(
		simulated.NewClient("a", 1, simulated.WithPendingPolls(2)),
		simulated.NewClient("b", 2, simulated.WithRejection(func(web3.Submission) bool { return true })),
	)
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, chains, WithListener(listener))

	created, err := c.Verify(context.Background(), "p1", nil)
	require.NoError(t, err)
	require.Len(t, created, 2)

	results := map[string]Record{}
	for i := 0; i < 2; i++ {
		rec := listener.next(t)
		results[rec.TargetChain] = rec
	}
	require.Equal(t, VerdictConfirmed, results["a"].Verdict)
	require.NotEmpty(t, results["a"].TxHash)
	require.Equal(t, uint64(1), results["a"].BlockNumber)
	require.Equal(t, VerdictRejected, results["b"].Verdict)
	require.Equal(t, string(web3.CodeChainRejection), results["b"].Reason)
	require.Empty(t, results["b"].TxHash)

	listener.mu.Lock()
	require.Len(t, listener.submitted, 1)
	listener.mu.Unlock()

	records, err := c.Records(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].TargetChain)
}

func TestVerifyRetriesTransientFailures(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p2")
	chain := simulated.NewClient("a", 1, simulated.WithTransientFailures(2))
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, provider.NewStaticRegistry(chain), WithListener(listener))

	_, err := c.Verify(context.Background(), "p2", []string{"a"})
	require.NoError(t, err)
	rec := listener.next(t)
	require.Equal(t, VerdictConfirmed, rec.Verdict)
	require.Equal(t, 3, rec.Attempts)
	require.EqualValues(t, 3, chain.Submits())
}

func TestVerifyReportsSubmissionExhausted(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p3")
	chain := simulated.NewClient("a", 1, simulated.WithTransientFailures(10))
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, provider.NewStaticRegistry(chain), WithListener(listener))

	_, err := c.Verify(context.Background(), "p3", []string{"a"})
	require.NoError(t, err)
	rec := listener.next(t)
	require.Equal(t, VerdictRejected, rec.Verdict)
	require.Equal(t, string(CodeSubmissionExhausted), rec.Reason)
	require.Equal(t, 3, rec.Attempts)
	require.EqualValues(t, 3, chain.Submits())
}

func TestVerifyTreatsRevertAsTerminal(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p4")
	chain := simulated.NewClient("a", 1, simulated.WithRevertOnReceipt(true))
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, provider.NewStaticRegistry(chain), WithListener(listener))

	_, err := c.Verify(context.Background(), "p4", []string{"a"})
	require.NoError(t, err)
	rec := listener.next(t)
	require.Equal(t, VerdictRejected, rec.Verdict)
	require.Equal(t, string(web3.CodeChainRejection), rec.Reason)
	require.NotEmpty(t, rec.TxHash)
	require.EqualValues(t, 1, chain.Submits(), "reverts are never retried")
}

func TestVerifyTimesOutWaitingForReceipt(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p5")
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, provider.NewStaticRegistry(simulated.NewClient("a", 1, simulated.WithNeverMine())),
		WithListener(listener), WithConfirmTimeout(30*time.Millisecond))

	_, err := c.Verify(context.Background(), "p5", []string{"a"})
	require.NoError(t, err)
	rec := listener.next(t)
	require.Equal(t, VerdictRejected, rec.Verdict)
	require.Equal(t, string(CodeConfirmationTimeout), rec.Reason)
}

func TestVerifyRequiresCompleteProof(t *testing.T) {
	proofs := proof.NewMemoryStore()
	require.NoError(t, proofs.Create(context.Background(), proof.Request{ID: "pending", Kind: proof.KindGeneric, Function: "prove_kyc", StepSize: 1}))
	c, store := startCoordinator(t, proofs, provider.NewStaticRegistry(simulated.NewClient("a", 1)))

	_, err := c.Verify(context.Background(), "pending", nil)
	require.Equal(t, CodeProofNotComplete, xerrors.CodeOf(err))
	records, _ := store.ListByProof(context.Background(), "pending")
	require.Empty(t, records)
}

func TestVerifyIsIdempotentPerChain(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p6")
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, provider.NewStaticRegistry(simulated.NewClient("a", 1)), WithListener(listener))

	first, err := c.Verify(context.Background(), "p6", []string{"a"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	second, err := c.Verify(context.Background(), "p6", []string{"a"})
	require.NoError(t, err)
	require.Empty(t, second)
	listener.next(t)
}

func TestUnknownChainIsRejected(t *testing.T) {
	proofs := proof.NewMemoryStore()
	completedProof(t, proofs, "p7")
	listener := newRecordingListener()
	c, _ := startCoordinator(t, proofs, provider.NewStaticRegistry(), WithListener(listener))

	_, err := c.Verify(context.Background(), "p7", []string{"ghost"})
	require.NoError(t, err)
	rec := listener.next(t)
	require.Equal(t, VerdictRejected, rec.Verdict)
	require.Equal(t, string(web3.CodeChainUnavailable), rec.Reason)
}

func TestMemoryStoreTransitionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, Record{ProofID: "p", TargetChain: "a"}))
	require.ErrorIs(t, store.Create(ctx, Record{ProofID: "p", TargetChain: "a"}), ErrVerificationConflict)

	_, err := store.Transition(ctx, "p", "a", VerdictConfirmed, nil)
	require.ErrorIs(t, err, ErrInvalidTransition, "cannot confirm before submitting")

	rec, err := store.Transition(ctx, "p", "a", VerdictSubmitted, func(r *Record) { r.TxHash = "0x1" })
	require.NoError(t, err)
	require.Equal(t, "0x1", rec.TxHash)

	_, err = store.Transition(ctx, "p", "a", VerdictConfirmed, nil)
	require.NoError(t, err)
	_, err = store.Transition(ctx, "p", "a", VerdictRejected, nil)
	require.ErrorIs(t, err, ErrInvalidTransition, "terminal verdicts are final")

	_, err = store.Transition(ctx, "p", "missing", VerdictSubmitted, nil)
	require.ErrorIs(t, err, ErrVerificationNotFound)
}

func TestVerifyDoesNotWaitForBusyWorkers(t *testing.T) {
	proofs := proof.NewMemoryStore()
	chains := provider.NewStaticRegistry(simulated.NewClient("slow", 1, simulated.WithNeverMine()))
	c, store := startCoordinator(t, proofs, chains, WithWorkers(1), WithConfirmTimeout(time.Minute))

	const total = 300
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("p-%d", i)
		completedProof(t, proofs, id)

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		started := time.Now()
		created, err := c.Verify(ctx, id, nil)
		cancel()
		require.NoError(t, err, "proof %d", i)
		require.Len(t, created, 1)
		require.Less(t, time.Since(started), 100*time.Millisecond, "proof %d waited on the worker pool", i)
	}

	// 唯一的工作协程卡在第一个证明的回执上，其余记录仍在排队而非丢失。
	last, err := store.Get(context.Background(), fmt.Sprintf("p-%d", total-1), "slow")
	require.NoError(t, err)
	require.Equal(t, VerdictUnsubmitted, last.Verdict)
	require.GreaterOrEqual(t, c.jobs.Len(), total-2)
}
