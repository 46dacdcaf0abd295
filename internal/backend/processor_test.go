package backend

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/observability/alerting"
	"ZKPay-Chain/internal/proof"
)

type collectingListener struct {
	mu      sync.Mutex
	records []*proof.Record
	done    chan struct{}
}

func newCollectingListener(expected int) *collectingListener {
	return &collectingListener{done: make(chan struct{}, expected)}
}

func (l *collectingListener) ProofFinished(_ context.Context, record *proof.Record) {
	l.mu.Lock()
	l.records = append(l.records, record)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func (l *collectingListener) wait(t *testing.T, n int) []*proof.Record {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-l.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %d finished proofs", n)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*proof.Record(nil), l.records...)
}

type countingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *countingAlerter) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func newPipeline(t *testing.T, engine Engine, opts ...ProcessorOption) (*Adapter, *proof.MemoryStore, context.CancelFunc) {
	t.Helper()
	store := proof.NewMemoryStore()
	queue := proof.NewMemoryQueue(8)
	adapter := NewAdapter(store, queue,
		WithEngine(proof.KindGeneric, engine),
		WithEngine(proof.KindDecisionCircuit, engine),
		WithEngine(proof.KindRecursiveAccumulator, engine),
	)
	processor := NewProcessor(adapter, store, queue, append([]ProcessorOption{WithWorkerCount(2)}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = queue.Close()
	})
	return adapter, store, cancel
}

func TestSubmitValidatesBeforeAccepting(t *testing.T) {
	store := proof.NewMemoryStore()
	queue := proof.NewMemoryQueue(4)
	adapter := NewAdapter(store, queue, WithEngine(proof.KindGeneric, NewSimulatedEngine()))
	ctx := context.Background()

	_, err := adapter.Submit(ctx, proof.Request{Kind: proof.KindGeneric, Function: "prove_device_proximity", Arguments: rawArgs(`"1"`, `"2"`), StepSize: 0})
	require.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))

	_, err = adapter.Submit(ctx, proof.Request{Kind: proof.KindGeneric, Function: "no_such_fn", StepSize: 1})
	require.Equal(t, CodeUnknownFunction, xerrors.CodeOf(err))

	_, err = adapter.Submit(ctx, proof.Request{Kind: proof.KindDecisionCircuit, Function: "authorize_transfer", Arguments: rawArgs(`1`, `2`, `3`, `4`), StepSize: 1})
	require.Equal(t, CodeUnknownFunction, xerrors.CodeOf(err), "decision engine is not configured")

	stats, err := store.Stats(ctx, proof.ListOptions{})
	require.NoError(t, err)
	require.Zero(t, stats.Total, "rejected requests must not be recorded")
	require.Zero(t, queue.Len())
}

func TestSubmitRegistersPendingBeforePublishing(t *testing.T) {
	store := proof.NewMemoryStore()
	queue := proof.NewMemoryQueue(4)
	adapter := NewAdapter(store, queue,
		WithEngine(proof.KindGeneric, NewSimulatedEngine()),
		WithProofIDGenerator(func() string { return "proof-1" }))

	handle, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: " prove_kyc ", Arguments: rawArgs(`"42"`, `2`), StepSize: 3, OwnerSessionID: "s1",
	})
	require.NoError(t, err)
	require.Equal(t, "proof-1", handle.ProofID)
	require.Equal(t, "prove_kyc", handle.Function)
	require.Equal(t, 1, queue.Len())

	record, err := adapter.Poll(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, proof.StatusPending, record.Result.Status)
	require.Equal(t, "s1", record.Request.OwnerSessionID)
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return xerrors.New(proof.CodeProofPublish, "")
}
func (failingProducer) Close() error { return nil }

func TestSubmitFailsProofWhenPublishFails(t *testing.T) {
	store := proof.NewMemoryStore()
	adapter := NewAdapter(store, failingProducer{},
		WithEngine(proof.KindGeneric, NewSimulatedEngine()),
		WithProofIDGenerator(func() string { return "p-fail" }))

	_, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: "prove_kyc", Arguments: rawArgs(`1`, `1`), StepSize: 1,
	})
	require.Error(t, err)

	record, getErr := store.Get(context.Background(), "p-fail")
	require.NoError(t, getErr)
	require.Equal(t, proof.StatusFailed, record.Result.Status)
	require.Equal(t, string(proof.CodeProofPublish), record.Result.ErrorCode)
}

func TestProcessorCompletesProof(t *testing.T) {
	listener := newCollectingListener(1)
	adapter, _, _ := newPipeline(t, NewSimulatedEngine(), WithListener(listener))

	handle, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: "prove_device_proximity", Arguments: rawArgs(`"5050"`, `"5050"`), StepSize: 10,
	})
	require.NoError(t, err)

	records := listener.wait(t, 1)
	require.Equal(t, handle.ProofID, records[0].Request.ID)
	result := records[0].Result
	require.Equal(t, proof.StatusComplete, result.Status)
	require.NotNil(t, result.Artifact)
	require.NotEmpty(t, result.Artifact.Proof)
	require.Equal(t, []string{"5050", "5050"}, result.Artifact.PublicInputs)
	require.NotNil(t, result.Metrics)
	require.Equal(t, len(result.Artifact.Proof), result.Metrics.ProofSize)
	require.Equal(t, 1, result.Attempts)

	// 终态之后的轮询保持稳定。
	for i := 0; i < 2; i++ {
		polled, err := adapter.Poll(context.Background(), handle)
		require.NoError(t, err)
		require.Equal(t, proof.StatusComplete, polled.Result.Status)
		require.Equal(t, result.Artifact.Proof, polled.Result.Artifact.Proof)
		require.Equal(t, 1, polled.Result.Attempts)
	}
}

func TestProcessorRecordsBackendFailure(t *testing.T) {
	listener := newCollectingListener(1)
	alerts := &countingAlerter{}
	engine := NewSimulatedEngine(WithSimulatedFailure(func(Invocation) error {
		return errors.New("witness generation failed")
	}))
	adapter, _, _ := newPipeline(t, engine, WithListener(listener), WithAlertDispatcher(alerts))

	handle, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: "prove_location", Arguments: rawArgs(`7`, `1`, `2`), StepSize: 1,
	})
	require.NoError(t, err)

	result := listener.wait(t, 1)[0].Result
	require.Equal(t, proof.StatusFailed, result.Status)
	require.Equal(t, string(CodeBackendError), result.ErrorCode)
	require.Equal(t, "simulated prover failed", result.ErrorDetail)
	require.Nil(t, result.Artifact)

	for i := 0; i < 2; i++ {
		polled, err := adapter.Poll(context.Background(), handle)
		require.NoError(t, err)
		require.Equal(t, proof.StatusFailed, polled.Result.Status)
		require.Equal(t, string(CodeBackendError), polled.Result.ErrorCode)
		require.Nil(t, polled.Result.Artifact)
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	require.Len(t, alerts.events, 1)
	require.Equal(t, "prove", alerts.events[0].Stage)
}

func TestProcessorEnforcesEngineTimeout(t *testing.T) {
	listener := newCollectingListener(1)
	adapter, _, _ := newPipeline(t, NewSimulatedEngine(WithSimulatedDelay(time.Second)),
		WithListener(listener), WithEngineTimeout(20*time.Millisecond))

	_, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: "prove_kyc", Arguments: rawArgs(`1`, `1`), StepSize: 1,
	})
	require.NoError(t, err)

	result := listener.wait(t, 1)[0].Result
	require.Equal(t, proof.StatusFailed, result.Status)
	require.Equal(t, string(CodeEngineTimeout), result.ErrorCode)
}

func TestProcessorRecoversEnginePanic(t *testing.T) {
	listener := newCollectingListener(1)
	engine := EngineFunc(func(context.Context, Invocation) (Output, error) {
		panic("boom")
	})
	adapter, _, _ := newPipeline(t, engine, WithListener(listener))

	_, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: "prove_kyc", Arguments: rawArgs(`1`, `1`), StepSize: 1,
	})
	require.NoError(t, err)
	result := listener.wait(t, 1)[0].Result
	require.Equal(t, proof.StatusFailed, result.Status)
	require.Equal(t, string(CodeBackendError), result.ErrorCode)
}

func TestProcessorReturnsClaimOnShutdown(t *testing.T) {
	started := make(chan struct{}, 1)
	engine := EngineFunc(func(ctx context.Context, _ Invocation) (Output, error) {
		started <- struct{}{}
		<-ctx.Done()
		return Output{}, ctx.Err()
	})
	adapter, store, cancel := newPipeline(t, engine, WithEngineTimeout(time.Minute))

	handle, err := adapter.Submit(context.Background(), proof.Request{
		Kind: proof.KindGeneric, Function: "prove_kyc", Arguments: rawArgs(`1`, `1`), StepSize: 1,
	})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("engine never started")
	}
	cancel()

	// 中断的证明保持 Pending 且可被下一个进程重新领取。
	require.Eventually(t, func() bool {
		record, err := store.Claim(context.Background(), handle.ProofID)
		return err == nil && record.Result.Status == proof.StatusPending && record.Result.Attempts == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSimulatedEngineIsDeterministic(t *testing.T) {
	spec, _ := DefaultCatalog().Lookup(proof.KindRecursiveAccumulator, "fold_proofs")
	h := `"0x` + repeat("01", 32) + `"`
	args, err := spec.Convert(rawArgs(h, h))
	require.NoError(t, err)
	inv := Invocation{ProofID: "x", Kind: proof.KindRecursiveAccumulator, Function: spec, Args: args, StepSize: 1}

	engine := NewSimulatedEngine()
	a, err := engine.Prove(context.Background(), inv)
	require.NoError(t, err)
	b, err := engine.Prove(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, a.Artifact.Proof, b.Artifact.Proof)
	require.Equal(t, a.Artifact.Commitment, b.Artifact.Commitment)
}

func TestProcessEngineParsesProverOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := `cat >/dev/null; echo '{"proof":"0xdeadbeef","public_inputs":["1"],"commitment":"c1"}'`
	engine, err := NewProcessEngine("sh", []string{"-c", script}, "")
	require.NoError(t, err)

	spec, _ := DefaultCatalog().Lookup(proof.KindGeneric, "prove_kyc")
	args, err := spec.Convert(rawArgs(`1`, `1`))
	require.NoError(t, err)
	out, err := engine.Prove(context.Background(), Invocation{ProofID: "p", Kind: proof.KindGeneric, Function: spec, Args: args, StepSize: 1})
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out.Artifact.Proof)
	require.Equal(t, 4, out.Metrics.ProofSize)
	require.Equal(t, "c1", out.Artifact.Commitment)
}

func TestProcessEngineReportsNonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	engine, err := NewProcessEngine("sh", []string{"-c", "cat >/dev/null; echo oops >&2; exit 3"}, "")
	require.NoError(t, err)

	_, err = engine.Prove(context.Background(), Invocation{Function: FunctionSpec{Name: "prove_kyc"}})
	require.Error(t, err)
	require.Equal(t, CodeBackendError, xerrors.CodeOf(err))
	require.Contains(t, err.Error(), "oops")
	require.Equal(t, "prover process exited with an error", xerrors.PublicMessage(err))
}
