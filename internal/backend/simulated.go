package backend

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
)

// SimulatedEngine 以确定性的 keccak 摘要模拟证明生成，用于开发与测试。
// 相同的调用总是得到相同的证明字节。
type SimulatedEngine struct {
	delay time.Duration
	fail  func(Invocation) error
}

// SimulatedOption 定义模拟引擎的可选配置。
type SimulatedOption func(*SimulatedEngine)

// WithSimulatedDelay 模拟证明耗时。
func WithSimulatedDelay(d time.Duration) SimulatedOption {
	return func(e *SimulatedEngine) {
		if d > 0 {
			e.delay = d
		}
	}
}

// WithSimulatedFailure 注入失败逻辑，返回非 nil 时本次证明失败。
func WithSimulatedFailure(fn func(Invocation) error) SimulatedOption {
	return func(e *SimulatedEngine) {
		e.fail = fn
	}
}

// NewSimulatedEngine 创建模拟引擎。
func NewSimulatedEngine(opts ...SimulatedOption) *SimulatedEngine {
	e := &SimulatedEngine{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Prove 实现 Engine 接口。
func (e *SimulatedEngine) Prove(ctx context.Context, inv Invocation) (Output, error) {
	started := time.Now()
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Output{}, engineContextError(ctx)
		case <-timer.C:
		}
	}
	if e.fail != nil {
		if err := e.fail(inv); err != nil {
			if _, ok := xerrors.From(err); ok {
				return Output{}, err
			}
			return Output{}, xerrors.Wrap(CodeBackendError, err, "simulated prover failed")
		}
	}

	var payload []byte
	switch inv.Kind {
	case proof.KindRecursiveAccumulator:
		payload = foldCommitments(inv)
	default:
		payload = circuitDigest(inv)
	}
	commitment := crypto.Keccak256Hash(payload)
	inputs := argStrings(inv.Args)

	elapsed := time.Since(started)
	return Output{
		Artifact: proof.Artifact{
			Proof:        payload,
			PublicInputs: inputs,
			Commitment:   commitment.Hex(),
		},
		Metrics: proof.Metrics{
			GenerationTimeSecs: elapsed.Seconds(),
			ProofSize:          len(payload),
			TimeMs:             elapsed.Milliseconds(),
		},
	}, nil
}

// circuitDigest 按 step_size 轮次迭代摘要，每轮 32 字节，模拟证明长度随步长增长。
func circuitDigest(inv Invocation) []byte {
	seed := crypto.Keccak256([]byte(fmt.Sprintf("%s:%s", inv.Kind, inv.Function.Name)))
	for _, arg := range inv.Args {
		seed = crypto.Keccak256(seed, common.BigToHash(arg.Value).Bytes())
	}
	rounds := inv.StepSize
	if rounds <= 0 {
		rounds = 1
	}
	if rounds > 8 {
		rounds = 8
	}
	out := make([]byte, 0, rounds*common.HashLength)
	acc := seed
	for i := 0; i < rounds; i++ {
		acc = crypto.Keccak256(acc, []byte{byte(i)})
		out = append(out, acc...)
	}
	return out
}

// foldCommitments 依次把承诺折叠进累加器。
func foldCommitments(inv Invocation) []byte {
	acc := crypto.Keccak256([]byte("fold"))
	for _, arg := range inv.Args {
		acc = crypto.Keccak256(acc, common.BigToHash(arg.Value).Bytes())
	}
	return append(acc, crypto.Keccak256([]byte(hexutil.EncodeUint64(uint64(len(inv.Args)))))...)
}

func engineContextError(ctx context.Context) error {
	if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(CodeEngineTimeout, ctx.Err(), "")
	}
	return ctx.Err()
}

var _ Engine = (*SimulatedEngine)(nil)
