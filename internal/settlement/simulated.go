package settlement

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// SimulatedGateway 是不发生真实资金转移的网关，用于演示与测试。
type SimulatedGateway struct {
	delay time.Duration
	fail  func(TransferRequest, int) error
	calls atomic.Int64
}

// SimulatedOption 配置 SimulatedGateway。
type SimulatedOption func(*SimulatedGateway)

// WithGatewayDelay 设置每次调用的模拟耗时。
func WithGatewayDelay(d time.Duration) SimulatedOption {
	return func(g *SimulatedGateway) { g.delay = d }
}

// WithGatewayFailure 按调用序号（从 1 开始）注入错误，返回 nil 表示成功。
func WithGatewayFailure(fn func(req TransferRequest, call int) error) SimulatedOption {
	return func(g *SimulatedGateway) { g.fail = fn }
}

// NewSimulatedGateway 创建模拟网关。
func NewSimulatedGateway(opts ...SimulatedOption) *SimulatedGateway {
	g := &SimulatedGateway{}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Calls 返回累计调用次数。
func (g *SimulatedGateway) Calls() int64 { return g.calls.Load() }

// Transfer 实现 Gateway 接口，返回由请求确定性推导出的转账标识。
func (g *SimulatedGateway) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	call := int(g.calls.Add(1))
	if g.delay > 0 {
		timer := time.NewTimer(g.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return TransferResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if g.fail != nil {
		if err := g.fail(req, call); err != nil {
			return TransferResult{}, err
		}
	}
	hash := crypto.Keccak256Hash(
		[]byte(req.ProofID),
		req.Amount.Bytes(),
		[]byte(fmt.Sprintf("%d->%d", req.SourceDomain, req.DestinationDomain)),
	)
	return TransferResult{Status: "simulated", TxHash: hash.Hex()}, nil
}

var _ Gateway = (*SimulatedGateway)(nil)
