package backend

import (
	"context"

	"ZKPay-Chain/internal/proof"
)

// Invocation 是交给证明引擎的一次调用，参数已经按签名完成转换。
type Invocation struct {
	ProofID  string
	Kind     proof.Kind
	Function FunctionSpec
	Args     []Scalar
	StepSize int
}

// Output 是引擎的产出。Metrics 中未填写的字段由处理器补齐。
type Output struct {
	Artifact proof.Artifact
	Metrics  proof.Metrics
}

// Engine 抽象了一类证明后端。实现必须遵守 ctx 的取消与截止时间。
type Engine interface {
	Prove(ctx context.Context, inv Invocation) (Output, error)
}

// EngineFunc 允许直接使用函数作为引擎。
type EngineFunc func(ctx context.Context, inv Invocation) (Output, error)

// Prove 实现 Engine 接口。
func (f EngineFunc) Prove(ctx context.Context, inv Invocation) (Output, error) {
	return f(ctx, inv)
}

func argStrings(args []Scalar) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = arg.String()
	}
	return out
}
