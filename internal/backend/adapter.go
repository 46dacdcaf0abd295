package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/pkg/logger"
)

// DefaultMaxStepSize 是 step_size 的默认上限。
const DefaultMaxStepSize = 100

// Handle 标识一次已受理的证明作业。
type Handle struct {
	ProofID  string
	Kind     proof.Kind
	Function string
}

// Adapter 是唯一与证明引擎打交道的组件：校验请求、登记证明表并投递生成队列。
type Adapter struct {
	catalog     *Catalog
	engines     map[proof.Kind]Engine
	store       proof.Store
	producer    proof.Producer
	maxStepSize int
	newID       func() string
	now         func() time.Time
}

// AdapterOption 定义可选配置。
type AdapterOption func(*Adapter)

// WithCatalog 替换函数目录。
func WithCatalog(c *Catalog) AdapterOption {
	return func(a *Adapter) {
		if c != nil {
			a.catalog = c
		}
	}
}

// WithEngine 为某一后端类别注册引擎。
func WithEngine(kind proof.Kind, engine Engine) AdapterOption {
	return func(a *Adapter) {
		if engine != nil {
			a.engines[kind] = engine
		}
	}
}

// WithMaxStepSize 设置 step_size 上限。
func WithMaxStepSize(max int) AdapterOption {
	return func(a *Adapter) {
		if max > 0 {
			a.maxStepSize = max
		}
	}
}

// WithProofIDGenerator 替换证明 ID 生成器。
func WithProofIDGenerator(fn func() string) AdapterOption {
	return func(a *Adapter) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewAdapter 构造 Adapter。
func NewAdapter(store proof.Store, producer proof.Producer, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		catalog:     DefaultCatalog(),
		engines:     make(map[proof.Kind]Engine),
		store:       store,
		producer:    producer,
		maxStepSize: DefaultMaxStepSize,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Catalog 返回当前使用的函数目录。
func (a *Adapter) Catalog() *Catalog {
	return a.catalog
}

// Engine 返回某一类别的引擎。
func (a *Adapter) Engine(kind proof.Kind) (Engine, bool) {
	engine, ok := a.engines[kind]
	return engine, ok
}

// Resolve 校验请求并返回函数签名与转换后的参数，不产生任何副作用。
func (a *Adapter) Resolve(req proof.Request) (FunctionSpec, []Scalar, error) {
	if req.StepSize <= 0 || req.StepSize > a.maxStepSize {
		return FunctionSpec{}, nil, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("step_size must be between 1 and %d", a.maxStepSize),
			xerrors.WithMetadata("step_size", fmt.Sprint(req.StepSize)))
	}
	function := strings.TrimSpace(req.Function)
	spec, ok := a.catalog.Lookup(req.Kind, function)
	if !ok {
		return FunctionSpec{}, nil, xerrors.New(CodeUnknownFunction,
			fmt.Sprintf("function %q is not available for backend %q", function, req.Kind))
	}
	if _, ok := a.engines[req.Kind]; !ok {
		return FunctionSpec{}, nil, xerrors.New(CodeUnknownFunction,
			fmt.Sprintf("backend %q is not configured", req.Kind))
	}
	args, err := spec.Convert(req.Arguments)
	if err != nil {
		return FunctionSpec{}, nil, err
	}
	return spec, args, nil
}

// Submit 校验并受理证明请求：先以 Pending 登记结果，再投递生成队列。
// 投递失败时证明以失败终结，调用方收到错误且不应发送受理事件。
func (a *Adapter) Submit(ctx context.Context, req proof.Request) (Handle, error) {
	if a.store == nil || a.producer == nil {
		return Handle{}, xerrors.New(xerrors.CodeInitializationFailure, "proof backend adapter not initialized")
	}
	spec, _, err := a.Resolve(req)
	if err != nil {
		return Handle{}, err
	}
	if req.ID == "" {
		req.ID = a.newID()
	}
	req.Function = spec.Name
	if req.CreatedAt == 0 {
		req.CreatedAt = a.now().Unix()
	}

	if err := a.store.Create(ctx, req); err != nil {
		return Handle{}, err
	}
	if err := a.producer.Publish(ctx, req.ID); err != nil {
		if failErr := a.store.Fail(ctx, req.ID, string(xerrors.CodeOf(err)), xerrors.PublicMessage(err)); failErr != nil {
			logger.L().Error("回写调度失败状态出错", slog.String("proof_id", req.ID), slog.Any("error", failErr))
		}
		return Handle{}, err
	}

	logger.Audit().Info("证明请求已受理",
		slog.String("proof_id", req.ID),
		slog.String("session_id", req.OwnerSessionID),
		slog.String("kind", string(req.Kind)),
		slog.String("function", req.Function),
		slog.Int("step_size", req.StepSize),
	)
	return Handle{ProofID: req.ID, Kind: req.Kind, Function: req.Function}, nil
}

// Poll 读取证明的当前状态。
func (a *Adapter) Poll(ctx context.Context, h Handle) (*proof.Record, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "proof backend adapter not initialized")
	}
	return a.store.Get(ctx, h.ProofID)
}
