package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/observability/alerting"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/retry"
	"ZKPay-Chain/internal/workqueue"
	"ZKPay-Chain/pkg/logger"
)

// ProofReader 是触发器读取证明请求所需的能力。
type ProofReader interface {
	Get(ctx context.Context, id string) (*proof.Record, error)
}

// Guard 提供跨进程的一次性占用，例如基于 Redis SETNX 的实现。
type Guard interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

// Listener 接收结算进度回调。
type Listener interface {
	SettlementTriggered(ctx context.Context, rec Record)
	SettlementFinished(ctx context.Context, rec Record)
}

// Observer 接收结算度量。
type Observer interface {
	ObserveSettlement(status Status)
}

// Defaults 是请求未携带结算参数时使用的默认值。
type Defaults struct {
	Amount            string
	SourceDomain      uint32
	DestinationDomain uint32
}

// Trigger 在证明首次链上确认时调用支付网关，每个证明至多一次。
type Trigger struct {
	proofs   ProofReader
	store    Store
	gateway  Gateway
	enabled  bool
	policy   retry.Policy
	defaults Defaults
	guard    Guard
	listener Listener
	observer Observer
	alerter  alerting.Dispatcher
	workers  int

	jobs    *workqueue.Queue[Record]
	startMu sync.Mutex
	started bool
}

// Option 定义可选配置。
type Option func(*Trigger)

// WithEnabled 开关结算；关闭时所有证明记录为 NotEligible。
func WithEnabled(enabled bool) Option {
	return func(t *Trigger) { t.enabled = enabled }
}

// WithPolicy 设置网关调用的重试策略。
func WithPolicy(p retry.Policy) Option {
	return func(t *Trigger) { t.policy = p }
}

// WithDefaults 设置默认金额与域。
func WithDefaults(d Defaults) Option {
	return func(t *Trigger) { t.defaults = d }
}

// WithGuard 配置跨进程去重。
func WithGuard(g Guard) Option {
	return func(t *Trigger) { t.guard = g }
}

// WithListener 注册进度回调。
func WithListener(l Listener) Option {
	return func(t *Trigger) { t.listener = l }
}

// WithObserver 注册度量观察者。
func WithObserver(o Observer) Option {
	return func(t *Trigger) { t.observer = o }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(t *Trigger) { t.alerter = d }
}

// WithWorkers 设置网关调用的并发数。
func WithWorkers(n int) Option {
	return func(t *Trigger) {
		if n > 0 {
			t.workers = n
		}
	}
}

// NewTrigger 构造 Trigger，默认启用。
func NewTrigger(proofs ProofReader, store Store, gateway Gateway, opts ...Option) *Trigger {
	t := &Trigger{
		proofs:  proofs,
		store:   store,
		gateway: gateway,
		enabled: true,
		policy: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
		defaults: Defaults{DestinationDomain: 6},
		workers:  1,
		jobs:     workqueue.New[Record](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Start 启动网关调用工作池，直到 ctx 结束。
func (t *Trigger) Start(ctx context.Context) error {
	t.startMu.Lock()
	if t.started {
		t.startMu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "settlement trigger already started")
	}
	t.started = true
	t.startMu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < t.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, ok := t.jobs.Pop(ctx)
				if !ok {
					return
				}
				t.settle(ctx, rec)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// OnConfirmed 在某条链确认证明后调用。首次调用登记结算记录并排队，
// 之后的调用返回已有记录与 false。
func (t *Trigger) OnConfirmed(ctx context.Context, proofID string) (Record, bool, error) {
	if existing, err := t.store.Get(ctx, proofID); err == nil {
		return existing, false, nil
	}

	record, err := t.proofs.Get(ctx, proofID)
	if err != nil {
		return Record{}, false, err
	}
	rec := t.plan(record)

	if rec.Status == StatusTriggered && t.guard != nil {
		acquired, err := t.guard.Acquire(ctx, proofID)
		if err != nil {
			return Record{}, false, err
		}
		if !acquired {
			logger.L().Info("结算已由其他实例处理", slog.String("proof_id", proofID))
			return Record{}, false, nil
		}
	}

	stored, created, err := t.store.CreateIfAbsent(ctx, rec)
	if err != nil || !created {
		return stored, false, err
	}
	if t.observer != nil {
		t.observer.ObserveSettlement(stored.Status)
	}
	if stored.Status == StatusNotEligible {
		logger.L().Info("证明不满足结算条件",
			slog.String("proof_id", proofID),
			slog.String("detail", stored.ErrorDetail))
		return stored, true, nil
	}

	logger.Audit().Info("结算已触发",
		slog.String("proof_id", proofID),
		slog.String("amount", stored.Amount),
		slog.Uint64("source_domain", uint64(stored.SourceDomain)),
		slog.Uint64("destination_domain", uint64(stored.DestinationDomain)))
	if t.listener != nil {
		t.listener.SettlementTriggered(ctx, stored)
	}
	t.jobs.Push(stored)
	return stored, true, nil
}

// Get 返回某个证明的结算记录。
func (t *Trigger) Get(ctx context.Context, proofID string) (Record, error) {
	return t.store.Get(ctx, proofID)
}

func (t *Trigger) plan(record *proof.Record) Record {
	rec := Record{
		ProofID:           record.Request.ID,
		Amount:            strings.TrimSpace(t.defaults.Amount),
		SourceDomain:      t.defaults.SourceDomain,
		DestinationDomain: t.defaults.DestinationDomain,
		Status:            StatusTriggered,
	}
	if params := record.Request.Settlement; params != nil {
		if amount := strings.TrimSpace(params.Amount); amount != "" {
			rec.Amount = amount
		}
		if params.DestinationDomain != 0 {
			rec.DestinationDomain = params.DestinationDomain
		}
	}
	switch {
	case !t.enabled:
		rec.Status = StatusNotEligible
		rec.ErrorDetail = "settlement disabled"
	case rec.Amount == "":
		rec.Status = StatusNotEligible
		rec.ErrorDetail = "no settlement amount"
	default:
		if _, err := ParseAmount(rec.Amount); err != nil {
			rec.Status = StatusNotEligible
			rec.ErrorCode = string(CodeInvalidAmount)
			rec.ErrorDetail = xerrors.PublicMessage(err)
		}
	}
	return rec
}

func (t *Trigger) settle(ctx context.Context, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("结算流程发生 panic", slog.String("proof_id", rec.ProofID), slog.Any("panic", r))
			t.fail(ctx, rec.ProofID, 0, Rejected(fmt.Errorf("panic: %v", r), ""))
		}
	}()

	amount, err := ParseAmount(rec.Amount)
	if err != nil {
		t.fail(ctx, rec.ProofID, 0, err)
		return
	}
	req := TransferRequest{
		ProofID:           rec.ProofID,
		Amount:            amount,
		SourceDomain:      rec.SourceDomain,
		DestinationDomain: rec.DestinationDomain,
	}

	var res TransferResult
	result, err := retry.Do(ctx, t.policy, func(ctx context.Context, _ int) error {
		var callErr error
		res, callErr = t.gateway.Transfer(ctx, req)
		return callErr
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		logger.L().Warn("结算请求失败，准备重试",
			slog.String("proof_id", rec.ProofID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.fail(ctx, rec.ProofID, result.Attempts, err)
		return
	}

	done, err := t.store.Finish(ctx, rec.ProofID, StatusCompleted, func(r *Record) {
		r.TxHash = res.TxHash
		r.Attempts = result.Attempts
	})
	if err != nil {
		logger.L().Error("记录结算结果失败", slog.String("proof_id", rec.ProofID), slog.Any("error", err))
		return
	}
	logger.Audit().Info("结算已完成",
		slog.String("proof_id", rec.ProofID),
		slog.String("tx_hash", done.TxHash),
		slog.String("gateway_status", res.Status),
		slog.Int("attempts", result.Attempts))
	t.finished(ctx, done)
}

// fail 把结算标记为失败。任何失败对外统一呈现为 SETTLEMENT_ERROR 类别，
// 具体错误码保存在记录中。
func (t *Trigger) fail(ctx context.Context, proofID string, attempts int, cause error) {
	code := xerrors.CodeOf(cause)
	if retry.Exhausted(cause) {
		cause = Rejected(cause, "settlement gateway unavailable")
		code = CodeSettlementError
	}
	rec, err := t.store.Finish(ctx, proofID, StatusFailed, func(r *Record) {
		r.ErrorCode = string(code)
		r.ErrorDetail = xerrors.PublicMessage(cause)
		r.Attempts = attempts
	})
	if err != nil {
		logger.L().Error("记录结算失败状态失败", slog.String("proof_id", proofID), slog.Any("error", err))
		return
	}
	logger.Audit().Warn("结算失败",
		slog.String("proof_id", proofID),
		slog.String("code", string(code)),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()))
	if xerrors.ShouldAlert(cause) || code == CodeSettlementError {
		t.emitAlert(ctx, rec, code, cause)
	}
	t.finished(ctx, rec)
}

func (t *Trigger) finished(ctx context.Context, rec Record) {
	if t.observer != nil {
		t.observer.ObserveSettlement(rec.Status)
	}
	if t.listener != nil {
		t.listener.SettlementFinished(ctx, rec)
	}
}

func (t *Trigger) emitAlert(ctx context.Context, rec Record, code xerrors.Code, cause error) {
	if t.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	meta := xerrors.MetadataOf(cause)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["cause"] = cause.Error()
	meta["amount"] = rec.Amount
	meta["destination_domain"] = fmt.Sprint(rec.DestinationDomain)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		ProofID:    rec.ProofID,
		Stage:      "settle",
		Attempts:   rec.Attempts,
		Metadata:   meta,
		OccurredAt: time.Now(),
	}
	if err := t.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("proof_id", rec.ProofID))
	}
}
