package backend

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/observability/alerting"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/pkg/logger"
)

// DefaultEngineTimeout 是单次证明生成的默认时限。
const DefaultEngineTimeout = 10 * time.Minute

// releaseTimeout 限制退出时归还领取的耗时。
const releaseTimeout = 5 * time.Second

// Listener 在证明进入终态后被调用，record 为终态快照。
type Listener interface {
	ProofFinished(ctx context.Context, record *proof.Record)
}

// ListenerFunc 允许直接使用函数作为 Listener。
type ListenerFunc func(ctx context.Context, record *proof.Record)

// ProofFinished 实现 Listener 接口。
func (f ListenerFunc) ProofFinished(ctx context.Context, record *proof.Record) {
	f(ctx, record)
}

// Observer 接收证明生成的度量数据。
type Observer interface {
	ObserveProof(kind proof.Kind, status proof.Status, elapsed time.Duration)
}

// Processor 负责从生成队列消费证明并交给对应引擎执行。
type Processor struct {
	adapter     *Adapter
	store       proof.Store
	consumer    proof.Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	listener    Listener
	observer    Observer
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithEngineTimeout 设置单次证明的时限。
func WithEngineTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithListener 注册终态回调。
func WithListener(l Listener) ProcessorOption {
	return func(p *Processor) {
		p.listener = l
	}
}

// WithObserver 注册度量观察者。
func WithObserver(o Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = o
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(adapter *Adapter, store proof.Store, consumer proof.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		adapter:     adapter,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		timeout:     DefaultEngineTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动证明生成循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置证明消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, proofID string) (err error) {
	if p.store == nil || p.adapter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	record, err := p.store.Claim(ctx, proofID)
	if err != nil {
		if stdErrors.Is(err, proof.ErrProofNotFound) || stdErrors.Is(err, proof.ErrProofFinalized) || stdErrors.Is(err, proof.ErrProofRunning) {
			p.logDebug("跳过证明", slog.String("proof_id", proofID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取证明失败", slog.Any("error", err), slog.String("proof_id", proofID))
		p.emitAlert(ctx, &proof.Request{ID: proofID}, xerrors.CodeStorageFailure, err, "claim")
		return err
	}
	req := record.Request

	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("证明引擎发生 panic", slog.String("proof_id", req.ID), slog.Any("panic", r))
			p.finishFailed(ctx, req, time.Time{}, xerrors.New(CodeBackendError, "", xerrors.WithMetadata("panic", fmt.Sprint(r))))
			err = nil
		}
	}()

	spec, args, resolveErr := p.adapter.Resolve(req)
	if resolveErr != nil {
		p.finishFailed(ctx, req, time.Time{}, resolveErr)
		return nil
	}
	engine, _ := p.adapter.Engine(req.Kind)

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	out, proveErr := engine.Prove(runCtx, Invocation{
		ProofID:  req.ID,
		Kind:     req.Kind,
		Function: spec,
		Args:     args,
		StepSize: req.StepSize,
	})
	cancel()
	if proveErr != nil {
		if ctx.Err() != nil && !xerrors.IsCode(proveErr, CodeEngineTimeout) {
			// 进程退出导致的中断不写入终态，归还领取以便重启后重新执行。
			p.release(ctx, req.ID)
			return ctx.Err()
		}
		if _, ok := xerrors.From(proveErr); !ok {
			proveErr = xerrors.Wrap(CodeBackendError, proveErr, "")
		}
		p.finishFailed(ctx, req, started, proveErr)
		return nil
	}

	elapsed := time.Since(started)
	metrics := out.Metrics
	if metrics.TimeMs <= 0 {
		metrics.TimeMs = elapsed.Milliseconds()
	}
	if metrics.GenerationTimeSecs <= 0 {
		metrics.GenerationTimeSecs = elapsed.Seconds()
	}
	if metrics.ProofSize <= 0 {
		metrics.ProofSize = len(out.Artifact.Proof)
	}
	if err := p.store.Complete(ctx, req.ID, out.Artifact, metrics); err != nil {
		if stdErrors.Is(err, proof.ErrProofFinalized) {
			return nil
		}
		logger.L().Error("标记证明完成状态失败", slog.Any("error", err), slog.String("proof_id", req.ID))
		p.emitAlert(ctx, &req, xerrors.CodeStorageFailure, err, "complete")
		return nil
	}
	logger.Audit().Info("证明生成成功",
		slog.String("proof_id", req.ID),
		slog.String("session_id", req.OwnerSessionID),
		slog.String("function", req.Function),
		slog.Int("proof_size", metrics.ProofSize),
		slog.Int64("time_ms", metrics.TimeMs),
	)
	p.observe(req.Kind, proof.StatusComplete, elapsed)
	p.notify(ctx, req.ID)
	return nil
}

func (p *Processor) release(ctx context.Context, proofID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.store.Release(releaseCtx, proofID); err != nil {
		logger.L().Warn("归还证明领取失败", slog.Any("error", err), slog.String("proof_id", proofID))
	}
}

func (p *Processor) finishFailed(ctx context.Context, req proof.Request, started time.Time, cause error) {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeBackendError
	}
	if err := p.store.Fail(ctx, req.ID, string(code), xerrors.PublicMessage(cause)); err != nil {
		if !stdErrors.Is(err, proof.ErrProofFinalized) {
			logger.L().Error("标记证明失败状态出错", slog.Any("error", err), slog.String("proof_id", req.ID))
		}
		return
	}
	logger.Audit().Warn("证明生成失败",
		slog.String("proof_id", req.ID),
		slog.String("session_id", req.OwnerSessionID),
		slog.String("function", req.Function),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}
	p.observe(req.Kind, proof.StatusFailed, elapsed)
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, &req, code, cause, "prove")
	}
	p.notify(ctx, req.ID)
}

func (p *Processor) notify(ctx context.Context, proofID string) {
	if p.listener == nil {
		return
	}
	record, err := p.store.Get(ctx, proofID)
	if err != nil {
		logger.L().Error("读取证明终态失败", slog.Any("error", err), slog.String("proof_id", proofID))
		return
	}
	p.listener.ProofFinished(ctx, record)
}

func (p *Processor) observe(kind proof.Kind, status proof.Status, elapsed time.Duration) {
	if p.observer != nil {
		p.observer.ObserveProof(kind, status, elapsed)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, req *proof.Request, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || req == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		ProofID:    req.ID,
		SessionID:  req.OwnerSessionID,
		Stage:      stage,
		Metadata:   xerrors.MetadataOf(cause),
		OccurredAt: time.Now(),
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["function"] = req.Function
	if cause != nil {
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("proof_id", req.ID),
			slog.String("stage", stage),
		)
	}
}
