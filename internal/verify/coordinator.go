package verify

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/observability/alerting"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/retry"
	"ZKPay-Chain/internal/web3"
	"ZKPay-Chain/internal/workqueue"
	"ZKPay-Chain/pkg/logger"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultConfirmTimeout = 5 * time.Minute
)

// ProofReader 是协调器读取证明表所需的能力。
type ProofReader interface {
	Get(ctx context.Context, id string) (*proof.Record, error)
}

// ChainSource 提供按名称查找的验证客户端。
type ChainSource interface {
	Verifier(name string) (web3.Verifier, bool)
	Targets() []string
}

// Listener 接收验证进度回调。
type Listener interface {
	VerificationSubmitted(ctx context.Context, rec Record)
	VerificationFinished(ctx context.Context, rec Record)
}

// Observer 接收验证度量。
type Observer interface {
	ObserveVerification(chain string, verdict Verdict, reason string)
	ObserveSubmissionRetry(chain string)
}

type addressed interface {
	Address() string
}

type job struct {
	proofID string
	chain   string
}

// Coordinator 为每个 (proofId, targetChain) 驱动独立的验证状态机，
// 使用独立于证明生成的工作池。
type Coordinator struct {
	proofs         ProofReader
	chains         ChainSource
	store          Store
	policy         retry.Policy
	pollInterval   time.Duration
	confirmTimeout time.Duration
	workers        int
	defaultTargets []string
	listener       Listener
	observer       Observer
	alerter        alerting.Dispatcher

	jobs    *workqueue.Queue[job]
	startMu sync.Mutex
	started bool
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithPolicy 设置提交重试策略。
func WithPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithPollInterval 设置回执轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithConfirmTimeout 设置等待回执的最长时间。
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithWorkers 设置验证工作协程数量。
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithDefaultTargets 设置未显式指定目标链时使用的链列表。
func WithDefaultTargets(targets []string) Option {
	return func(c *Coordinator) { c.defaultTargets = append([]string(nil), targets...) }
}

// WithListener 注册进度回调。
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listener = l }
}

// WithObserver 注册度量观察者。
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerter = d }
}

// NewCoordinator 构造 Coordinator。
func NewCoordinator(proofs ProofReader, chains ChainSource, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		proofs:         proofs,
		chains:         chains,
		store:          store,
		policy:         retry.DefaultPolicy(),
		pollInterval:   defaultPollInterval,
		confirmTimeout: defaultConfirmTimeout,
		workers:        1,
		jobs:           workqueue.New[job](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start 启动验证工作池，直到 ctx 结束。
func (c *Coordinator) Start(ctx context.Context) error {
	c.startMu.Lock()
	if c.started {
		c.startMu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "verification coordinator already started")
	}
	c.started = true
	c.startMu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := c.jobs.Pop(ctx)
				if !ok {
					return
				}
				c.run(ctx, j)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Verify 为一个已完成的证明登记验证记录并排队提交。targets 为空时使用默认目标链。
// 同一 (proof, chain) 重复调用不会重复提交。入队不阻塞，调用方无需等待链上交互。
func (c *Coordinator) Verify(ctx context.Context, proofID string, targets []string) ([]Record, error) {
	record, err := c.proofs.Get(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if record.Result.Status != proof.StatusComplete || record.Result.Artifact == nil {
		return nil, ErrProofNotComplete
	}
	if len(targets) == 0 {
		targets = c.defaultTargets
	}
	if len(targets) == 0 {
		targets = c.chains.Targets()
	}

	created := make([]Record, 0, len(targets))
	for _, chain := range targets {
		rec := Record{ProofID: proofID, TargetChain: chain, Verdict: VerdictUnsubmitted}
		if v, ok := c.chains.Verifier(chain); ok {
			if a, ok := v.(addressed); ok {
				rec.VerifierAddress = a.Address()
			}
		}
		if err := c.store.Create(ctx, rec); err != nil {
			if stdErrors.Is(err, ErrVerificationConflict) {
				continue
			}
			return created, err
		}
		c.jobs.Push(job{proofID: proofID, chain: chain})
		created = append(created, rec)
	}
	return created, nil
}

// Records 返回某个证明的全部验证记录。
func (c *Coordinator) Records(ctx context.Context, proofID string) ([]Record, error) {
	return c.store.ListByProof(ctx, proofID)
}

func (c *Coordinator) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("验证流程发生 panic", slog.String("proof_id", j.proofID), slog.String("chain", j.chain), slog.Any("panic", r))
			c.reject(ctx, j, 0, xerrors.New(xerrors.CodeUnknown, fmt.Sprint(r)))
		}
	}()

	verifier, ok := c.chains.Verifier(j.chain)
	if !ok {
		c.reject(ctx, j, 0, xerrors.New(web3.CodeChainUnavailable, ""))
		return
	}
	record, err := c.proofs.Get(ctx, j.proofID)
	if err != nil || record.Result.Artifact == nil {
		c.reject(ctx, j, 0, ErrProofNotComplete)
		return
	}
	artifact := record.Result.Artifact
	sub := web3.Submission{
		ProofID:      j.proofID,
		Proof:        artifact.Proof,
		PublicInputs: artifact.PublicInputs,
		Commitment:   artifact.Commitment,
	}

	var ref web3.TxRef
	result, err := retry.Do(ctx, c.policy, func(ctx context.Context, _ int) error {
		var submitErr error
		ref, submitErr = verifier.SubmitProof(ctx, sub)
		return submitErr
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		logger.L().Warn("验证提交失败，准备重试",
			slog.String("proof_id", j.proofID),
			slog.String("chain", j.chain),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
		if c.observer != nil {
			c.observer.ObserveSubmissionRetry(j.chain)
		}
	}))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if retry.Exhausted(err) {
			err = xerrors.Wrap(CodeSubmissionExhausted, err, "")
		}
		c.reject(ctx, j, result.Attempts, err)
		return
	}

	submitted, err := c.store.Transition(ctx, j.proofID, j.chain, VerdictSubmitted, func(r *Record) {
		r.TxHash = ref.Hash.Hex()
		r.Attempts = result.Attempts
	})
	if err != nil {
		logger.L().Error("记录验证提交失败", slog.String("proof_id", j.proofID), slog.String("chain", j.chain), slog.Any("error", err))
		return
	}
	logger.Audit().Info("证明已提交链上验证",
		slog.String("proof_id", j.proofID),
		slog.String("chain", j.chain),
		slog.String("tx_hash", submitted.TxHash),
		slog.Int("attempts", result.Attempts))
	if c.listener != nil {
		c.listener.VerificationSubmitted(ctx, submitted)
	}

	c.awaitReceipt(ctx, j, verifier, ref)
}

func (c *Coordinator) awaitReceipt(ctx context.Context, j job, verifier web3.Verifier, ref web3.TxRef) {
	deadline := time.NewTimer(c.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := verifier.Receipt(ctx, ref)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.L().Warn("查询验证回执失败", slog.String("proof_id", j.proofID), slog.String("chain", j.chain), slog.Any("error", err))
		case receipt.Status == web3.ReceiptConfirmed:
			c.finish(ctx, j, VerdictConfirmed, func(r *Record) {
				r.BlockNumber = receipt.BlockNumber
			})
			return
		case receipt.Status == web3.ReceiptReverted:
			c.reject(ctx, j, 0, xerrors.New(web3.CodeChainRejection, "verification transaction reverted"))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.reject(ctx, j, 0, xerrors.New(CodeConfirmationTimeout, ""))
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) reject(ctx context.Context, j job, attempts int, cause error) {
	code := xerrors.CodeOf(cause)
	c.finish(ctx, j, VerdictRejected, func(r *Record) {
		r.Reason = string(code)
		if attempts > 0 {
			r.Attempts = attempts
		}
	})
	logger.Audit().Warn("链上验证被拒绝",
		slog.String("proof_id", j.proofID),
		slog.String("chain", j.chain),
		slog.String("reason", string(code)),
		slog.String("error", cause.Error()))
	if xerrors.ShouldAlert(cause) {
		c.emitAlert(ctx, j, code, cause, attempts)
	}
}

func (c *Coordinator) finish(ctx context.Context, j job, verdict Verdict, mutate func(*Record)) {
	rec, err := c.store.Transition(ctx, j.proofID, j.chain, verdict, mutate)
	if err != nil {
		logger.L().Error("记录验证终态失败",
			slog.String("proof_id", j.proofID),
			slog.String("chain", j.chain),
			slog.String("verdict", string(verdict)),
			slog.Any("error", err))
		return
	}
	if verdict == VerdictConfirmed {
		logger.Audit().Info("链上验证已确认",
			slog.String("proof_id", j.proofID),
			slog.String("chain", j.chain),
			slog.String("tx_hash", rec.TxHash),
			slog.Uint64("block", rec.BlockNumber))
	}
	if c.observer != nil {
		c.observer.ObserveVerification(j.chain, verdict, rec.Reason)
	}
	if c.listener != nil {
		c.listener.VerificationFinished(ctx, rec)
	}
}

func (c *Coordinator) emitAlert(ctx context.Context, j job, code xerrors.Code, cause error, attempts int) {
	if c.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:        code,
		Message:     attrs.Message,
		Severity:    attrs.Severity,
		ProofID:     j.proofID,
		TargetChain: j.chain,
		Stage:       "verify",
		Attempts:    attempts,
		Metadata:    xerrors.MetadataOf(cause),
		OccurredAt:  time.Now(),
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["cause"] = cause.Error()
	if err := c.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("proof_id", j.proofID))
	}
}
