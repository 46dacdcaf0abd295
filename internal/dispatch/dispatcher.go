// Package dispatch 把连接上的入站消息转成证明请求，并把证明、验证与结算的进度
// 以事件形式按会话回送给客户端。
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ZKPay-Chain/internal/backend"
	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/guidance"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/session"
	"ZKPay-Chain/internal/settlement"
	"ZKPay-Chain/internal/storage/mysql"
	"ZKPay-Chain/internal/verify"
	"ZKPay-Chain/pkg/logger"
)

// Stage 是单条入站消息在分发状态机中的阶段。
type Stage string

const (
	StageReceived       Stage = "received"
	StageValidated      Stage = "validated"
	StageRouted         Stage = "routed"
	StageAwaitingResult Stage = "awaiting_result"
	StageRejected       Stage = "rejected"
)

// Submitter 受理证明请求，通常由 backend.Adapter 实现。
type Submitter interface {
	Submit(ctx context.Context, req proof.Request) (backend.Handle, error)
}

// ProofReader 读取证明表。
type ProofReader interface {
	Get(ctx context.Context, id string) (*proof.Record, error)
}

// Verifier 在证明完成后登记链上验证，通常由 verify.Coordinator 实现。
type Verifier interface {
	Verify(ctx context.Context, proofID string, targets []string) ([]verify.Record, error)
}

// Settler 在首次链上确认后触发结算，通常由 settlement.Trigger 实现。
type Settler interface {
	OnConfirmed(ctx context.Context, proofID string) (settlement.Record, bool, error)
}

// OutcomeSink 持久化各阶段的终态结果。
type OutcomeSink interface {
	Append(ctx context.Context, record mysql.OutcomeRecord) error
}

// Observer 接收分发相关的度量。
type Observer interface {
	EventDropped(event string)
	MessageHandled(stage string)
	MessageRejected(code string)
}

// Dispatcher 持有每个会话的出站队列，并实现证明、验证、结算三类回调。
type Dispatcher struct {
	registry  *session.Registry
	submitter Submitter
	proofs    ProofReader
	verifier  Verifier
	settler   Settler
	guide     guidance.Provider
	sink      OutcomeSink
	observer  Observer
	maxStep   int
	buffer    int
	newID     func() string
	now       func() time.Time

	outboxes sync.Map
	dropped  atomic.Int64
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithGuidance 配置 info 事件使用的引导文案。
func WithGuidance(p guidance.Provider) Option {
	return func(d *Dispatcher) { d.guide = p }
}

// WithOutcomeSink 配置终态审计。
func WithOutcomeSink(s OutcomeSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithObserver 配置度量观察者。
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithMaxStepSize 设置 step_size 上限。
func WithMaxStepSize(max int) Option {
	return func(d *Dispatcher) {
		if max > 0 {
			d.maxStep = max
		}
	}
}

// WithOutboundBuffer 设置每个会话出站队列的容量，写满时会话被关闭。
func WithOutboundBuffer(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.buffer = size
		}
	}
}

// WithProofIDGenerator 替换证明 ID 生成器。
func WithProofIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithClock 替换时钟。
func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// New 构造 Dispatcher。
func New(registry *session.Registry, submitter Submitter, proofs ProofReader, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		submitter: submitter,
		proofs:    proofs,
		maxStep:   backend.DefaultMaxStepSize,
		buffer:    defaultOutboundBuffer,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Bind 接入验证协调器与结算触发器。二者以 Dispatcher 作为回调，
// 因此在构造之后、接受连接之前调用。任一参数可为 nil。
func (d *Dispatcher) Bind(verifier Verifier, settler Settler) {
	d.verifier = verifier
	d.settler = settler
}

// Open 为新连接创建会话，返回会话 ID 与只读的出站事件通道。
// 会话关闭后通道被关闭。
func (d *Dispatcher) Open() (string, <-chan Event) {
	sess := d.registry.Open()
	ob := newOutbox(d.buffer)
	d.outboxes.Store(sess.ID, ob)
	logger.ForSession(sess.ID).Info("会话已建立")
	return sess.ID, ob.ch
}

// Close 关闭会话。正在运行的证明不会被取消，之后的事件被丢弃并计数。
func (d *Dispatcher) Close(sessionID string) error {
	sess, err := d.registry.Close(sessionID)
	if value, ok := d.outboxes.LoadAndDelete(sessionID); ok {
		d.countDropped(value.(*outbox).close())
	}
	if err != nil {
		return err
	}
	logger.ForSession(sessionID).Info("会话已关闭", slog.Int("orphaned_proofs", len(sess.ProofIDs)))
	return nil
}

// Dropped 返回因会话关闭而丢弃的事件总数，包括因出站队列溢出被关闭的会话。
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

type inbound struct {
	Metadata    json.RawMessage    `json:"metadata"`
	BackendKind string             `json:"backendKind"`
	Settlement  *settlementPayload `json:"settlement"`
	Message     *string            `json:"message"`
}

type metadataPayload struct {
	Function    string            `json:"function"`
	Arguments   []json.RawMessage `json:"arguments"`
	StepSize    int               `json:"step_size"`
	Explanation string            `json:"explanation"`
}

type settlementPayload struct {
	Amount            string `json:"amount"`
	DestinationDomain uint32 `json:"destination_domain"`
}

// Handle 顺序处理一条入站消息。任何失败都以 error 事件回送，不影响其他会话；
// 处理过程中的 panic 被恢复并记录。
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.ForSession(sessionID).Error("处理消息时发生 panic", slog.Any("panic", r))
			d.reject(sessionID, xerrors.New(xerrors.CodeUnknown, ""))
		}
	}()

	if !d.registry.IsLive(sessionID) {
		logger.ForSession(sessionID).Debug("会话已关闭，忽略入站消息")
		return
	}
	d.advance(StageReceived)

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.reject(sessionID, xerrors.Wrap(xerrors.CodeMalformedMessage, err, ""))
		return
	}

	// metadata 存在时总是走结构化校验，即使同时带有 message。
	if len(msg.Metadata) > 0 {
		d.handleProof(ctx, sessionID, msg)
		return
	}
	if msg.Message != nil {
		d.handleText(sessionID, *msg.Message)
		return
	}
	d.reject(sessionID, xerrors.New(xerrors.CodeMalformedMessage, "message must carry metadata or message"))
}

func (d *Dispatcher) handleText(sessionID, text string) {
	d.advance(StageValidated)
	d.advance(StageRouted)
	if strings.Contains(strings.ToLower(text), "proof") {
		d.emit(sessionID, Event{Type: EventInfo, Message: guidance.Answer(d.guide, text)})
		return
	}
	d.emit(sessionID, Event{Type: EventResponse, Message: "Received: " + text})
}

func (d *Dispatcher) handleProof(ctx context.Context, sessionID string, msg inbound) {
	req, err := d.validate(sessionID, msg)
	if err != nil {
		d.reject(sessionID, err)
		return
	}
	d.advance(StageValidated)

	ob, ok := d.outbox(sessionID)
	if !ok {
		d.countDrop(EventProofStatus)
		return
	}
	ob.hold(req.ID)
	handle, err := d.submitter.Submit(ctx, req)
	if err != nil {
		d.settle(sessionID, ob, ob.release(req.ID, nil))
		d.reject(sessionID, err)
		return
	}
	d.advance(StageRouted)
	if err := d.registry.RecordProof(sessionID, handle.ProofID); err != nil {
		logger.ForSession(sessionID).Warn("会话已关闭，证明成为孤儿", slog.String("proof_id", handle.ProofID))
	}

	ack := Event{Type: EventProofStatus, ProofID: handle.ProofID, Status: StatusAccepted}
	if !d.registry.IsLive(sessionID) {
		d.countDropped(append([]Event{ack}, ob.release(req.ID, nil)...))
		return
	}
	d.settle(sessionID, ob, ob.release(req.ID, &ack))
	d.advance(StageAwaitingResult)
}

func (d *Dispatcher) validate(sessionID string, msg inbound) (proof.Request, error) {
	if bytes.Equal(bytes.TrimSpace(msg.Metadata), []byte("null")) {
		return proof.Request{}, xerrors.New(xerrors.CodeValidation, "metadata must be an object")
	}
	var meta metadataPayload
	if err := json.Unmarshal(msg.Metadata, &meta); err != nil {
		return proof.Request{}, xerrors.Wrap(xerrors.CodeMalformedMessage, err, "metadata has an unknown shape")
	}
	function := strings.TrimSpace(meta.Function)
	if function == "" {
		return proof.Request{}, xerrors.New(xerrors.CodeValidation, "metadata.function is required")
	}
	if meta.StepSize < 1 || meta.StepSize > d.maxStep {
		return proof.Request{}, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("step_size must be between 1 and %d", d.maxStep),
			xerrors.WithMetadata("step_size", fmt.Sprint(meta.StepSize)))
	}
	kind, ok := proof.ParseKind(strings.TrimSpace(msg.BackendKind))
	if !ok {
		return proof.Request{}, xerrors.New(backend.CodeUnknownFunction,
			fmt.Sprintf("backend %q is not supported", msg.BackendKind))
	}

	req := proof.Request{
		ID:             d.newID(),
		Kind:           kind,
		Function:       function,
		Arguments:      meta.Arguments,
		StepSize:       meta.StepSize,
		Explanation:    meta.Explanation,
		OwnerSessionID: sessionID,
		CreatedAt:      d.now().Unix(),
	}
	if s := msg.Settlement; s != nil {
		amount := strings.TrimSpace(s.Amount)
		if amount != "" {
			if _, err := settlement.ParseAmount(amount); err != nil {
				return proof.Request{}, err
			}
		}
		req.Settlement = &proof.SettlementParams{Amount: amount, DestinationDomain: s.DestinationDomain}
	}
	return req, nil
}

// Reject 以 error 事件回送在传输层被拒绝的消息，例如超出速率限制。
func (d *Dispatcher) Reject(sessionID string, err error) {
	d.reject(sessionID, err)
}

func (d *Dispatcher) reject(sessionID string, err error) {
	code := xerrors.CodeOf(err)
	logger.ForSession(sessionID).Warn("消息被拒绝",
		slog.String("code", string(code)),
		slog.Any("error", err))
	d.advance(StageRejected)
	if d.observer != nil {
		d.observer.MessageRejected(string(code))
	}
	d.emit(sessionID, Event{Type: EventError, Code: string(code), Message: xerrors.PublicMessage(err)})
}

// emit 在写入前检查会话是否存活，已关闭会话的事件被丢弃并计数。
func (d *Dispatcher) emit(sessionID string, ev Event) {
	if !d.registry.IsLive(sessionID) {
		d.countDrop(ev.Type)
		return
	}
	ob, ok := d.outbox(sessionID)
	if !ok {
		d.countDrop(ev.Type)
		return
	}
	if !ob.push(ev) {
		d.settle(sessionID, ob, []Event{ev})
	}
}

// settle 计入未能写出的事件。出站队列溢出的会话先被关闭，
// 因此任何丢弃都发生在会话关闭之后。
func (d *Dispatcher) settle(sessionID string, ob *outbox, dropped []Event) {
	if ob.overflow() && d.registry.IsLive(sessionID) {
		logger.ForSession(sessionID).Warn("出站队列已满，按慢消费者关闭会话", slog.Int("buffer", cap(ob.ch)))
		if err := d.Close(sessionID); err != nil {
			logger.ForSession(sessionID).Warn("关闭慢消费者会话失败", slog.Any("error", err))
		}
	}
	d.countDropped(dropped)
}

func (d *Dispatcher) outbox(sessionID string) (*outbox, bool) {
	value, ok := d.outboxes.Load(sessionID)
	if !ok {
		return nil, false
	}
	return value.(*outbox), true
}

func (d *Dispatcher) countDropped(events []Event) {
	for _, ev := range events {
		d.countDrop(ev.Type)
	}
}

func (d *Dispatcher) countDrop(event EventType) {
	d.dropped.Add(1)
	if d.observer != nil {
		d.observer.EventDropped(string(event))
	}
}

func (d *Dispatcher) advance(stage Stage) {
	if d.observer != nil {
		d.observer.MessageHandled(string(stage))
	}
}
