package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ZKPay-Chain/internal/errors"
)

// State 表示会话在连接生命周期中的阶段。
type State string

const (
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionClosed   xerrors.Code = "SESSION_CLOSED"
)

var (
	// ErrSessionNotFound 表示会话 ID 从未注册。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionClosed 表示会话已进入关闭流程，不再接受新的证明。
	ErrSessionClosed = xerrors.New(CodeSessionClosed, "session closed")
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionClosed, xerrors.Attributes{
		Message:   "session closed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Session 是会话记录的只读快照。
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	ProofIDs  []string  `json:"proof_ids,omitempty"`
}

// Stats 汇总注册表中各状态的会话数量。
type Stats struct {
	Open    int `json:"open"`
	Closing int `json:"closing"`
	Closed  int `json:"closed"`
}

type record struct {
	mu        sync.Mutex
	id        string
	state     State
	createdAt time.Time
	closedAt  time.Time
	proofIDs  []string
}

func (r *record) snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.proofIDs))
	copy(ids, r.proofIDs)
	return Session{
		ID:        r.id,
		State:     r.state,
		CreatedAt: r.createdAt,
		ClosedAt:  r.closedAt,
		ProofIDs:  ids,
	}
}

// Registry 持有进程内全部会话。索引由 sync.Map 维护，每条记录有独立的锁，
// 不存在覆盖整张表的全局锁。
type Registry struct {
	records  sync.Map
	newID    func() string
	now      func() time.Time
	observer Observer
}

// Observer 在会话打开与关闭时收到通知，用于指标统计。
type Observer interface {
	SessionOpened()
	SessionClosed()
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithIDGenerator 替换会话 ID 生成方式，主要用于测试。
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithClock 替换时钟。
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithObserver 配置会话生命周期观察者。
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry 创建会话注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Open 为新连接分配会话。
func (r *Registry) Open() Session {
	for {
		rec := &record{id: r.newID(), state: StateOpen, createdAt: r.now()}
		if _, loaded := r.records.LoadOrStore(rec.id, rec); loaded {
			continue
		}
		if r.observer != nil {
			r.observer.SessionOpened()
		}
		return rec.snapshot()
	}
}

// Close 将会话依次推进到 Closing 与 Closed。已发起的证明不会被取消，只是
// 与会话解除关联；重复关闭是无害的。
func (r *Registry) Close(id string) (Session, error) {
	rec, ok := r.load(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.state != StateOpen {
		rec.mu.Unlock()
		return rec.snapshot(), nil
	}
	rec.state = StateClosing
	rec.mu.Unlock()

	rec.mu.Lock()
	rec.state = StateClosed
	rec.closedAt = r.now()
	rec.mu.Unlock()

	if r.observer != nil {
		r.observer.SessionClosed()
	}
	return rec.snapshot(), nil
}

// RecordProof 将证明 ID 记入会话。会话不在 Open 状态时返回 ErrSessionClosed。
func (r *Registry) RecordProof(id, proofID string) error {
	rec, ok := r.load(id)
	if !ok {
		return ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateOpen {
		return ErrSessionClosed
	}
	rec.proofIDs = append(rec.proofIDs, proofID)
	return nil
}

// IsLive 报告会话是否仍可接收出站事件。
func (r *Registry) IsLive(id string) bool {
	rec, ok := r.load(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state == StateOpen
}

// Get 返回会话快照。
func (r *Registry) Get(id string) (Session, error) {
	rec, ok := r.load(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return rec.snapshot(), nil
}

// Proofs 返回会话发起过的证明 ID，按提交顺序排列。
func (r *Registry) Proofs(id string) ([]string, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ProofIDs, nil
}

// List 返回全部会话快照，按创建时间升序。
func (r *Registry) List() []Session {
	var sessions []Session
	r.records.Range(func(_, value any) bool {
		sessions = append(sessions, value.(*record).snapshot())
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Stats 统计各状态会话数量。
func (r *Registry) Stats() Stats {
	var stats Stats
	r.records.Range(func(_, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		switch rec.state {
		case StateOpen:
			stats.Open++
		case StateClosing:
			stats.Closing++
		case StateClosed:
			stats.Closed++
		}
		rec.mu.Unlock()
		return true
	})
	return stats
}

func (r *Registry) load(id string) (*record, bool) {
	value, ok := r.records.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*record), true
}
