package proof

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ZKPay-Chain/internal/errors"
)

type memoryEntry struct {
	mu      sync.Mutex
	request Request
	result  Result
	claimed bool
}

func (e *memoryEntry) snapshot() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Record{Request: cloneRequest(e.request), Result: cloneResult(e.result)}
}

// MemoryStore 以内存方式保存证明表。索引锁只在登记与查找时短暂持有，
// 状态转换由每条记录自己的锁保护。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, req Request) error {
	if strings.TrimSpace(req.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "proof id must not be empty")
	}
	now := m.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	entry := &memoryEntry{
		request: cloneRequest(req),
		result:  Result{ProofID: req.ID, Status: StatusPending, UpdatedAt: now},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[req.ID]; ok {
		return ErrProofConflict
	}
	m.entries[req.ID] = entry
	return nil
}

// Get 返回请求与结果的快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	entry, ok := m.lookup(id)
	if !ok {
		return nil, ErrProofNotFound
	}
	return entry.snapshot(), nil
}

// Claim 标记证明已被工作协程领取。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Record, error) {
	entry, ok := m.lookup(id)
	if !ok {
		return nil, ErrProofNotFound
	}
	entry.mu.Lock()
	if entry.result.Status.Terminal() {
		entry.mu.Unlock()
		return entry.snapshot(), ErrProofFinalized
	}
	if entry.claimed {
		entry.mu.Unlock()
		return entry.snapshot(), ErrProofRunning
	}
	entry.claimed = true
	entry.result.Attempts++
	entry.result.UpdatedAt = m.now().Unix()
	entry.mu.Unlock()
	return entry.snapshot(), nil
}

// Release 撤销领取。
func (m *MemoryStore) Release(_ context.Context, id string) error {
	entry, ok := m.lookup(id)
	if !ok {
		return ErrProofNotFound
	}
	entry.mu.Lock()
	if entry.result.Status == StatusPending {
		entry.claimed = false
	}
	entry.mu.Unlock()
	return nil
}

// Complete 记录成功结果。
func (m *MemoryStore) Complete(_ context.Context, id string, artifact Artifact, metrics Metrics) error {
	return m.finalize(id, func(res *Result) {
		res.Status = StatusComplete
		res.Artifact = &artifact
		res.Metrics = &metrics
	})
}

// Fail 记录失败结果。
func (m *MemoryStore) Fail(_ context.Context, id string, code string, detail string) error {
	return m.finalize(id, func(res *Result) {
		res.Status = StatusFailed
		res.ErrorCode = code
		res.ErrorDetail = detail
	})
}

func (m *MemoryStore) finalize(id string, apply func(*Result)) error {
	entry, ok := m.lookup(id)
	if !ok {
		return ErrProofNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.result.Status.Terminal() {
		return ErrProofFinalized
	}
	apply(&entry.result)
	entry.result = cloneResult(entry.result)
	entry.result.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的证明。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	results := make([]*Record, 0)
	for _, entry := range m.all() {
		record := entry.snapshot()
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, record)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Result.UpdatedAt == b.Result.UpdatedAt {
			if a.Request.CreatedAt == b.Request.CreatedAt {
				return a.Request.ID < b.Request.ID
			}
			if opts.Order == SortByUpdatedAsc {
				return a.Request.CreatedAt < b.Request.CreatedAt
			}
			return a.Request.CreatedAt > b.Request.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.Result.UpdatedAt < b.Result.UpdatedAt
		}
		return a.Result.UpdatedAt > b.Result.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Record{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的证明数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	stats := Stats{}
	for _, entry := range m.all() {
		entry.mu.Lock()
		record := &Record{Request: entry.request, Result: entry.result}
		claimed := entry.claimed
		entry.mu.Unlock()
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.Total++
		switch record.Result.Status {
		case StatusPending:
			if claimed {
				stats.Running++
			} else {
				stats.Pending++
			}
		case StatusComplete:
			stats.Complete++
		case StatusFailed:
			stats.Failed++
		}
		updated := record.Result.UpdatedAt
		if updated > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = updated
		}
		if stats.OldestUpdatedAt == 0 || (updated != 0 && updated < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = updated
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) lookup(id string) (*memoryEntry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	return entry, ok
}

func (m *MemoryStore) all() []*memoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*memoryEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	return entries
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Result.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Kinds) > 0 {
		matched := false
		for _, kind := range opts.Kinds {
			if record.Request.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SessionID != "" && record.Request.OwnerSessionID != opts.SessionID {
		return false
	}
	if opts.Function != "" && record.Request.Function != opts.Function {
		return false
	}
	if opts.UpdatedGTE > 0 && record.Result.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
