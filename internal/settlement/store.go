package settlement

import (
	"context"
	"sync"
	"time"
)

// Store 保存结算记录。CreateIfAbsent 是每个证明仅结算一次的进程内保证。
type Store interface {
	// CreateIfAbsent 在证明尚无记录时登记 rec 并返回 true，否则返回已有记录与 false。
	CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, proofID string) (Record, error)
	// Finish 把 Triggered 记录推进到 Completed 或 Failed。
	Finish(ctx context.Context, proofID string, to Status, mutate func(*Record)) (Record, error)
}

type memoryEntry struct {
	mu     sync.Mutex
	record Record
}

// MemoryStore 是 Store 的内存实现，索引锁只覆盖登记与查找。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

// CreateIfAbsent 实现 Store 接口。
func (m *MemoryStore) CreateIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	rec.UpdatedAt = m.now().Unix()

	m.mu.Lock()
	existing, ok := m.entries[rec.ProofID]
	if !ok {
		m.entries[rec.ProofID] = &memoryEntry{record: rec}
	}
	m.mu.Unlock()

	if ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.record, false, nil
	}
	return rec, true, nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, proofID string) (Record, error) {
	m.mu.RLock()
	entry, ok := m.entries[proofID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrSettlementNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, nil
}

// Finish 实现 Store 接口。
func (m *MemoryStore) Finish(_ context.Context, proofID string, to Status, mutate func(*Record)) (Record, error) {
	if to != StatusCompleted && to != StatusFailed {
		return Record{}, ErrInvalidTransition
	}
	m.mu.RLock()
	entry, ok := m.entries[proofID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrSettlementNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.record.Status != StatusTriggered {
		return entry.record, ErrInvalidTransition
	}
	next := entry.record
	if mutate != nil {
		mutate(&next)
	}
	next.ProofID = proofID
	next.Status = to
	next.UpdatedAt = m.now().Unix()
	entry.record = next
	return next, nil
}

var _ Store = (*MemoryStore)(nil)
