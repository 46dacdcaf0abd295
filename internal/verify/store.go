package verify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store 保存验证记录，所有状态转换必须经过 Transition 以保证单调。
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, proofID, chain string) (Record, error)
	ListByProof(ctx context.Context, proofID string) ([]Record, error)
	// Transition 在 CanTransition 允许时把记录推进到 to，mutate 可补充字段。
	Transition(ctx context.Context, proofID, chain string, to Verdict, mutate func(*Record)) (Record, error)
}

type recordKey struct {
	proofID string
	chain   string
}

type memoryEntry struct {
	mu     sync.Mutex
	record Record
}

// MemoryStore 是 Store 的内存实现：索引锁仅在登记与查找时持有，转换由记录锁保护。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[recordKey]*memoryEntry
	byProof map[string][]string
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[recordKey]*memoryEntry),
		byProof: make(map[string][]string),
		now:     time.Now,
	}
}

// Create 登记一条新的验证记录。
func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	key := recordKey{proofID: rec.ProofID, chain: rec.TargetChain}
	if rec.Verdict == "" {
		rec.Verdict = VerdictUnsubmitted
	}
	rec.UpdatedAt = m.now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return ErrVerificationConflict
	}
	m.entries[key] = &memoryEntry{record: rec}
	m.byProof[rec.ProofID] = append(m.byProof[rec.ProofID], rec.TargetChain)
	return nil
}

// Get 返回记录快照。
func (m *MemoryStore) Get(_ context.Context, proofID, chain string) (Record, error) {
	entry, ok := m.lookup(proofID, chain)
	if !ok {
		return Record{}, ErrVerificationNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, nil
}

// ListByProof 按链名排序返回某个证明的全部验证记录。
func (m *MemoryStore) ListByProof(_ context.Context, proofID string) ([]Record, error) {
	m.mu.RLock()
	chains := append([]string(nil), m.byProof[proofID]...)
	m.mu.RUnlock()
	sort.Strings(chains)

	out := make([]Record, 0, len(chains))
	for _, chain := range chains {
		entry, ok := m.lookup(proofID, chain)
		if !ok {
			continue
		}
		entry.mu.Lock()
		out = append(out, entry.record)
		entry.mu.Unlock()
	}
	return out, nil
}

// Transition 实现 Store 接口。
func (m *MemoryStore) Transition(_ context.Context, proofID, chain string, to Verdict, mutate func(*Record)) (Record, error) {
	entry, ok := m.lookup(proofID, chain)
	if !ok {
		return Record{}, ErrVerificationNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !CanTransition(entry.record.Verdict, to) {
		return entry.record, ErrInvalidTransition
	}
	next := entry.record
	if mutate != nil {
		mutate(&next)
	}
	next.ProofID, next.TargetChain = proofID, chain
	next.Verdict = to
	next.UpdatedAt = m.now().Unix()
	entry.record = next
	return next, nil
}

func (m *MemoryStore) lookup(proofID, chain string) (*memoryEntry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[recordKey{proofID: proofID, chain: chain}]
	m.mu.RUnlock()
	return entry, ok
}

var _ Store = (*MemoryStore)(nil)
