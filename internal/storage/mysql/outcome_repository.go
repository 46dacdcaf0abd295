package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Stage 标识终态结果来自哪个阶段。
type Stage string

const (
	StageProof        Stage = "proof"
	StageVerification Stage = "verification"
	StageSettlement   Stage = "settlement"
)

// maxCachedOutcomes 限制文件仓库在内存中保留的最近记录数。
const maxCachedOutcomes = 512

// OutcomeRecord 是一条终态审计记录。
type OutcomeRecord struct {
	ProofID     string `json:"proof_id"`
	Stage       Stage  `json:"stage"`
	Status      string `json:"status"`
	TargetChain string `json:"target_chain,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	OccurredAt  int64  `json:"occurred_at"`
}

// OutcomeRepository 抽象终态审计记录的持久化接口。
type OutcomeRepository interface {
	Append(ctx context.Context, record OutcomeRecord) error
	ListByProof(ctx context.Context, proofID string) ([]OutcomeRecord, error)
	ListLatest(ctx context.Context, limit int) ([]OutcomeRecord, error)
	Close() error
}

// FileOutcomeRepository 以 JSON Lines 追加写入本地文件，便于本地演示。
type FileOutcomeRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []OutcomeRecord
}

// NewFileOutcomeRepository 在 dataDir 下创建或恢复 outcomes.log。
func NewFileOutcomeRepository(dataDir string) (*FileOutcomeRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileOutcomeRepository{dataFile: filepath.Join(dataDir, "outcomes.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录终态结果。
func (m *FileOutcomeRepository) Append(_ context.Context, record OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}

	m.records = append([]OutcomeRecord{record}, m.records...)
	if len(m.records) > maxCachedOutcomes {
		m.records = m.records[:maxCachedOutcomes]
	}
	return nil
}

// ListByProof 按发生顺序返回某个证明的审计记录。
func (m *FileOutcomeRepository) ListByProof(_ context.Context, proofID string) ([]OutcomeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []OutcomeRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].ProofID == proofID {
			results = append(results, m.records[i])
		}
	}
	return results, nil
}

// ListLatest 返回最近的审计记录，按时间倒序排列。
func (m *FileOutcomeRepository) ListLatest(_ context.Context, limit int) ([]OutcomeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]OutcomeRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 OutcomeRepository 接口。
func (m *FileOutcomeRepository) Close() error { return nil }

func (m *FileOutcomeRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取审计日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []OutcomeRecord
	for scanner.Scan() {
		var record OutcomeRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]OutcomeRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计日志失败: %w", err)
	}

	if len(restored) > maxCachedOutcomes {
		restored = restored[:maxCachedOutcomes]
	}
	m.records = restored
	return nil
}

// SQLOutcomeRepository 把审计记录写入 MySQL 的 proof_outcomes 表。
type SQLOutcomeRepository struct {
	db *sql.DB
}

// NewSQLOutcomeRepository 创建连接池并执行内置迁移。
func NewSQLOutcomeRepository(ctx context.Context, cfg Config) (*SQLOutcomeRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLOutcomeRepository{db: db}, nil
}

const insertOutcomeSQL = `INSERT INTO proof_outcomes
    (proof_id, stage, status, target_chain, code, detail, tx_hash, session_id, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectOutcomeColumns = `SELECT proof_id, stage, status, target_chain, code, detail, tx_hash, session_id, occurred_at
    FROM proof_outcomes`

// Append 将审计记录写入 MySQL。
func (s *SQLOutcomeRepository) Append(ctx context.Context, record OutcomeRecord) error {
	if _, err := s.db.ExecContext(ctx, insertOutcomeSQL,
		record.ProofID,
		string(record.Stage),
		record.Status,
		record.TargetChain,
		record.Code,
		record.Detail,
		record.TxHash,
		record.SessionID,
		record.OccurredAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListByProof 按发生顺序查询某个证明的审计记录。
func (s *SQLOutcomeRepository) ListByProof(ctx context.Context, proofID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectOutcomeColumns+` WHERE proof_id = ? ORDER BY id ASC`, proofID)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	return scanOutcomes(rows)
}

// ListLatest 查询最近的若干条审计记录。
func (s *SQLOutcomeRepository) ListLatest(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectOutcomeColumns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]OutcomeRecord, error) {
	defer rows.Close()

	var records []OutcomeRecord
	for rows.Next() {
		var (
			record OutcomeRecord
			stage  string
			detail sql.NullString
		)
		if err := rows.Scan(&record.ProofID, &stage, &record.Status, &record.TargetChain, &record.Code, &detail, &record.TxHash, &record.SessionID, &record.OccurredAt); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		record.Stage = Stage(stage)
		record.Detail = detail.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLOutcomeRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ OutcomeRepository = (*FileOutcomeRepository)(nil)
	_ OutcomeRepository = (*SQLOutcomeRepository)(nil)
)
