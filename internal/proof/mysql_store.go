package proof

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ZKPay-Chain/internal/errors"
)

// MySQLConfig 描述 MySQL 证明表的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 使用 MySQL 记录证明请求与结果，适合多实例共享同一张表。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 创建一个新的 MySQLStore 并确保表结构存在。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS proof_states (
        id VARCHAR(64) PRIMARY KEY,
        kind VARCHAR(32) NOT NULL,
        function_name VARCHAR(128) NOT NULL,
        arguments TEXT NOT NULL,
        step_size INT NOT NULL,
        explanation TEXT,
        owner_session_id VARCHAR(64) NOT NULL,
        settlement TEXT,
        status VARCHAR(32) NOT NULL,
        claimed TINYINT(1) NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        artifact_proof MEDIUMBLOB,
        artifact_public_inputs TEXT,
        artifact_commitment VARCHAR(130) DEFAULT '',
        metrics TEXT,
        error_code VARCHAR(64) DEFAULT '',
        error_detail TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_proof_status (status),
        INDEX idx_proof_session (owner_session_id),
        INDEX idx_proof_updated (updated_at)
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 proof_states 表失败")
	}
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE proof_states ADD COLUMN artifact_commitment VARCHAR(130) DEFAULT '' AFTER artifact_public_inputs`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 proof_states.artifact_commitment 失败")
		}
	}
	return nil
}

// Create 插入新的证明请求，结果初始为 Pending。
func (s *MySQLStore) Create(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "proof id must not be empty")
	}
	now := s.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}

	arguments, err := json.Marshal(req.Arguments)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明参数失败")
	}
	var settlement sql.NullString
	if req.Settlement != nil {
		encoded, err := json.Marshal(req.Settlement)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结算参数失败")
		}
		settlement = sql.NullString{String: string(encoded), Valid: true}
	}

	const stmt = `INSERT INTO proof_states
        (id, kind, function_name, arguments, step_size, explanation, owner_session_id, settlement, status, claimed, attempts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		req.ID,
		req.Kind,
		req.Function,
		string(arguments),
		req.StepSize,
		req.Explanation,
		req.OwnerSessionID,
		settlement,
		StatusPending,
		req.CreatedAt,
		now,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProofConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入证明失败")
	}
	return nil
}

const selectColumns = `id, kind, function_name, arguments, step_size, explanation, owner_session_id, settlement,
        status, claimed, attempts, artifact_proof, artifact_public_inputs, artifact_commitment, metrics,
        error_code, error_detail, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, bool, error) {
	var (
		record       Record
		arguments    string
		explanation  sql.NullString
		settlement   sql.NullString
		claimed      bool
		proofBytes   []byte
		publicInputs sql.NullString
		commitment   sql.NullString
		metrics      sql.NullString
		errorCode    sql.NullString
		errorDetail  sql.NullString
	)
	if err := row.Scan(
		&record.Request.ID,
		&record.Request.Kind,
		&record.Request.Function,
		&arguments,
		&record.Request.StepSize,
		&explanation,
		&record.Request.OwnerSessionID,
		&settlement,
		&record.Result.Status,
		&claimed,
		&record.Result.Attempts,
		&proofBytes,
		&publicInputs,
		&commitment,
		&metrics,
		&errorCode,
		&errorDetail,
		&record.Request.CreatedAt,
		&record.Result.UpdatedAt,
	); err != nil {
		return nil, false, err
	}
	record.Result.ProofID = record.Request.ID
	record.Request.Explanation = explanation.String
	record.Result.ErrorCode = errorCode.String
	record.Result.ErrorDetail = errorDetail.String

	if err := json.Unmarshal([]byte(arguments), &record.Request.Arguments); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明参数失败")
	}
	if settlement.Valid && settlement.String != "" {
		var params SettlementParams
		if err := json.Unmarshal([]byte(settlement.String), &params); err != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算参数失败")
		}
		record.Request.Settlement = &params
	}
	if record.Result.Status == StatusComplete {
		artifact := &Artifact{Proof: proofBytes, Commitment: commitment.String}
		if publicInputs.Valid && publicInputs.String != "" {
			if err := json.Unmarshal([]byte(publicInputs.String), &artifact.PublicInputs); err != nil {
				return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析公开输入失败")
			}
		}
		record.Result.Artifact = artifact
	}
	if metrics.Valid && metrics.String != "" {
		var m Metrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明指标失败")
		}
		record.Result.Metrics = &m
	}
	return &record, claimed, nil
}

// Get 查询指定证明。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	record, _, err := s.get(ctx, id)
	return record, err
}

func (s *MySQLStore) get(ctx context.Context, id string) (*Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM proof_states WHERE id = ?`, id)
	record, claimed, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrProofNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, false, err
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明失败")
	}
	return record, claimed, nil
}

// Claim 以条件更新的方式领取证明，多个实例之间同样只有一个能成功。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Record, error) {
	const stmt = `UPDATE proof_states SET claimed = 1, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND claimed = 0`
	res, err := s.db.ExecContext(ctx, stmt, s.now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取证明失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	record, claimed, getErr := s.get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if record.Result.Status.Terminal() {
			return record, ErrProofFinalized
		}
		if claimed {
			return record, ErrProofRunning
		}
	}
	return record, nil
}

// Release 清除 Pending 证明的领取标记，用于退出时归还或恢复遗留任务。
func (s *MySQLStore) Release(ctx context.Context, id string) error {
	const stmt = `UPDATE proof_states SET claimed = 0, updated_at = ?
        WHERE id = ? AND status = ? AND claimed = 1`
	if _, err := s.db.ExecContext(ctx, stmt, s.now().Unix(), id, StatusPending); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放证明领取失败")
	}
	return nil
}

// Complete 记录成功结果。
func (s *MySQLStore) Complete(ctx context.Context, id string, artifact Artifact, metrics Metrics) error {
	publicInputs, err := json.Marshal(artifact.PublicInputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码公开输入失败")
	}
	encodedMetrics, err := json.Marshal(metrics)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明指标失败")
	}
	const stmt = `UPDATE proof_states SET status = ?, artifact_proof = ?, artifact_public_inputs = ?, artifact_commitment = ?,
        metrics = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		StatusComplete,
		artifact.Proof,
		string(publicInputs),
		artifact.Commitment,
		string(encodedMetrics),
		s.now().Unix(),
		id,
		StatusPending,
	)
	return s.checkFinalize(ctx, id, res, err)
}

// Fail 记录失败结果。
func (s *MySQLStore) Fail(ctx context.Context, id string, code string, detail string) error {
	const stmt = `UPDATE proof_states SET status = ?, error_code = ?, error_detail = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, code, detail, s.now().Unix(), id, StatusPending)
	return s.checkFinalize(ctx, id, res, err)
}

func (s *MySQLStore) checkFinalize(ctx context.Context, id string, res sql.Result, execErr error) error {
	if execErr != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "更新证明结果失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, _, err := s.get(ctx, id); err != nil {
		return err
	}
	return ErrProofFinalized
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, kind := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, kind)
		}
		clauses = append(clauses, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.SessionID != "" {
		clauses = append(clauses, "owner_session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.Function != "" {
		clauses = append(clauses, "function_name = ?")
		args = append(args, opts.Function)
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List 返回符合过滤条件的证明。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)
	order := " ORDER BY updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query := `SELECT ` + selectColumns + ` FROM proof_states` + where + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明列表失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, _, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明列表失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证明列表失败")
	}
	return records, nil
}

// Stats 统计符合过滤条件的证明数量。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)
	query := `SELECT status, claimed, COUNT(*), MIN(updated_at), MAX(updated_at) FROM proof_states` + where + ` GROUP BY status, claimed`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计证明失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status  Status
			claimed bool
			count   int
			oldest  int64
			newest  int64
		)
		if err := rows.Scan(&status, &claimed, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明统计失败")
		}
		stats.Total += count
		switch status {
		case StatusPending:
			if claimed {
				stats.Running += count
			} else {
				stats.Pending += count
			}
		case StatusComplete:
			stats.Complete += count
		case StatusFailed:
			stats.Failed += count
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
		if stats.OldestUpdatedAt == 0 || (oldest != 0 && oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证明统计失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
