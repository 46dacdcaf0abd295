package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
	"testing"
)

func TestFileOutcomeRepositoryAppendAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewFileOutcomeRepository(dir)
	if err != nil {
		t.Fatalf("failed to create file repo: %v", err)
	}

	ctx := context.Background()
	records := []OutcomeRecord{
		{ProofID: "p1", Stage: StageProof, Status: "complete", SessionID: "s1", OccurredAt: 1},
		{ProofID: "p1", Stage: StageVerification, Status: "confirmed", TargetChain: "local-sim", TxHash: "0xabc", OccurredAt: 2},
		{ProofID: "p2", Stage: StageProof, Status: "failed", Code: "ENGINE_FAILURE", OccurredAt: 3},
		{ProofID: "p1", Stage: StageSettlement, Status: "completed", TxHash: "0xdef", OccurredAt: 4},
	}
	for _, rec := range records {
		if err := repo.Append(ctx, rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	byProof, err := repo.ListByProof(ctx, "p1")
	if err != nil {
		t.Fatalf("list by proof failed: %v", err)
	}
	if len(byProof) != 3 {
		t.Fatalf("expected 3 records for p1, got %d", len(byProof))
	}
	if byProof[0].Stage != StageProof || byProof[2].Stage != StageSettlement {
		t.Fatalf("records not in occurrence order: %+v", byProof)
	}

	reopened, err := NewFileOutcomeRepository(dir)
	if err != nil {
		t.Fatalf("failed to reopen file repo: %v", err)
	}
	latest, err := reopened.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].OccurredAt != 4 || latest[1].Code != "ENGINE_FAILURE" {
		t.Fatalf("unexpected latest after reload: %+v", latest)
	}
}

func TestSQLOutcomeRepositoryAppend(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertOutcomeSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLOutcomeRepository{db: db}
	err := repo.Append(context.Background(), OutcomeRecord{ProofID: "p1", Stage: StageProof, Status: "complete", OccurredAt: 1})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestSQLOutcomeRepositoryList(t *testing.T) {
	t.Parallel()

	columns := []string{"proof_id", "stage", "status", "target_chain", "code", "detail", "tx_hash", "session_id", "occurred_at"}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectOutcomeColumns+` WHERE proof_id = ? ORDER BY id ASC`, mockRowsData{
			columns: columns,
			values: [][]driver.Value{
				{"p1", "proof", "complete", "", "", nil, "", "s1", int64(1)},
				{"p1", "verification", "rejected", "sepolia", "CHAIN_REJECTION", "execution reverted", "", "", int64(2)},
			},
		}),
		queryOp(selectOutcomeColumns+` ORDER BY id DESC LIMIT ?`, mockRowsData{
			columns: columns,
			values: [][]driver.Value{
				{"p2", "settlement", "completed", "", "", "", "0xabc", "", int64(9)},
			},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLOutcomeRepository{db: db}
	list, err := repo.ListByProof(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list by proof failed: %v", err)
	}
	if len(list) != 2 || list[1].Stage != StageVerification || list[1].Detail != "execution reverted" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].Detail != "" {
		t.Fatalf("expected empty detail for NULL column, got %q", list[0].Detail)
	}

	latest, err := repo.ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 1 || latest[0].TxHash != "0xabc" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

func TestRunMigrationsAppliesEmbeddedFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL(), mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{columns: []string{"version", "checksum"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL(), mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", migrationChecksum()}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	failing := execOp(readMigrationStatement(), mockResult{})
	failing.err = errors.New("syntax error")
	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL(), mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{columns: []string{"version", "checksum"}}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_proof_outcomes.sql") {
		t.Fatalf("expected migration failure naming the file, got %v", err)
	}
}

func TestRunMigrationsDetectsEditedFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaMigrationsSQL(), mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", "stale"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_proof_outcomes.sql") {
		t.Fatalf("expected checksum mismatch naming the file, got %v", err)
	}
}

func TestSplitSQLStatementsDropsComments(t *testing.T) {
	got := splitSQLStatements("-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE TABLE b (id INT);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %q", got)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_proof_outcomes.sql": "0001",
		"0002.sql":                "0002",
		"plain":                   "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func createSchemaMigrationsSQL() string {
	return schemaMigrationsDDL
}

func migrationChecksum() string {
	content, err := fs.ReadFile(embeddedMigrations, "0001_proof_outcomes.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func readMigrationStatement() string {
	content, err := fs.ReadFile(embeddedMigrations, "0001_proof_outcomes.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
