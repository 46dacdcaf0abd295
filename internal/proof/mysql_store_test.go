package proof

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ZKPay-Chain/internal/errors"
)

// execDriver 按顺序应答 Exec 调用并记录收到的语句与参数。
type execDriver struct {
	mu       sync.Mutex
	results  []error
	affected int64
	queries  []string
	args     [][]any
}

var execDriverSeq atomic.Int32

func newExecDB(t *testing.T, drv *execDriver) *sql.DB {
	t.Helper()
	name := fmt.Sprintf("proof-exec-%d", execDriverSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (d *execDriver) Open(string) (driver.Conn, error) { return execConn{d}, nil }

type execConn struct{ d *execDriver }

func (c execConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}
func (c execConn) Close() error              { return nil }
func (c execConn) Begin() (driver.Tx, error) { return nil, errors.New("transactions not supported") }

func (c execConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	values := make([]any, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	c.d.queries = append(c.d.queries, strings.Join(strings.Fields(query), " "))
	c.d.args = append(c.d.args, values)
	if len(c.d.results) > 0 {
		err := c.d.results[0]
		c.d.results = c.d.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return driver.RowsAffected(c.d.affected), nil
}

func TestMySQLStoreReleaseClearsPendingClaim(t *testing.T) {
	drv := &execDriver{affected: 1}
	now := time.Unix(1700000000, 0)
	store := &MySQLStore{db: newExecDB(t, drv), now: func() time.Time { return now }}

	if err := store.Release(context.Background(), "p1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(drv.queries) != 1 {
		t.Fatalf("expected one statement, got %d", len(drv.queries))
	}
	want := "UPDATE proof_states SET claimed = 0, updated_at = ? WHERE id = ? AND status = ? AND claimed = 1"
	if drv.queries[0] != want {
		t.Fatalf("unexpected statement %q", drv.queries[0])
	}
	args := drv.args[0]
	if args[0] != now.Unix() || args[1] != "p1" || args[2] != string(StatusPending) {
		t.Fatalf("unexpected arguments: %v", args)
	}
}

func TestMySQLStoreReleaseIgnoresUnclaimedRows(t *testing.T) {
	drv := &execDriver{affected: 0}
	store := &MySQLStore{db: newExecDB(t, drv), now: time.Now}

	if err := store.Release(context.Background(), "finished"); err != nil {
		t.Fatalf("release of an unclaimed or finalized row must be a no-op, got %v", err)
	}
}

func TestMySQLStoreReleaseWrapsDriverErrors(t *testing.T) {
	drv := &execDriver{results: []error{errors.New("connection reset")}}
	store := &MySQLStore{db: newExecDB(t, drv), now: time.Now}

	err := store.Release(context.Background(), "p1")
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}
