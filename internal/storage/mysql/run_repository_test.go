package mysql

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentGuard/deploy/migrations"
	"AgentGuard/internal/engine"
	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/policy"
	"AgentGuard/internal/run"
	"AgentGuard/internal/tool"
)

var appliedColumns = []string{"version", "checksum"}

var runColumns = []string{"id", "plan_id", "project_root", "license", "status", "halt_reason", "steps_total", "steps_run", "cancelled", "started_at", "finished_at"}

func TestRunRepositorySave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(upsertRunSQL, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &RunRepository{db: db}
	summary := run.Summary{
		ID:          "run-1",
		ProjectRoot: "/repo",
		License:     policy.LicenseStarter,
		Status:      run.StatusSucceeded,
		StepsTotal:  1,
		StepsRun:    1,
		StartedAt:   time.UnixMilli(1_000),
		FinishedAt:  time.UnixMilli(2_000),
	}
	if err := repo.Save(context.Background(), summary); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
}

func TestRunRepositorySaveRejectsEmptyID(t *testing.T) {
	t.Parallel()

	repo := &RunRepository{}
	err := repo.Save(context.Background(), run.Summary{})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("期望 INVALID_ARGUMENT，实际 %v", err)
	}
}

func TestRunRepositorySaveClassifiesDeadlock(t *testing.T) {
	t.Parallel()

	op := execOp(upsertRunSQL, mockResult{})
	op.err = &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	db, driver := newMockDB(t, []mockOperation{op})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &RunRepository{db: db}
	err := repo.Save(context.Background(), run.Summary{ID: "run-1"})
	if !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("死锁应映射为 CONFLICT，实际 %v", err)
	}
	if e, ok := xerrors.From(err); !ok || e.Metadata()["mysql_errno"] != "1213" {
		t.Fatalf("缺少 mysql_errno 元数据: %v", err)
	}
}

func TestRunRepositoryGet(t *testing.T) {
	t.Parallel()

	reports := `[{"ok":false,"haltedBecause":"license_block","steps":[{"step":{"stepId":"deploy","tool":"deploy.prod","risk":"high-impact"},"startedAt":"2024-01-01T00:00:00Z","finishedAt":"2024-01-01T00:00:00Z","result":{"success":false,"error":"license"},"failure_class":"license_block","audit":{"tool":"deploy.prod","license":"starter","input_redacted":null}}]}]`
	rows := mockRowsData{
		columns: append(append([]string(nil), runColumns...), "reports"),
		values: [][]driver.Value{{
			"run-1", "plan-1", "/repo", "starter", "halted", "license_block",
			int64(1), int64(1), int64(0), int64(1_000), int64(2_000), reports,
		}},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectRunSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &RunRepository{db: db}
	got, err := repo.Get(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if got.Status != run.StatusHalted || got.HaltReason != "license_block" || got.License != policy.LicenseStarter {
		t.Fatalf("摘要字段不正确: %+v", got)
	}
	if got.Elapsed() != time.Second {
		t.Fatalf("耗时应为 1s，实际 %s", got.Elapsed())
	}
	if len(got.Reports) != 1 || got.Reports[0].HaltedBecause != engine.FailureLicenseBlock {
		t.Fatalf("步骤报告未正确解析: %+v", got.Reports)
	}
	if got.Reports[0].Steps[0].Result != (tool.Result{Success: false, Error: "license"}) {
		t.Fatalf("步骤结果不正确: %+v", got.Reports[0].Steps[0].Result)
	}
}

func TestRunRepositoryGetMissing(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{columns: append(append([]string(nil), runColumns...), "reports")}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectRunSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &RunRepository{db: db}
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, run.ErrRunNotFound) {
		t.Fatalf("期望 RUN_NOT_FOUND，实际 %v", err)
	}
}

func TestRunRepositoryList(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: runColumns,
		values: [][]driver.Value{
			{"run-2", "", "/repo", "pro", "succeeded", "", int64(2), int64(2), int64(0), int64(3_000), int64(4_000)},
			{"run-1", "", "/repo", "starter", "cancelled", "", int64(2), int64(1), int64(1), int64(1_000), int64(2_000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(listRunsSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &RunRepository{db: db}
	list, err := repo.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(list) != 2 || list[0].ID != "run-2" || !list[1].Cancelled {
		t.Fatalf("列表结果不正确: %+v", list)
	}
	if list[0].Reports != nil {
		t.Fatal("列表不应包含步骤报告")
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{columns: appliedColumns}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(insertAppliedMigrationSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: appliedColumns,
			values:  [][]driver.Value{{"0001", migrationChecksum(t, "0001_plan_runs.sql")}},
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
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{columns: appliedColumns}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_plan_runs.sql") {
		t.Fatalf("期望迁移失败并包含文件名，实际 %v", err)
	}
}

func TestOpenDatabaseRejectsBadDSN(t *testing.T) {
	t.Parallel()

	if _, err := openDatabase(context.Background(), Config{}); err == nil {
		t.Fatal("空 DSN 应被拒绝")
	}
	if _, err := openDatabase(context.Background(), Config{DSN: "not a dsn"}); err == nil {
		t.Fatal("非法 DSN 应被拒绝")
	}
}

func TestRunMigrationsWarnsOnChangedFile(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: appliedColumns,
			values:  [][]driver.Value{{"0001", "stale"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	var buf bytes.Buffer
	m := &migrator{
		db:     db,
		source: fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE TABLE t (id INT);")}},
		logger: slog.New(slog.NewTextHandler(&buf, nil)),
		now:    time.Now,
	}
	if err := m.run(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	logs := buf.String()
	if !strings.Contains(logs, "recorded_checksum=stale") || !strings.Contains(logs, "skipped=1") {
		t.Fatalf("缺少校验和告警或汇总日志: %s", logs)
	}
}

func TestLoadMigrationsRejectsDuplicateVersions(t *testing.T) {
	t.Parallel()

	m := &migrator{source: fstest.MapFS{
		"0002_b.sql": {Data: []byte("SELECT 2;")},
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_c.sql": {Data: []byte("SELECT 3;")},
		"README.md":  {Data: []byte("not sql")},
	}}
	if _, err := m.load(); err == nil || !strings.Contains(err.Error(), "0001") {
		t.Fatalf("重复版本应报错，实际 %v", err)
	}

	m.source = fstest.MapFS{
		"0002_b.sql": {Data: []byte("SELECT 2;")},
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0003.sql":   {Data: []byte("-- empty\n")},
	}
	list, err := m.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(list) != 2 || list[0].version != "0001" || list[1].version != "0002" {
		t.Fatalf("迁移顺序不正确: %+v", list)
	}
	if len(list[0].checksum) != 64 {
		t.Fatalf("校验和应为 sha256 十六进制: %q", list[0].checksum)
	}
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	t.Parallel()

	content := "-- plan runs\nCREATE TABLE a (id INT);\n\n  -- second\nCREATE INDEX i ON a (id); SELECT 1"
	got := splitSQLStatements(content)
	want := []string{"CREATE TABLE a (id INT)", "CREATE INDEX i ON a (id)", "SELECT 1"}
	if len(got) != len(want) {
		t.Fatalf("语句数量不正确: %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("第 %d 条语句 = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0001_plan_runs.sql": "0001",
		"0002.sql":           "0002",
		"plain":              "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func migrationChecksum(t *testing.T, name string) string {
	t.Helper()
	content, err := migrations.Files.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func readMigrationStatement() string {
	content, err := migrations.Files.ReadFile("0001_plan_runs.sql")
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
