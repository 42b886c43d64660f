package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentGuard/internal/engine"
	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/policy"
	"AgentGuard/internal/run"
)

// RunRepository 把已结束运行的摘要保存在 plan_runs 表中。
type RunRepository struct {
	db *sql.DB
}

var _ run.Store = (*RunRepository)(nil)

// NewRunRepository 建立连接池并执行迁移。
func NewRunRepository(ctx context.Context, cfg Config) (*RunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化运行历史存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行运行历史迁移失败")
	}
	return &RunRepository{db: db}, nil
}

const upsertRunSQL = `INSERT INTO plan_runs
    (id, plan_id, project_root, license, status, halt_reason, steps_total, steps_run, cancelled, started_at, finished_at, reports)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), halt_reason = VALUES(halt_reason), steps_run = VALUES(steps_run),
    cancelled = VALUES(cancelled), finished_at = VALUES(finished_at), reports = VALUES(reports)`

const selectRunSQL = `SELECT id, plan_id, project_root, license, status, halt_reason, steps_total, steps_run, cancelled, started_at, finished_at, reports
    FROM plan_runs WHERE id = ?`

const listRunsSQL = `SELECT id, plan_id, project_root, license, status, halt_reason, steps_total, steps_run, cancelled, started_at, finished_at
    FROM plan_runs ORDER BY finished_at DESC, id DESC LIMIT ?`

// Save 实现 run.Store，同一 ID 重复保存时更新结果字段。
func (r *RunRepository) Save(ctx context.Context, summary run.Summary) error {
	if strings.TrimSpace(summary.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	reports := summary.Reports
	if reports == nil {
		reports = []engine.Report{}
	}
	encoded, err := json.Marshal(reports)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤报告失败")
	}

	_, err = r.db.ExecContext(ctx, upsertRunSQL,
		summary.ID,
		summary.PlanID,
		summary.ProjectRoot,
		string(summary.License),
		string(summary.Status),
		summary.HaltReason,
		summary.StepsTotal,
		summary.StepsRun,
		summary.Cancelled,
		summary.StartedAt.UnixMilli(),
		summary.FinishedAt.UnixMilli(),
		string(encoded),
	)
	if err != nil {
		return classify(err, "保存运行摘要失败")
	}
	return nil
}

// Get 实现 run.Store。
func (r *RunRepository) Get(ctx context.Context, id string) (*run.Summary, error) {
	row := r.db.QueryRowContext(ctx, selectRunSQL, id)

	var (
		s       run.Summary
		raw     string
		license string
		status  string
		started int64
		ended   int64
	)
	err := row.Scan(&s.ID, &s.PlanID, &s.ProjectRoot, &license, &status, &s.HaltReason,
		&s.StepsTotal, &s.StepsRun, &s.Cancelled, &started, &ended, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, run.ErrRunNotFound
		}
		return nil, classify(err, "查询运行摘要失败")
	}
	s.License = policy.License(license)
	s.Status = run.Status(status)
	s.StartedAt = time.UnixMilli(started)
	s.FinishedAt = time.UnixMilli(ended)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Reports); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤报告失败")
		}
	}
	return &s, nil
}

// List 实现 run.Store，不加载步骤报告。
func (r *RunRepository) List(ctx context.Context, limit int) ([]run.Summary, error) {
	rows, err := r.db.QueryContext(ctx, listRunsSQL, run.NormalizeLimit(limit))
	if err != nil {
		return nil, classify(err, "查询运行列表失败")
	}
	defer rows.Close()

	var out []run.Summary
	for rows.Next() {
		var (
			s       run.Summary
			license string
			status  string
			started int64
			ended   int64
		)
		if err := rows.Scan(&s.ID, &s.PlanID, &s.ProjectRoot, &license, &status, &s.HaltReason,
			&s.StepsTotal, &s.StepsRun, &s.Cancelled, &started, &ended); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行列表失败")
		}
		s.License = policy.License(license)
		s.Status = run.Status(status)
		s.StartedAt = time.UnixMilli(started)
		s.FinishedAt = time.UnixMilli(ended)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行列表失败")
	}
	return out, nil
}

// Close 关闭连接池。
func (r *RunRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// classify 把驱动错误映射为错误码：锁冲突可重试，其余视为存储故障。
func classify(err error, message string) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213:
			return xerrors.Wrap(xerrors.CodeConflict, err, message,
				xerrors.WithMetadata("mysql_errno", fmt.Sprint(mysqlErr.Number)))
		case 1146:
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, message+": plan_runs 表不存在")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
