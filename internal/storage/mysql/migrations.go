package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"AgentGuard/deploy/migrations"
	"AgentGuard/pkg/logger"
)

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

const selectAppliedMigrationsSQL = `SELECT version, checksum FROM schema_migrations`

const insertAppliedMigrationSQL = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`

// migration 是一个嵌入的 SQL 文件。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// migrator 把 deploy/migrations 中的 SQL 文件应用到运行历史库。
type migrator struct {
	db     *sql.DB
	source fs.FS
	logger *slog.Logger
	now    func() time.Time
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{
		db:     db,
		source: migrations.Files,
		logger: logger.Named("storage"),
		now:    time.Now,
	}
}

// runMigrations 按版本顺序执行尚未应用的迁移，每个文件一个事务。
func runMigrations(ctx context.Context, db *sql.DB) error {
	return newMigrator(db).run(ctx)
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	pending, err := m.load()
	if err != nil {
		return err
	}

	var ran int
	for _, mig := range pending {
		if sum, ok := applied[mig.version]; ok {
			// 已应用的文件被改动只告警，不重放。
			if sum != mig.checksum {
				m.logger.Warn("已应用的迁移文件内容发生变化",
					slog.String("version", mig.version),
					slog.String("file", mig.name),
					slog.String("recorded_checksum", sum),
					slog.String("current_checksum", mig.checksum),
				)
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		ran++
	}
	m.logger.Info("运行历史迁移完成",
		slog.Int("applied", ran),
		slog.Int("skipped", len(pending)-ran),
	)
	return nil
}

// applied 返回已记录的版本及其校验和。
func (m *migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, selectAppliedMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		out[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return out, nil
}

func (m *migrator) apply(ctx context.Context, mig migration) error {
	began := m.now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for i, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", mig.name, i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertAppliedMigrationSQL,
		mig.version, mig.name, mig.checksum, m.now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本 %s 失败: %w", mig.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mig.name, err)
	}

	m.logger.Info("已应用迁移",
		slog.String("version", mig.version),
		slog.String("file", mig.name),
		slog.Int("statements", len(mig.statements)),
		slog.Duration("elapsed", m.now().Sub(began)),
	)
	return nil
}

// load 读取全部 .sql 文件并按版本排序，同一版本出现两次视为错误。
func (m *migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var out []migration
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := parseMigrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name

		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	slices.SortFunc(out, func(a, b migration) int { return strings.Compare(a.version, b.version) })
	return out, nil
}

// splitSQLStatements 按分号切分语句，忽略以 -- 开头的注释行。
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			idx := strings.IndexByte(line, ';')
			if idx < 0 {
				break
			}
			current.WriteString(line[:idx])
			flush()
			line = line[idx+1:]
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return statements
}

func parseMigrationVersion(name string) string {
	name = strings.TrimSuffix(name, path.Ext(name))
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		return name[:idx]
	}
	return name
}
