package trajectory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"ChainVoyager/deploy/migrations"
)

// SQLRepository 使用 MySQL 或 SQLite 存储轨迹。
type SQLRepository struct {
	db      *sql.DB
	dialect string
}

// NewMySQLRepository 创建连接池并执行迁移。
func NewMySQLRepository(ctx context.Context, dsn string) (*SQLRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLRepository(ctx, db, DriverMySQL)
}

// NewSQLiteRepository opens the database file at path, creating it if needed.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLRepository(ctx, db, DriverSQLite)
}

// NewSQLRepositoryFromDB wraps an existing handle; dialect is mysql or sqlite.
func NewSQLRepositoryFromDB(ctx context.Context, db *sql.DB, dialect string) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("数据库连接为空")
	}
	return newSQLRepository(ctx, db, dialect)
}

func newSQLRepository(ctx context.Context, db *sql.DB, dialect string) (*SQLRepository, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}
	repo := &SQLRepository{db: db, dialect: dialect}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将轨迹记录写入数据库。
func (s *SQLRepository) Save(ctx context.Context, r StepRecord) error {
	newProtocols, err := json.Marshal(nonNil(r.NewProtocols))
	if err != nil {
		return err
	}
	programs, err := json.Marshal(nonNil(r.Programs))
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO trajectory_steps
        (episode_id, step, skill, ok, error_kind, error_text, base_reward, bonus, total_reward,
         done_reason, new_protocols, programs, signature, compute_units, duration_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		r.EpisodeID, r.Step, r.Skill, r.OK, r.ErrorKind, r.Error,
		r.BaseReward, r.Bonus, r.TotalReward, r.DoneReason,
		string(newProtocols), string(programs), r.Signature, int64(r.ComputeUnits),
		r.DurationMS, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入轨迹记录失败: %w", err)
	}
	return nil
}

// ListLatest 按时间倒序返回最近的轨迹记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]StepRecord, error) {
	if limit <= 0 {
		limit = keepInMemory
	}
	const query = `SELECT episode_id, step, skill, ok, error_kind, error_text, base_reward, bonus,
        total_reward, done_reason, new_protocols, programs, signature, compute_units, duration_ms, created_at
        FROM trajectory_steps ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("查询轨迹记录失败: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var (
			r                      StepRecord
			newProtocols, programs string
			computeUnits           int64
		)
		if err := rows.Scan(&r.EpisodeID, &r.Step, &r.Skill, &r.OK, &r.ErrorKind, &r.Error,
			&r.BaseReward, &r.Bonus, &r.TotalReward, &r.DoneReason, &newProtocols, &programs,
			&r.Signature, &computeUnits, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析轨迹记录失败: %w", err)
		}
		if err := json.Unmarshal([]byte(newProtocols), &r.NewProtocols); err != nil {
			return nil, fmt.Errorf("解析 new_protocols 失败: %w", err)
		}
		if err := json.Unmarshal([]byte(programs), &r.Programs); err != nil {
			return nil, fmt.Errorf("解析 programs 失败: %w", err)
		}
		r.ComputeUnits = uint64(computeUnits)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历轨迹记录失败: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *SQLRepository) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *SQLRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(s.dialect)
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLRepository) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func (s *SQLRepository) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles(dialect string) ([]migrationFile, error) {
	dir, err := migrations.For(dialect)
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		content, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		files = append(files, migrationFile{version: parseMigrationVersion(name), name: name, statements: statements})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("方言 %s 没有迁移文件", dialect)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version == files[j].version {
			return files[i].name < files[j].name
		}
		return files[i].version < files[j].version
	})
	return files, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
