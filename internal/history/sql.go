package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"camprobe/internal/report"
)

// dialect はデータベースごとの差分
type dialect struct {
	name     string
	schema   []string
	upsert   string
	numbered bool // $1, $2 形式のプレースホルダー
}

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS suite_runs (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			camera_identity TEXT NOT NULL,
			aborted BOOLEAN NOT NULL,
			passed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			errored INTEGER NOT NULL,
			report TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_suite_runs_started ON suite_runs(started_at DESC);`,
	},
	upsert: `INSERT INTO suite_runs (run_id, started_at, ended_at, camera_identity, aborted, passed, failed, skipped, errored, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			camera_identity = EXCLUDED.camera_identity,
			aborted = EXCLUDED.aborted,
			passed = EXCLUDED.passed,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			errored = EXCLUDED.errored,
			report = EXCLUDED.report`,
	numbered: true,
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS suite_runs (
			run_id VARCHAR(64) PRIMARY KEY,
			started_at DATETIME(6) NOT NULL,
			ended_at DATETIME(6) NOT NULL,
			camera_identity VARCHAR(255) NOT NULL,
			aborted BOOLEAN NOT NULL,
			passed INT NOT NULL,
			failed INT NOT NULL,
			skipped INT NOT NULL,
			errored INT NOT NULL,
			report LONGTEXT NOT NULL,
			INDEX idx_suite_runs_started (started_at)
		);`,
	},
	upsert: `INSERT INTO suite_runs (run_id, started_at, ended_at, camera_identity, aborted, passed, failed, skipped, errored, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			started_at = VALUES(started_at),
			ended_at = VALUES(ended_at),
			camera_identity = VALUES(camera_identity),
			aborted = VALUES(aborted),
			passed = VALUES(passed),
			failed = VALUES(failed),
			skipped = VALUES(skipped),
			errored = VALUES(errored),
			report = VALUES(report)`,
}

// rebind は ? のプレースホルダーを方言に合わせて書き換える
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore は PostgreSQL または MySQL に履歴を保存する
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore はデータベースに接続してスキーマを作成する
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, dsn, err := prepare(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// prepare はドライバーの方言を選び、DSNを正規化する
func prepare(driver, dsn string) (dialect, string, error) {
	switch driver {
	case "postgres":
		return postgresDialect, dsn, nil
	case "mysql":
		// 時刻を time.Time で読むため parseTime を有効にする
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return dialect{}, "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		return mysqlDialect, cfg.FormatDSN(), nil
	default:
		return dialect{}, "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// InitSchema はテーブルがなければ作成する
func (s *SQLStore) InitSchema(ctx context.Context) error {
	for _, query := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, r *report.SuiteReport) error {
	if !r.Sealed() {
		return report.ErrNotSealed
	}
	data, err := r.ToJSON()
	if err != nil {
		return err
	}
	e := EntryOf(r)
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsert),
		e.RunID, e.StartedAt.UTC(), e.EndedAt.UTC(), e.CameraIdentity, e.Aborted,
		e.Summary.Passed, e.Summary.Failed, e.Summary.Skipped, e.Summary.Errored, string(data))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", e.RunID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, runID string) (*report.SuiteReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT report FROM suite_runs WHERE run_id = ?`), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return report.FromJSON([]byte(data))
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT run_id, started_at, ended_at, camera_identity, aborted, passed, failed, skipped, errored
		FROM suite_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.StartedAt, &e.EndedAt, &e.CameraIdentity, &e.Aborted,
			&e.Summary.Passed, &e.Summary.Failed, &e.Summary.Skipped, &e.Summary.Errored); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.StartedAt = e.StartedAt.UTC()
		e.EndedAt = e.EndedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
