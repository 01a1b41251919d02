package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopress/internal/model"
	logx "autopress/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	// _txlock=immediate takes the write lock at BEGIN, which makes a
	// read-then-write transaction atomic across processes.
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.ensureColumn(ctx, "queue_items", "claimed_until", "TEXT NOT NULL DEFAULT ''")
}

// ensureColumn adds a column missing from a database created by an older
// build.
func (s *sqliteStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const projectColumns = `id, name, description, keywords, target_count, completed_count, status,
	publishing_interval, output_directory, site, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (model.Project, error) {
	var (
		p        model.Project
		keywords string
		status   string
		created  string
		updated  string
	)
	err := r.Scan(&p.ID, &p.Name, &p.Description, &keywords, &p.TargetCount, &p.CompletedCount, &status,
		&p.PublishingInterval, &p.OutputDirectory, &p.Site, &created, &updated)
	if err != nil {
		return model.Project{}, err
	}
	if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
		return model.Project{}, fmt.Errorf("decode keywords of project %s: %w", p.ID, err)
	}
	p.Status = model.ProjectStatus(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func (s *sqliteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetProject(ctx context.Context, id string) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, model.NotFound("project", id)
	}
	return p, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) SaveProject(ctx context.Context, p model.Project) error {
	return saveProject(ctx, s.db, p)
}

func saveProject(ctx context.Context, x execer, p model.Project) error {
	kw, err := json.Marshal(p.Keywords)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx,
		`INSERT INTO projects(`+projectColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, keywords=excluded.keywords,
			target_count=excluded.target_count, completed_count=excluded.completed_count,
			status=excluded.status, publishing_interval=excluded.publishing_interval,
			output_directory=excluded.output_directory, site=excluded.site, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.Description, string(kw), p.TargetCount, p.CompletedCount, string(p.Status),
		p.PublishingInterval, p.OutputDirectory, p.Site, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) UpdateProject(ctx context.Context, id string, fn func(p *model.Project) error) (model.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Project{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, model.NotFound("project", id)
	}
	if err != nil {
		return model.Project{}, err
	}
	if err := fn(&p); err != nil {
		return model.Project{}, err
	}
	if err := saveProject(ctx, tx, p); err != nil {
		return model.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Project{}, err
	}
	return p, nil
}

func (s *sqliteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("project", id)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const itemColumns = `project_id, content_index, scheduled_time, status, title, file_path, attempts, last_error,
	claimed_until, created_at, updated_at`

func (s *sqliteStore) ListItems(ctx context.Context) ([]model.QueueItem, error) {
	return listItems(ctx, s.db)
}

func listItems(ctx context.Context, q querier) ([]model.QueueItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_items ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.QueueItem{}
	for rows.Next() {
		var (
			it                                   model.QueueItem
			sched, status, claimed, created, upd string
		)
		if err := rows.Scan(&it.ProjectID, &it.ContentIndex, &sched, &status, &it.Title, &it.FilePath,
			&it.Attempts, &it.LastError, &claimed, &created, &upd); err != nil {
			return nil, err
		}
		it.ScheduledTime = parseTime(sched)
		it.Status = model.ItemStatus(status)
		it.ClaimedUntil = parseTime(claimed)
		it.CreatedAt = parseTime(created)
		it.UpdatedAt = parseTime(upd)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveItems(ctx context.Context, items []model.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.MutateItems(ctx, func([]model.QueueItem) (ItemChanges, error) {
		return ItemChanges{Save: items}, nil
	})
}

func (s *sqliteStore) DeleteItems(ctx context.Context, keys []model.ItemKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n := 0
	err := s.MutateItems(ctx, func(cur []model.QueueItem) (ItemChanges, error) {
		n = countKeys(cur, keys)
		return ItemChanges{Delete: keys}, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// MutateItems reads and writes inside one IMMEDIATE transaction.
func (s *sqliteStore) MutateItems(ctx context.Context, fn func(cur []model.QueueItem) (ItemChanges, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := listItems(ctx, tx)
	if err != nil {
		return err
	}
	ch, err := fn(cur)
	if err != nil || ch.empty() {
		return err
	}
	if err := saveItems(ctx, tx, ch.Save); err != nil {
		return err
	}
	for _, k := range ch.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE project_id = ? AND content_index = ?`, k.ProjectID, k.ContentIndex); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func saveItems(ctx context.Context, tx *sql.Tx, items []model.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queue_items(`+itemColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(project_id, content_index) DO UPDATE SET
			scheduled_time=excluded.scheduled_time, status=excluded.status, title=excluded.title,
			file_path=excluded.file_path, attempts=excluded.attempts, last_error=excluded.last_error,
			claimed_until=excluded.claimed_until, created_at=excluded.created_at, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ProjectID, it.ContentIndex, formatTime(it.ScheduledTime), string(it.Status),
			it.Title, it.FilePath, it.Attempts, it.LastError, formatTime(it.ClaimedUntil),
			formatTime(it.CreatedAt), formatTime(it.UpdatedAt)); err != nil {
			return fmt.Errorf("save item %s/%d: %w", it.ProjectID, it.ContentIndex, err)
		}
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, project_id, detail, ok, err) VALUES(?,?,?,?,?,?)`,
		formatTime(e.At), e.Action, nullStr(e.ProjectID), nullStr(e.Detail), e.OK, nullStr(e.Error),
	)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
