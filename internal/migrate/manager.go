// Package migrate applies versioned SQL files and idempotent seeds.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"nbihak.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
	// lockKey serializes concurrent migrators ("nbmigr").
	lockKey int64 = 0x6e626d696772
)

// Manager executes SQL migrations and seed files from a file system.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	log             *slog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager reads "*.up.sql"/"*.down.sql" from migrationsDir and "*.sql"
// from seedsDir, both relative to fsys.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		log:             obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.apply(ctx, m.migrationsTable, m.migrationsDir, ".up.sql")
}

// Seed applies pending seed files and returns their names.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.apply(ctx, m.seedsTable, m.seedsDir, ".sql")
}

func (m *Manager) apply(ctx context.Context, table, dir, suffix string) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := listExecuted(ctx, conn, table)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.fsys, dir, suffix)
		if err != nil {
			return err
		}
		for _, f := range files {
			if executed[f.Base] {
				continue
			}
			if err := m.exec(ctx, conn, f.Path, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
					f.Base, time.Now().UTC())
				return err
			}); err != nil {
				return fmt.Errorf("apply %s: %w", f.Base, err)
			}
			m.log.InfoContext(ctx, "migrate.applied", "table", table, "name", f.Base)
			applied = append(applied, f.Base)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var last string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(executed) == 0 {
			return errors.New("no migrations applied")
		}
		last = executed[len(executed)-1]
		downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
		if _, err := fs.Stat(m.fsys, downPath); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.exec(ctx, conn, downPath, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
			return err
		}); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		m.log.InfoContext(ctx, "migrate.rolled_back", "name", last)
		return nil
	})
	return last, err
}

// Status returns applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var res []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		var err error
		res, err = history(ctx, conn, m.migrationsTable)
		return err
	})
	return res, err
}

// locked runs fn on a dedicated connection holding a session advisory lock,
// after making sure the bookkeeping tables exist.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) (err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, uerr := conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey); uerr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", uerr)
		}
	}()
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return fn(conn)
}

// exec runs every statement of file and the bookkeeping step in one transaction.
func (m *Manager) exec(ctx context.Context, conn *sql.Conn, file string, record func(*sql.Tx) error) error {
	sqlBytes, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(sqlBytes)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func listExecuted(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	names, err := history(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func history(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: d.Name(), Path: p})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside string literals and
// drops "--" line comments. Dollar quoting is not supported.
func splitStatements(src string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		dollar   string // open dollar-quote tag, e.g. "$$" or "$body$"
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for _, line := range strings.Split(src, "\n") {
		if !inString && dollar == "" {
			if i := strings.Index(line, "--"); i >= 0 && strings.Count(line[:i], "'")%2 == 0 && !strings.Contains(line[:i], "$") {
				line = line[:i]
			}
		}
		for i := 0; i < len(line); i++ {
			c := line[i]
			switch {
			case dollar != "":
				if strings.HasPrefix(line[i:], dollar) {
					current.WriteString(dollar)
					i += len(dollar) - 1
					dollar = ""
					continue
				}
				current.WriteByte(c)
			case c == '\'':
				inString = !inString
				current.WriteByte(c)
			case c == '$' && !inString:
				if tag := dollarTag(line[i:]); tag != "" {
					dollar = tag
					current.WriteString(tag)
					i += len(tag) - 1
					continue
				}
				current.WriteByte(c)
			case c == ';' && !inString:
				flush()
			default:
				current.WriteByte(c)
			}
		}
		current.WriteByte('\n')
	}
	flush()
	return stmts
}

// dollarTag returns the dollar-quote opener at the start of s, or "".
func dollarTag(s string) string {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1]
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		default:
			return ""
		}
	}
	return ""
}
