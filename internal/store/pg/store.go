package pg

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"nbihak.org/internal/accounts"
	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
	"nbihak.org/internal/obs"
)

// Store is the PostgreSQL implementation of every repository interface.
type Store struct {
	db    *sql.DB
	hooks []PostCommitHook
	log   *slog.Logger
}

var (
	_ auth.UserStore         = (*Store)(nil)
	_ auth.RefreshTokenStore = (*Store)(nil)
	_ auth.RoleStore         = (*Store)(nil)
	_ accounts.Store         = (*Store)(nil)
	_ audit.Writer           = (*Store)(nil)
	_ audit.Reader           = (*Store)(nil)
)

// PoolConfig tunes database/sql pooling.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPostCommitHook registers h to run after every successful unit of work.
func WithPostCommitHook(h PostCommitHook) Option {
	return func(s *Store) {
		if h != nil {
			s.hooks = append(s.hooks, h)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, pool PoolConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("pg: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(orDefault(pool.MaxOpenConns, 50))
	db.SetMaxIdleConns(orDefault(pool.MaxIdleConns, 25))
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(15 * time.Minute)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: obs.Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPostCommitHook registers h after construction. The audit interceptor
// writes through the store it observes, so it is wired this way.
func (s *Store) AddPostCommitHook(h PostCommitHook) {
	if h != nil {
		s.hooks = append(s.hooks, h)
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports database readiness.
func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.db.PingContext(ctx))
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
