// Package postgres implements the catalog store on PostgreSQL. It follows
// the interface in the parent package; transactions are carried in the
// context so nested store calls join the surrounding transaction.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the PostgreSQL catalog.
type Store struct {
	db     *sqlx.DB
	master [32]byte
	log    *logging.Logger
}

// Options tunes the connection pool.
type Options struct {
	MaxConnections  int
	ConnMaxIdleTime time.Duration
}

// Open connects, runs pending migrations and returns the store. The master
// key seals API-key secret columns at rest.
func Open(dsn string, master [32]byte, opts Options, log *logging.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, master: master, log: log}, nil
}

// Migrate applies pending schema migrations.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

var _ catalog.Store = (*Store)(nil)

func (s *Store) Users() catalog.UserStore           { return users{s} }
func (s *Store) Vaults() catalog.VaultStore         { return vaults{s} }
func (s *Store) Keys() catalog.KeyStore             { return keys{s} }
func (s *Store) Entries() catalog.EntryStore        { return entries{s} }
func (s *Store) Trash() catalog.TrashStore          { return trash{s} }
func (s *Store) Operations() catalog.OperationStore { return operations{s} }
func (s *Store) Syncs() catalog.SyncStore           { return syncs{s} }

func (s *Store) Close() error { return s.db.Close() }

// --- transactions ---

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

// WithTx runs fn in one transaction. A call inside an active transaction
// joins it instead of opening a second one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// querier joins *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// mapErr converts driver errors into catalog sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %v", catalog.ErrConflict, err)
	}
	return err
}
