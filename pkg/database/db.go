package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB is the subset of sqlx the repositories rely on. Every repository write is a
// single statement that is idempotent by its conflict key, so no transaction
// handle is exposed.
type DB interface {
	Close() error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	PingContext(ctx context.Context) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Rebind(query string) string
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

// ConnectionConfig describes the PostgreSQL metadata store.
type ConnectionConfig struct {
	Driver          string
	Host            string
	Port            string
	UserName        string
	Password        string
	Name            string
	SSLMode         string
	RetryCount      int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c ConnectionConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.UserName, c.Password, c.Name, c.SSLMode)
}

// Connect opens the pool and pings it, retrying RetryCount times one second apart.
func Connect(ctx context.Context, cfg ConnectionConfig, logger ectologger.Logger) (*sqlx.DB, error) {
	attempts := cfg.RetryCount + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN())
		if err == nil {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
			db.SetMaxIdleConns(cfg.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			logger.WithFields(map[string]any{"host": cfg.Host, "database": cfg.Name}).Info("Connected to database")
			return db, nil
		}

		lastErr = err
		logger.WithError(err).Warnf("Database connection attempt %d/%d failed", attempt, attempts)
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("connect to database %s: %w", cfg.Name, lastErr)
}
