// Package registry stores notification recipients and their subscriptions.
//
// It runs on SQLite (default, modernc driver), PostgreSQL or MySQL through sqlx.
// Queries are written with '?' placeholders and rebound for the active driver.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	logx "shopwatch/pkg/logx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("recipient not found")
	ErrInvalidToken = errors.New("recipient token is required")
)

type Config struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string
	DSN    string
	// BusyTimeout applies to sqlite only.
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Recipient is the addressing pair handed to the push sender.
type Recipient struct {
	ID    string `db:"id" json:"id"`
	Token string `db:"token" json:"token"`
}

// Subscriptions lists what a recipient wants to hear about.
type Subscriptions struct {
	Items      []string `json:"items"`
	Categories []string `json:"categories"`
	Weather    bool     `json:"weather"`
	Vendor     bool     `json:"vendor"`
}

type Record struct {
	ID            string        `json:"id"`
	Token         string        `json:"token"`
	Platform      string        `json:"platform,omitempty"`
	Active        bool          `json:"active"`
	Subscriptions Subscriptions `json:"subscriptions"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastUsedAt    *time.Time    `json:"lastUsedAt,omitempty"`
}

type Store struct {
	db     *sqlx.DB
	driver string
	log    logx.Logger
	now    func() time.Time
}

func driverName(d string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql", "pg":
		return "postgres", nil
	case "mysql", "mariadb":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown registry driver %q", d)
	}
}

// Open connects and applies the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("registry.dsn is required")
	}
	if driver == "sqlite" && !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s registry: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite prefers a single writer; this also keeps in-memory databases on one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{db: db, driver: driver, log: log, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	log.Info("recipient registry ready", logx.String("driver", driver))
	return s, nil
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unix(t time.Time) int64 { return t.UTC().Unix() }
