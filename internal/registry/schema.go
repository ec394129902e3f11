package registry

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// The column types below are accepted by SQLite, PostgreSQL and MySQL alike.
// Times are unix seconds; booleans are 0/1.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS recipients (
		id             VARCHAR(64)  NOT NULL PRIMARY KEY,
		token          VARCHAR(191) NOT NULL UNIQUE,
		platform       VARCHAR(32)  NOT NULL DEFAULT '',
		active         SMALLINT     NOT NULL DEFAULT 1,
		weather        SMALLINT     NOT NULL DEFAULT 0,
		vendor         SMALLINT     NOT NULL DEFAULT 0,
		created_at     BIGINT       NOT NULL,
		updated_at     BIGINT       NOT NULL,
		last_used_at   BIGINT       NULL,
		deactivated_at BIGINT       NULL
	)`,
	// Primary key order serves the "who subscribes to X" lookups.
	`CREATE TABLE IF NOT EXISTS subscriptions (
		kind         VARCHAR(16)  NOT NULL,
		value        VARCHAR(128) NOT NULL,
		recipient_id VARCHAR(64)  NOT NULL,
		PRIMARY KEY (kind, value, recipient_id)
	)`,
}

const (
	kindItem     = "item"
	kindCategory = "category"
)

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports a duplicate-key error from any supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// modernc reports constraint failures as plain error text.
	return err != nil && containsFold(err.Error(), "UNIQUE constraint failed")
}
