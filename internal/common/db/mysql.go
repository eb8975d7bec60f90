package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// DriverMySQL is the database/sql driver name for MySQL.
const DriverMySQL = "mysql"

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQLDialect uses "?" placeholders natively.
type MySQLDialect struct{}

// Name returns the driver name.
func (MySQLDialect) Name() string { return DriverMySQL }

// Rebind returns the query unchanged.
func (MySQLDialect) Rebind(query string) string { return query }

// UniqueViolation reports ER_DUP_ENTRY and the violated key name.
func (MySQLDialect) UniqueViolation(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return ExtractDuplicateKeyName(myErr.Message), true
	}
	return "", false
}

// Upsert renders ON DUPLICATE KEY UPDATE. MySQL infers the key from the unique index.
func (MySQLDialect) Upsert(_ []string, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = VALUES(" + c + ")"
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// NewMySQLWithConfig opens a MySQL pool. The DSN must set parseTime=true.
// Format: "user:password@tcp(localhost:3306)/judge?parseTime=true&loc=UTC"
func NewMySQLWithConfig(cfg Config) (*SQLDatabase, error) {
	pool, err := openPool(DriverMySQL, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithDB(pool, MySQLDialect{}), nil
}
