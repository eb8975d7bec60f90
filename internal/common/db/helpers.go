package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Querier abstracts database operations for both database and transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Dialect captures the differences between supported drivers.
type Dialect interface {
	Name() string
	Rebind(query string) string
	UniqueViolation(err error) (string, bool)
	// Upsert returns the clause appended to an INSERT so that a conflict on
	// keys overwrites cols with the inserted values.
	Upsert(keys, cols []string) string
}

// GetQuerier returns transaction if provided, otherwise uses the database.
func GetQuerier(database Database, tx Transaction) Querier {
	if tx != nil {
		return tx
	}
	return database
}

// GetProviderQuerier resolves the current database from provider and picks the querier.
func GetProviderQuerier(provider Provider, tx Transaction) (Querier, error) {
	if tx != nil {
		return tx, nil
	}
	database, err := CurrentDatabase(provider)
	if err != nil {
		return nil, err
	}
	return database, nil
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation checks err against every supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := (MySQLDialect{}).UniqueViolation(err); ok {
		return true
	}
	_, ok := (PostgresDialect{}).UniqueViolation(err)
	return ok
}

// RowsAffected returns the affected row count, treating a nil result as zero.
func RowsAffected(res Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}

// ExtractDuplicateKeyName parses duplicate key name from MySQL error message.
func ExtractDuplicateKeyName(message string) string {
	if message == "" {
		return ""
	}
	const marker = "for key "
	idx := strings.LastIndex(message, marker)
	if idx == -1 {
		return ""
	}
	key := strings.TrimSpace(message[idx+len(marker):])
	return strings.Trim(key, " `\"'")
}
