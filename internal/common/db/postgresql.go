package db

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// DriverPostgres is the database/sql driver name registered by lib/pq.
const DriverPostgres = "postgres"

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

// PostgresDialect rewrites "?" placeholders to "$n".
type PostgresDialect struct{}

// Name returns the driver name.
func (PostgresDialect) Name() string { return DriverPostgres }

// Rebind converts "?" placeholders to "$1", "$2", ... outside quoted literals.
func (PostgresDialect) Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// UniqueViolation reports SQLSTATE 23505 and the violated constraint.
func (PostgresDialect) UniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

// Upsert renders ON CONFLICT (keys) DO UPDATE.
func (PostgresDialect) Upsert(keys, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = EXCLUDED." + c
	}
	return "ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// NewPostgreSQLWithConfig opens a PostgreSQL pool.
// Format: "user=judge password=secret host=localhost port=5432 dbname=judge sslmode=disable"
func NewPostgreSQLWithConfig(cfg Config) (*SQLDatabase, error) {
	pool, err := openPool(DriverPostgres, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithDB(pool, PostgresDialect{}), nil
}
