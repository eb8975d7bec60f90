package db

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Provider returns the current database instance.
type Provider interface {
	Current() Database
}

// StaticProvider always returns the same database instance.
type StaticProvider struct {
	db Database
}

// NewStaticProvider creates a new StaticProvider.
func NewStaticProvider(database Database) *StaticProvider {
	return &StaticProvider{db: database}
}

// Current returns the configured database instance.
func (p *StaticProvider) Current() Database {
	if p == nil {
		return nil
	}
	return p.db
}

type dbHolder struct {
	db Database
}

// Manager supports swapping the current database instance atomically,
// e.g. when credentials rotate.
type Manager struct {
	current atomic.Pointer[dbHolder]
}

// NewManager creates a new Manager with the provided database instance.
func NewManager(database Database) *Manager {
	m := &Manager{}
	m.current.Store(&dbHolder{db: database})
	return m
}

// Current returns the active database instance.
func (m *Manager) Current() Database {
	if m == nil {
		return nil
	}
	h := m.current.Load()
	if h == nil {
		return nil
	}
	return h.db
}

// Swap replaces the current database instance and returns the previous one.
func (m *Manager) Swap(next Database) Database {
	prev := m.current.Swap(&dbHolder{db: next})
	if prev == nil {
		return nil
	}
	return prev.db
}

// CurrentDatabase fetches the current database instance from provider.
func CurrentDatabase(provider Provider) (Database, error) {
	if provider == nil {
		return nil, fmt.Errorf("database provider is nil")
	}
	database := provider.Current()
	if database == nil {
		return nil, fmt.Errorf("database is nil")
	}
	return database, nil
}

// PingProvider pings the current database; used by health checks.
func PingProvider(ctx context.Context, provider Provider) error {
	database, err := CurrentDatabase(provider)
	if err != nil {
		return err
	}
	return database.Ping(ctx)
}
