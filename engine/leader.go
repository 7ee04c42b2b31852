package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// settlementLockKey identifies the cluster-wide advisory lock. One holder at
// a time, session-scoped, on a connection dedicated to nothing else.
const settlementLockKey int64 = 0x72657761726473 // "rewards"

// ErrNoLockConn indicates the elector has no live lock connection.
var ErrNoLockConn = errors.New("engine: no lock connection")

// PostgresElector implements leader election over a session-scoped Postgres
// advisory lock. The lock is tied to a dedicated connection pinned out of
// the pool; losing the connection loses the lock.
type PostgresElector struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
	held bool
}

// NewPostgresElector constructs an elector over the shared pool. The
// dedicated connection is acquired lazily on the first TryAcquire.
func NewPostgresElector(db *sql.DB) *PostgresElector {
	return &PostgresElector{db: db}
}

// TryAcquire attempts a non-blocking lock acquisition. Losers stay
// followers and retry on the next heartbeat.
func (p *PostgresElector) TryAcquire(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held && p.conn != nil {
		return true, nil
	}
	if p.conn == nil {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("engine: open lock connection: %w", err)
		}
		p.conn = conn
	}
	var acquired bool
	err := p.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", settlementLockKey).Scan(&acquired)
	if err != nil {
		p.dropConnLocked()
		return false, fmt.Errorf("engine: try advisory lock: %w", err)
	}
	p.held = acquired
	return acquired, nil
}

// Heartbeat proves the lock connection is still alive with a trivial query.
// Any failure tears the connection down so the advisory lock is released
// server-side and the caller drops leadership.
func (p *PostgresElector) Heartbeat(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || !p.held {
		return ErrNoLockConn
	}
	var one int
	if err := p.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		p.dropConnLocked()
		return fmt.Errorf("engine: lock heartbeat: %w", err)
	}
	return nil
}

// Release explicitly unlocks and closes the dedicated connection. Called on
// orderly shutdown before the pool closes.
func (p *PostgresElector) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	var err error
	if p.held {
		_, err = p.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", settlementLockKey)
	}
	p.dropConnLocked()
	return err
}

func (p *PostgresElector) dropConnLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.held = false
}
