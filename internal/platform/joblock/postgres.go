package joblock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLocker uses session-level advisory locks. The lock lives as long as the
// dedicated connection, so the TTL is not enforced; the job deadline bounds it.
type PGLocker struct {
	pool *pgxpool.Pool
}

func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

func (p *PGLocker) Acquire(ctx context.Context, name string, _ time.Duration) (Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, keyPrefix+name).Scan(&ok)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, ErrHeld
	}
	return &pgLease{conn: conn, name: keyPrefix + name}, nil
}

type pgLease struct {
	conn *pgxpool.Conn
	name string
	once sync.Once
	err  error
}

func (l *pgLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		defer l.conn.Release()
		_, l.err = l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.name)
		if l.err != nil {
			// Closing the session drops any lock it still holds.
			l.conn.Conn().Close(context.Background())
		}
	})
	return l.err
}
