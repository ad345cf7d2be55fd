package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends opened under AppName so the actors keep
// retrying through dropped connections.
type Killer struct {
	Pool    *pgxpool.Pool
	AppName string
	Every   time.Duration
	// OneIn is the chance, per tick, that a backend is killed.
	OneIn int

	killed atomic.Int64
}

// Run kills backends until ctx ends or stop closes.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	every := k.Every
	if every <= 0 {
		every = 2 * time.Second
	}
	oneIn := max(k.OneIn, 1)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var hit bool
			err := k.Pool.QueryRow(ctx, `
				SELECT coalesce(bool_or(pg_terminate_backend(pid)), false)
				FROM (
					SELECT pid FROM pg_stat_activity
					WHERE datname = current_database()
					  AND application_name = $1
					  AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1
				) victim`, k.AppName).Scan(&hit)
			if err == nil && hit {
				k.killed.Add(1)
			}
		}
	}
}

// Killed reports how many backends Run terminated.
func (k *Killer) Killed() int64 {
	return k.killed.Load()
}
