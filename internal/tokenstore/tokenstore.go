package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/db"
)

// Store keeps vendor credentials in the secrets table and provides leases
// so that only one process at a time rotates a credential.
type Store struct {
	db   *sql.DB
	now  func() time.Time
	Poll time.Duration
}

func New(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now, Poll: 200 * time.Millisecond}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return db.GetSecret(ctx, s.db, key)
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return db.SetSecret(ctx, s.db, key, value, s.now())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return db.DeleteSecret(ctx, s.db, key)
}

// WithLease runs fn while holding the named lease, waiting for any other
// holder to release it or let it expire. ttl bounds how long a crashed
// holder can block others.
func (s *Store) WithLease(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	waited := false
	for {
		ok, err := db.AcquireLease(ctx, s.db, name, owner, ttl, s.now())
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !waited {
			log.Debug().Str("lease", name).Msg("Lease held elsewhere, waiting")
			waited = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lease %s: %w", name, ctx.Err())
		case <-time.After(s.Poll):
		}
	}

	defer func() {
		if err := db.ReleaseLease(context.WithoutCancel(ctx), s.db, name, owner); err != nil {
			log.Warn().Err(err).Str("lease", name).Msg("Failed to release lease")
		}
	}()
	return fn(ctx)
}
