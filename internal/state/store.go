// Package state persists the last-known resource state and arbitrates
// concurrent access to it. A Store holds one versioned state document per
// scope, protected by a lease lock: exactly one holder may write at a time,
// and an expired lease may be reclaimed by the next acquirer so a crashed
// holder never wedges the system. Every accepted write is also archived as
// an immutable per-serial version, so concurrent writers are detectable by
// optimistic serial checks even inside a held lock.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/windlass-io/windlass/internal/ir"
)

const (
	// DefaultScope is the lock and state scope used when none is given.
	// Locking is coarse-grained: one scope covers the whole resource graph.
	DefaultScope = "default"

	// DefaultLeaseTTL bounds how long a lock may be held before any other
	// process is allowed to reclaim it.
	DefaultLeaseTTL = 15 * time.Minute
)

var (
	// ErrLockContention is returned when the scope is locked by another
	// holder whose lease has not expired. Callers may retry after release
	// or expiry; the store never waits.
	ErrLockContention = errors.New("state is locked")

	// ErrStaleToken is returned when a write or release presents a token
	// that does not match the current lock, or whose lease has expired.
	ErrStaleToken = errors.New("lock token is stale")

	// ErrSerialConflict is returned when a write's serial is not exactly
	// one greater than the stored serial, meaning another writer got in
	// between despite the lock.
	ErrSerialConflict = errors.New("state serial conflict")
)

// Lock is a held lease on a scope. The token authorizes writes and release;
// the lease expires at ExpiresAt regardless of holder liveness.
type Lock struct {
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	Who       string    `json:"who"`
	Operation string    `json:"operation,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockOptions configures a lock acquisition.
type LockOptions struct {
	// Who identifies the holder in contention errors. Defaults to
	// host and pid.
	Who string

	// Operation names what the holder is doing, e.g. "apply".
	Operation string

	// TTL is the lease duration. Zero or negative means DefaultLeaseTTL.
	TTL time.Duration
}

// Store is the single source of truth for resource state and for
// cross-process write arbitration. Foreground applies and the background
// reconciler, possibly on different hosts, serialize only through it.
type Store interface {
	// AcquireLock takes the lease for a scope. If another holder's lease
	// is still live it fails with ErrLockContention; an expired lease is
	// reclaimed.
	AcquireLock(ctx context.Context, scope string, opts LockOptions) (*Lock, error)

	// ReleaseLock gives up the lease. The token must match the current
	// lock or ErrStaleToken is returned.
	ReleaseLock(ctx context.Context, scope, token string) error

	// ForceUnlock removes the lock regardless of lease expiry. The token
	// must still match, so an operator cannot accidentally unlock a lock
	// other than the one reported to them.
	ForceUnlock(ctx context.Context, scope, token string) error

	// ReadState loads the current state. An absent scope yields a fresh
	// empty state with serial zero, never an error.
	ReadState(ctx context.Context, scope string) (*ir.State, error)

	// WriteState persists the state. The token must belong to a live
	// lease (ErrStaleToken) and st.Serial must be exactly one greater
	// than the stored serial (ErrSerialConflict). Accepted writes also
	// land an immutable per-serial version.
	WriteState(ctx context.Context, scope string, st *ir.State, token string) error
}

// Config selects and parameterizes a Store backend.
type Config struct {
	// Backend is "local" or "s3". Empty means local.
	Backend string `json:"backend" toml:"backend"`

	// Path is the state directory for the local backend.
	Path string `json:"path" toml:"path"`

	// Options hold backend-specific settings. For s3: bucket, prefix,
	// region, dynamodb_table, profile, encrypt.
	Options map[string]string `json:"options" toml:"options"`
}

// NewStore creates a state store from configuration.
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	switch cfg.Backend {
	case "local", "":
		path := cfg.Path
		if path == "" {
			path = ".windlass/state"
		}
		return NewLocalStore(path), nil
	case "s3":
		return newS3Store(cfg.Options)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}
}
