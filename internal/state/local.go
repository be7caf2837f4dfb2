package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
)

const (
	stateFileName   = "state.json"
	lockFileName    = "state.lock"
	versionsDirName = "versions"
)

// LocalStore keeps state on the local filesystem, one directory per scope.
// The lock is a file created with O_EXCL holding the lease as JSON; state
// writes go through a temp file and rename so readers never observe a torn
// document.
type LocalStore struct {
	dir string
}

// NewLocalStore returns a store rooted at dir. The directory is created
// lazily on first use.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) scopeDir(scope string) string {
	if scope == "" {
		scope = DefaultScope
	}
	return filepath.Join(s.dir, scope)
}

func (s *LocalStore) statePath(scope string) string {
	return filepath.Join(s.scopeDir(scope), stateFileName)
}

func (s *LocalStore) lockPath(scope string) string {
	return filepath.Join(s.scopeDir(scope), lockFileName)
}

// AcquireLock takes the scope's lease by creating the lock file exclusively.
// An existing lock whose lease has expired is removed and the acquisition
// retried, so a crashed holder cannot block the scope forever.
func (s *LocalStore) AcquireLock(ctx context.Context, scope string, opts LockOptions) (*Lock, error) {
	if err := os.MkdirAll(s.scopeDir(scope), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := time.Now().UTC()
	lock := &Lock{
		Token:     uuid.NewString(),
		Scope:     scope,
		Who:       opts.Who,
		Operation: opts.Operation,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if lock.Who == "" {
		host, _ := os.Hostname()
		lock.Who = fmt.Sprintf("%s/pid-%d", host, os.Getpid())
	}

	content, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock: %w", err)
	}

	lockPath := s.lockPath(scope)
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(content)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		cur, rerr := s.readLock(scope)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // holder released between our attempts
			}
			// The lock file exists but is not yet readable, either because
			// the holder is mid-write or the file is damaged. Treat it as
			// held; the error names the file for manual recovery.
			return nil, fmt.Errorf("%w: scope %q (lock file %s unreadable: %v)",
				ErrLockContention, scope, lockPath, rerr)
		}
		if !cur.Expired(time.Now().UTC()) {
			return nil, fmt.Errorf("%w: held by %s for %q until %s (token %s)",
				ErrLockContention, cur.Who, cur.Operation,
				cur.ExpiresAt.Format(time.RFC3339), cur.Token)
		}

		logging.Warn("reclaiming expired state lock",
			"scope", scope, "holder", cur.Who, "expired_at", cur.ExpiresAt)
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to reclaim expired lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: lost reclaim race on scope %q", ErrLockContention, scope)
}

// ReleaseLock removes the lock if the token matches the current holder.
func (s *LocalStore) ReleaseLock(ctx context.Context, scope, token string) error {
	cur, err := s.readLock(scope)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no lock held on scope %q", ErrStaleToken, scope)
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if cur.Token != token {
		return fmt.Errorf("%w: lock on scope %q is held by %s", ErrStaleToken, scope, cur.Who)
	}
	if err := os.Remove(s.lockPath(scope)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// ForceUnlock removes the lock even if the lease is still live. The token
// must match so the operator unlocks the lock they were told about, not a
// newer one acquired in the meantime.
func (s *LocalStore) ForceUnlock(ctx context.Context, scope, token string) error {
	cur, err := s.readLock(scope)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no lock held on scope %q", scope)
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if cur.Token != token {
		return fmt.Errorf("lock token mismatch on scope %q: the lock was acquired by %s at %s",
			scope, cur.Who, cur.CreatedAt.Format(time.RFC3339))
	}
	if err := os.Remove(s.lockPath(scope)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	logging.Warn("state lock force-unlocked", "scope", scope, "holder", cur.Who)
	return nil
}

// ReadState loads the state document, decrypting it when needed. An absent
// file yields a fresh empty state.
func (s *LocalStore) ReadState(ctx context.Context, scope string) (*ir.State, error) {
	raw, err := os.ReadFile(s.statePath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return ir.NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return decodeState(raw)
}

// WriteState persists the state after validating the lease and the serial.
// The document is archived under versions/ before the live copy is swapped
// in with an atomic rename.
func (s *LocalStore) WriteState(ctx context.Context, scope string, st *ir.State, token string) error {
	if err := s.checkToken(scope, token); err != nil {
		return err
	}

	cur, err := s.ReadState(ctx, scope)
	if err != nil {
		return err
	}
	if st.Serial != cur.Serial+1 {
		return fmt.Errorf("%w: writing serial %d over stored serial %d (want %d)",
			ErrSerialConflict, st.Serial, cur.Serial, cur.Serial+1)
	}

	payload, err := encodeState(st)
	if err != nil {
		return err
	}

	versionsDir := filepath.Join(s.scopeDir(scope), versionsDirName)
	if err := os.MkdirAll(versionsDir, 0755); err != nil {
		return fmt.Errorf("failed to create versions directory: %w", err)
	}
	versionPath := filepath.Join(versionsDir, fmt.Sprintf("%06d.json", st.Serial))
	if err := os.WriteFile(versionPath, payload, 0644); err != nil {
		return fmt.Errorf("failed to write state version: %w", err)
	}

	statePath := s.statePath(scope)
	tmp, err := os.CreateTemp(filepath.Dir(statePath), ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), statePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// checkToken verifies that token belongs to the live lease on scope.
func (s *LocalStore) checkToken(scope, token string) error {
	cur, err := s.readLock(scope)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no lock held on scope %q", ErrStaleToken, scope)
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if cur.Token != token {
		return fmt.Errorf("%w: lock on scope %q is held by %s", ErrStaleToken, scope, cur.Who)
	}
	if cur.Expired(time.Now().UTC()) {
		return fmt.Errorf("%w: lease on scope %q expired at %s",
			ErrStaleToken, scope, cur.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (s *LocalStore) readLock(scope string) (*Lock, error) {
	raw, err := os.ReadFile(s.lockPath(scope))
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock file: %w", err)
	}
	return &lock, nil
}

// encodeState serializes and, when a key is configured, encrypts a state
// document. Records are sorted first so revision diffs stay readable.
func encodeState(st *ir.State) ([]byte, error) {
	st.Normalize()
	content, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	encrypted, err := EncryptState(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// decodeState is the inverse of encodeState.
func decodeState(raw []byte) (*ir.State, error) {
	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
		raw = decrypted
	}
	var st ir.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}
