package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/windlass/internal/ir"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	return NewLocalStore(t.TempDir())
}

// nextState reads the current state and bumps the serial the way a writer
// preparing a commit would.
func nextState(t *testing.T, s Store, scope string) *ir.State {
	t.Helper()
	st, err := s.ReadState(context.Background(), scope)
	require.NoError(t, err)
	st.Serial++
	return st
}

func TestLocalStore_ReadAbsentReturnsFreshState(t *testing.T) {
	s := newTestStore(t)

	st, err := s.ReadState(context.Background(), DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Version)
	assert.Equal(t, uint64(0), st.Serial)
	assert.NotEmpty(t, st.Lineage)
	assert.Empty(t, st.Resources)
}

func TestLocalStore_WriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{Operation: "apply"})
	require.NoError(t, err)
	assert.NotEmpty(t, lock.Token)
	assert.True(t, lock.ExpiresAt.After(time.Now()))

	st := nextState(t, s, DefaultScope)
	st.Put(&ir.RecordedResource{
		ID:            "network-1",
		Kind:          "network",
		Provider:      "null",
		ExternalID:    "net-abc",
		AppliedSerial: st.Serial,
		Attributes:    map[string]any{"cidr": "10.0.0.0/16"},
	})
	require.NoError(t, s.WriteState(ctx, DefaultScope, st, lock.Token))

	got, err := s.ReadState(ctx, DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Serial)
	assert.Equal(t, st.Lineage, got.Lineage)
	rec := got.Resource("network-1")
	require.NotNil(t, rec)
	assert.Equal(t, "net-abc", rec.ExternalID)
	assert.Equal(t, map[string]any{"cidr": "10.0.0.0/16"}, rec.Attributes)

	require.NoError(t, s.ReleaseLock(ctx, DefaultScope, lock.Token))
}

func TestLocalStore_WriteWithoutLock(t *testing.T) {
	s := newTestStore(t)

	st := nextState(t, s, DefaultScope)
	err := s.WriteState(context.Background(), DefaultScope, st, "no-such-token")
	assert.ErrorIs(t, err, ErrStaleToken)
}

func TestLocalStore_WriteWrongToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{})
	require.NoError(t, err)

	st := nextState(t, s, DefaultScope)
	err = s.WriteState(ctx, DefaultScope, st, "bogus")
	assert.ErrorIs(t, err, ErrStaleToken)

	require.NoError(t, s.WriteState(ctx, DefaultScope, st, lock.Token))
}

func TestLocalStore_LockContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{Who: "first"})
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, DefaultScope, LockOptions{Who: "second"})
	require.ErrorIs(t, err, ErrLockContention)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), lock.Token)

	require.NoError(t, s.ReleaseLock(ctx, DefaultScope, lock.Token))

	lock2, err := s.AcquireLock(ctx, DefaultScope, LockOptions{Who: "second"})
	require.NoError(t, err)
	assert.NotEqual(t, lock.Token, lock2.Token)
}

func TestLocalStore_ContentionExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Lock
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrLockContention)
				losers++
				return
			}
			winners = append(winners, lock)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, losers)
	require.NoError(t, s.ReleaseLock(ctx, DefaultScope, winners[0].Token))
}

func TestLocalStore_LeaseReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, err := s.AcquireLock(ctx, DefaultScope, LockOptions{Who: "crashed", TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	fresh, err := s.AcquireLock(ctx, DefaultScope, LockOptions{Who: "healer"})
	require.NoError(t, err)
	assert.NotEqual(t, stale.Token, fresh.Token)

	// The crashed holder's token no longer authorizes anything.
	st := nextState(t, s, DefaultScope)
	assert.ErrorIs(t, s.WriteState(ctx, DefaultScope, st, stale.Token), ErrStaleToken)
	require.NoError(t, s.WriteState(ctx, DefaultScope, st, fresh.Token))
}

func TestLocalStore_ExpiredLeaseCannotWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	st := nextState(t, s, DefaultScope)
	err = s.WriteState(ctx, DefaultScope, st, lock.Token)
	require.ErrorIs(t, err, ErrStaleToken)
	assert.Contains(t, err.Error(), "expired")
}

func TestLocalStore_SerialConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{})
	require.NoError(t, err)

	st := nextState(t, s, DefaultScope)
	require.Equal(t, uint64(1), st.Serial)
	require.NoError(t, s.WriteState(ctx, DefaultScope, st, lock.Token))

	// Replaying the same serial is rejected.
	assert.ErrorIs(t, s.WriteState(ctx, DefaultScope, st, lock.Token), ErrSerialConflict)

	// Skipping ahead is rejected too.
	ahead := st.Clone()
	ahead.Serial = 3
	assert.ErrorIs(t, s.WriteState(ctx, DefaultScope, ahead, lock.Token), ErrSerialConflict)

	next := st.Clone()
	next.Serial = 2
	require.NoError(t, s.WriteState(ctx, DefaultScope, next, lock.Token))
}

func TestLocalStore_VersionSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		st := nextState(t, s, DefaultScope)
		require.NoError(t, s.WriteState(ctx, DefaultScope, st, lock.Token))
	}

	versionsDir := filepath.Join(s.dir, DefaultScope, versionsDirName)
	for _, name := range []string{"000001.json", "000002.json"} {
		_, err := os.Stat(filepath.Join(versionsDir, name))
		assert.NoError(t, err, "expected version snapshot %s", name)
	}
}

func TestLocalStore_ForceUnlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{Who: "stuck"})
	require.NoError(t, err)

	err = s.ForceUnlock(ctx, DefaultScope, "wrong-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")

	require.NoError(t, s.ForceUnlock(ctx, DefaultScope, lock.Token))

	_, err = s.AcquireLock(ctx, DefaultScope, LockOptions{})
	require.NoError(t, err)
}

func TestLocalStore_ReleaseTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{})
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLock(ctx, DefaultScope, lock.Token))

	assert.ErrorIs(t, s.ReleaseLock(ctx, DefaultScope, lock.Token), ErrStaleToken)
}

func TestLocalStore_ScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lockA, err := s.AcquireLock(ctx, "scope-a", LockOptions{})
	require.NoError(t, err)
	lockB, err := s.AcquireLock(ctx, "scope-b", LockOptions{})
	require.NoError(t, err)

	stA := nextState(t, s, "scope-a")
	stA.Put(&ir.RecordedResource{ID: "only-in-a", Kind: "network", Provider: "null"})
	require.NoError(t, s.WriteState(ctx, "scope-a", stA, lockA.Token))

	stB, err := s.ReadState(ctx, "scope-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stB.Serial)
	assert.Nil(t, stB.Resource("only-in-a"))

	require.NoError(t, s.ReleaseLock(ctx, "scope-a", lockA.Token))
	require.NoError(t, s.ReleaseLock(ctx, "scope-b", lockB.Token))
}

func TestLocalStore_EncryptedAtRest(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "local-store-test-encryption-key")

	s := newTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, DefaultScope, LockOptions{})
	require.NoError(t, err)

	st := nextState(t, s, DefaultScope)
	st.Put(&ir.RecordedResource{ID: "secret-1", Kind: "storage-bucket", Provider: "null"})
	require.NoError(t, s.WriteState(ctx, DefaultScope, st, lock.Token))

	raw, err := os.ReadFile(s.statePath(DefaultScope))
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "secret-1")

	got, err := s.ReadState(ctx, DefaultScope)
	require.NoError(t, err)
	assert.NotNil(t, got.Resource("secret-1"))
}

func TestNewStore_DefaultsToLocal(t *testing.T) {
	s, err := NewStore(&Config{Path: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*LocalStore)
	assert.True(t, ok)

	s, err = NewStore(nil)
	require.NoError(t, err)
	_, ok = s.(*LocalStore)
	assert.True(t, ok)
}

func TestNewStore_UnknownBackend(t *testing.T) {
	_, err := NewStore(&Config{Backend: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state backend")
}
