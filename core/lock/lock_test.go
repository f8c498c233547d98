package lock

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sorafune/tandem/core/session"
)

func TestParseLockKey(t *testing.T) {
	rows, err := ParseLockKey("db1", "t1:1,2;t2:7")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows, err = ParseLockKey("db1", "")
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = ParseLockKey("db1", "no-table-separator")
	require.Error(t, err)

	_, err = ParseLockKey("db1", "t1:1,,2")
	require.Error(t, err)
}

func TestAcquire_Contention(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())

	ok, err := m.Acquire("T1", "db1", "t1:1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire("T2", "db1", "t1:1")
	require.NoError(t, err)
	require.False(t, ok, "a row may have only one active owner")

	// Same row name on a different resource is a different row.
	ok, err = m.Acquire("T2", "db2", "t1:1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquire_ReentrantForOwner(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())

	ok, err := m.Acquire("T1", "db1", "t1:1,2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire("T1", "db1", "t1:2,3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, m.HeldRows())
}

func TestAcquire_AllOrNothing(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())

	ok, err := m.Acquire("T1", "db1", "t1:2")
	require.NoError(t, err)
	require.True(t, ok)

	// T2 wants rows 1 and 2; 2 is taken, so 1 must not be granted either.
	ok, err = m.Acquire("T2", "db1", "t1:1,2")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, m.HeldRows(), "a denied acquire must leave no partial grant")
}

func TestRelease_Idempotent(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())
	bs := &session.BranchSession{XID: "T1", ResourceID: "db1", LockKey: "t1:1,2"}

	ok, err := m.Acquire("T1", "db1", "t1:1,2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(bs))
	require.Zero(t, m.HeldRows())
	require.NoError(t, m.Release(bs), "releasing already-released keys must succeed")
}

func TestRelease_OnlyOwnerRows(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())

	ok, err := m.Acquire("T1", "db1", "t1:1")
	require.NoError(t, err)
	require.True(t, ok)

	// T2 releasing T1's row leaves it held.
	require.NoError(t, m.ReleaseKeys("T2", "db1", "t1:1"))
	require.Equal(t, 1, m.HeldRows())
}

func TestIsLockable(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())

	ok, err := m.Acquire("T1", "db1", "t1:1")
	require.NoError(t, err)
	require.True(t, ok)

	lockable, err := m.IsLockable("T1", "db1", "t1:1")
	require.NoError(t, err)
	require.True(t, lockable)

	lockable, err = m.IsLockable("T2", "db1", "t1:1")
	require.NoError(t, err)
	require.False(t, lockable)
	require.Equal(t, 1, m.HeldRows(), "IsLockable must not acquire")
}

func TestAcquire_ConcurrentDistinctTransactions(t *testing.T) {
	m := NewMemoryManager(zap.NewNop())

	const workers = 16
	var wg sync.WaitGroup
	granted := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			xid := fmt.Sprintf("T%d", n)
			ok, err := m.Acquire(xid, "db1", "t1:42")
			if err == nil && ok {
				granted <- xid
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var owners []string
	for xid := range granted {
		owners = append(owners, xid)
	}
	require.Len(t, owners, 1, "exactly one transaction may win a contended row")
}
