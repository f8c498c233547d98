// Package lock implements the coordinator's logical row-lock table. A lock
// key descriptor names rows as "table:pk1,pk2;table2:pk3"; each row, while
// locked, is owned by exactly one active global transaction.
package lock

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sorafune/tandem/core/session"
)

// Manager grants and releases logical row locks on behalf of global
// transactions. Acquire reports ordinary contention as false, never as an
// error; errors are reserved for malformed descriptors.
type Manager interface {
	// Acquire attempts ownership of every row named by lockKey for xid.
	// All-or-nothing: on contention no row is left newly held.
	Acquire(xid, resourceID, lockKey string) (bool, error)
	// Release frees all rows held for the branch. Idempotent.
	Release(bs *session.BranchSession) error
	// ReleaseKeys frees the named rows if owned by xid. Idempotent.
	ReleaseKeys(xid, resourceID, lockKey string) error
	// IsLockable reports whether xid could acquire every row named by
	// lockKey right now, without taking anything.
	IsLockable(xid, resourceID, lockKey string) (bool, error)
}

// rowKey identifies one lockable row across resources.
func rowKey(resourceID, table, pk string) string {
	return resourceID + "^^" + table + "^^" + pk
}

// ParseLockKey expands a descriptor into row keys scoped to resourceID.
// An empty descriptor is valid and yields no rows.
func ParseLockKey(resourceID, lockKey string) ([]string, error) {
	if lockKey == "" {
		return nil, nil
	}
	var rows []string
	for _, part := range strings.Split(lockKey, ";") {
		if part == "" {
			continue
		}
		table, pks, ok := strings.Cut(part, ":")
		if !ok || table == "" {
			return nil, fmt.Errorf("malformed lock key segment %q in %q", part, lockKey)
		}
		for _, pk := range strings.Split(pks, ",") {
			if pk == "" {
				return nil, fmt.Errorf("empty primary key in lock key segment %q", part)
			}
			rows = append(rows, rowKey(resourceID, table, pk))
		}
	}
	return rows, nil
}

type lockEntry struct {
	xid string
}

// MemoryManager is the in-process lock Manager.
type MemoryManager struct {
	mu     sync.Mutex
	table  map[string]lockEntry
	logger *zap.Logger
}

// NewMemoryManager creates an empty lock table.
func NewMemoryManager(logger *zap.Logger) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryManager{
		table:  make(map[string]lockEntry),
		logger: logger.Named("lock_manager"),
	}
}

// Acquire takes every row named by lockKey for xid, or none of them.
// Re-acquiring rows already held by the same xid succeeds.
func (m *MemoryManager) Acquire(xid, resourceID, lockKey string) (bool, error) {
	rows, err := ParseLockKey(resourceID, lockKey)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if entry, held := m.table[row]; held && entry.xid != xid {
			m.logger.Debug("lock conflict",
				zap.String("xid", xid), zap.String("row", row),
				zap.String("owner", entry.xid))
			return false, nil
		}
	}
	for _, row := range rows {
		m.table[row] = lockEntry{xid: xid}
	}
	return true, nil
}

// Release frees the branch's rows.
func (m *MemoryManager) Release(bs *session.BranchSession) error {
	return m.ReleaseKeys(bs.XID, bs.ResourceID, bs.LockKey)
}

// ReleaseKeys frees the named rows when owned by xid. Rows already free or
// owned by another transaction are left untouched.
func (m *MemoryManager) ReleaseKeys(xid, resourceID, lockKey string) error {
	rows, err := ParseLockKey(resourceID, lockKey)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if entry, held := m.table[row]; held && entry.xid == xid {
			delete(m.table, row)
		}
	}
	return nil
}

// IsLockable checks availability without acquiring.
func (m *MemoryManager) IsLockable(xid, resourceID, lockKey string) (bool, error) {
	rows, err := ParseLockKey(resourceID, lockKey)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if entry, held := m.table[row]; held && entry.xid != xid {
			return false, nil
		}
	}
	return true, nil
}

// HeldRows reports how many rows are currently locked. Intended for tests
// and metrics.
func (m *MemoryManager) HeldRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
