package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sorafune/tandem/core/model"
)

// Repository stores and looks up global sessions and provides the
// per-transaction mutual exclusion the coordinator core relies on. Persistent
// (file/db/cache backed) implementations live outside this module; they plug
// in behind this interface and observe mutations through the root listener.
type Repository interface {
	// AddGlobalSession stores a new global session.
	AddGlobalSession(gs *GlobalSession) error
	// FindGlobalSession looks up a session by xid. A missing session is
	// (nil, nil), not an error; callers decide how absence is surfaced.
	// withBranches asks the store to hydrate the branch list.
	FindGlobalSession(xid string, withBranches bool) (*GlobalSession, error)
	// RemoveGlobalSession drops a fully resolved session.
	RemoveGlobalSession(gs *GlobalSession) error
	// LockAndExecute runs fn while holding the exclusive lock for the
	// session's xid. All status-mutating coordinator operations for one xid
	// serialize here; unrelated xids proceed in parallel.
	LockAndExecute(gs *GlobalSession, fn func() error) error
	// RootListener is the repository's own lifecycle listener, registered on
	// every session the coordinator touches.
	RootListener() LifecycleListener
}

// MemoryRepository is the in-process Repository used by tests and single-node
// deployments.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*GlobalSession
	locks    *keyedMutex
	root     LifecycleListener
	logger   *zap.Logger
}

// NewMemoryRepository creates an empty in-memory repository. The root
// listener defaults to a logging no-op and can be replaced before use.
func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &MemoryRepository{
		sessions: make(map[string]*GlobalSession),
		locks:    newKeyedMutex(),
		logger:   logger.Named("session_repository"),
	}
	r.root = &loggingListener{logger: r.logger}
	return r
}

// SetRootListener replaces the repository's root listener. Must be called
// before the repository is shared across goroutines.
func (r *MemoryRepository) SetRootListener(l LifecycleListener) {
	r.root = l
}

// AddGlobalSession stores gs, rejecting duplicate xids.
func (r *MemoryRepository) AddGlobalSession(gs *GlobalSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[gs.XID]; exists {
		return fmt.Errorf("global session already exists, xid = %s", gs.XID)
	}
	r.sessions[gs.XID] = gs
	return nil
}

// FindGlobalSession returns the session for xid, or nil when absent. The
// in-memory store always holds branches, so withBranches is satisfied either
// way.
func (r *MemoryRepository) FindGlobalSession(xid string, withBranches bool) (*GlobalSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[xid], nil
}

// RemoveGlobalSession drops gs from the store.
func (r *MemoryRepository) RemoveGlobalSession(gs *GlobalSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, gs.XID)
	return nil
}

// LockAndExecute serializes fn against all other exclusive work on the same
// xid.
func (r *MemoryRepository) LockAndExecute(gs *GlobalSession, fn func() error) error {
	r.locks.lock(gs.XID)
	defer r.locks.unlock(gs.XID)
	return fn()
}

// RootListener returns the repository's lifecycle listener.
func (r *MemoryRepository) RootListener() LifecycleListener {
	return r.root
}

// loggingListener is the default root listener: it records session mutations
// and never fails them.
type loggingListener struct {
	logger *zap.Logger
}

func (l *loggingListener) OnStatusChange(gs *GlobalSession, status model.GlobalStatus) error {
	l.logger.Debug("global status changed",
		zap.String("xid", gs.XID), zap.Stringer("status", status))
	return nil
}

func (l *loggingListener) OnAddBranch(gs *GlobalSession, bs *BranchSession) error {
	l.logger.Debug("branch attached",
		zap.String("xid", gs.XID), zap.Int64("branchId", bs.BranchID))
	return nil
}

func (l *loggingListener) OnRemoveBranch(gs *GlobalSession, bs *BranchSession) error {
	l.logger.Debug("branch detached",
		zap.String("xid", gs.XID), zap.Int64("branchId", bs.BranchID))
	return nil
}

func (l *loggingListener) OnBranchStatusChange(gs *GlobalSession, bs *BranchSession, status model.BranchStatus) error {
	l.logger.Debug("branch status changed",
		zap.String("xid", gs.XID), zap.Int64("branchId", bs.BranchID),
		zap.Stringer("status", status))
	return nil
}
