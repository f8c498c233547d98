package coordinator

import (
	"context"
	"sync"

	"github.com/sorafune/tandem/core/lock"
	"github.com/sorafune/tandem/core/model"
)

// BranchHandler is the per-branch-type capability a coordinator composes in.
// Whether a branch type takes row locks is declared explicitly through
// NeedsRowLocks, never inferred from which methods an implementation happens
// to override.
type BranchHandler interface {
	// BranchType is the branch protocol this handler serves.
	BranchType() model.BranchType
	// NeedsRowLocks reports whether branches of this type claim row locks at
	// registration time.
	NeedsRowLocks() bool
	// LockQuery reports whether the named rows could be claimed for xid.
	// Only consulted when NeedsRowLocks is true.
	LockQuery(ctx context.Context, resourceID, xid, lockKeys string) (bool, error)
}

// handlerRegistry maps branch types to their handlers. Unregistered types get
// the permissive defaults (no locking, lock queries always grant).
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[model.BranchType]BranchHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[model.BranchType]BranchHandler)}
}

func (r *handlerRegistry) register(h BranchHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.BranchType()] = h
}

func (r *handlerRegistry) lookup(t model.BranchType) (BranchHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// RowLockHandler is the stock handler for branch types that enforce row-level
// locking through the lock manager.
type RowLockHandler struct {
	branchType model.BranchType
	locks      lock.Manager
}

// NewRowLockHandler creates a locking handler for branchType backed by locks.
func NewRowLockHandler(branchType model.BranchType, locks lock.Manager) *RowLockHandler {
	return &RowLockHandler{branchType: branchType, locks: locks}
}

func (h *RowLockHandler) BranchType() model.BranchType { return h.branchType }

func (h *RowLockHandler) NeedsRowLocks() bool { return true }

// LockQuery consults the lock manager without acquiring anything.
func (h *RowLockHandler) LockQuery(ctx context.Context, resourceID, xid, lockKeys string) (bool, error) {
	return h.locks.IsLockable(xid, resourceID, lockKeys)
}
