// Package coordinator implements the transaction-coordination core: branch
// registration, branch status reporting, and two-phase directive dispatch.
// The global-transaction lifecycle (begin, commit, rollback, recovery
// re-drives) is supplied by a composing coordinator built on the extension
// points declared here.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sorafune/tandem/core/lock"
	"github.com/sorafune/tandem/core/model"
	"github.com/sorafune/tandem/core/protocol"
	"github.com/sorafune/tandem/core/rpc"
	"github.com/sorafune/tandem/core/session"
	"github.com/sorafune/tandem/core/txerror"
	"github.com/sorafune/tandem/internal/metrics"
)

// Core is the coordinator's full operation surface. BranchRegister through
// BranchRollback are implemented by DefaultCore; the remaining operations are
// extension points whose defaults a composing coordinator overrides to drive
// the global lifecycle.
type Core interface {
	// Begin opens a new global transaction and returns its xid.
	Begin(ctx context.Context, applicationID, transactionServiceGroup, name string,
		timeout time.Duration) (string, error)
	// Commit drives phase two commit for the transaction.
	Commit(ctx context.Context, xid string) (model.GlobalStatus, error)
	// Rollback drives phase two rollback for the transaction.
	Rollback(ctx context.Context, xid string) (model.GlobalStatus, error)
	// GetStatus reports the transaction's current global status.
	GetStatus(ctx context.Context, xid string) (model.GlobalStatus, error)
	// GlobalReport records a participant-reported global status.
	GlobalReport(ctx context.Context, xid string, status model.GlobalStatus) (model.GlobalStatus, error)
	// DoGlobalCommit commits every branch. retrying marks a scheduled
	// re-drive, letting implementations skip already-resolved branches. The
	// return reports whether the transaction is now fully resolved; false
	// asks the external scheduler to retry later.
	DoGlobalCommit(ctx context.Context, gs *session.GlobalSession, retrying bool) (bool, error)
	// DoGlobalRollback rolls back every branch; semantics mirror
	// DoGlobalCommit.
	DoGlobalRollback(ctx context.Context, gs *session.GlobalSession, retrying bool) (bool, error)
	// DoGlobalReport applies a reported global status to the session.
	DoGlobalReport(ctx context.Context, gs *session.GlobalSession, xid string,
		status model.GlobalStatus) error

	// BranchRegister attaches a new branch to the global transaction and
	// returns its branch id.
	BranchRegister(ctx context.Context, branchType model.BranchType, resourceID, clientID,
		xid, applicationData, lockKeys string) (int64, error)
	// BranchReport records a branch's phase-one outcome.
	BranchReport(ctx context.Context, branchType model.BranchType, xid string, branchID int64,
		status model.BranchStatus, applicationData string) error
	// LockQuery reports whether the named rows could be claimed for xid.
	LockQuery(ctx context.Context, branchType model.BranchType, resourceID, xid,
		lockKeys string) (bool, error)
	// BranchCommit dispatches the commit directive for one branch and
	// returns the participant-reported status.
	BranchCommit(ctx context.Context, gs *session.GlobalSession,
		bs *session.BranchSession) (model.BranchStatus, error)
	// BranchRollback dispatches the rollback directive for one branch and
	// returns the participant-reported status.
	BranchRollback(ctx context.Context, gs *session.GlobalSession,
		bs *session.BranchSession) (model.BranchStatus, error)
}

// DefaultCore implements branch registration, reporting, and dispatch. It is
// safe for concurrent use; per-xid mutual exclusion comes from the session
// repository.
type DefaultCore struct {
	repo     session.Repository
	locks    lock.Manager
	channel  rpc.BranchMessageChannel
	handlers *handlerRegistry
	logger   *zap.Logger
	metrics  *metrics.CoordinatorMetrics
}

var _ Core = (*DefaultCore)(nil)

// NewDefaultCore wires a coordinator core. AT branches get the stock
// row-locking handler; other branch types run lock-free until a handler is
// registered for them.
func NewDefaultCore(repo session.Repository, locks lock.Manager,
	channel rpc.BranchMessageChannel, logger *zap.Logger,
	m *metrics.CoordinatorMetrics) *DefaultCore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopCoordinatorMetrics()
	}
	c := &DefaultCore{
		repo:     repo,
		locks:    locks,
		channel:  channel,
		handlers: newHandlerRegistry(),
		logger:   logger.Named("coordinator"),
		metrics:  m,
	}
	c.RegisterBranchHandler(NewRowLockHandler(model.BranchTypeAT, locks))
	return c
}

// RegisterBranchHandler installs the handler for its branch type, replacing
// any previous one.
func (c *DefaultCore) RegisterBranchHandler(h BranchHandler) {
	c.handlers.register(h)
}

func (c *DefaultCore) findGlobalSession(xid string, withBranches bool) (*session.GlobalSession, error) {
	gs, err := c.repo.FindGlobalSession(xid, withBranches)
	if err != nil {
		return nil, txerror.Wrap(txerror.GlobalTransactionNotExist, xid, 0, err,
			"could not look up global transaction")
	}
	if gs == nil {
		return nil, txerror.New(txerror.GlobalTransactionNotExist, xid, 0,
			"could not find global transaction, it may have finished")
	}
	return gs, nil
}

func (c *DefaultCore) statusCheck(gs *session.GlobalSession) error {
	if !gs.Active() {
		return txerror.New(txerror.GlobalTransactionNotActive, gs.XID, 0,
			"could not register branch, global session is not active, status = %s", gs.Status())
	}
	if status := gs.Status(); status != model.Begin {
		return txerror.New(txerror.GlobalTransactionStatusInvalid, gs.XID, 0,
			"could not register branch, status = %s while expecting %s", status, model.Begin)
	}
	return nil
}

// branchSessionLock runs the lock-acquisition hook for the branch. Branch
// types without a locking handler skip the lock table entirely.
func (c *DefaultCore) branchSessionLock(gs *session.GlobalSession, bs *session.BranchSession) error {
	h, ok := c.handlers.lookup(bs.BranchType)
	if !ok || !h.NeedsRowLocks() {
		return nil
	}
	acquired, err := c.locks.Acquire(gs.XID, bs.ResourceID, bs.LockKey)
	if err != nil {
		return txerror.Wrap(txerror.FailedToLockGlobalTransaction, gs.XID, 0, err,
			"lock acquisition failed, lockKeys = %s", bs.LockKey)
	}
	if !acquired {
		return txerror.New(txerror.FailedToLockGlobalTransaction, gs.XID, 0,
			"another global transaction holds the requested locks, lockKeys = %s", bs.LockKey)
	}
	return nil
}

func (c *DefaultCore) branchSessionUnlock(bs *session.BranchSession) error {
	h, ok := c.handlers.lookup(bs.BranchType)
	if !ok || !h.NeedsRowLocks() {
		return nil
	}
	return c.locks.Release(bs)
}

// BranchRegister attaches a new branch to the global transaction identified
// by xid. The status check, lock acquisition, and attach run as one unit
// inside the repository's per-xid exclusive scope, so two registrations on
// the same xid can never interleave. A failed attach releases the locks it
// acquired before the failure is surfaced.
func (c *DefaultCore) BranchRegister(ctx context.Context, branchType model.BranchType,
	resourceID, clientID, xid, applicationData, lockKeys string) (int64, error) {
	gs, err := c.findGlobalSession(xid, false)
	if err != nil {
		c.metrics.RecordBranchOp(ctx, metrics.ActionRegister, branchType.String(), metrics.OutcomeFailed)
		return 0, err
	}

	var branchID int64
	err = c.repo.LockAndExecute(gs, func() error {
		if err := c.statusCheck(gs); err != nil {
			return err
		}
		gs.AddLifecycleListener(c.repo.RootListener())
		bs := session.NewBranchByGlobal(gs, branchType, resourceID, applicationData, lockKeys, clientID)
		if err := c.branchSessionLock(gs, bs); err != nil {
			return err
		}
		if err := gs.AddBranch(bs); err != nil {
			if unlockErr := c.branchSessionUnlock(bs); unlockErr != nil {
				c.logger.Error("compensating unlock failed after branch attach failure",
					zap.String("xid", gs.XID), zap.Error(unlockErr))
			}
			return txerror.Wrap(txerror.FailedToAddBranch, gs.XID, bs.BranchID, err,
				"failed to store branch")
		}
		branchID = bs.BranchID
		return nil
	})
	if err != nil {
		c.metrics.RecordBranchOp(ctx, metrics.ActionRegister, branchType.String(), metrics.OutcomeFailed)
		return 0, err
	}

	c.metrics.RecordBranchOp(ctx, metrics.ActionRegister, branchType.String(), metrics.OutcomeSucceeded)
	c.metrics.ActiveBranchesGauge.Add(ctx, 1)
	c.logger.Info("branch registered",
		zap.String("xid", gs.XID),
		zap.Int64("branchId", branchID),
		zap.String("resourceId", resourceID),
		zap.String("lockKeys", lockKeys))
	return branchID, nil
}

// BranchReport records a branch's reported status on its global session.
func (c *DefaultCore) BranchReport(ctx context.Context, branchType model.BranchType,
	xid string, branchID int64, status model.BranchStatus, applicationData string) error {
	gs, err := c.findGlobalSession(xid, true)
	if err != nil {
		c.metrics.RecordBranchOp(ctx, metrics.ActionReport, branchType.String(), metrics.OutcomeFailed)
		return err
	}

	err = c.repo.LockAndExecute(gs, func() error {
		bs := gs.GetBranch(branchID)
		if bs == nil {
			return txerror.New(txerror.BranchTransactionNotExist, xid, branchID,
				"could not find branch session")
		}
		gs.AddLifecycleListener(c.repo.RootListener())
		if applicationData != "" {
			bs.ApplicationData = applicationData
		}
		return gs.ChangeBranchStatus(bs, status)
	})
	if err != nil {
		c.metrics.RecordBranchOp(ctx, metrics.ActionReport, branchType.String(), metrics.OutcomeFailed)
		return err
	}

	c.metrics.RecordBranchOp(ctx, metrics.ActionReport, branchType.String(), metrics.OutcomeSucceeded)
	c.logger.Info("branch status reported",
		zap.String("xid", xid),
		zap.Int64("branchId", branchID),
		zap.Stringer("status", status))
	return nil
}

// LockQuery is permissive by default; branch types with a locking handler
// consult the lock manager instead.
func (c *DefaultCore) LockQuery(ctx context.Context, branchType model.BranchType,
	resourceID, xid, lockKeys string) (bool, error) {
	h, ok := c.handlers.lookup(branchType)
	if !ok || !h.NeedsRowLocks() {
		return true, nil
	}
	return h.LockQuery(ctx, resourceID, xid, lockKeys)
}

// BranchCommit dispatches the phase-two commit directive for one branch over
// the message channel and returns the participant-reported status. Transport
// failures surface as FailedToSendBranchCommitRequest; this core never
// retries, the external scheduler owns retry policy.
func (c *DefaultCore) BranchCommit(ctx context.Context, gs *session.GlobalSession,
	bs *session.BranchSession) (model.BranchStatus, error) {
	req := &protocol.BranchCommitRequest{
		XID:             bs.XID,
		BranchID:        bs.BranchID,
		ResourceID:      bs.ResourceID,
		ApplicationData: bs.ApplicationData,
		BranchType:      bs.BranchType,
	}
	start := time.Now()
	raw, err := c.channel.SendSync(bs.ResourceID, bs.ClientID, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.metrics.RecordDispatch(ctx, metrics.ActionCommit, bs.BranchType.String(),
			metrics.OutcomeFailed, elapsed)
		return model.UnknownBranchStatus, txerror.Wrap(txerror.FailedToSendBranchCommitRequest,
			bs.XID, bs.BranchID, err, "send branch commit failed")
	}
	resp, ok := raw.(*protocol.BranchCommitResponse)
	if !ok {
		c.metrics.RecordDispatch(ctx, metrics.ActionCommit, bs.BranchType.String(),
			metrics.OutcomeFailed, elapsed)
		return model.UnknownBranchStatus, txerror.New(txerror.FailedToSendBranchCommitRequest,
			bs.XID, bs.BranchID, "unexpected branch commit response type %T", raw)
	}
	c.metrics.RecordDispatch(ctx, metrics.ActionCommit, bs.BranchType.String(),
		metrics.OutcomeSucceeded, elapsed)
	return resp.BranchStatus, nil
}

// BranchRollback mirrors BranchCommit with the rollback directive; transport
// failures surface as FailedToSendBranchRollbackRequest.
func (c *DefaultCore) BranchRollback(ctx context.Context, gs *session.GlobalSession,
	bs *session.BranchSession) (model.BranchStatus, error) {
	req := &protocol.BranchRollbackRequest{
		XID:             bs.XID,
		BranchID:        bs.BranchID,
		ResourceID:      bs.ResourceID,
		ApplicationData: bs.ApplicationData,
		BranchType:      bs.BranchType,
	}
	start := time.Now()
	raw, err := c.channel.SendSync(bs.ResourceID, bs.ClientID, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.metrics.RecordDispatch(ctx, metrics.ActionRollback, bs.BranchType.String(),
			metrics.OutcomeFailed, elapsed)
		return model.UnknownBranchStatus, txerror.Wrap(txerror.FailedToSendBranchRollbackRequest,
			bs.XID, bs.BranchID, err, "send branch rollback failed")
	}
	resp, ok := raw.(*protocol.BranchRollbackResponse)
	if !ok {
		c.metrics.RecordDispatch(ctx, metrics.ActionRollback, bs.BranchType.String(),
			metrics.OutcomeFailed, elapsed)
		return model.UnknownBranchStatus, txerror.New(txerror.FailedToSendBranchRollbackRequest,
			bs.XID, bs.BranchID, "unexpected branch rollback response type %T", raw)
	}
	c.metrics.RecordDispatch(ctx, metrics.ActionRollback, bs.BranchType.String(),
		metrics.OutcomeSucceeded, elapsed)
	return resp.BranchStatus, nil
}

// The operations below are extension points: their defaults carry no global
// lifecycle of their own. A composing coordinator overrides them.

// Begin is supplied by the composing coordinator.
func (c *DefaultCore) Begin(ctx context.Context, applicationID, transactionServiceGroup,
	name string, timeout time.Duration) (string, error) {
	return "", nil
}

// Commit is supplied by the composing coordinator.
func (c *DefaultCore) Commit(ctx context.Context, xid string) (model.GlobalStatus, error) {
	return model.UnknownGlobalStatus, nil
}

// Rollback is supplied by the composing coordinator.
func (c *DefaultCore) Rollback(ctx context.Context, xid string) (model.GlobalStatus, error) {
	return model.UnknownGlobalStatus, nil
}

// GetStatus reports the session's current status; a finished (absent)
// transaction reads as Finished.
func (c *DefaultCore) GetStatus(ctx context.Context, xid string) (model.GlobalStatus, error) {
	gs, err := c.repo.FindGlobalSession(xid, false)
	if err != nil {
		return model.UnknownGlobalStatus, err
	}
	if gs == nil {
		return model.Finished, nil
	}
	return gs.Status(), nil
}

// GlobalReport is supplied by the composing coordinator.
func (c *DefaultCore) GlobalReport(ctx context.Context, xid string,
	status model.GlobalStatus) (model.GlobalStatus, error) {
	return model.UnknownGlobalStatus, nil
}

// DoGlobalCommit defaults to fully resolved; per-branch-type coordinators
// override it with real commit driving and idempotent skip logic for
// retrying re-drives.
func (c *DefaultCore) DoGlobalCommit(ctx context.Context, gs *session.GlobalSession,
	retrying bool) (bool, error) {
	return true, nil
}

// DoGlobalRollback defaults to fully resolved, mirroring DoGlobalCommit.
func (c *DefaultCore) DoGlobalRollback(ctx context.Context, gs *session.GlobalSession,
	retrying bool) (bool, error) {
	return true, nil
}

// DoGlobalReport is supplied by the composing coordinator.
func (c *DefaultCore) DoGlobalReport(ctx context.Context, gs *session.GlobalSession,
	xid string, status model.GlobalStatus) error {
	return nil
}
