package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sorafune/tandem/core/lock"
	"github.com/sorafune/tandem/core/model"
	"github.com/sorafune/tandem/core/protocol"
	"github.com/sorafune/tandem/core/rpc"
	"github.com/sorafune/tandem/core/session"
	"github.com/sorafune/tandem/core/txerror"
)

// --- Test Helpers ---

// fakeChannel records dispatched requests and answers with configured
// responses or errors.
type fakeChannel struct {
	mu           sync.Mutex
	requests     []any
	commitResp   *protocol.BranchCommitResponse
	rollbackResp *protocol.BranchRollbackResponse
	err          error
}

func (f *fakeChannel) SendSync(resourceID, clientID string, request any) (any, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	switch request.(type) {
	case *protocol.BranchCommitRequest:
		return f.commitResp, nil
	case *protocol.BranchRollbackRequest:
		return f.rollbackResp, nil
	}
	return nil, fmt.Errorf("unexpected request type %T", request)
}

func (f *fakeChannel) SendAsyncNoResponse(ch rpc.ServerChannel, message any) error {
	return nil
}

func setupCore(t *testing.T) (*DefaultCore, *session.MemoryRepository, *lock.MemoryManager, *fakeChannel) {
	t.Helper()
	repo := session.NewMemoryRepository(zap.NewNop())
	locks := lock.NewMemoryManager(zap.NewNop())
	channel := &fakeChannel{}
	core := NewDefaultCore(repo, locks, channel, zap.NewNop(), nil)
	return core, repo, locks, channel
}

// newBeginSession stores a fresh session in status Begin under the given xid.
func newBeginSession(t *testing.T, repo *session.MemoryRepository, xid string) *session.GlobalSession {
	t.Helper()
	gs := &session.GlobalSession{
		XID:                     xid,
		TransactionID:           1,
		ApplicationID:           "demo-app",
		TransactionServiceGroup: "default_tx_group",
	}
	gs.SetStatus(model.Begin)
	gs.SetActive(true)
	require.NoError(t, repo.AddGlobalSession(gs))
	return gs
}

// failingListener rejects every branch attachment.
type failingListener struct{}

func (failingListener) OnStatusChange(*session.GlobalSession, model.GlobalStatus) error { return nil }
func (failingListener) OnAddBranch(*session.GlobalSession, *session.BranchSession) error {
	return errors.New("session store unavailable")
}
func (failingListener) OnRemoveBranch(*session.GlobalSession, *session.BranchSession) error {
	return nil
}
func (failingListener) OnBranchStatusChange(*session.GlobalSession, *session.BranchSession, model.BranchStatus) error {
	return nil
}

// --- Branch registration ---

func TestBranchRegister_UnknownXID(t *testing.T) {
	core, _, _, _ := setupCore(t)

	_, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "no-such-xid", "", "t1:1")
	require.Error(t, err)
	require.Equal(t, txerror.GlobalTransactionNotExist, txerror.CodeOf(err))
}

func TestBranchRegister_Success(t *testing.T) {
	core, repo, locks, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")

	branchID, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.NoError(t, err)
	require.Equal(t, int64(1), branchID)

	branches := gs.Branches()
	require.Len(t, branches, 1)
	require.Equal(t, int64(1), branches[0].BranchID)
	require.Equal(t, "db1", branches[0].ResourceID)
	require.Equal(t, model.Registered, branches[0].Status)
	require.Equal(t, 1, locks.HeldRows(), "AT registration must claim its row locks")
}

func TestBranchRegister_StatusInvalid(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")
	gs.SetStatus(model.Committing)

	_, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.Error(t, err)
	require.Equal(t, txerror.GlobalTransactionStatusInvalid, txerror.CodeOf(err))
	require.Empty(t, gs.Branches())
}

func TestBranchRegister_NotActive(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")
	gs.SetActive(false)

	_, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.Error(t, err)
	require.Equal(t, txerror.GlobalTransactionNotActive, txerror.CodeOf(err))
}

func TestBranchRegister_LockDenied(t *testing.T) {
	core, repo, locks, _ := setupCore(t)
	newBeginSession(t, repo, "T1")
	gs2 := newBeginSession(t, repo, "T2")

	_, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.NoError(t, err)

	// T2 wants the same row: registration must fail without attaching.
	_, err = core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c2", "T2", "", "t1:1")
	require.Error(t, err)
	require.Equal(t, txerror.FailedToLockGlobalTransaction, txerror.CodeOf(err))
	require.Empty(t, gs2.Branches())
	require.Equal(t, 1, locks.HeldRows(), "the denied attempt must not leave partial locks")
}

func TestBranchRegister_LockFreeBranchTypeSkipsLockTable(t *testing.T) {
	core, repo, locks, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")

	// No handler is registered for TCC, so the same "rows" can be named by
	// any number of transactions.
	_, err := core.BranchRegister(context.Background(), model.BranchTypeTCC,
		"svc1", "c1", "T1", "", "t1:1")
	require.NoError(t, err)
	require.Zero(t, locks.HeldRows())
	require.Len(t, gs.Branches(), 1)
}

func TestBranchRegister_AttachFailureReleasesLock(t *testing.T) {
	core, repo, locks, _ := setupCore(t)
	repo.SetRootListener(failingListener{})
	gs := newBeginSession(t, repo, "T1")

	_, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.Error(t, err)
	require.Equal(t, txerror.FailedToAddBranch, txerror.CodeOf(err))
	require.Empty(t, gs.Branches())
	require.Zero(t, locks.HeldRows(), "compensating unlock must run before the failure surfaces")
}

func TestBranchRegister_ConcurrentSameXID(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")

	const workers = 32
	ids := make(chan int64, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			branchID, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
				"db1", "c1", "T1", "", fmt.Sprintf("t1:%d", n))
			if err != nil {
				errs <- err
				return
			}
			ids <- branchID
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[int64]bool)
	for id := range ids {
		require.False(t, seen[id], "branch id %d issued twice", id)
		seen[id] = true
	}
	require.Len(t, seen, workers)
	require.Len(t, gs.Branches(), workers, "no branch may be lost under concurrent registration")
}

// --- Branch report ---

func TestBranchReport_Success(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")

	branchID, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.NoError(t, err)

	err = core.BranchReport(context.Background(), model.BranchTypeAT, "T1", branchID,
		model.PhaseOneDone, "")
	require.NoError(t, err)
	require.Equal(t, model.PhaseOneDone, gs.GetBranch(branchID).Status)
}

func TestBranchReport_UnknownBranch(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	newBeginSession(t, repo, "T1")

	err := core.BranchReport(context.Background(), model.BranchTypeAT, "T1", 99,
		model.PhaseOneDone, "")
	require.Error(t, err)
	require.Equal(t, txerror.BranchTransactionNotExist, txerror.CodeOf(err))
}

func TestBranchReport_UnknownXID(t *testing.T) {
	core, _, _, _ := setupCore(t)

	err := core.BranchReport(context.Background(), model.BranchTypeAT, "absent", 1,
		model.PhaseOneDone, "")
	require.Error(t, err)
	require.Equal(t, txerror.GlobalTransactionNotExist, txerror.CodeOf(err))
}

// --- Lock query ---

func TestLockQuery(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	newBeginSession(t, repo, "T1")

	_, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", "T1", "", "t1:1")
	require.NoError(t, err)

	// Same xid can still claim its own rows.
	ok, err := core.LockQuery(context.Background(), model.BranchTypeAT, "db1", "T1", "t1:1")
	require.NoError(t, err)
	require.True(t, ok)

	// A different xid cannot.
	ok, err = core.LockQuery(context.Background(), model.BranchTypeAT, "db1", "T2", "t1:1")
	require.NoError(t, err)
	require.False(t, ok)

	// Branch types without a locking handler always grant.
	ok, err = core.LockQuery(context.Background(), model.BranchTypeSAGA, "db1", "T2", "t1:1")
	require.NoError(t, err)
	require.True(t, ok)
}

// --- Two-phase dispatch ---

func registeredBranch(t *testing.T, core *DefaultCore, repo *session.MemoryRepository,
	xid string) (*session.GlobalSession, *session.BranchSession) {
	t.Helper()
	gs := newBeginSession(t, repo, xid)
	branchID, err := core.BranchRegister(context.Background(), model.BranchTypeAT,
		"db1", "c1", xid, "undo-ctx", "t1:1")
	require.NoError(t, err)
	return gs, gs.GetBranch(branchID)
}

func TestBranchCommit_Success(t *testing.T) {
	core, repo, _, channel := setupCore(t)
	gs, bs := registeredBranch(t, core, repo, "T1")
	channel.commitResp = &protocol.BranchCommitResponse{
		XID: "T1", BranchID: bs.BranchID, BranchStatus: model.PhaseTwoCommitted,
	}

	status, err := core.BranchCommit(context.Background(), gs, bs)
	require.NoError(t, err)
	require.Equal(t, model.PhaseTwoCommitted, status)

	require.Len(t, channel.requests, 1)
	req := channel.requests[0].(*protocol.BranchCommitRequest)
	require.Equal(t, "T1", req.XID)
	require.Equal(t, bs.BranchID, req.BranchID)
	require.Equal(t, "db1", req.ResourceID)
	require.Equal(t, "undo-ctx", req.ApplicationData)
	require.Equal(t, model.BranchTypeAT, req.BranchType)
}

func TestBranchCommit_TransportErrorIsWrapped(t *testing.T) {
	core, repo, _, channel := setupCore(t)
	gs, bs := registeredBranch(t, core, repo, "T1")
	channel.err = &rpc.TransportError{Address: "db1", Err: rpc.ErrSendTimeout}

	_, err := core.BranchCommit(context.Background(), gs, bs)
	require.Error(t, err)
	require.Equal(t, txerror.FailedToSendBranchCommitRequest, txerror.CodeOf(err))
	require.ErrorIs(t, err, rpc.ErrSendTimeout, "the transport cause must stay reachable")
}

func TestBranchRollback_Success(t *testing.T) {
	core, repo, _, channel := setupCore(t)
	gs, bs := registeredBranch(t, core, repo, "T1")
	channel.rollbackResp = &protocol.BranchRollbackResponse{
		XID: "T1", BranchID: bs.BranchID, BranchStatus: model.PhaseTwoRollbacked,
	}

	status, err := core.BranchRollback(context.Background(), gs, bs)
	require.NoError(t, err)
	require.Equal(t, model.PhaseTwoRollbacked, status)
}

func TestBranchRollback_TransportErrorIsWrapped(t *testing.T) {
	core, repo, _, channel := setupCore(t)
	gs, bs := registeredBranch(t, core, repo, "T1")
	channel.err = &rpc.TransportError{Address: "db1", Err: rpc.ErrChannelNotWritable}

	_, err := core.BranchRollback(context.Background(), gs, bs)
	require.Error(t, err)
	require.Equal(t, txerror.FailedToSendBranchRollbackRequest, txerror.CodeOf(err))
	require.ErrorIs(t, err, rpc.ErrChannelNotWritable)
}

// --- Lifecycle defaults ---

func TestGetStatus(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")

	status, err := core.GetStatus(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, model.Begin, status)

	require.NoError(t, repo.RemoveGlobalSession(gs))
	status, err = core.GetStatus(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, model.Finished, status, "an absent session reads as finished")
}

func TestDoGlobalDefaultsReportResolved(t *testing.T) {
	core, repo, _, _ := setupCore(t)
	gs := newBeginSession(t, repo, "T1")

	for _, retrying := range []bool{false, true} {
		done, err := core.DoGlobalCommit(context.Background(), gs, retrying)
		require.NoError(t, err)
		require.True(t, done)

		done, err = core.DoGlobalRollback(context.Background(), gs, retrying)
		require.NoError(t, err)
		require.True(t, done)
	}
}
