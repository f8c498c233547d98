// Package session holds the coordinator-side records of global and branch
// transactions and the repository that owns them. The coordinator core never
// mutates a global session outside the repository's per-transaction exclusive
// scope; the session's own mutex only protects readers running outside it.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sorafune/tandem/core/model"
)

var transactionIDCounter atomic.Int64

// LifecycleListener observes global session mutations. Listeners are notified
// synchronously; a listener error aborts the mutation that triggered it.
// The repository's root listener is where persistent session stores hook in.
type LifecycleListener interface {
	OnStatusChange(gs *GlobalSession, status model.GlobalStatus) error
	OnAddBranch(gs *GlobalSession, bs *BranchSession) error
	OnRemoveBranch(gs *GlobalSession, bs *BranchSession) error
	OnBranchStatusChange(gs *GlobalSession, bs *BranchSession, status model.BranchStatus) error
}

// GlobalSession is the coordinator-side record of one global transaction and
// its ordered branch sessions.
type GlobalSession struct {
	XID                     string
	TransactionID           int64
	ApplicationID           string
	TransactionServiceGroup string
	TransactionName         string
	Timeout                 time.Duration
	BeginTime               time.Time

	mu           sync.Mutex
	status       model.GlobalStatus
	active       bool
	branches     []*BranchSession
	nextBranchID int64
	listeners    []LifecycleListener
}

// NewGlobalSession opens a new global session in status Begin.
func NewGlobalSession(applicationID, transactionServiceGroup, transactionName string,
	timeout time.Duration) *GlobalSession {
	return &GlobalSession{
		XID:                     uuid.NewString(),
		TransactionID:           transactionIDCounter.Add(1),
		ApplicationID:           applicationID,
		TransactionServiceGroup: transactionServiceGroup,
		TransactionName:         transactionName,
		Timeout:                 timeout,
		BeginTime:               time.Now(),
		status:                  model.Begin,
		active:                  true,
	}
}

// Status returns the session's current global status.
func (gs *GlobalSession) Status() model.GlobalStatus {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.status
}

// Active reports whether the session still accepts mutation.
func (gs *GlobalSession) Active() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.active
}

// SetActive flips the session's active flag.
func (gs *GlobalSession) SetActive(active bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.active = active
}

// SetStatus sets the status without notifying listeners. Used when restoring
// sessions; live transitions go through ChangeStatus.
func (gs *GlobalSession) SetStatus(status model.GlobalStatus) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.status = status
}

// ChangeStatus transitions the session's status and notifies listeners.
func (gs *GlobalSession) ChangeStatus(status model.GlobalStatus) error {
	gs.mu.Lock()
	gs.status = status
	listeners := gs.listenersSnapshotLocked()
	gs.mu.Unlock()
	for _, l := range listeners {
		if err := l.OnStatusChange(gs, status); err != nil {
			return err
		}
	}
	return nil
}

// CanAttachBranch reports whether new branches may register: only a session
// still in status Begin accepts branch attachment.
func (gs *GlobalSession) CanAttachBranch() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.status == model.Begin
}

// HasTimedOut reports whether the session has outlived its timeout at the
// given instant. The external lifecycle driver uses this to trigger timeout
// rollback; the core itself never acts on it.
func (gs *GlobalSession) HasTimedOut(now time.Time) bool {
	return gs.Timeout > 0 && now.Sub(gs.BeginTime) > gs.Timeout
}

// AddBranch attaches a branch session, assigning it the next branch id within
// this global session, and notifies listeners. If a listener rejects the
// attachment the branch is detached again and the listener's error returned.
func (gs *GlobalSession) AddBranch(bs *BranchSession) error {
	gs.mu.Lock()
	if gs.status != model.Begin {
		gs.mu.Unlock()
		return fmt.Errorf("cannot attach branch: session %s status is %s", gs.XID, gs.status)
	}
	if bs.BranchID == 0 {
		gs.nextBranchID++
		bs.BranchID = gs.nextBranchID
	}
	gs.branches = append(gs.branches, bs)
	listeners := gs.listenersSnapshotLocked()
	gs.mu.Unlock()

	for _, l := range listeners {
		if err := l.OnAddBranch(gs, bs); err != nil {
			gs.detachBranch(bs)
			return err
		}
	}
	return nil
}

// RemoveBranch detaches a branch session and notifies listeners.
func (gs *GlobalSession) RemoveBranch(bs *BranchSession) error {
	gs.detachBranch(bs)
	gs.mu.Lock()
	listeners := gs.listenersSnapshotLocked()
	gs.mu.Unlock()
	for _, l := range listeners {
		if err := l.OnRemoveBranch(gs, bs); err != nil {
			return err
		}
	}
	return nil
}

func (gs *GlobalSession) detachBranch(bs *BranchSession) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for i, b := range gs.branches {
		if b.BranchID == bs.BranchID {
			gs.branches = append(gs.branches[:i], gs.branches[i+1:]...)
			return
		}
	}
}

// GetBranch looks up a branch session by id; nil when absent.
func (gs *GlobalSession) GetBranch(branchID int64) *BranchSession {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for _, b := range gs.branches {
		if b.BranchID == branchID {
			return b
		}
	}
	return nil
}

// Branches returns a snapshot of the attached branch sessions in attachment
// order.
func (gs *GlobalSession) Branches() []*BranchSession {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := make([]*BranchSession, len(gs.branches))
	copy(out, gs.branches)
	return out
}

// ChangeBranchStatus transitions one branch's status and notifies listeners.
func (gs *GlobalSession) ChangeBranchStatus(bs *BranchSession, status model.BranchStatus) error {
	gs.mu.Lock()
	bs.Status = status
	listeners := gs.listenersSnapshotLocked()
	gs.mu.Unlock()
	for _, l := range listeners {
		if err := l.OnBranchStatusChange(gs, bs, status); err != nil {
			return err
		}
	}
	return nil
}

// AddLifecycleListener registers a listener. Adding the same listener again
// is a no-op, so re-registration on every coordinator call is safe.
func (gs *GlobalSession) AddLifecycleListener(l LifecycleListener) {
	if l == nil {
		return
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for _, existing := range gs.listeners {
		if existing == l {
			return
		}
	}
	gs.listeners = append(gs.listeners, l)
}

func (gs *GlobalSession) listenersSnapshotLocked() []LifecycleListener {
	out := make([]LifecycleListener, len(gs.listeners))
	copy(out, gs.listeners)
	return out
}
