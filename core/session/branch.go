package session

import (
	"github.com/sorafune/tandem/core/model"
)

// BranchSession is the coordinator-side record of one branch transaction: the
// portion of a global transaction executed against a single resource.
type BranchSession struct {
	BranchID        int64
	XID             string
	TransactionID   int64
	BranchType      model.BranchType
	ResourceID      string
	ClientID        string
	ApplicationData string
	LockKey         string
	Status          model.BranchStatus
}

// NewBranchByGlobal constructs a branch session from its parent global
// session's context. The branch id is assigned when the branch is attached.
func NewBranchByGlobal(gs *GlobalSession, branchType model.BranchType, resourceID,
	applicationData, lockKey, clientID string) *BranchSession {
	return &BranchSession{
		XID:             gs.XID,
		TransactionID:   gs.TransactionID,
		BranchType:      branchType,
		ResourceID:      resourceID,
		ClientID:        clientID,
		ApplicationData: applicationData,
		LockKey:         lockKey,
		Status:          model.Registered,
	}
}
