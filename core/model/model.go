// Package model defines the shared vocabulary of the tandem coordination
// core: global and branch transaction statuses, branch types, and the
// participant-side resource abstractions.
package model

import (
	"fmt"
	"sort"
	"sync"
)

// GlobalStatus is the lifecycle status of a global (distributed) transaction.
type GlobalStatus int

const (
	UnknownGlobalStatus GlobalStatus = iota // Zero value, never stored
	Begin                                   // Transaction is open, branches may register
	Committing                              // Phase-two commit in progress
	CommitRetrying                          // Commit failed, scheduled for re-drive
	Committed                               // All branches committed
	CommitFailed                            // Commit gave up
	RollingBack                             // Phase-two rollback in progress
	RollbackRetrying                        // Rollback failed, scheduled for re-drive
	Rollbacked                              // All branches rolled back
	RollbackFailed                          // Rollback gave up
	TimeoutRollingBack                      // Rollback triggered by transaction timeout
	TimeoutRollbackRetrying                 // Timeout rollback scheduled for re-drive
	TimeoutRollbacked                       // Timeout rollback completed
	TimeoutRollbackFailed                   // Timeout rollback gave up
	Finished                                // Fully resolved and released
)

var globalStatusNames = map[GlobalStatus]string{
	UnknownGlobalStatus:     "Unknown",
	Begin:                   "Begin",
	Committing:              "Committing",
	CommitRetrying:          "CommitRetrying",
	Committed:               "Committed",
	CommitFailed:            "CommitFailed",
	RollingBack:             "RollingBack",
	RollbackRetrying:        "RollbackRetrying",
	Rollbacked:              "Rollbacked",
	RollbackFailed:          "RollbackFailed",
	TimeoutRollingBack:      "TimeoutRollingBack",
	TimeoutRollbackRetrying: "TimeoutRollbackRetrying",
	TimeoutRollbacked:       "TimeoutRollbacked",
	TimeoutRollbackFailed:   "TimeoutRollbackFailed",
	Finished:                "Finished",
}

func (s GlobalStatus) String() string {
	if name, ok := globalStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("GlobalStatus(%d)", int(s))
}

// BranchStatus is the lifecycle status of one branch transaction.
type BranchStatus int

const (
	UnknownBranchStatus BranchStatus = iota // Zero value, never stored
	Registered                              // Branch registered, phase one not reported yet
	PhaseOneDone                            // Participant finished its local work
	PhaseOneFailed                          // Participant failed its local work
	PhaseOneTimeout                         // Participant timed out in phase one
	PhaseTwoCommitted                       // Branch commit acknowledged
	PhaseTwoCommitFailedRetryable           // Commit failed, participant asks for a retry
	PhaseTwoCommitFailedUnretryable         // Commit failed permanently
	PhaseTwoRollbacked                      // Branch rollback acknowledged
	PhaseTwoRollbackFailedRetryable         // Rollback failed, participant asks for a retry
	PhaseTwoRollbackFailedUnretryable       // Rollback failed permanently
)

var branchStatusNames = map[BranchStatus]string{
	UnknownBranchStatus:               "Unknown",
	Registered:                        "Registered",
	PhaseOneDone:                      "PhaseOneDone",
	PhaseOneFailed:                    "PhaseOneFailed",
	PhaseOneTimeout:                   "PhaseOneTimeout",
	PhaseTwoCommitted:                 "PhaseTwoCommitted",
	PhaseTwoCommitFailedRetryable:     "PhaseTwoCommitFailedRetryable",
	PhaseTwoCommitFailedUnretryable:   "PhaseTwoCommitFailedUnretryable",
	PhaseTwoRollbacked:                "PhaseTwoRollbacked",
	PhaseTwoRollbackFailedRetryable:   "PhaseTwoRollbackFailedRetryable",
	PhaseTwoRollbackFailedUnretryable: "PhaseTwoRollbackFailedUnretryable",
}

func (s BranchStatus) String() string {
	if name, ok := branchStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("BranchStatus(%d)", int(s))
}

// BranchType identifies the protocol a branch transaction follows. The set is
// extensible: embedders may register additional types at init time.
type BranchType int

// Built-in branch types.
const (
	BranchTypeAT   BranchType = iota // Automatic (undo-log based) branches
	BranchTypeTCC                    // Try/Confirm/Cancel branches
	BranchTypeSAGA                   // Saga compensation branches
	BranchTypeXA                     // XA protocol branches
)

var (
	branchTypeMu    sync.RWMutex
	branchTypeNames = map[BranchType]string{
		BranchTypeAT:   "AT",
		BranchTypeTCC:  "TCC",
		BranchTypeSAGA: "SAGA",
		BranchTypeXA:   "XA",
	}
)

// RegisterBranchType adds a custom branch type name. Registering an existing
// type overwrites its name.
func RegisterBranchType(t BranchType, name string) {
	branchTypeMu.Lock()
	defer branchTypeMu.Unlock()
	branchTypeNames[t] = name
}

// ParseBranchType resolves a branch type by its registered name.
func ParseBranchType(name string) (BranchType, error) {
	branchTypeMu.RLock()
	defer branchTypeMu.RUnlock()
	for t, n := range branchTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown branch type %q", name)
}

func (t BranchType) String() string {
	branchTypeMu.RLock()
	defer branchTypeMu.RUnlock()
	if name, ok := branchTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("BranchType(%d)", int(t))
}

// Resource is one participant-managed resource (a database, a message queue,
// an API endpoint) that branch transactions execute against.
type Resource interface {
	ResourceID() string
	ResourceGroupID() string
	BranchType() BranchType
}

// ResourceManager is the participant-side owner of a set of resources. The
// registration agent announces ManagedResources to coordinator servers and
// re-announces when the set changes.
type ResourceManager interface {
	// ManagedResources returns a snapshot of resource id -> resource.
	ManagedResources() map[string]Resource
	// RegisterResource starts managing a resource locally. It does not by
	// itself announce the resource to any coordinator.
	RegisterResource(r Resource)
	// UnregisterResource stops managing a resource.
	UnregisterResource(resourceID string)
	// BranchType is the branch protocol this manager implements.
	BranchType() BranchType
}

// SortedResourceIDs returns the ids of the managed resources in ascending
// order. Announcement messages are built from this so repeated announcements
// of an unchanged set are byte-identical.
func SortedResourceIDs(resources map[string]Resource) []string {
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
