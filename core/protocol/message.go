// Package protocol defines the messages the coordination core exchanges with
// participants: the two-phase branch directives and the resource-manager
// registration handshake. The wire encoding is owned by the transport layer;
// these are the in-process shapes.
package protocol

import "github.com/sorafune/tandem/core/model"

// ResourceIDSeparator joins individual resource ids into the single delimited
// string carried by a registration request.
const ResourceIDSeparator = ","

// BranchCommitRequest is the phase-two commit directive for one branch.
type BranchCommitRequest struct {
	XID             string
	BranchID        int64
	ResourceID      string
	ApplicationData string
	BranchType      model.BranchType
}

// BranchCommitResponse carries the participant's commit outcome.
type BranchCommitResponse struct {
	XID          string
	BranchID     int64
	BranchStatus model.BranchStatus
}

// BranchRollbackRequest is the phase-two rollback directive for one branch.
type BranchRollbackRequest struct {
	XID             string
	BranchID        int64
	ResourceID      string
	ApplicationData string
	BranchType      model.BranchType
}

// BranchRollbackResponse carries the participant's rollback outcome.
type BranchRollbackResponse struct {
	XID          string
	BranchID     int64
	BranchStatus model.BranchStatus
}

// RegisterRMRequest announces a resource manager and the resources it can act
// on to one coordinator server. ResourceIDs is the merged, separator-joined
// id set; it may be empty when the manager holds no resources yet.
type RegisterRMRequest struct {
	ApplicationID           string
	TransactionServiceGroup string
	ResourceIDs             string
}

// RegisterRMResponse is the coordinator's answer to a registration request.
type RegisterRMResponse struct {
	Version    string
	Identified bool
	Message    string
}
