// Package txerror defines the typed error taxonomy of the coordination core.
// Every failure the coordinator surfaces to its callers is a
// *TransactionError carrying a stable code, the identifiers of the
// transaction and branch involved, and the underlying cause when one exists.
package txerror

import (
	"errors"
	"fmt"
)

// Code classifies a transaction error.
type Code int

const (
	UnknownErr Code = iota
	// GlobalTransactionNotExist means no global session was found for the xid.
	GlobalTransactionNotExist
	// GlobalTransactionNotActive means the global session exists but has been
	// deactivated and accepts no further mutation.
	GlobalTransactionNotActive
	// GlobalTransactionStatusInvalid means the global session's status does
	// not permit the attempted operation.
	GlobalTransactionStatusInvalid
	// BranchTransactionNotExist means the branch id is unknown within its
	// global session.
	BranchTransactionNotExist
	// FailedToAddBranch means attaching a constructed branch to its global
	// session failed; any row locks taken for it have been released.
	FailedToAddBranch
	// FailedToLockGlobalTransaction means the requested lock keys are held by
	// another active global transaction.
	FailedToLockGlobalTransaction
	// FailedToSendBranchCommitRequest wraps a transport failure while
	// dispatching a branch commit directive.
	FailedToSendBranchCommitRequest
	// FailedToSendBranchRollbackRequest wraps a transport failure while
	// dispatching a branch rollback directive.
	FailedToSendBranchRollbackRequest
	// BranchRegisterFailed is a participant-reported registration failure.
	BranchRegisterFailed
)

var codeNames = map[Code]string{
	UnknownErr:                        "UnknownErr",
	GlobalTransactionNotExist:         "GlobalTransactionNotExist",
	GlobalTransactionNotActive:        "GlobalTransactionNotActive",
	GlobalTransactionStatusInvalid:    "GlobalTransactionStatusInvalid",
	BranchTransactionNotExist:         "BranchTransactionNotExist",
	FailedToAddBranch:                 "FailedToAddBranch",
	FailedToLockGlobalTransaction:     "FailedToLockGlobalTransaction",
	FailedToSendBranchCommitRequest:   "FailedToSendBranchCommitRequest",
	FailedToSendBranchRollbackRequest: "FailedToSendBranchRollbackRequest",
	BranchRegisterFailed:              "BranchRegisterFailed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// TransactionError is the error type surfaced by the coordination core.
type TransactionError struct {
	Code     Code
	XID      string
	BranchID int64
	Message  string
	Cause    error
}

// New creates a TransactionError without an underlying cause.
func New(code Code, xid string, branchID int64, format string, args ...any) *TransactionError {
	return &TransactionError{
		Code:     code,
		XID:      xid,
		BranchID: branchID,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates a TransactionError around an underlying cause.
func Wrap(code Code, xid string, branchID int64, cause error, format string, args ...any) *TransactionError {
	return &TransactionError{
		Code:     code,
		XID:      xid,
		BranchID: branchID,
		Message:  fmt.Sprintf(format, args...),
		Cause:    cause,
	}
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.XID != "" {
		msg += fmt.Sprintf(" (xid=%s", e.XID)
		if e.BranchID != 0 {
			msg += fmt.Sprintf(", branchId=%d", e.BranchID)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the Code from err if it is (or wraps) a TransactionError;
// otherwise it returns UnknownErr.
func CodeOf(err error) Code {
	var te *TransactionError
	if errors.As(err, &te) {
		return te.Code
	}
	return UnknownErr
}
