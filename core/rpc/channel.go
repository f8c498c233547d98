// Package rpc defines the transport-facing contracts of the coordination
// core: the message channel the coordinator dispatches branch directives
// over, the per-server channel handle the registration agent holds, and the
// registry that tracks which servers are currently connected. Concrete
// framing, pooling, and connection lifecycle live in the transport layer
// outside this module.
package rpc

import (
	"errors"
	"fmt"
)

// Sentinel transport conditions. Implementations wrap these so callers can
// branch with errors.Is.
var (
	// ErrChannelNotWritable marks a channel whose peer can no longer accept
	// writes; holders should evict it.
	ErrChannelNotWritable = errors.New("channel is not writable")
	// ErrSendTimeout marks a send that exceeded its bounded timeout.
	ErrSendTimeout = errors.New("send timed out")
)

// TransportError wraps a transport failure with the address it occurred on.
type TransportError struct {
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BranchMessageChannel carries coordinator-to-participant messages. SendSync
// blocks for at most the implementation's configured timeout; a timeout
// surfaces as an error wrapping ErrSendTimeout.
type BranchMessageChannel interface {
	// SendSync routes request to the participant identified by resourceID
	// and clientID and waits for its response.
	SendSync(resourceID, clientID string, request any) (any, error)
	// SendAsyncNoResponse dispatches message on ch without waiting for a
	// reply.
	SendAsyncNoResponse(ch ServerChannel, message any) error
}

// ServerChannel is one live connection to a coordinator server, as seen by
// the participant-side registration agent.
type ServerChannel interface {
	// Address is the remote server address this channel is connected to.
	Address() string
	// Writable reports whether the channel currently accepts writes.
	Writable() bool
	// SendAsync dispatches message without waiting for a reply.
	SendAsync(message any) error
}
