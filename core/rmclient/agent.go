// Package rmclient implements the participant-side resource registration
// agent: a process-wide client that announces locally-managed resources to
// the coordinator servers of one transaction service group and keeps that
// announcement converged as resources and connections change.
package rmclient

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sorafune/tandem/core/model"
	"github.com/sorafune/tandem/core/protocol"
	"github.com/sorafune/tandem/core/rpc"
)

var (
	instance    atomic.Pointer[Agent]
	constructMu sync.Mutex
)

// Agent is the process-wide registration client. Obtain it through
// GetInstance; construct-once and idempotent Init/Destroy semantics are part
// of its contract.
type Agent struct {
	applicationID           string
	transactionServiceGroup string

	resources model.ResourceManager
	registry  *rpc.ChannelRegistry
	logger    *zap.Logger

	initialized atomic.Bool
	reconnect   atomic.Pointer[rpc.ReconnectFunc]
}

// GetInstance returns the singleton agent, constructing it on first use.
// Construction is guarded so competing callers observe exactly one instance.
func GetInstance() *Agent {
	if a := instance.Load(); a != nil {
		return a
	}
	constructMu.Lock()
	defer constructMu.Unlock()
	if a := instance.Load(); a != nil {
		return a
	}
	a := newAgent(zap.NewNop())
	instance.Store(a)
	return a
}

// GetInstanceFor returns the singleton agent bound to the given application
// identifier and transaction service group.
func GetInstanceFor(applicationID, transactionServiceGroup string) *Agent {
	a := GetInstance()
	a.applicationID = applicationID
	a.transactionServiceGroup = transactionServiceGroup
	return a
}

func newAgent(logger *zap.Logger) *Agent {
	a := &Agent{logger: logger.Named("rm_client")}
	a.registry = rpc.NewChannelRegistry(func(group string) {
		if fn := a.reconnect.Load(); fn != nil {
			(*fn)(group)
		}
	}, logger)
	return a
}

// SetLogger replaces the agent's logger. Call before Init.
func (a *Agent) SetLogger(logger *zap.Logger) {
	if logger != nil {
		a.logger = logger.Named("rm_client")
	}
}

// SetResourceManager installs the resource manager whose managed set the
// agent announces.
func (a *Agent) SetResourceManager(rm model.ResourceManager) {
	a.resources = rm
}

// SetReconnectFunc installs the transport hook used to re-establish
// connections when a registration is requested with no live channel.
func (a *Agent) SetReconnectFunc(fn rpc.ReconnectFunc) {
	a.reconnect.Store(&fn)
}

// Registry exposes the agent's server-channel registry to the transport
// layer, which registers channels as connections come up.
func (a *Agent) Registry() *rpc.ChannelRegistry {
	return a.registry
}

// Init starts the agent. The first call performs the real setup; later calls
// are no-ops until Destroy resets the flag.
func (a *Agent) Init() {
	if !a.initialized.CompareAndSwap(false, true) {
		return
	}
	a.logger.Info("resource registration agent initialized",
		zap.String("applicationId", a.applicationID),
		zap.String("transactionServiceGroup", a.transactionServiceGroup))
	a.registry.Reconnect(a.transactionServiceGroup)
}

// Destroy tears the agent down: live channels are dropped, the init flag is
// cleared, and the singleton is discarded so the next GetInstance rebuilds
// from scratch.
func (a *Agent) Destroy() {
	a.registry.Clear()
	a.initialized.Store(false)
	instance.CompareAndSwap(a, nil)
	a.logger.Info("resource registration agent destroyed")
}

// Initialized reports whether Init has run since the last Destroy.
func (a *Agent) Initialized() bool {
	return a.initialized.Load()
}

// RegisterResource announces one resource to every connected coordinator
// server. With no live channel the announcement is deferred to the connect
// handshake: a reconnect is triggered and the call returns. The broadcast
// runs under the registry lock so a half-updated channel set is never
// observed.
func (a *Agent) RegisterResource(resourceGroupID, resourceID string) {
	if a.registry.Empty() {
		a.registry.Reconnect(a.transactionServiceGroup)
		return
	}
	a.registry.BroadcastLocked(func(serverAddress string, ch rpc.ServerChannel) bool {
		a.logger.Info("registering resource",
			zap.String("resourceId", resourceID),
			zap.String("serverAddress", serverAddress))
		return a.send(serverAddress, ch, resourceID)
	})
}

// SendRegisterMessage dispatches a registration carrying resourceIDs to one
// server, fire-and-forget. A not-writable channel is evicted from the
// registry; a timeout is logged and dropped, registration converges on the
// next RegisterResource call or reconnect cycle.
func (a *Agent) SendRegisterMessage(serverAddress string, ch rpc.ServerChannel, resourceIDs string) {
	if a.send(serverAddress, ch, resourceIDs) {
		a.registry.Release(serverAddress, ch)
	}
}

// send dispatches the registration request and reports whether the channel
// should be evicted.
func (a *Agent) send(serverAddress string, ch rpc.ServerChannel, resourceIDs string) bool {
	msg := &protocol.RegisterRMRequest{
		ApplicationID:           a.applicationID,
		TransactionServiceGroup: a.transactionServiceGroup,
		ResourceIDs:             resourceIDs,
	}
	err := ch.SendAsync(msg)
	switch {
	case err == nil:
		return false
	case errors.Is(err, rpc.ErrChannelNotWritable):
		a.logger.Info("removing not-writable channel",
			zap.String("serverAddress", serverAddress))
		return true
	case errors.Is(err, rpc.ErrSendTimeout):
		a.logger.Error("register message timed out",
			zap.String("serverAddress", serverAddress), zap.Error(err))
		return false
	default:
		a.logger.Error("register resource failed",
			zap.String("serverAddress", serverAddress),
			zap.String("resourceIds", resourceIDs), zap.Error(err))
		return false
	}
}

// MergedResourceKeys joins all managed resource ids with the protocol
// separator, in ascending key order so repeated calls over an unchanged set
// are identical. ok is false when no resources are managed.
func (a *Agent) MergedResourceKeys() (merged string, ok bool) {
	if a.resources == nil {
		return "", false
	}
	ids := model.SortedResourceIDs(a.resources.ManagedResources())
	if len(ids) == 0 {
		return "", false
	}
	return strings.Join(ids, protocol.ResourceIDSeparator), true
}

// BuildRegisterRequest builds the registration request the transport layer
// sends during the connect handshake, carrying the current merged resource
// key set.
func (a *Agent) BuildRegisterRequest() *protocol.RegisterRMRequest {
	merged, ok := a.MergedResourceKeys()
	if ok {
		a.logger.Info("resources to register", zap.String("resourceIds", merged))
	}
	return &protocol.RegisterRMRequest{
		ApplicationID:           a.applicationID,
		TransactionServiceGroup: a.transactionServiceGroup,
		ResourceIDs:             merged,
	}
}

// OnRegisterMsgSuccess records the channel for serverAddress and reconciles
// the server's view: if the resource set changed since req was built, one
// fresh registration carrying the current merged set is sent so the server
// converges without a full reconnect.
func (a *Agent) OnRegisterMsgSuccess(serverAddress string, ch rpc.ServerChannel,
	resp *protocol.RegisterRMResponse, req *protocol.RegisterRMRequest) {
	a.logger.Info("register RM success",
		zap.String("serverAddress", serverAddress),
		zap.String("serverVersion", resp.Version))
	a.registry.Register(serverAddress, ch)
	merged, _ := a.MergedResourceKeys()
	if req.ResourceIDs != merged {
		a.SendRegisterMessage(serverAddress, ch, merged)
	}
}

// OnRegisterMsgFail escalates a rejected or malformed registration response
// as fatal for the connection attempt. No retry happens at this layer.
func (a *Agent) OnRegisterMsgFail(serverAddress string, ch rpc.ServerChannel,
	resp *protocol.RegisterRMResponse, req *protocol.RegisterRMRequest) error {
	version := ""
	message := ""
	if resp != nil {
		version = resp.Version
		message = resp.Message
	}
	a.logger.Error("register RM failed",
		zap.String("serverAddress", serverAddress),
		zap.String("serverVersion", version),
		zap.String("message", message))
	return fmt.Errorf("register RM failed on %s: %s", serverAddress, message)
}
