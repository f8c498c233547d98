package rpc

import (
	"sync"

	"go.uber.org/zap"
)

// ReconnectFunc asks the transport layer to (re)establish connections to
// every server in a transaction service group. Invoked when work arrives and
// no channel is live.
type ReconnectFunc func(transactionServiceGroup string)

// ChannelRegistry tracks the live server channels of one client, keyed by
// server address. Bulk operations run under the registry lock so callers
// never observe a half-updated set.
type ChannelRegistry struct {
	mu        sync.RWMutex
	channels  map[string]ServerChannel
	reconnect ReconnectFunc
	logger    *zap.Logger
}

// NewChannelRegistry creates an empty registry. reconnect may be nil when the
// transport has no reconnect support.
func NewChannelRegistry(reconnect ReconnectFunc, logger *zap.Logger) *ChannelRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelRegistry{
		channels:  make(map[string]ServerChannel),
		reconnect: reconnect,
		logger:    logger.Named("channel_registry"),
	}
}

// Register records ch as the live channel for serverAddress, replacing any
// previous one.
func (r *ChannelRegistry) Register(serverAddress string, ch ServerChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[serverAddress] = ch
	r.logger.Info("registered server channel", zap.String("serverAddress", serverAddress))
}

// Release evicts the channel for serverAddress if it is still ch. A stale
// eviction (the address has already been re-registered with a newer channel)
// is a no-op.
func (r *ChannelRegistry) Release(serverAddress string, ch ServerChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.channels[serverAddress]; ok && current == ch {
		delete(r.channels, serverAddress)
		r.logger.Info("released server channel", zap.String("serverAddress", serverAddress))
	}
}

// Get returns the live channel for serverAddress, if any.
func (r *ChannelRegistry) Get(serverAddress string) (ServerChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[serverAddress]
	return ch, ok
}

// Empty reports whether no server channel is currently live.
func (r *ChannelRegistry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels) == 0
}

// Len reports the number of live channels.
func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Snapshot copies the current address -> channel mapping.
func (r *ChannelRegistry) Snapshot() map[string]ServerChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerChannel, len(r.channels))
	for addr, ch := range r.channels {
		out[addr] = ch
	}
	return out
}

// ForEachLocked runs fn for every live channel while holding the registry
// lock, so the set cannot mutate mid-iteration. fn must not call back into
// the registry.
func (r *ChannelRegistry) ForEachLocked(fn func(serverAddress string, ch ServerChannel)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, ch := range r.channels {
		fn(addr, ch)
	}
}

// BroadcastLocked runs fn for every live channel while holding the registry
// lock and evicts the channels fn reports dead, all in one critical section.
// fn must not call back into the registry.
func (r *ChannelRegistry) BroadcastLocked(fn func(serverAddress string, ch ServerChannel) (evict bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, ch := range r.channels {
		if fn(addr, ch) {
			delete(r.channels, addr)
			r.logger.Info("evicted server channel during broadcast",
				zap.String("serverAddress", addr))
		}
	}
}

// Clear drops every live channel. Used on client teardown.
func (r *ChannelRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[string]ServerChannel)
}

// Reconnect asks the transport layer to re-establish connections for the
// service group.
func (r *ChannelRegistry) Reconnect(transactionServiceGroup string) {
	if r.reconnect == nil {
		r.logger.Warn("reconnect requested but no reconnect hook is installed",
			zap.String("transactionServiceGroup", transactionServiceGroup))
		return
	}
	r.reconnect(transactionServiceGroup)
}
