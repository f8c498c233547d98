package rpc

// UnconnectedChannel is the stand-in BranchMessageChannel used until the
// transport layer installs a real one. Every send fails with a typed
// not-writable transport error, so dispatch failures stay on the normal
// error path instead of panicking on a nil channel.
type UnconnectedChannel struct{}

var _ BranchMessageChannel = UnconnectedChannel{}

func (UnconnectedChannel) SendSync(resourceID, clientID string, request any) (any, error) {
	return nil, &TransportError{Address: resourceID, Err: ErrChannelNotWritable}
}

func (UnconnectedChannel) SendAsyncNoResponse(ch ServerChannel, message any) error {
	return &TransportError{Address: ch.Address(), Err: ErrChannelNotWritable}
}
