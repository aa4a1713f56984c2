package peerswarm

import "errors"

var (
	// ErrSwarmClosed is returned by operations on a closed swarm.
	ErrSwarmClosed = errors.New("swarm closed")
	// ErrNoTransports is returned by New when every transport kind is
	// disabled in the options.
	ErrNoTransports = errors.New("at least one transport must be enabled")
)
