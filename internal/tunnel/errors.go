package tunnel

import "errors"

// Sentinel errors surfaced by the tunnel core (spec §7).
var (
	// ErrAlreadyStarted is returned by a second call to Agent.Listen.
	ErrAlreadyStarted = errors.New("tunnel: agent already started")

	// ErrClosed is returned by CreateConnection on a destroyed agent, and
	// delivered to any waiter still queued when Destroy runs.
	ErrClosed = errors.New("tunnel: agent closed")

	// ErrNoSuchClient names the unknown-id case. Manager lookups do not
	// return it: GetClient reports an unknown id as nil, HasClient as false.
	ErrNoSuchClient = errors.New("tunnel: no such client")
)
