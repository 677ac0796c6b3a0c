package trace

import "errors"

// Trace-related errors.
var (
	// ErrInvalidMaxHops indicates max hops is out of valid range (1-255).
	ErrInvalidMaxHops = errors.New("max hops must be between 1 and 255")

	// ErrInvalidProbeCount indicates probe count is out of valid range.
	ErrInvalidProbeCount = errors.New("probe count must be between 1 and 10")

	// ErrInvalidTimeout indicates timeout is too short.
	ErrInvalidTimeout = errors.New("timeout must be at least 100ms")

	// ErrInvalidFirstHop indicates first hop is invalid.
	ErrInvalidFirstHop = errors.New("first hop must be between 1 and max hops")

	// ErrPrivilegeDenied is the fatal error surfaced when the process
	// lacks the privilege needed to open a raw socket.
	ErrPrivilegeDenied = errors.New("insufficient privileges to open raw socket")

	// ErrResolveFailed is the fatal error surfaced when the target
	// hostname could not be resolved to an IP address.
	ErrResolveFailed = errors.New("could not resolve target hostname")

	// ErrProtocolUnsupported is the fatal error surfaced when an
	// unrecognized probe method is requested.
	ErrProtocolUnsupported = errors.New("unsupported probe protocol")
)
