package model

import "errors"

// Error taxonomy shared by every layer. Returned errors wrap exactly one of
// these sentinels and are matched with errors.Is.
var (
	// ErrConfiguration indicates missing or contradictory construction
	// parameters for the chosen transport. It is fatal at construction.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection indicates that the medium could not be opened: host
	// unreachable, serial port busy, USB serial number not found.
	ErrConnection = errors.New("connection error")

	// ErrTimeout indicates that no response, or no terminator, arrived within
	// the configured window.
	ErrTimeout = errors.New("timeout")

	// ErrTransport indicates a medium-level failure during an open session,
	// such as a reset or a broken pipe.
	ErrTransport = errors.New("transport error")

	// ErrMalformedBlock indicates an IEEE-488.2 binary block whose header is
	// missing or unparsable, whose data is short, or whose length is not a
	// multiple of the element width.
	ErrMalformedBlock = errors.New("malformed binary block")

	// ErrValue indicates that a response could not be coerced to the
	// requested type.
	ErrValue = errors.New("value error")
)
