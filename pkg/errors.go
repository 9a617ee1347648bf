package pkg

import "errors"

var (
	// ErrLinkNotConnected is returned when a frame is sent while the successor link is down
	ErrLinkNotConnected = errors.New("successor link not connected")

	// ErrLinkFailed is returned once connection attempts to the successor are exhausted
	ErrLinkFailed = errors.New("successor link failed")

	// ErrUnknownFrame is returned for a line that is neither a TOKEN nor a DATA frame
	ErrUnknownFrame = errors.New("unknown frame")

	// ErrMalformedFrame is returned for a DATA line with missing fields or a bad destination
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidPayload is returned when a payload would break line framing
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNodeStopped is returned when an operation reaches a node after shutdown
	ErrNodeStopped = errors.New("node stopped")

	// ErrShutdownTimeout is returned when background tasks outlive the shutdown grace period
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)
