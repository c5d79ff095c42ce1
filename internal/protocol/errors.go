package protocol

import "errors"

var (
	ErrUnknownOp = errors.New("protocol: unknown message op")
	ErrBadField  = errors.New("protocol: field out of range")
	ErrTruncated = errors.New("protocol: truncated message")
	ErrSyntax    = errors.New("protocol: assembly syntax error")
	// ErrTooLarge is returned when a single message does not fit the byte budget.
	ErrTooLarge = errors.New("protocol: message exceeds byte budget")
)
