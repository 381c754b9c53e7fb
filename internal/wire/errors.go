package wire

import "fmt"

// ProtocolError is raised by the codec on insufficient or malformed bytes,
// invalid UTF-8 where required, or misaligned padding. It is always fatal
// for the enclosing connection (disconnect reason PROTOCOL_ERROR).
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(op string, format string, args ...any) error {
	return &ProtocolError{Op: op, Err: fmt.Errorf(format, args...)}
}

// ErrnoError wraps an OS-level error with a human-readable prefix. It is
// fatal only when raised on the connection's own read/write path.
type ErrnoError struct {
	Errno   int
	Message string
}

func (e *ErrnoError) Error() string {
	return fmt.Sprintf("errno %d: %s", e.Errno, e.Message)
}

// StringError is a pre-formatted disconnect message used for mapped
// disconnect codes that carry free text (e.g. a rejection reason).
type StringError string

func (e StringError) Error() string { return string(e) }
