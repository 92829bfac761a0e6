package device

import (
	"errors"
	"fmt"

	"medication-dispenser/internal/parse"
)

var (
	// ErrTimeout means no OK/ERR line arrived before the command's deadline.
	ErrTimeout = errors.New("device timeout")
	// ErrPortUnavailable means the serial port could not be opened, or stopped
	// answering reads (the board was unplugged).
	ErrPortUnavailable = errors.New("serial port unavailable")
	// ErrPortNotFound means no port was configured and none could be detected, or
	// the configured one does not exist. It always wraps ErrPortUnavailable.
	ErrPortNotFound = fmt.Errorf("%w: not found", ErrPortUnavailable)
	// ErrBadDirection rejects a JOG direction other than forward or backward.
	ErrBadDirection = errors.New("jog direction must be F or B")
	// ErrBadArgument rejects a command whose arguments the board would refuse.
	ErrBadArgument = errors.New("invalid command argument")
)

// ProtocolError is an explicit ERR line returned by the board.
type ProtocolError struct {
	Command string
	Line    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: board replied %s", e.Command, e.Line)
}

// Reason is the first field after "ERR,".
func (e *ProtocolError) Reason() string {
	return parse.ErrReason(e.Line)
}
