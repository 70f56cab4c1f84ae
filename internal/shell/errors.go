package shell

import (
	"errors"
	"fmt"

	"github.com/samsamfire/coshell/pkg/sdo"
)

var (
	ErrTransferTimedOut = errors.New("transfer timed out")
	ErrBusOpenFailed    = errors.New("bus open failed")
	ErrSequenceInFlight = errors.New("node info sequence already in flight")
	ErrNoBus            = errors.New("no bus loaded")
	ErrQuit             = errors.New("quit")
)

// TransferFailedError is returned when the remote node aborted the transfer
type TransferFailedError struct {
	NodeId    uint8
	AbortCode sdo.AbortCode
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer with x%x failed : %v", e.NodeId, e.AbortCode)
}

func (e *TransferFailedError) Unwrap() error {
	return e.AbortCode
}

// MalformedCommandError is returned when a command line cannot be parsed
type MalformedCommandError struct {
	Command string
	Reason  string
}

func (e *MalformedCommandError) Error() string {
	return fmt.Sprintf("malformed command %q : %v", e.Command, e.Reason)
}

func malformed(command string, format string, args ...any) error {
	return &MalformedCommandError{Command: command, Reason: fmt.Sprintf(format, args...)}
}
