package shell

import (
	"sync"

	"github.com/samsamfire/coshell/pkg/nmt"
	"github.com/samsamfire/coshell/pkg/sdo"
)

// Stack is the CANopen protocol stack driven by the shell.
// Every call must be made with the device lock held, except Close.
type Stack interface {
	// Asynchronous SDO transfers, onComplete is called exactly once per
	// submitted transfer, on a goroutine of the stack, without any lock held.
	SubmitRead(nodeId uint8, index uint16, subindex uint8, dataType uint8, blockMode bool, onComplete sdo.CompletionFunc) (*sdo.Transfer, error)
	SubmitWrite(nodeId uint8, index uint16, subindex uint8, data []byte, dataType uint8, blockMode bool, onComplete sdo.CompletionFunc) (*sdo.Transfer, error)
	Result(t *sdo.Transfer) sdo.Result
	// Finalize must be called once per submitted transfer
	Finalize(t *sdo.Transfer) error

	// Command sends an NMT command, nodeId 0 broadcasts
	Command(nodeId uint8, command nmt.Command) error
	// SetState changes the NMT state of the local node
	SetState(state uint8) error
	StartSync()
	StopSync()

	ReadLocal(index uint16, subindex uint8) ([]byte, error)
	WriteLocal(index uint16, subindex uint8, value []byte) error

	Close() error
}

// BusParams are the parameters of a bus load
type BusParams struct {
	Driver   string
	Channel  string
	Baudrate string
	NodeId   uint8
	Master   bool
}

// StackEvents are raised by the stack while the device lock is held
type StackEvents struct {
	Bootup      func(nodeId uint8)
	StateChange func(state uint8)
	LocalWrite  func(index uint16, subindex uint8, value []byte)
}

// Opener opens a stack on a bus. lock is the device lock, the stack takes
// it in its own background processing.
type Opener func(params BusParams, lock sync.Locker, events StackEvents) (Stack, error)
