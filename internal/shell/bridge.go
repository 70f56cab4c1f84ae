package shell

import (
	"sync"
	"time"

	"github.com/samsamfire/coshell/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const DefaultTransferTimeout = 500 * time.Millisecond

// Bridge turns the callback completed transfers of a [Stack] into
// blocking calls bounded by a timeout.
type Bridge struct {
	lock    sync.Locker
	stack   Stack
	timeout time.Duration
}

func NewBridge(lock sync.Locker, stack Stack, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	return &Bridge{lock: lock, stack: stack, timeout: timeout}
}

// completion is called with the device lock held, once the transfer has
// been finalized
type completion func(nodeId uint8, result sdo.Result)

// finalizer returns the stack callback shared by every transfer. It takes
// the device lock, collects the result and finalizes the transfer exactly
// once, whether or not somebody still waits for it.
func (b *Bridge) finalizer(stack Stack, done completion) sdo.CompletionFunc {
	return func(t *sdo.Transfer) {
		b.lock.Lock()
		defer b.lock.Unlock()
		result := stack.Result(t)
		if err := stack.Finalize(t); err != nil {
			log.Warnf("[SHELL][x%x] finalizing %v : %v", t.NodeId, t, err)
		}
		if done != nil {
			done(t.NodeId, result)
		}
	}
}

// submitRead issues an upload, the device lock must be held and stays held
func (b *Bridge) submitRead(nodeId uint8, index uint16, subindex uint8, dataType uint8, blockMode bool, done completion) error {
	if b.stack == nil {
		return ErrNoBus
	}
	_, err := b.stack.SubmitRead(nodeId, index, subindex, dataType, blockMode, b.finalizer(b.stack, done))
	return err
}

// submitWrite issues a download, the device lock must be held and stays held
func (b *Bridge) submitWrite(nodeId uint8, index uint16, subindex uint8, data []byte, dataType uint8, blockMode bool, done completion) error {
	if b.stack == nil {
		return ErrNoBus
	}
	_, err := b.stack.SubmitWrite(nodeId, index, subindex, data, dataType, blockMode, b.finalizer(b.stack, done))
	return err
}

// Read uploads index/subindex from nodeId.
// The device lock must be held on entry, it is released once the request
// is submitted and is not held when Read returns.
func (b *Bridge) Read(nodeId uint8, index uint16, subindex uint8, dataType uint8, blockMode bool) ([]byte, error) {
	gate := NewGate()
	var result sdo.Result
	deadline := time.Now().Add(b.timeout)
	err := b.submitRead(nodeId, index, subindex, dataType, blockMode, func(_ uint8, r sdo.Result) {
		result = r
		gate.Signal()
	})
	b.lock.Unlock()
	if err != nil {
		return nil, err
	}
	if !gate.Wait(deadline) {
		log.Debugf("[SHELL][x%x] read x%x|x%x timed out", nodeId, index, subindex)
		return nil, ErrTransferTimedOut
	}
	if result.Status != sdo.StatusFinished {
		return nil, &TransferFailedError{NodeId: nodeId, AbortCode: result.AbortCode}
	}
	return result.Data, nil
}

// Write downloads data to index/subindex of nodeId.
// Same locking contract as [Bridge.Read].
func (b *Bridge) Write(nodeId uint8, index uint16, subindex uint8, data []byte, dataType uint8, blockMode bool) error {
	gate := NewGate()
	var result sdo.Result
	deadline := time.Now().Add(b.timeout)
	err := b.submitWrite(nodeId, index, subindex, data, dataType, blockMode, func(_ uint8, r sdo.Result) {
		result = r
		gate.Signal()
	})
	b.lock.Unlock()
	if err != nil {
		return err
	}
	if !gate.Wait(deadline) {
		log.Debugf("[SHELL][x%x] write x%x|x%x timed out", nodeId, index, subindex)
		return ErrTransferTimedOut
	}
	if result.Status != sdo.StatusFinished {
		return &TransferFailedError{NodeId: nodeId, AbortCode: result.AbortCode}
	}
	return nil
}
