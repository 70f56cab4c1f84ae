package can

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// BusManager is a wrapper around the CAN bus interface
// Used by the CANopen stack to route received frames to listeners
// registered for a specific CAN id.
type BusManager struct {
	mu             sync.RWMutex
	bus            Bus
	frameListeners map[uint32][]FrameListener
	// Optional lock taken around every frame dispatch
	dispatchLock sync.Locker
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]FrameListener),
	}
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.RLock()
	listeners := bm.frameListeners[frame.ID]
	lock := bm.dispatchLock
	bm.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

// SetDispatchLock sets a lock that is held while received frames are
// handed to listeners. Listeners must never wait on it themselves.
func (bm *BusManager) SetDispatchLock(lock sync.Locker) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.dispatchLock = lock
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bus
}

// Send a CAN message
// Limited error handling
func (bm *BusManager) Send(frame Frame) error {
	err := bm.Bus().Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
	}
	return err
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	// Verify that we are not adding the same one twice
	for _, registered := range bm.frameListeners[ident] {
		if registered == callback {
			log.Warnf("[CAN] callback for frame id x%x already added", ident)
			return
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
}

// Unsubscribe removes callback from the listeners of ident
func (bm *BusManager) Unsubscribe(ident uint32, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	listeners := bm.frameListeners[ident]
	for i, registered := range listeners {
		if registered == callback {
			bm.frameListeners[ident] = append(listeners[:i:i], listeners[i+1:]...)
			return
		}
	}
}
