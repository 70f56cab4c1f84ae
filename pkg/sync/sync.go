package sync

import (
	s "sync"
	"time"

	"github.com/samsamfire/coshell/pkg/can"
	"github.com/samsamfire/coshell/pkg/od"
	log "github.com/sirupsen/logrus"
)

const ServiceId = 0x80

// SYNC producer and consumer. The producer period follows 0x1006
// (communication cycle period, in µs).
type SYNC struct {
	bm              *can.BusManager
	mu              s.Mutex
	subMu           s.Mutex
	subscribers     []chan uint8
	counter         uint8
	syncCyclePeriod time.Duration
	timerProducer   *time.Timer
	running         bool
	timeLastRxTx    time.Time
	txBuffer        can.Frame
}

// Handle [SYNC] frames produced by other nodes
func (sync *SYNC) Handle(frame can.Frame) {
	if frame.DLC > 1 {
		log.Warnf("[SYNC][RX] invalid length %v", frame.DLC)
		return
	}
	sync.mu.Lock()
	sync.timeLastRxTx = time.Now()
	if frame.DLC == 1 {
		sync.counter = frame.Data[0]
	}
	sync.mu.Unlock()
	sync.notifySubscribers()
}

// Subscribe returns a channel that receives the sync counter
// on every SYNC message sent or received
func (sync *SYNC) Subscribe() chan uint8 {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	ch := make(chan uint8, 1)
	sync.subscribers = append(sync.subscribers, ch)
	return ch
}

// Unsubscribe removes the subscriber channel and closes it
func (sync *SYNC) Unsubscribe(ch chan uint8) {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for i, sub := range sync.subscribers {
		if sub == ch {
			sync.subscribers = append(sync.subscribers[:i], sync.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (sync *SYNC) notifySubscribers() {
	counter := sync.Counter()
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for _, ch := range sync.subscribers {
		select {
		case ch <- counter:
		default:
			// Channel full, drop event
		}
	}
}

// Start producing SYNC messages. A zero period is accepted, production
// begins as soon as a period is written to 0x1006.
func (sync *SYNC) Start() {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	if !sync.running {
		log.Infof("[SYNC] starting producer, period %v", sync.syncCyclePeriod)
	}
	sync.running = true
	sync.resetTimer()
}

// Stop producing SYNC messages
func (sync *SYNC) Stop() {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	if sync.running {
		log.Infof("[SYNC] stopping producer")
	}
	sync.running = false
	if sync.timerProducer != nil {
		sync.timerProducer.Stop()
	}
}

func (sync *SYNC) IsRunning() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.running
}

func (sync *SYNC) Period() time.Duration {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.syncCyclePeriod
}

// Should be called only if mu is locked
func (sync *SYNC) resetTimer() {
	if !sync.running || sync.syncCyclePeriod == 0 {
		if sync.timerProducer != nil {
			sync.timerProducer.Stop()
		}
		return
	}
	if sync.timerProducer == nil {
		sync.timerProducer = time.AfterFunc(sync.syncCyclePeriod, sync.timerProducerHandler)
	} else {
		sync.timerProducer.Reset(sync.syncCyclePeriod)
	}
}

func (sync *SYNC) timerProducerHandler() {
	sync.mu.Lock()
	if !sync.running {
		sync.mu.Unlock()
		return
	}
	sync.timeLastRxTx = time.Now()
	frame := sync.txBuffer
	sync.resetTimer()
	sync.mu.Unlock()
	// Sent unlocked, own messages may be received back
	_ = sync.bm.Send(frame)
	sync.notifySubscribers()
}

func (sync *SYNC) Counter() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counter
}

func (sync *SYNC) setPeriod(index uint16, subindex uint8, value []byte) {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	sync.syncCyclePeriod = time.Duration(od.DecodeUint(value)) * time.Microsecond
	log.Debugf("[SYNC] period updated to %v", sync.syncCyclePeriod)
	sync.resetTimer()
}

// NewSYNC creates a stopped SYNC producer, 0x1006 is optional in odict
func NewSYNC(bm *can.BusManager, odict *od.ObjectDictionary) (*SYNC, error) {
	sync := &SYNC{bm: bm, txBuffer: can.NewFrame(ServiceId, 0, 0)}
	if value, err := odict.Read(od.IndexCommCyclePeriod, 0); err == nil {
		sync.syncCyclePeriod = time.Duration(od.DecodeUint(value)) * time.Microsecond
		if err := odict.OnWrite(od.IndexCommCyclePeriod, 0, sync.setPeriod); err != nil {
			return nil, err
		}
	} else {
		log.Debugf("[SYNC] no communication cycle period : %v", err)
	}
	bm.Subscribe(ServiceId, false, sync)
	return sync, nil
}
