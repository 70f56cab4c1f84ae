package nmt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/samsamfire/coshell/pkg/can"
	"github.com/samsamfire/coshell/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	ServiceId     = 0
	HeartbeatBase = 0x700
)

// Possible NMT states
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

// StateName returns a printable name of an NMT state
func StateName(state uint8) string {
	if name, ok := stateMap[state]; ok {
		return name
	}
	return fmt.Sprintf("x%x", state)
}

// Reset requested to the application
const (
	ResetNot  uint8 = 0
	ResetComm uint8 = 1
	ResetApp  uint8 = 2
)

// Available NMT commands
// They can be broadcasted to all nodes or to individual nodes
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

func (command Command) String() string {
	if description, ok := CommandDescription[command]; ok {
		return description
	}
	return fmt.Sprintf("x%x", uint8(command))
}

// NMT object for processing NMT behaviour, slave or master.
// It also monitors the boot-up and heartbeat messages of the other nodes.
type NMT struct {
	bm                     *can.BusManager
	mu                     sync.Mutex
	operatingState         uint8
	operatingStatePrev     uint8
	internalCommand        Command
	nodeId                 uint8
	startupToOperational   bool
	hearbeatProducerTimeUs uint32
	hearbeatProducerTimer  uint32
	nmtTxBuff              can.Frame
	hbTxBuff               can.Frame
	remoteStates           map[uint8]uint8
	stateCallback          func(nmtState uint8)
	bootupCallback         func(nodeId uint8)
	remoteCallback         func(nodeId uint8, nmtState uint8)
}

// Handle NMT commands and heartbeats of the other nodes
func (nmt *NMT) Handle(frame can.Frame) {
	if frame.ID == ServiceId {
		nmt.handleCommand(frame)
		return
	}
	if frame.ID > HeartbeatBase && frame.ID <= HeartbeatBase+127 {
		nmt.handleHeartbeat(uint8(frame.ID-HeartbeatBase), frame)
	}
}

func (nmt *NMT) handleCommand(frame can.Frame) {
	if frame.DLC != 2 {
		return
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	command := Command(frame.Data[0])
	nodeId := frame.Data[1]
	if nodeId == 0 || nodeId == nmt.nodeId {
		log.Debugf("[NMT][RX] command %v for x%x", command, nodeId)
		nmt.internalCommand = command
	}
}

func (nmt *NMT) handleHeartbeat(nodeId uint8, frame can.Frame) {
	if frame.DLC != 1 || nodeId == nmt.nodeId {
		return
	}
	state := frame.Data[0] & 0x7F
	nmt.mu.Lock()
	previous, known := nmt.remoteStates[nodeId]
	nmt.remoteStates[nodeId] = state
	bootup := nmt.bootupCallback
	remote := nmt.remoteCallback
	nmt.mu.Unlock()

	if state == StateInitializing {
		log.Infof("[NMT][RX] x%x boot-up", nodeId)
		if bootup != nil {
			bootup(nodeId)
		}
		return
	}
	if (!known || previous != state) && remote != nil {
		log.Debugf("[NMT][RX] x%x state %v", nodeId, StateName(state))
		remote(nodeId, state)
	}
}

// Process NMT related tasks. This returns the reset requested to the
// application if any.
func (nmt *NMT) Process(timeDifferenceUs uint32) uint8 {
	nmt.mu.Lock()

	nmtStateCopy := nmt.operatingState
	resetCommand := ResetNot
	nmtInit := nmtStateCopy == StateInitializing
	if nmt.hearbeatProducerTimer > timeDifferenceUs {
		nmt.hearbeatProducerTimer -= timeDifferenceUs
	} else {
		nmt.hearbeatProducerTimer = 0
	}
	frames := []can.Frame{}
	// Heartbeat is sent on three events :
	// - a hearbeat producer timeout (cyclic)
	// - state has changed
	// - startup (boot-up message)
	if nmtInit || (nmt.hearbeatProducerTimeUs != 0 && (nmt.hearbeatProducerTimer == 0 || nmtStateCopy != nmt.operatingStatePrev)) {
		nmt.hbTxBuff.Data[0] = nmtStateCopy
		frames = append(frames, nmt.hbTxBuff)
		if nmtInit {
			if nmt.startupToOperational {
				nmtStateCopy = StateOperational
			} else {
				nmtStateCopy = StatePreOperational
			}
		} else {
			nmt.hearbeatProducerTimer = nmt.hearbeatProducerTimeUs
		}
	}
	nmt.operatingStatePrev = nmt.operatingState

	// Process internal NMT commands either from RX buffer or nmt send command
	if nmt.internalCommand != CommandEmpty {
		switch nmt.internalCommand {
		case CommandEnterOperational:
			nmtStateCopy = StateOperational
		case CommandEnterStopped:
			nmtStateCopy = StateStopped
		case CommandEnterPreOperational:
			nmtStateCopy = StatePreOperational
		case CommandResetNode:
			resetCommand = ResetApp
		case CommandResetCommunication:
			resetCommand = ResetComm
		}
		nmt.internalCommand = CommandEmpty
	}
	if resetCommand != ResetNot {
		// Boot-up is sent again on next process
		nmtStateCopy = StateInitializing
	}

	changed := nmt.operatingStatePrev != nmtStateCopy
	if changed {
		log.Debugf("[NMT] state changed | %v ==> %v", StateName(nmt.operatingStatePrev), StateName(nmtStateCopy))
	}
	nmt.operatingState = nmtStateCopy
	callback := nmt.stateCallback
	nmt.mu.Unlock()

	for _, frame := range frames {
		_ = nmt.bm.Send(frame)
	}
	if (changed || nmtInit) && callback != nil {
		if nmtInit {
			callback(StateInitializing)
		}
		if nmtStateCopy != StateInitializing {
			callback(nmtStateCopy)
		}
	}
	return resetCommand
}

// Get the NMT state of the local node
func (nmt *NMT) GetInternalState() uint8 {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.operatingState
}

// Last state reported by a remote node
func (nmt *NMT) RemoteState(nodeId uint8) (uint8, bool) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	state, ok := nmt.remoteStates[nodeId]
	return state, ok
}

// Send NMT command to self, don't send on network
func (nmt *NMT) SendInternalCommand(command Command) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.internalCommand = command
}

// Send an NMT command to the network, nodeId 0 broadcasts
func (nmt *NMT) SendCommand(command Command, nodeId uint8) error {
	if _, ok := CommandDescription[command]; !ok {
		return fmt.Errorf("invalid nmt command x%x", uint8(command))
	}
	nmt.mu.Lock()
	// Also apply to node if concerned
	if nodeId == 0 || nodeId == nmt.nodeId {
		nmt.internalCommand = command
	}
	frame := nmt.nmtTxBuff
	nmt.mu.Unlock()
	frame.Data[0] = uint8(command)
	frame.Data[1] = nodeId
	log.Debugf("[NMT][TX] command %v for x%x", command, nodeId)
	return nmt.bm.Send(frame)
}

// Called on every local state change, from Process
func (nmt *NMT) SetStateCallback(callback func(nmtState uint8)) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.stateCallback = callback
}

// Called when another node boots, from the frame dispatch
func (nmt *NMT) SetBootupCallback(callback func(nodeId uint8)) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.bootupCallback = callback
}

// Called when another node reports a new state, from the frame dispatch
func (nmt *NMT) SetRemoteStateCallback(callback func(nodeId uint8, nmtState uint8)) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.remoteCallback = callback
}

func (nmt *NMT) setHeartbeatPeriod(index uint16, subindex uint8, value []byte) {
	if len(value) != 2 {
		return
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.hearbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(value)) * 1000
	nmt.hearbeatProducerTimer = 0
}

// NewNMT creates the NMT object of node nodeId. The heartbeat producer
// period is read from 0x1017 if present in odict and followed on writes.
func NewNMT(bm *can.BusManager, odict *od.ObjectDictionary, nodeId uint8, startupToOperational bool) (*NMT, error) {
	if bm == nil || odict == nil {
		return nil, fmt.Errorf("nmt needs a bus manager and a dictionary")
	}
	nmt := &NMT{
		bm:                   bm,
		nodeId:               nodeId,
		startupToOperational: startupToOperational,
		operatingState:       StateInitializing,
		operatingStatePrev:   StateInitializing,
		remoteStates:         map[uint8]uint8{},
		nmtTxBuff:            can.NewFrame(ServiceId, 0, 2),
		hbTxBuff:             can.NewFrame(HeartbeatBase+uint32(nodeId), 0, 1),
	}
	if value, err := odict.Read(od.IndexProducerHeartbeat, 0); err == nil {
		nmt.hearbeatProducerTimeUs = uint32(od.DecodeUint(value)) * 1000
		if err := odict.OnWrite(od.IndexProducerHeartbeat, 0, nmt.setHeartbeatPeriod); err != nil {
			return nil, err
		}
	} else {
		log.Debugf("[NMT][x%x] no heartbeat producer : %v", nodeId, err)
	}
	bm.Subscribe(ServiceId, false, nmt)
	for id := uint32(1); id <= 127; id++ {
		bm.Subscribe(HeartbeatBase+id, false, nmt)
	}
	return nmt, nil
}
