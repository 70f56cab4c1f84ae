package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samsamfire/coshell/pkg/can"
	"github.com/samsamfire/coshell/pkg/nmt"
	"github.com/samsamfire/coshell/pkg/od"
	"github.com/samsamfire/coshell/pkg/sdo"
	s "github.com/samsamfire/coshell/pkg/sync"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("node is closed")

// Config of a [LocalNode]
type Config struct {
	NodeId uint8
	// Master uses the built-in master dictionary, slave otherwise
	Master bool
	// Optional EDS file replacing the built-in dictionary
	Dictionary string
	// SDO protocol timeout for client and server
	SdoTimeoutMs uint32
}

// Events raised by a [LocalNode]. Bootup and LocalWrite are called from the
// frame dispatch, StateChange from the processing loop, both with the
// device lock held. They must not wait on it.
type Events struct {
	Bootup      func(nodeId uint8)
	StateChange func(state uint8)
	LocalWrite  func(index uint16, subindex uint8, value []byte)
}

// A [LocalNode] is the CANopen stack used by the shell : a local dictionary
// served over SDO, an asynchronous SDO client, NMT and a SYNC producer.
type LocalNode struct {
	bm        *can.BusManager
	bus       can.Bus
	od        *od.ObjectDictionary
	id        uint8
	NMT       *nmt.NMT
	SDOClient *sdo.Client
	SDOServer *sdo.Server
	SYNC      *s.SYNC
	processor *NodeProcessor
	mu        sync.Mutex
	closed    bool
}

// NewLocalNode creates the node on bus and starts its processing.
// lock is the device lock, it is taken by the processing loop and around
// every received frame dispatch.
func NewLocalNode(bus can.Bus, lock sync.Locker, cfg Config, events Events) (*LocalNode, error) {
	if bus == nil || lock == nil {
		return nil, fmt.Errorf("node needs a bus and a lock")
	}
	if cfg.NodeId < 1 || cfg.NodeId > 127 {
		return nil, fmt.Errorf("invalid node id x%x", cfg.NodeId)
	}
	odict := od.Default(cfg.Master, cfg.NodeId)
	if cfg.Dictionary != "" {
		parsed, err := od.Parse(cfg.Dictionary, cfg.NodeId)
		if err != nil {
			return nil, fmt.Errorf("loading dictionary %v : %w", cfg.Dictionary, err)
		}
		odict = parsed
	}

	bm := can.NewBusManager(bus)
	bm.SetDispatchLock(lock)
	node := &LocalNode{bm: bm, bus: bus, od: odict, id: cfg.NodeId}

	nm, err := nmt.NewNMT(bm, odict, cfg.NodeId, false)
	if err != nil {
		log.Errorf("[NODE][x%x] init failed [NMT] : %v", cfg.NodeId, err)
		return nil, err
	}
	nm.SetBootupCallback(events.Bootup)
	nm.SetStateCallback(events.StateChange)
	node.NMT = nm

	syncProducer, err := s.NewSYNC(bm, odict)
	if err != nil {
		log.Errorf("[NODE][x%x] init failed [SYNC] : %v", cfg.NodeId, err)
		return nil, err
	}
	node.SYNC = syncProducer
	node.SDOServer = sdo.NewServer(bm, odict, cfg.NodeId, cfg.SdoTimeoutMs)
	node.SDOClient = sdo.NewClient(bm, odict, cfg.NodeId, cfg.SdoTimeoutMs)

	if events.LocalWrite != nil {
		for _, index := range odict.Indexes() {
			if index < 0x2000 {
				continue
			}
			entry := odict.Index(index)
			for sub := 0; sub <= 0xFF; sub++ {
				if _, err := entry.SubIndex(uint8(sub)); err == nil {
					_ = odict.OnWrite(index, uint8(sub), events.LocalWrite)
				}
			}
		}
	}

	if err := bus.Subscribe(bm); err != nil {
		return nil, err
	}
	if err := bus.Connect(); err != nil {
		return nil, err
	}
	node.SDOClient.Start()
	node.processor = NewNodeProcessor(node, lock)
	node.processor.Start(context.Background())
	log.Infof("[NODE][x%x] started", cfg.NodeId)
	return node, nil
}

func (node *LocalNode) GetOD() *od.ObjectDictionary {
	return node.od
}

func (node *LocalNode) GetID() uint8 {
	return node.id
}

// ProcessMain runs the cyclic tasks of the stack and returns the reset
// requested over NMT if any
func (node *LocalNode) ProcessMain(timeDifferenceUs uint32) uint8 {
	node.SDOClient.Process(timeDifferenceUs)
	node.SDOServer.Process(timeDifferenceUs)
	return node.NMT.Process(timeDifferenceUs)
}

// SubmitRead starts an SDO upload from nodeId
func (node *LocalNode) SubmitRead(nodeId uint8, index uint16, subindex uint8, dataType uint8, blockMode bool, onComplete sdo.CompletionFunc) (*sdo.Transfer, error) {
	return node.SDOClient.Upload(nodeId, index, subindex, dataType, blockMode, onComplete)
}

// SubmitWrite starts an SDO download to nodeId
func (node *LocalNode) SubmitWrite(nodeId uint8, index uint16, subindex uint8, data []byte, dataType uint8, blockMode bool, onComplete sdo.CompletionFunc) (*sdo.Transfer, error) {
	return node.SDOClient.Download(nodeId, index, subindex, data, dataType, blockMode, onComplete)
}

func (node *LocalNode) Result(t *sdo.Transfer) sdo.Result {
	return node.SDOClient.Result(t)
}

func (node *LocalNode) Finalize(t *sdo.Transfer) error {
	return node.SDOClient.Close(t)
}

// Command sends an NMT command, nodeId 0 broadcasts
func (node *LocalNode) Command(nodeId uint8, command nmt.Command) error {
	return node.NMT.SendCommand(command, nodeId)
}

// SetState changes the state of the local node
func (node *LocalNode) SetState(state uint8) error {
	switch state {
	case nmt.StateOperational:
		node.NMT.SendInternalCommand(nmt.CommandEnterOperational)
	case nmt.StatePreOperational:
		node.NMT.SendInternalCommand(nmt.CommandEnterPreOperational)
	case nmt.StateStopped:
		node.NMT.SendInternalCommand(nmt.CommandEnterStopped)
	case nmt.StateInitializing:
		node.NMT.SendInternalCommand(nmt.CommandResetCommunication)
	default:
		return fmt.Errorf("invalid nmt state x%x", state)
	}
	return nil
}

func (node *LocalNode) StartSync() {
	node.SYNC.Start()
}

func (node *LocalNode) StopSync() {
	node.SYNC.Stop()
}

func (node *LocalNode) ReadLocal(index uint16, subindex uint8) ([]byte, error) {
	return node.od.Read(index, subindex)
}

// WriteLocal writes the local dictionary, [Events] LocalWrite is not raised
func (node *LocalNode) WriteLocal(index uint16, subindex uint8, value []byte) error {
	return node.od.WriteInternal(index, subindex, value)
}

// Close stops processing, fails the pending transfers and disconnects
// from the bus. It must not be called with the device lock held.
func (node *LocalNode) Close() error {
	node.mu.Lock()
	if node.closed {
		node.mu.Unlock()
		return ErrClosed
	}
	node.closed = true
	node.mu.Unlock()

	node.processor.Stop()
	node.processor.Wait()
	node.SYNC.Stop()
	node.SDOClient.Stop()
	log.Infof("[NODE][x%x] stopped", node.id)
	return node.bus.Disconnect()
}
