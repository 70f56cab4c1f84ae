package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/samsamfire/coshell/pkg/nmt"
	"github.com/samsamfire/coshell/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultFocusNode uint8 = 3
	DefaultPrompt          = ">"
	// Stacks loaded with BaudrateNone send nothing on shutdown
	BaudrateNone = "none"
)

// Options of a [Session], zero values are replaced by defaults
type Options struct {
	Out             io.Writer
	Opener          Opener
	TransferTimeout time.Duration
	FocusNode       uint8
	Prompt          string
	// DefaultBus is loaded on start when no startup command loaded a bus
	DefaultBus BusParams
}

// Session holds the state shared by every command of an operator session:
// the device lock, the loaded stack, the focus node and the node info
// sequence.
type Session struct {
	// Device lock, guards the stack and every field below
	lock   sync.Mutex
	bridge *Bridge
	info   *NodeInfoSession
	focus  uint8
	params BusParams

	out     *Printer
	opener  Opener
	options Options
}

func NewSession(options Options) *Session {
	if options.Out == nil {
		options.Out = os.Stdout
	}
	if options.FocusNode == 0 {
		options.FocusNode = DefaultFocusNode
	}
	if options.Prompt == "" {
		options.Prompt = DefaultPrompt
	}
	s := &Session{
		out:     NewPrinter(options.Out),
		opener:  options.Opener,
		options: options,
		focus:   options.FocusNode,
	}
	s.bridge = NewBridge(&s.lock, nil, options.TransferTimeout)
	s.info = NewNodeInfoSession(s.bridge, s.reportInfo)
	return s
}

// Load closes the current stack if any and opens a new one with params.
// It must be called without the device lock held.
func (s *Session) Load(params BusParams) error {
	if s.opener == nil {
		return fmt.Errorf("%w : no opener", ErrBusOpenFailed)
	}
	s.lock.Lock()
	old := s.bridge.stack
	s.bridge.stack = nil
	s.lock.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warnf("[SHELL] closing previous bus : %v", err)
		}
	}
	stack, err := s.opener(params, &s.lock, s.events())
	if err != nil {
		return fmt.Errorf("%w : %v", ErrBusOpenFailed, err)
	}
	s.lock.Lock()
	s.bridge.stack = stack
	s.params = params
	s.lock.Unlock()
	log.Infof("[SHELL] loaded %v bus on %v (%v), node x%x, master %v",
		params.Driver, params.Channel, params.Baudrate, params.NodeId, params.Master)
	return nil
}

func (s *Session) events() StackEvents {
	return StackEvents{
		Bootup: func(nodeId uint8) {
			s.out.Printf("Slave %x boot up\n", nodeId)
		},
		StateChange: func(state uint8) {
			switch state {
			case nmt.StateInitializing:
				s.out.Printf("Node_initialisation\n")
			case nmt.StatePreOperational:
				s.out.Printf("Node_preOperational\n")
			case nmt.StateOperational:
				s.out.Printf("Node_operational\n")
			case nmt.StateStopped:
				s.out.Printf("Node_stopped\n")
			}
		},
		LocalWrite: func(index uint16, subindex uint8, value []byte) {
			if index == od.IndexStatus3 {
				s.out.Printf("Status3: %x\n", od.DecodeUint(value))
			}
		},
	}
}

// Start runs the startup commands, loads the default bus if none was
// loaded and prepares the session for the operator.
// A bus that cannot be opened is fatal.
func (s *Session) Start(ctx context.Context, startup []string) error {
	for _, command := range startup {
		err := s.command(ctx, command)
		if errors.Is(err, ErrBusOpenFailed) || errors.Is(err, ErrQuit) {
			return err
		}
	}
	s.lock.Lock()
	loaded := s.bridge.stack != nil
	s.lock.Unlock()
	if !loaded {
		if err := s.Load(s.options.DefaultBus); err != nil {
			return err
		}
	}
	s.help()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bridge.stack.StopSync()
	return nil
}

// Shutdown resets the network, stops the local node and closes the stack
func (s *Session) Shutdown() error {
	s.lock.Lock()
	stack := s.bridge.stack
	s.bridge.stack = nil
	if stack != nil && s.params.Baudrate != BaudrateNone {
		if err := stack.Command(0, nmt.CommandResetNode); err != nil {
			log.Warnf("[SHELL] reset of all nodes : %v", err)
		}
		if err := stack.SetState(nmt.StateStopped); err != nil {
			log.Warnf("[SHELL] stopping local node : %v", err)
		}
	}
	s.lock.Unlock()
	var err error
	if stack != nil {
		err = stack.Close()
	}
	s.out.Printf("Finishing.\n")
	return err
}

// Focus returns the node targeted by focused commands
func (s *Session) Focus() uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.focus
}

// InfoStep returns the step of the node info sequence, 0 when idle
func (s *Session) InfoStep() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.info.Step()
}

func (s *Session) reportInfo(nodeId uint8, step int, label string, value uint32, err error) {
	var failed *TransferFailedError
	switch {
	case err == nil:
		s.out.Printf("%s: %x\n", label, value)
	case errors.As(err, &failed):
		s.out.Printf("Master : Failed in getting information for slave %02x, AbortCode :0x%08x\n", nodeId, uint32(failed.AbortCode))
	default:
		s.out.Printf("Master : Failed in getting information for slave %02x : %v\n", nodeId, err)
	}
}

func (s *Session) help() {
	s.out.Title("CANopen shell")
	s.out.Printf(helpMenu)
}

const helpMenu = `Non-prefixed commands are passed via SDO OS interface on the bus.

.node <nodeid> : Set the node to which unprefixed and focused commands are sent.
   Setup COMMAND (can be given on the process invocation, without the dot):
     load#driver,channel,baudrate,nodeid,type (0:slave, 1:master)

   NETWORK: (if nodeid=0x00 : broadcast)
     .ssta#nodeid : Start a node
     .ssto#nodeid : Stop a node
     .srst#nodeid : Reset a node
     .scan : Reset all nodes and print message when bootup
     .wait#seconds : Sleep for n seconds
     .syn0 / .syn1 : Stop / start SYNC
     .gooo : Put the local node in operational state

   SDO: (size in bytes)
     .info#nodeid
     .rsdo#nodeid,index,subindex : read sdo
        ex : .rsdo#42,1018,01
     .wsdo#nodeid,index,subindex,size,data : write sdo
        ex : .wsdo#42,6200,01,01,FF
     .cmd#nodeid,text : send an OS command and print the reply
     .stat : Print and clear the local status word

   FOCUSED: (on the node set by .node)
     ,s ,t ,x : Start / stop / reset
     ,rindex,subindex : read sdo
     ,windex,subindex,size,data : write sdo
     ,? : read status word
     ,cdata : write control word

   Note: All numbers are hex except wait seconds and load nodeid

     .clear: Clear the display
     .help : Display this menu
     .quit : Quit application

`
