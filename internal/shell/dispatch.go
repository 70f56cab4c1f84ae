package shell

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/coshell/pkg/nmt"
	"github.com/samsamfire/coshell/pkg/od"
	"github.com/samsamfire/coshell/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const (
	maxNodeId      = 127
	maxPayloadSize = 8
)

var nmtVerbs = map[string]nmt.Command{
	"ssta": nmt.CommandEnterOperational,
	"ssto": nmt.CommandEnterStopped,
	"srst": nmt.CommandResetNode,
}

var focusedNmt = map[byte]nmt.Command{
	's': nmt.CommandEnterOperational,
	't': nmt.CommandEnterStopped,
	'x': nmt.CommandResetNode,
}

// Execute runs one operator line.
// Lines starting with '.' are commands, lines starting with ',' are focused
// commands on the focus node, any other non empty line is sent to the focus
// node as an OS command.
func (s *Session) Execute(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	switch {
	case line[0] == '.':
		return s.command(ctx, line[1:])
	case line[0] == ',':
		return s.focused(line[1:])
	case strings.HasPrefix(line, "node "):
		return s.command(ctx, line)
	}
	s.lock.Lock()
	focus := s.focus
	s.lock.Unlock()
	return s.osCommand(focus, line)
}

// splitVerb separates "verb#args" or "verb args"
func splitVerb(command string) (verb string, args string) {
	if i := strings.IndexAny(command, "# "); i >= 0 {
		return command[:i], strings.TrimSpace(command[i+1:])
	}
	return strings.TrimSpace(command), ""
}

// parseHex parses comma separated hex fields, widths gives the maximum
// number of digits of every field
func parseHex(args string, widths ...int) ([]uint64, error) {
	fields := strings.Split(args, ",")
	if len(fields) != len(widths) {
		return nil, errors.New("wrong number of arguments")
	}
	values := make([]uint64, len(fields))
	for i, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" || len(field) > widths[i] {
			return nil, errors.New("invalid field " + strconv.Quote(field))
		}
		v, err := strconv.ParseUint(field, 16, 64)
		if err != nil {
			return nil, errors.New("invalid hex " + strconv.Quote(field))
		}
		values[i] = v
	}
	return values, nil
}

func checkNodeId(id uint64, broadcast bool) error {
	if id > maxNodeId || (id == 0 && !broadcast) {
		return errors.New("invalid node id x" + strconv.FormatUint(id, 16))
	}
	return nil
}

// payload encodes value on size bytes, little endian
func payload(size uint64, value uint64) ([]byte, error) {
	if size == 0 || size > maxPayloadSize {
		return nil, errors.New("invalid size x" + strconv.FormatUint(size, 16))
	}
	if size < maxPayloadSize && value>>(8*size) != 0 {
		return nil, errors.New("data does not fit in size")
	}
	buf := make([]byte, maxPayloadSize)
	binary.LittleEndian.PutUint64(buf, value)
	return buf[:size], nil
}

// wrong reports a malformed command to the operator
func (s *Session) wrong(command string, err error) error {
	s.out.Printf("Wrong command  : %s\n", command)
	return malformed(command, "%v", err)
}

// noBus reports a missing stack, the device lock must be held
func (s *Session) noBus() bool {
	if s.bridge.stack == nil {
		s.out.Printf("No bus loaded\n")
		return true
	}
	return false
}

func (s *Session) command(ctx context.Context, command string) error {
	verb, args := splitVerb(command)
	if cmd, ok := nmtVerbs[verb]; ok {
		return s.nmtCommand(command, args, cmd)
	}
	switch verb {
	case "help":
		s.help()
		return nil
	case "clear":
		s.out.Clear()
		return nil
	case "scan":
		return s.scan()
	case "info":
		return s.nodeInfo(command, args)
	case "rsdo":
		return s.readEntry(command, args)
	case "wsdo":
		return s.writeEntry(command, args)
	case "node":
		return s.selectNode(command, args)
	case "cmd":
		return s.sendOsCommand(command, args)
	case "syn0", "syn1":
		return s.withStack(func() error {
			if verb == "syn1" {
				s.bridge.stack.StartSync()
			} else {
				s.bridge.stack.StopSync()
			}
			return nil
		})
	case "stat":
		return s.status()
	case "wait":
		return s.wait(ctx, command, args)
	case "gooo":
		return s.withStack(func() error {
			return s.bridge.stack.SetState(nmt.StateOperational)
		})
	case "quit":
		return ErrQuit
	case "load":
		return s.load(command, args)
	}
	s.help()
	return malformed(command, "unknown command %q", verb)
}

// withStack runs f with the device lock held and a loaded stack
func (s *Session) withStack(f func() error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.noBus() {
		return ErrNoBus
	}
	return f()
}

func (s *Session) nmtCommand(command string, args string, cmd nmt.Command) error {
	values, err := parseHex(args, 2)
	if err == nil {
		err = checkNodeId(values[0], true)
	}
	if err != nil {
		return s.wrong(command, err)
	}
	return s.withStack(func() error {
		return s.bridge.stack.Command(uint8(values[0]), cmd)
	})
}

func (s *Session) scan() error {
	return s.withStack(func() error {
		s.out.Printf("Wait for Slave nodes bootup...\n\n")
		return s.bridge.stack.Command(0, nmt.CommandResetNode)
	})
}

func (s *Session) nodeInfo(command string, args string) error {
	values, err := parseHex(args, 2)
	if err == nil {
		err = checkNodeId(values[0], false)
	}
	if err != nil {
		return s.wrong(command, err)
	}
	nodeId := uint8(values[0])
	return s.withStack(func() error {
		if s.info.Step() != 0 {
			s.out.Printf("Informations for node %x already in progress\n", s.info.nodeId)
			return ErrSequenceInFlight
		}
		s.out.Banner("Informations for node " + strconv.FormatUint(uint64(nodeId), 16))
		return s.info.Start(nodeId)
	})
}

func (s *Session) readEntry(command string, args string) error {
	values, err := parseHex(args, 2, 4, 2)
	if err == nil {
		err = checkNodeId(values[0], false)
	}
	if err != nil {
		return s.wrong(command, err)
	}
	nodeId, index, subindex := uint8(values[0]), uint16(values[1]), uint8(values[2])
	return s.withStack(func() error {
		s.out.Banner("Read SDO")
		s.out.Printf("NodeId   : %02x\nIndex    : %04x\nSubIndex : %02x\n", nodeId, index, subindex)
		err := s.bridge.submitRead(nodeId, index, subindex, od.DOMAIN, false, func(nodeId uint8, result sdo.Result) {
			if result.Status != sdo.StatusFinished {
				s.printFailure(nodeId, &TransferFailedError{NodeId: nodeId, AbortCode: result.AbortCode})
				return
			}
			s.printValue(result.Data)
		})
		if err != nil {
			s.printFailure(nodeId, err)
		}
		return err
	})
}

func (s *Session) writeEntry(command string, args string) error {
	values, err := parseHex(args, 2, 4, 2, 2, 16)
	var data []byte
	if err == nil {
		err = checkNodeId(values[0], false)
	}
	if err == nil {
		data, err = payload(values[3], values[4])
	}
	if err != nil {
		return s.wrong(command, err)
	}
	nodeId, index, subindex := uint8(values[0]), uint16(values[1]), uint8(values[2])
	return s.withStack(func() error {
		s.out.Banner("Write SDO")
		s.out.Printf("NodeId   : %02x\nIndex    : %04x\nSubIndex : %02x\nSize     : %02x\nData     : %x\n",
			nodeId, index, subindex, len(data), values[4])
		err := s.bridge.submitWrite(nodeId, index, subindex, data, od.DOMAIN, false, func(nodeId uint8, result sdo.Result) {
			if result.Status != sdo.StatusFinished {
				s.printFailure(nodeId, &TransferFailedError{NodeId: nodeId, AbortCode: result.AbortCode})
				return
			}
			s.out.Printf("\nSend data OK\n")
		})
		if err != nil {
			s.printFailure(nodeId, err)
		}
		return err
	})
}

// selectNode puts the node in OS command mode and makes it the focus node.
// The focus is set even when the node does not answer.
func (s *Session) selectNode(command string, args string) error {
	values, err := parseHex(args, 2)
	if err == nil {
		err = checkNodeId(values[0], false)
	}
	if err != nil {
		return s.wrong(command, err)
	}
	nodeId := uint8(values[0])
	s.lock.Lock()
	if s.noBus() {
		s.focus = nodeId
		s.lock.Unlock()
		return ErrNoBus
	}
	err = s.bridge.Write(nodeId, od.IndexOSCommandMode, 0, []byte{0}, od.UNSIGNED8, false)
	if err != nil {
		s.printFailure(nodeId, err)
	}
	s.lock.Lock()
	s.focus = nodeId
	s.lock.Unlock()
	return err
}

func (s *Session) sendOsCommand(command string, args string) error {
	id, text, found := strings.Cut(args, ",")
	if !found || text == "" {
		return s.wrong(command, errors.New("expected nodeid,text"))
	}
	values, err := parseHex(id, 2)
	if err == nil {
		err = checkNodeId(values[0], false)
	}
	if err != nil {
		return s.wrong(command, err)
	}
	return s.osCommand(uint8(values[0]), text)
}

// osCommand writes text to the OS command entry of nodeId and prints the
// reply. The device lock is taken again between the two transfers.
func (s *Session) osCommand(nodeId uint8, text string) error {
	s.lock.Lock()
	if s.noBus() {
		s.lock.Unlock()
		return ErrNoBus
	}
	err := s.bridge.Write(nodeId, od.IndexOSCommand, od.SubIndexOSCommand, []byte(text), od.VISIBLE_STRING, false)
	if err != nil {
		s.printFailure(nodeId, err)
		return err
	}
	s.lock.Lock()
	if s.noBus() {
		s.lock.Unlock()
		return ErrNoBus
	}
	reply, err := s.bridge.Read(nodeId, od.IndexOSCommand, od.SubIndexOSCommandReply, od.VISIBLE_STRING, false)
	if err != nil {
		s.printFailure(nodeId, err)
		return err
	}
	s.out.Printf("%s\n", reply)
	return nil
}

func (s *Session) status() error {
	return s.withStack(func() error {
		value, err := s.bridge.stack.ReadLocal(od.IndexStatus3, 0)
		if err != nil {
			return err
		}
		s.out.Printf("Status3: %x\n", od.DecodeUint(value))
		return s.bridge.stack.WriteLocal(od.IndexStatus3, 0, make([]byte, len(value)))
	})
}

// wait sleeps without holding the device lock
func (s *Session) wait(ctx context.Context, command string, args string) error {
	seconds, err := strconv.ParseUint(args, 10, 32)
	if err != nil {
		return s.wrong(command, err)
	}
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// load reopens the bus with driver,channel,baudrate,nodeid,type
func (s *Session) load(command string, args string) error {
	params, err := parseLoad(args)
	if err != nil {
		s.out.Printf("Invalid load parameters\n")
		return malformed(command, "%v", err)
	}
	if err := s.Load(params); err != nil {
		s.out.Printf("%v\n", err)
		return err
	}
	return nil
}

func parseLoad(args string) (BusParams, error) {
	fields := strings.Split(args, ",")
	if len(fields) != 5 {
		return BusParams{}, errors.New("wrong number of arguments")
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return BusParams{}, errors.New("empty field")
		}
	}
	params := BusParams{Driver: fields[0], Channel: fields[1], Baudrate: fields[2]}
	id, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return BusParams{}, err
	}
	if err := checkNodeId(id, false); err != nil {
		return BusParams{}, err
	}
	params.NodeId = uint8(id)
	switch fields[4] {
	case "0", "slave":
	case "1", "master":
		params.Master = true
	default:
		return BusParams{}, errors.New("invalid node type " + strconv.Quote(fields[4]))
	}
	return params, nil
}

func (s *Session) focused(command string) error {
	if command == "" {
		s.help()
		return malformed(command, "empty focused command")
	}
	s.lock.Lock()
	focus := s.focus
	s.lock.Unlock()
	if cmd, ok := focusedNmt[command[0]]; ok {
		return s.withStack(func() error {
			return s.bridge.stack.Command(focus, cmd)
		})
	}
	args := command[1:]
	switch command[0] {
	case 'r':
		values, err := parseHex(args, 4, 2)
		if err != nil {
			return s.wrong(command, err)
		}
		return s.readFocused(focus, uint16(values[0]), uint8(values[1]), od.DOMAIN)
	case 'w':
		values, err := parseHex(args, 4, 2, 2, 16)
		var data []byte
		if err == nil {
			data, err = payload(values[2], values[3])
		}
		if err != nil {
			return s.wrong(command, err)
		}
		return s.writeFocused(focus, uint16(values[0]), uint8(values[1]), data)
	case '?':
		return s.readFocused(focus, od.IndexStatusword, 0, od.UNSIGNED16)
	case 'c':
		values, err := parseHex(args, 4)
		var data []byte
		if err == nil {
			data, err = payload(2, values[0])
		}
		if err != nil {
			return s.wrong(command, err)
		}
		return s.writeFocused(focus, od.IndexControlword, 0, data)
	}
	s.help()
	return malformed(command, "unknown focused command %q", command[0])
}

func (s *Session) readFocused(nodeId uint8, index uint16, subindex uint8, dataType uint8) error {
	s.lock.Lock()
	if s.noBus() {
		s.lock.Unlock()
		return ErrNoBus
	}
	data, err := s.bridge.Read(nodeId, index, subindex, dataType, false)
	if err != nil {
		s.printFailure(nodeId, err)
		return err
	}
	s.printValue(data)
	return nil
}

func (s *Session) writeFocused(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	s.lock.Lock()
	if s.noBus() {
		s.lock.Unlock()
		return ErrNoBus
	}
	err := s.bridge.Write(nodeId, index, subindex, data, od.DOMAIN, false)
	if err != nil {
		s.printFailure(nodeId, err)
		return err
	}
	s.out.Printf("\nSend data OK\n")
	return nil
}

// printValue prints numbers of up to 8 bytes, longer values as text
func (s *Session) printValue(data []byte) {
	if len(data) > maxPayloadSize {
		s.out.Printf("\n= %q\n", data)
		return
	}
	value := od.DecodeUint(data)
	s.out.Printf("\n= 0x%x (%d)\n", value, value)
}

func (s *Session) printFailure(nodeId uint8, err error) {
	var failed *TransferFailedError
	switch {
	case errors.As(err, &failed):
		s.out.Printf("\nResult : Failed in getting information for slave %02x, AbortCode :0x%08x\n", nodeId, uint32(failed.AbortCode))
	case errors.Is(err, ErrTransferTimedOut):
		s.out.Printf("\nResult : Timed out waiting for slave %02x\n", nodeId)
	default:
		s.out.Printf("\nResult : Failed with slave %02x : %v\n", nodeId, err)
	}
	log.Debugf("[SHELL][x%x] %v", nodeId, err)
}
