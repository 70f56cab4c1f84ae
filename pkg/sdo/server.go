package sdo

import (
	"encoding/binary"
	"sync"

	"github.com/samsamfire/coshell/pkg/can"
	"github.com/samsamfire/coshell/pkg/od"
	log "github.com/sirupsen/logrus"
)

type serverState uint8

const (
	serverIdle serverState = iota
	serverDownloadSegment
	serverUploadSegment
)

// Server serves the local object dictionary to remote SDO clients.
// Expedited and segmented transfers are supported.
type Server struct {
	bm        *can.BusManager
	mu        sync.Mutex
	od        *od.ObjectDictionary
	nodeId    uint8
	timeoutUs uint32
	state     serverState
	index     uint16
	subindex  uint8
	toggle    uint8
	buffer    []byte
	offset    int
	sizeInd   uint32
	timer     uint32
}

func NewServer(bm *can.BusManager, odict *od.ObjectDictionary, nodeId uint8, timeoutMs uint32) *Server {
	if timeoutMs == 0 {
		timeoutMs = DefaultServerTimeout
	}
	server := &Server{bm: bm, od: odict, nodeId: nodeId, timeoutUs: timeoutMs * 1000}
	bm.Subscribe(ClientBaseId+uint32(nodeId), false, server)
	return server
}

// Handle [Server] related RX CAN frames.
// Dictionary write hooks are called from here.
func (server *Server) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	server.mu.Lock()
	defer server.mu.Unlock()

	request := SDOMessage{raw: frame.Data}
	if request.IsAbort() {
		log.Debugf("[SDO][SERVER][x%x] client abort : %v", server.nodeId, request.GetAbortCode())
		server.state = serverIdle
		return
	}
	server.timer = 0

	switch request.Command() {
	case ccsUploadInitiate:
		server.uploadInitiate(&request)
	case ccsUploadSegment:
		server.uploadSegment(&request)
	case ccsDownloadInitiate:
		server.downloadInitiate(&request)
	case ccsDownloadSegment:
		server.downloadSegment(&request)
	default:
		server.abort(AbortCmd)
	}
}

func (server *Server) uploadInitiate(request *SDOMessage) {
	server.index = request.GetIndex()
	server.subindex = request.GetSubindex()
	v, err := server.od.Lookup(server.index, server.subindex)
	if err != nil {
		server.abort(ConvertOdToSdoAbort(err))
		return
	}
	if !v.HasAttribute(od.AttributeSdoR) {
		server.abort(AbortWriteOnly)
		return
	}
	value, err := server.od.Read(server.index, server.subindex)
	if err != nil {
		server.abort(ConvertOdToSdoAbort(err))
		return
	}
	if len(value) > 0 && len(value) <= 4 {
		raw := newMultiplexedMessage(scsUploadInitiate<<5|0x03|byte(4-len(value))<<2, server.index, server.subindex)
		copy(raw[4:], value)
		server.state = serverIdle
		server.send(raw)
		return
	}
	raw := newMultiplexedMessage(scsUploadInitiate<<5|0x01, server.index, server.subindex)
	binary.LittleEndian.PutUint32(raw[4:], uint32(len(value)))
	server.buffer = value
	server.offset = 0
	server.toggle = 0
	server.state = serverUploadSegment
	server.send(raw)
}

func (server *Server) uploadSegment(request *SDOMessage) {
	if server.state != serverUploadSegment {
		server.abort(AbortCmd)
		return
	}
	if request.GetToggle() != server.toggle {
		server.abort(AbortToggleBit)
		return
	}
	n := len(server.buffer) - server.offset
	last := n <= BlockSeqSize
	if !last {
		n = BlockSeqSize
	}
	var raw [8]byte
	raw[0] = scsUploadSegment<<5 | server.toggle | byte(BlockSeqSize-n)<<1
	if last {
		raw[0] |= 0x01
		server.state = serverIdle
	}
	copy(raw[1:], server.buffer[server.offset:server.offset+n])
	server.offset += n
	server.toggle ^= 0x10
	server.send(raw)
}

func (server *Server) downloadInitiate(request *SDOMessage) {
	server.index = request.GetIndex()
	server.subindex = request.GetSubindex()
	v, err := server.od.Lookup(server.index, server.subindex)
	if err != nil {
		server.abort(ConvertOdToSdoAbort(err))
		return
	}
	if !v.HasAttribute(od.AttributeSdoW) {
		server.abort(AbortReadOnly)
		return
	}
	if request.IsExpedited() {
		data := request.raw[4 : 4+request.ExpeditedSize()]
		// Size not indicated, the variable tells how much is meaningful
		if size := v.DataLength(); !request.IsSizeIndicated() && size > 0 && size < len(data) {
			data = data[:size]
		}
		if err := server.write(data); err != nil {
			return
		}
		server.state = serverIdle
		server.send(newMultiplexedMessage(scsDownloadInitiate<<5, server.index, server.subindex))
		return
	}
	server.sizeInd = 0
	if request.IsSizeIndicated() {
		server.sizeInd = binary.LittleEndian.Uint32(request.raw[4:])
		if size := v.DataLength(); size > 0 && int(server.sizeInd) != size {
			if int(server.sizeInd) > size {
				server.abort(AbortDataLong)
			} else {
				server.abort(AbortDataShort)
			}
			return
		}
	}
	server.buffer = nil
	server.toggle = 0
	server.state = serverDownloadSegment
	server.send(newMultiplexedMessage(scsDownloadInitiate<<5, server.index, server.subindex))
}

func (server *Server) downloadSegment(request *SDOMessage) {
	if server.state != serverDownloadSegment {
		server.abort(AbortCmd)
		return
	}
	if request.GetToggle() != server.toggle {
		server.abort(AbortToggleBit)
		return
	}
	server.buffer = append(server.buffer, request.raw[1:1+request.SegmentSize()]...)
	raw := [8]byte{scsDownloadSegment<<5 | server.toggle}
	server.toggle ^= 0x10
	if request.IsLastSegment() {
		if server.sizeInd != 0 && uint32(len(server.buffer)) != server.sizeInd {
			if uint32(len(server.buffer)) > server.sizeInd {
				server.abort(AbortDataLong)
			} else {
				server.abort(AbortDataShort)
			}
			return
		}
		if err := server.write(server.buffer); err != nil {
			return
		}
		server.state = serverIdle
	}
	server.send(raw)
}

// write to the dictionary, aborting on error
func (server *Server) write(data []byte) error {
	err := server.od.Write(server.index, server.subindex, data)
	if err != nil {
		server.abort(ConvertOdToSdoAbort(err))
	}
	return err
}

// Process the server timeout, should be called cyclically
func (server *Server) Process(timeDifferenceUs uint32) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.state == serverIdle {
		return
	}
	server.timer += timeDifferenceUs
	if server.timer >= server.timeoutUs {
		log.Warnf("[SDO][SERVER][x%x] timeout on x%x|x%x", server.nodeId, server.index, server.subindex)
		server.abort(AbortTimeout)
	}
}

func (server *Server) abort(code AbortCode) {
	log.Debugf("[SDO][SERVER][x%x] abort x%x|x%x : %v", server.nodeId, server.index, server.subindex, code)
	server.state = serverIdle
	server.send(newAbortMessage(server.index, server.subindex, code))
}

func (server *Server) send(raw [8]byte) {
	frame := can.NewFrame(ServerBaseId+uint32(server.nodeId), 0, 8)
	frame.Data = raw
	_ = server.bm.Send(frame)
}
