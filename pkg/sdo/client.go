package sdo

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/samsamfire/coshell/pkg/can"
	"github.com/samsamfire/coshell/pkg/od"
	log "github.com/sirupsen/logrus"
)

// Status of a transfer as seen by the completion callback
type Status uint8

const (
	StatusInProgress Status = iota
	StatusFinished
	StatusFailed
)

func (status Status) String() string {
	switch status {
	case StatusInProgress:
		return "IN-PROGRESS"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result of a transfer. AbortCode is only meaningful if Status is StatusFailed
// and Data only for uploads.
type Result struct {
	Status    Status
	AbortCode AbortCode
	Data      []byte
}

// CompletionFunc is called once per transfer, from the client completion
// routine. It is never called with a client lock held.
type CompletionFunc func(t *Transfer)

type transferState uint8

const (
	stateIdle transferState = iota
	stateDownloadInitiateRsp
	stateDownloadSegmentRsp
	stateUploadInitiateRsp
	stateUploadSegmentRsp
	stateDone
)

// Transfer is the handle of one SDO upload or download.
// It occupies the SDO line of its server node until it is closed.
type Transfer struct {
	NodeId    uint8
	Index     uint16
	Subindex  uint8
	DataType  uint8
	Upload    bool
	BlockMode bool

	callback      CompletionFunc
	state         transferState
	toggle        uint8
	buffer        []byte
	offset        int
	sizeIndicated uint32
	timer         uint32
	result        Result
	closed        bool
}

func (t *Transfer) String() string {
	direction := "download"
	if t.Upload {
		direction = "upload"
	}
	return fmt.Sprintf("%v x%x|x%x on x%x", direction, t.Index, t.Subindex, t.NodeId)
}

// Client is a callback based SDO client.
// One transfer may be active per server node at any time.
type Client struct {
	bm        *can.BusManager
	mu        sync.Mutex
	nodeId    uint8
	local     *od.ObjectDictionary
	timeoutUs uint32
	lines     map[uint8]*Transfer
	completed []*Transfer
	wake      chan struct{}
	exit      chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// NewClient creates an SDO client for local node nodeId.
// Transfers addressed to nodeId are served from local.
func NewClient(bm *can.BusManager, local *od.ObjectDictionary, nodeId uint8, timeoutMs uint32) *Client {
	if timeoutMs == 0 {
		timeoutMs = DefaultClientTimeout
	}
	c := &Client{
		bm:        bm,
		nodeId:    nodeId,
		local:     local,
		timeoutUs: timeoutMs * 1000,
		lines:     map[uint8]*Transfer{},
		wake:      make(chan struct{}, 1),
	}
	for id := uint32(1); id <= 127; id++ {
		bm.Subscribe(ServerBaseId+id, false, c)
	}
	return c
}

// Start launches the completion routine
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.exit = make(chan struct{})
	c.wg.Add(1)
	go c.deliver(c.exit)
}

// Stop fails every transfer in progress, delivers the pending completions
// and stops the completion routine.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	for _, t := range c.lines {
		if t.state != stateDone {
			c.complete(t, StatusFailed, AbortDataDeviceState)
		}
	}
	c.running = false
	close(c.exit)
	c.mu.Unlock()
	c.wg.Wait()
}

// Upload starts reading index/subindex of node nodeId.
// callback is invoked once the transfer finished or failed.
func (c *Client) Upload(nodeId uint8, index uint16, subindex uint8, dataType uint8, blockMode bool, callback CompletionFunc) (*Transfer, error) {
	t := &Transfer{NodeId: nodeId, Index: index, Subindex: subindex, DataType: dataType, Upload: true, BlockMode: blockMode, callback: callback}
	return t, c.start(t)
}

// Download starts writing data to index/subindex of node nodeId.
// callback is invoked once the transfer finished or failed.
func (c *Client) Download(nodeId uint8, index uint16, subindex uint8, data []byte, dataType uint8, blockMode bool, callback CompletionFunc) (*Transfer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w : nothing to write", ErrInvalidArgs)
	}
	if size := od.Size(dataType); size != 0 && size != len(data) {
		return nil, fmt.Errorf("%w : %v bytes given for a %v bytes type", ErrInvalidArgs, len(data), size)
	}
	t := &Transfer{NodeId: nodeId, Index: index, Subindex: subindex, DataType: dataType, BlockMode: blockMode, callback: callback}
	t.buffer = append([]byte(nil), data...)
	return t, c.start(t)
}

func (c *Client) start(t *Transfer) error {
	if t.NodeId < 1 || t.NodeId > 127 {
		return fmt.Errorf("%w : node id x%x", ErrInvalidArgs, t.NodeId)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotStarted
	}
	if _, busy := c.lines[t.NodeId]; busy {
		return ErrLineBusy
	}
	if t.BlockMode {
		log.Debugf("[SDO][x%x] block transfer requested, using segmented transfer", t.NodeId)
	}
	c.lines[t.NodeId] = t

	if t.NodeId == c.nodeId && c.local != nil {
		c.serveLocal(t)
		return nil
	}

	var raw [8]byte
	if t.Upload {
		raw = newMultiplexedMessage(ccsUploadInitiate<<5, t.Index, t.Subindex)
		t.state = stateUploadInitiateRsp
	} else if len(t.buffer) <= 4 {
		raw = newMultiplexedMessage(ccsDownloadInitiate<<5|0x03|byte(4-len(t.buffer))<<2, t.Index, t.Subindex)
		copy(raw[4:], t.buffer)
		t.offset = len(t.buffer)
		t.state = stateDownloadInitiateRsp
	} else {
		raw = newMultiplexedMessage(ccsDownloadInitiate<<5|0x01, t.Index, t.Subindex)
		binary.LittleEndian.PutUint32(raw[4:], uint32(len(t.buffer)))
		t.state = stateDownloadInitiateRsp
	}
	if err := c.send(t, raw); err != nil {
		delete(c.lines, t.NodeId)
		return err
	}
	log.Debugf("[SDO][TX][x%x] initiate %v", t.NodeId, t)
	return nil
}

// Local transfers never reach the bus
func (c *Client) serveLocal(t *Transfer) {
	v, err := c.local.Lookup(t.Index, t.Subindex)
	if err != nil {
		c.complete(t, StatusFailed, ConvertOdToSdoAbort(err))
		return
	}
	if t.Upload {
		if !v.HasAttribute(od.AttributeSdoR) {
			c.complete(t, StatusFailed, AbortWriteOnly)
			return
		}
		t.buffer, _ = c.local.Read(t.Index, t.Subindex)
		c.complete(t, StatusFinished, 0)
		return
	}
	if !v.HasAttribute(od.AttributeSdoW) {
		c.complete(t, StatusFailed, AbortReadOnly)
		return
	}
	if err := c.local.Write(t.Index, t.Subindex, t.buffer); err != nil {
		c.complete(t, StatusFailed, ConvertOdToSdoAbort(err))
		return
	}
	c.complete(t, StatusFinished, 0)
}

// Result returns a copy of the transfer result
func (c *Client) Result(t *Transfer) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := t.result
	result.Data = append([]byte(nil), t.result.Data...)
	return result
}

// Close finalizes the transfer and frees the SDO line of its node.
// Closing a transfer still in progress aborts it and its callback is
// not invoked.
func (c *Client) Close(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.closed {
		return ErrTransferClosed
	}
	t.closed = true
	if t.state != stateDone {
		log.Debugf("[SDO][x%x] abandoning %v", t.NodeId, t)
		_ = c.send(t, newAbortMessage(t.Index, t.Subindex, AbortGeneral))
		t.state = stateDone
	}
	if c.lines[t.NodeId] == t {
		delete(c.lines, t.NodeId)
	}
	return nil
}

// Handle [Client] related RX CAN frames
func (c *Client) Handle(frame can.Frame) {
	if frame.DLC != 8 || frame.ID <= ServerBaseId || frame.ID > ServerBaseId+127 {
		return
	}
	nodeId := uint8(frame.ID - ServerBaseId)
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lines[nodeId]
	if !ok || t.state == stateDone || t.state == stateIdle {
		return
	}
	response := SDOMessage{raw: frame.Data}
	if response.IsAbort() {
		log.Infof("[SDO][RX][x%x] server abort %v : %v", nodeId, t, response.GetAbortCode())
		c.complete(t, StatusFailed, response.GetAbortCode())
		return
	}
	t.timer = 0

	switch t.state {
	case stateUploadInitiateRsp:
		if response.Command() != scsUploadInitiate {
			c.abort(t, AbortCmd)
			return
		}
		if response.GetIndex() != t.Index || response.GetSubindex() != t.Subindex {
			c.abort(t, AbortParamIncompat)
			return
		}
		if response.IsExpedited() {
			t.buffer = append([]byte(nil), response.raw[4:4+response.ExpeditedSize()]...)
			log.Debugf("[SDO][RX][x%x] upload expedited %v : %v", nodeId, t, t.buffer)
			c.complete(t, StatusFinished, 0)
			return
		}
		if response.IsSizeIndicated() {
			t.sizeIndicated = binary.LittleEndian.Uint32(response.raw[4:])
		}
		t.toggle = 0
		t.state = stateUploadSegmentRsp
		c.requestSegment(t)

	case stateUploadSegmentRsp:
		if response.Command() != scsUploadSegment {
			c.abort(t, AbortCmd)
			return
		}
		if response.GetToggle() != t.toggle {
			c.abort(t, AbortToggleBit)
			return
		}
		t.buffer = append(t.buffer, response.raw[1:1+response.SegmentSize()]...)
		t.toggle ^= 0x10
		if !response.IsLastSegment() {
			c.requestSegment(t)
			return
		}
		if t.sizeIndicated != 0 && uint32(len(t.buffer)) != t.sizeIndicated {
			if uint32(len(t.buffer)) > t.sizeIndicated {
				c.abort(t, AbortDataLong)
			} else {
				c.abort(t, AbortDataShort)
			}
			return
		}
		log.Debugf("[SDO][RX][x%x] upload segmented %v : %v bytes", nodeId, t, len(t.buffer))
		c.complete(t, StatusFinished, 0)

	case stateDownloadInitiateRsp:
		if response.Command() != scsDownloadInitiate {
			c.abort(t, AbortCmd)
			return
		}
		if response.GetIndex() != t.Index || response.GetSubindex() != t.Subindex {
			c.abort(t, AbortParamIncompat)
			return
		}
		if t.offset >= len(t.buffer) {
			log.Debugf("[SDO][RX][x%x] download expedited %v", nodeId, t)
			c.complete(t, StatusFinished, 0)
			return
		}
		t.toggle = 0
		t.state = stateDownloadSegmentRsp
		c.sendSegment(t)

	case stateDownloadSegmentRsp:
		if response.Command() != scsDownloadSegment {
			c.abort(t, AbortCmd)
			return
		}
		if response.GetToggle() != t.toggle {
			c.abort(t, AbortToggleBit)
			return
		}
		t.toggle ^= 0x10
		if t.offset >= len(t.buffer) {
			log.Debugf("[SDO][RX][x%x] download segmented %v : %v bytes", nodeId, t, len(t.buffer))
			c.complete(t, StatusFinished, 0)
			return
		}
		c.sendSegment(t)
	}
}

// Process advances the protocol timeouts, it should be called cyclically
// by the stack timer loop.
func (c *Client) Process(timeDifferenceUs uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.lines {
		if t.state == stateDone || t.state == stateIdle {
			continue
		}
		t.timer += timeDifferenceUs
		if t.timer >= c.timeoutUs {
			log.Warnf("[SDO][x%x] timeout on %v", t.NodeId, t)
			c.abort(t, AbortTimeout)
		}
	}
}

func (c *Client) requestSegment(t *Transfer) {
	raw := [8]byte{ccsUploadSegment<<5 | t.toggle}
	if err := c.send(t, raw); err != nil {
		c.complete(t, StatusFailed, AbortGeneral)
	}
}

func (c *Client) sendSegment(t *Transfer) {
	n := len(t.buffer) - t.offset
	last := n <= BlockSeqSize
	if !last {
		n = BlockSeqSize
	}
	var raw [8]byte
	raw[0] = ccsDownloadSegment<<5 | t.toggle | byte(BlockSeqSize-n)<<1
	if last {
		raw[0] |= 0x01
	}
	copy(raw[1:], t.buffer[t.offset:t.offset+n])
	t.offset += n
	if err := c.send(t, raw); err != nil {
		c.complete(t, StatusFailed, AbortGeneral)
	}
}

// Abort the transfer towards the server then fail it
func (c *Client) abort(t *Transfer, code AbortCode) {
	log.Infof("[SDO][TX][x%x] client abort %v : %v", t.NodeId, t, code)
	_ = c.send(t, newAbortMessage(t.Index, t.Subindex, code))
	c.complete(t, StatusFailed, code)
}

func (c *Client) send(t *Transfer, raw [8]byte) error {
	frame := can.NewFrame(ClientBaseId+uint32(t.NodeId), 0, 8)
	frame.Data = raw
	return c.bm.Send(frame)
}

// must be called with mu held
func (c *Client) complete(t *Transfer, status Status, code AbortCode) {
	t.state = stateDone
	t.result = Result{Status: status, AbortCode: code}
	if status == StatusFinished && t.Upload {
		t.result.Data = t.buffer
	}
	if t.closed {
		return
	}
	c.completed = append(c.completed, t)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Completion routine, callbacks are called in completion order
func (c *Client) deliver(exit <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-c.wake:
			c.flush()
		case <-exit:
			c.flush()
			return
		}
	}
}

func (c *Client) flush() {
	c.mu.Lock()
	completed := c.completed
	c.completed = nil
	c.mu.Unlock()
	for _, t := range completed {
		c.mu.Lock()
		closed := t.closed
		c.mu.Unlock()
		if closed || t.callback == nil {
			continue
		}
		t.callback(t)
	}
}
