package shell

import (
	"encoding/binary"

	"github.com/samsamfire/coshell/pkg/od"
	"github.com/samsamfire/coshell/pkg/sdo"
)

type infoStep struct {
	index    uint16
	subindex uint8
	label    string
}

// Reads of a node info sequence, in order
var infoSteps = [...]infoStep{
	{od.IndexDeviceType, 0, "Device type     "},
	{od.IndexIdentity, od.SubIndexVendorId, "Vendor ID       "},
	{od.IndexIdentity, od.SubIndexProductCode, "Product Code    "},
	{od.IndexIdentity, od.SubIndexRevisionNumber, "Revision Number "},
}

// InfoReport is called once per step of a sequence, err is nil on success
type InfoReport func(nodeId uint8, step int, label string, value uint32, err error)

// NodeInfoSession reads the identification of one node, one read per
// completion. Step 0 is idle, steps 1 to 4 are the reads in flight.
// All methods and callbacks run with the device lock held.
type NodeInfoSession struct {
	bridge *Bridge
	report InfoReport
	step   int
	nodeId uint8
}

func NewNodeInfoSession(bridge *Bridge, report InfoReport) *NodeInfoSession {
	return &NodeInfoSession{bridge: bridge, report: report}
}

// Step returns the current step, 0 when idle
func (n *NodeInfoSession) Step() int {
	return n.step
}

// Start the sequence on nodeId, only valid when idle.
func (n *NodeInfoSession) Start(nodeId uint8) error {
	if n.step != 0 {
		return ErrSequenceInFlight
	}
	n.nodeId = nodeId
	n.step = 1
	n.issue()
	return nil
}

// issue submits the read of the current step. When a submission is
// rejected the step is reported failed and the sequence moves on.
func (n *NodeInfoSession) issue() {
	for n.step != 0 {
		step := infoSteps[n.step-1]
		err := n.bridge.submitRead(n.nodeId, step.index, step.subindex, od.UNSIGNED32, false, n.complete)
		if err == nil {
			return
		}
		n.report(n.nodeId, n.step, step.label, 0, err)
		n.advance()
	}
}

func (n *NodeInfoSession) complete(nodeId uint8, result sdo.Result) {
	if n.step == 0 {
		return
	}
	step := infoSteps[n.step-1]
	if result.Status == sdo.StatusFinished {
		var buf [4]byte
		copy(buf[:], result.Data)
		n.report(nodeId, n.step, step.label, binary.LittleEndian.Uint32(buf[:]), nil)
	} else {
		n.report(nodeId, n.step, step.label, 0, &TransferFailedError{NodeId: nodeId, AbortCode: result.AbortCode})
	}
	n.advance()
	n.issue()
}

func (n *NodeInfoSession) advance() {
	n.step++
	if n.step > len(infoSteps) {
		n.step = 0
	}
}
