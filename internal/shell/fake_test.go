package shell

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/samsamfire/coshell/pkg/nmt"
	"github.com/samsamfire/coshell/pkg/sdo"
	"github.com/stretchr/testify/require"
)

type submission struct {
	upload   bool
	nodeId   uint8
	index    uint16
	subindex uint8
	data     []byte
	dataType uint8
	transfer *sdo.Transfer
	callback sdo.CompletionFunc
}

type nmtRecord struct {
	nodeId  uint8
	command nmt.Command
}

// fakeStack completes transfers from a goroutine of its own, like the real
// stack does. Transfers are completed when respond returns true, or later
// with complete.
type fakeStack struct {
	mu          sync.Mutex
	respond     func(sub submission) (sdo.Result, bool)
	submitErr   error
	submissions []submission
	results     map[*sdo.Transfer]sdo.Result
	finalized   map[*sdo.Transfer]int
	commands    []nmtRecord
	states      []uint8
	syncRunning bool
	local       map[uint16][]byte
	closed      bool
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		results:   make(map[*sdo.Transfer]sdo.Result),
		finalized: make(map[*sdo.Transfer]int),
		local:     make(map[uint16][]byte),
	}
}

func (f *fakeStack) submit(sub submission) (*sdo.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	sub.transfer = &sdo.Transfer{NodeId: sub.nodeId, Index: sub.index, Subindex: sub.subindex, DataType: sub.dataType, Upload: sub.upload}
	f.submissions = append(f.submissions, sub)
	if f.respond != nil {
		if result, ok := f.respond(sub); ok {
			f.results[sub.transfer] = result
			go sub.callback(sub.transfer)
		}
	}
	return sub.transfer, nil
}

// complete the i-th submission with result
func (f *fakeStack) complete(i int, result sdo.Result) {
	f.mu.Lock()
	sub := f.submissions[i]
	f.results[sub.transfer] = result
	f.mu.Unlock()
	go sub.callback(sub.transfer)
}

func (f *fakeStack) SubmitRead(nodeId uint8, index uint16, subindex uint8, dataType uint8, blockMode bool, onComplete sdo.CompletionFunc) (*sdo.Transfer, error) {
	return f.submit(submission{upload: true, nodeId: nodeId, index: index, subindex: subindex, dataType: dataType, callback: onComplete})
}

func (f *fakeStack) SubmitWrite(nodeId uint8, index uint16, subindex uint8, data []byte, dataType uint8, blockMode bool, onComplete sdo.CompletionFunc) (*sdo.Transfer, error) {
	return f.submit(submission{nodeId: nodeId, index: index, subindex: subindex, data: data, dataType: dataType, callback: onComplete})
}

func (f *fakeStack) Result(t *sdo.Transfer) sdo.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[t]
}

func (f *fakeStack) Finalize(t *sdo.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[t]++
	if f.finalized[t] > 1 {
		return sdo.ErrTransferClosed
	}
	return nil
}

func (f *fakeStack) Command(nodeId uint8, command nmt.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, nmtRecord{nodeId, command})
	return nil
}

func (f *fakeStack) SetState(state uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeStack) StartSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncRunning = true
}

func (f *fakeStack) StopSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncRunning = false
}

func (f *fakeStack) ReadLocal(index uint16, subindex uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.local[index]
	if !ok {
		return nil, errors.New("not found")
	}
	return append([]byte(nil), value...), nil
}

func (f *fakeStack) WriteLocal(index uint16, subindex uint8, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local[index] = value
	return nil
}

func (f *fakeStack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStack) getSubmissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

func (f *fakeStack) getCommands() []nmtRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nmtRecord(nil), f.commands...)
}

func (f *fakeStack) finalizeCount(i int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized[f.submissions[i].transfer]
}

func finished(data []byte) sdo.Result {
	return sdo.Result{Status: sdo.StatusFinished, Data: data}
}

func aborted(code sdo.AbortCode) sdo.Result {
	return sdo.Result{Status: sdo.StatusFailed, AbortCode: code}
}

// safeBuffer can be read while the session prints from callbacks
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testSession struct {
	*Session
	stack  *fakeStack
	out    *safeBuffer
	params []BusParams
	events StackEvents
}

func newTestSession(t *testing.T, options Options) *testSession {
	t.Helper()
	ts := &testSession{stack: newFakeStack(), out: &safeBuffer{}}
	options.Out = ts.out
	if options.Opener == nil {
		options.Opener = func(params BusParams, lock sync.Locker, events StackEvents) (Stack, error) {
			ts.params = append(ts.params, params)
			ts.events = events
			return ts.stack, nil
		}
	}
	ts.Session = NewSession(options)
	return ts
}

// newLoadedSession returns a session with the fake stack loaded
func newLoadedSession(t *testing.T, options Options) *testSession {
	t.Helper()
	ts := newTestSession(t, options)
	require.NoError(t, ts.Load(BusParams{Driver: "virtualcan", Channel: "localhost:18888", Baudrate: "1M", NodeId: 1, Master: true}))
	return ts
}
