package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/coshell/pkg/nmt"
	"github.com/samsamfire/coshell/pkg/od"
	"github.com/samsamfire/coshell/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slaveResponder answers like a slave with a small dictionary
func slaveResponder(sub submission) (sdo.Result, bool) {
	switch {
	case !sub.upload:
		return finished(nil), true
	case sub.index == od.IndexDeviceType:
		return finished([]byte{0x92, 0x01, 0x02, 0x00}), true
	case sub.index == od.IndexIdentity && sub.subindex == od.SubIndexVendorId:
		return finished([]byte{0x75, 0x01, 0x00, 0x00}), true
	case sub.index == od.IndexIdentity:
		return finished([]byte{0x01, 0x00, 0x00, 0x00}), true
	case sub.index == od.IndexOSCommand:
		return finished([]byte("command reply")), true
	case sub.index == od.IndexStatusword:
		return finished([]byte{0x37, 0x02}), true
	}
	return aborted(sdo.AbortNotExist), true
}

func TestExecuteNmt(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ctx := context.Background()
	require.NoError(t, ts.Execute(ctx, ".ssta#0A"))
	require.NoError(t, ts.Execute(ctx, ".ssto#0a"))
	require.NoError(t, ts.Execute(ctx, ".srst#00"))
	require.NoError(t, ts.Execute(ctx, ".scan"))
	assert.Equal(t, []nmtRecord{
		{0x0A, nmt.CommandEnterOperational},
		{0x0A, nmt.CommandEnterStopped},
		{0x00, nmt.CommandResetNode},
		{0x00, nmt.CommandResetNode},
	}, ts.stack.getCommands())
	assert.Contains(t, ts.out.String(), "Wait for Slave nodes bootup...")
}

func TestExecuteMalformed(t *testing.T) {
	lines := []string{
		".ssta#80",
		".ssta",
		".rsdo#0A,1018",
		".rsdo#0G,1018,01",
		".rsdo#00,1018,01",
		".rsdo#0A,10180,01",
		".wsdo#0A,6200,01,01,1FF",
		".wsdo#0A,6200,01,09,FF",
		".wsdo#0A,6200,01,00,FF",
		".info#zz",
		".info#0A,01",
		".node 0x",
		"node 80",
		".cmd#0A",
		".wait#x",
		".load#virtualcan,localhost",
		".load#virtualcan,localhost,1M,0A,1",
		".load#virtualcan,localhost,1M,10,2",
		",r10180,01",
		",w1000,00,01",
		",cXYZ",
		",q",
		".nope",
	}
	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			ts := newLoadedSession(t, Options{})
			ts.stack.respond = slaveResponder
			err := ts.Execute(context.Background(), line)
			var malformedErr *MalformedCommandError
			require.ErrorAs(t, err, &malformedErr)
			assert.EqualValues(t, DefaultFocusNode, ts.Focus())
			assert.Equal(t, 0, ts.InfoStep())
			assert.Empty(t, ts.stack.getSubmissions())
			assert.Empty(t, ts.stack.getCommands())
		})
	}
}

func TestExecuteReadEntry(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := newLoadedSession(t, Options{})
		ts.stack.respond = slaveResponder
		require.NoError(t, ts.Execute(context.Background(), ".rsdo#0A,1018,01"))
		require.Eventually(t, func() bool {
			return strings.Contains(ts.out.String(), "\n= 0x")
		}, time.Second, time.Millisecond)
		assert.Equal(t, 1, ts.stack.finalizeCount(0))
		out := ts.out.String()
		assert.Contains(t, out, "Read SDO")
		assert.Contains(t, out, "NodeId   : 0a\nIndex    : 1018\nSubIndex : 01\n")
		assert.Contains(t, out, "\n= 0x175 (373)\n")
	})
	t.Run("abort", func(t *testing.T) {
		ts := newLoadedSession(t, Options{})
		ts.stack.respond = func(sub submission) (sdo.Result, bool) {
			return aborted(sdo.AbortNotExist), true
		}
		require.NoError(t, ts.Execute(context.Background(), ".rsdo#0A,1018,01"))
		require.Eventually(t, func() bool {
			return strings.Contains(ts.out.String(), "Result : Failed in getting information for slave 0a, AbortCode :0x06020000")
		}, time.Second, time.Millisecond)
		assert.Equal(t, 1, ts.stack.finalizeCount(0))
		assert.Equal(t, 0, ts.InfoStep())
	})
	t.Run("line busy", func(t *testing.T) {
		ts := newLoadedSession(t, Options{})
		ts.stack.submitErr = sdo.ErrLineBusy
		err := ts.Execute(context.Background(), ".rsdo#0A,1018,01")
		assert.ErrorIs(t, err, sdo.ErrLineBusy)
	})
}

func TestExecuteWriteEntry(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ts.stack.respond = slaveResponder
	require.NoError(t, ts.Execute(context.Background(), ".wsdo#0A,6200,01,02,1234"))
	require.Eventually(t, func() bool {
		return strings.Contains(ts.out.String(), "Send data OK")
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, ts.stack.finalizeCount(0))
	subs := ts.stack.getSubmissions()
	require.Len(t, subs, 1)
	assert.False(t, subs[0].upload)
	assert.EqualValues(t, 0x6200, subs[0].index)
	assert.EqualValues(t, 1, subs[0].subindex)
	assert.Equal(t, []byte{0x34, 0x12}, subs[0].data)
}

func TestExecuteFocused(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ts.stack.respond = slaveResponder
	ctx := context.Background()

	require.NoError(t, ts.Execute(ctx, "node 0A"))
	assert.EqualValues(t, 0x0A, ts.Focus())
	require.NoError(t, ts.Execute(ctx, ",r1018,01"))
	assert.Contains(t, ts.out.String(), "\n= 0x175 (373)\n")

	subs := ts.stack.getSubmissions()
	require.Len(t, subs, 2)
	assert.Equal(t, submission{nodeId: 0x0A, index: od.IndexOSCommandMode, data: []byte{0}, dataType: od.UNSIGNED8},
		submission{nodeId: subs[0].nodeId, index: subs[0].index, subindex: subs[0].subindex, data: subs[0].data, dataType: subs[0].dataType})
	assert.True(t, subs[1].upload)
	assert.EqualValues(t, 0x0A, subs[1].nodeId)
	assert.Equal(t, od.IndexIdentity, subs[1].index)
	assert.Equal(t, od.SubIndexVendorId, subs[1].subindex)

	require.NoError(t, ts.Execute(ctx, ",?"))
	require.NoError(t, ts.Execute(ctx, ",c0F"))
	require.NoError(t, ts.Execute(ctx, ",w6200,01,01,FF"))
	subs = ts.stack.getSubmissions()
	require.Len(t, subs, 5)
	assert.Equal(t, od.IndexStatusword, subs[2].index)
	assert.Equal(t, od.UNSIGNED16, subs[2].dataType)
	assert.Equal(t, od.IndexControlword, subs[3].index)
	assert.Equal(t, []byte{0x0F, 0x00}, subs[3].data)
	assert.Equal(t, []byte{0xFF}, subs[4].data)
	assert.Contains(t, ts.out.String(), "\n= 0x237 (567)\n")

	require.NoError(t, ts.Execute(ctx, ",s"))
	require.NoError(t, ts.Execute(ctx, ",t"))
	require.NoError(t, ts.Execute(ctx, ",x"))
	assert.Equal(t, []nmtRecord{
		{0x0A, nmt.CommandEnterOperational},
		{0x0A, nmt.CommandEnterStopped},
		{0x0A, nmt.CommandResetNode},
	}, ts.stack.getCommands())
	for i := range ts.stack.getSubmissions() {
		assert.Equal(t, 1, ts.stack.finalizeCount(i))
	}
}

func TestExecuteFocusedFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		ts := newLoadedSession(t, Options{TransferTimeout: 20 * time.Millisecond})
		err := ts.Execute(context.Background(), ",r1000,00")
		assert.ErrorIs(t, err, ErrTransferTimedOut)
		assert.Contains(t, ts.out.String(), "Timed out waiting for slave 03")
	})
	t.Run("abort", func(t *testing.T) {
		ts := newLoadedSession(t, Options{})
		ts.stack.respond = func(sub submission) (sdo.Result, bool) {
			return aborted(sdo.AbortReadOnly), true
		}
		err := ts.Execute(context.Background(), ",c06")
		var failed *TransferFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, sdo.AbortReadOnly, failed.AbortCode)
		assert.Contains(t, ts.out.String(), "AbortCode :0x06010002")
	})
	t.Run("node sets focus without answer", func(t *testing.T) {
		ts := newLoadedSession(t, Options{TransferTimeout: 20 * time.Millisecond})
		err := ts.Execute(context.Background(), ".node 0B")
		assert.ErrorIs(t, err, ErrTransferTimedOut)
		assert.EqualValues(t, 0x0B, ts.Focus())
	})
}

func TestExecuteOsCommand(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ts.stack.respond = slaveResponder
	ctx := context.Background()

	require.NoError(t, ts.Execute(ctx, "ls -l"))
	require.NoError(t, ts.Execute(ctx, ".cmd#0A,reboot"))
	subs := ts.stack.getSubmissions()
	require.Len(t, subs, 4)
	assert.EqualValues(t, DefaultFocusNode, subs[0].nodeId)
	assert.Equal(t, od.IndexOSCommand, subs[0].index)
	assert.Equal(t, od.SubIndexOSCommand, subs[0].subindex)
	assert.Equal(t, []byte("ls -l"), subs[0].data)
	assert.Equal(t, od.VISIBLE_STRING, subs[0].dataType)
	assert.True(t, subs[1].upload)
	assert.Equal(t, od.SubIndexOSCommandReply, subs[1].subindex)
	assert.EqualValues(t, 0x0A, subs[2].nodeId)
	assert.Equal(t, []byte("reboot"), subs[2].data)
	assert.Contains(t, ts.out.String(), "command reply\n")

	// No reply read when the command cannot be written
	ts.stack.respond = func(sub submission) (sdo.Result, bool) {
		return aborted(sdo.AbortGeneral), true
	}
	err := ts.Execute(ctx, "ls")
	assert.ErrorIs(t, err, sdo.AbortGeneral)
	assert.Len(t, ts.stack.getSubmissions(), 5)
}

func TestExecuteInfo(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ctx := context.Background()
	require.NoError(t, ts.Execute(ctx, ".info#0A"))
	assert.Equal(t, 1, ts.InfoStep())
	assert.ErrorIs(t, ts.Execute(ctx, ".info#0B"), ErrSequenceInFlight)

	ts.stack.respond = slaveResponder
	ts.stack.complete(0, finished([]byte{0x92, 0x01, 0x02, 0x00}))
	require.Eventually(t, func() bool { return ts.InfoStep() == 0 }, time.Second, time.Millisecond)
	out := ts.out.String()
	assert.Contains(t, out, "Informations for node a")
	assert.Contains(t, out, "Device type     : 20192\n")
	assert.Contains(t, out, "Vendor ID       : 175\n")
	assert.Contains(t, out, "Product Code    : 1\n")
	assert.Contains(t, out, "Revision Number : 1\n")
}

func TestExecuteInfoFailure(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ts.stack.respond = func(sub submission) (sdo.Result, bool) {
		return aborted(sdo.AbortTimeout), true
	}
	require.NoError(t, ts.Execute(context.Background(), ".info#0C"))
	require.Eventually(t, func() bool { return len(ts.stack.getSubmissions()) == 4 && ts.InfoStep() == 0 }, time.Second, time.Millisecond)
	assert.Contains(t, ts.out.String(), "Master : Failed in getting information for slave 0c, AbortCode :0x05040000")
}

func TestExecuteLocal(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ctx := context.Background()
	ts.stack.local[od.IndexStatus3] = []byte{0x34, 0x12}

	require.NoError(t, ts.Execute(ctx, ".stat"))
	assert.Contains(t, ts.out.String(), "Status3: 1234\n")
	value, err := ts.stack.ReadLocal(od.IndexStatus3, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, value)

	require.NoError(t, ts.Execute(ctx, ".syn1"))
	assert.True(t, ts.stack.syncRunning)
	require.NoError(t, ts.Execute(ctx, ".syn0"))
	assert.False(t, ts.stack.syncRunning)
	require.NoError(t, ts.Execute(ctx, ".gooo"))
	assert.Equal(t, []uint8{nmt.StateOperational}, ts.stack.states)

	require.NoError(t, ts.Execute(ctx, ".help"))
	assert.Contains(t, ts.out.String(), ".rsdo#nodeid,index,subindex")
	require.NoError(t, ts.Execute(ctx, ".clear"))
	require.NoError(t, ts.Execute(ctx, ""))
	assert.ErrorIs(t, ts.Execute(ctx, ".quit"), ErrQuit)
}

func TestExecuteWaitReleasesLock(t *testing.T) {
	ts := newLoadedSession(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waited := make(chan error)
	start := time.Now()
	go func() {
		waited <- ts.Execute(ctx, ".wait#5")
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ts.Execute(context.Background(), ".ssta#0A"))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, ts.stack.getCommands(), 1)

	cancel()
	assert.ErrorIs(t, <-waited, context.Canceled)
	require.NoError(t, ts.Execute(context.Background(), ".wait#0"))
}

func TestExecuteWithoutBus(t *testing.T) {
	ts := newTestSession(t, Options{})
	ctx := context.Background()
	assert.ErrorIs(t, ts.Execute(ctx, ".ssta#0A"), ErrNoBus)
	assert.ErrorIs(t, ts.Execute(ctx, ".rsdo#0A,1000,00"), ErrNoBus)
	assert.ErrorIs(t, ts.Execute(ctx, ",r1000,00"), ErrNoBus)
	assert.ErrorIs(t, ts.Execute(ctx, "ls"), ErrNoBus)
	assert.ErrorIs(t, ts.Execute(ctx, "node 0A"), ErrNoBus)
	assert.EqualValues(t, 0x0A, ts.Focus())
	assert.Contains(t, ts.out.String(), "No bus loaded")
}

func TestLoad(t *testing.T) {
	t.Run("load command", func(t *testing.T) {
		ts := newLoadedSession(t, Options{})
		first := ts.stack
		ts.stack = newFakeStack()
		require.NoError(t, ts.Execute(context.Background(), ".load#socketcan,can0,500K,10,0"))
		assert.True(t, first.closed)
		require.Len(t, ts.params, 2)
		assert.Equal(t, BusParams{Driver: "socketcan", Channel: "can0", Baudrate: "500K", NodeId: 10}, ts.params[1])
		require.NoError(t, ts.Execute(context.Background(), ".ssta#0A"))
		assert.Len(t, ts.stack.getCommands(), 1)
	})
	t.Run("open failure", func(t *testing.T) {
		openErr := errors.New("no such device")
		ts := newTestSession(t, Options{Opener: func(BusParams, sync.Locker, StackEvents) (Stack, error) {
			return nil, openErr
		}})
		err := ts.Execute(context.Background(), ".load#socketcan,can9,1M,1,master")
		assert.ErrorIs(t, err, ErrBusOpenFailed)
		assert.Contains(t, ts.out.String(), "no such device")
	})
	t.Run("events", func(t *testing.T) {
		ts := newLoadedSession(t, Options{})
		ts.events.Bootup(0x0A)
		ts.events.StateChange(nmt.StatePreOperational)
		ts.events.StateChange(nmt.StateOperational)
		ts.events.LocalWrite(od.IndexStatus3, 0, []byte{0x05, 0x00})
		ts.events.LocalWrite(od.IndexControlword, 0, []byte{0x06, 0x00})
		out := ts.out.String()
		assert.Contains(t, out, "Slave a boot up\n")
		assert.Contains(t, out, "Node_preOperational\nNode_operational\n")
		assert.Contains(t, out, "Status3: 5\n")
		assert.NotContains(t, out, "Status3: 6")
	})
}

func TestStartShutdown(t *testing.T) {
	t.Run("startup commands", func(t *testing.T) {
		ts := newTestSession(t, Options{})
		ts.stack.syncRunning = true
		require.NoError(t, ts.Start(context.Background(), []string{"load#virtualcan,localhost:18889,1M,2,1", "ssta#0A"}))
		require.Len(t, ts.params, 1)
		assert.Equal(t, "localhost:18889", ts.params[0].Channel)
		assert.Len(t, ts.stack.getCommands(), 1)
		assert.False(t, ts.stack.syncRunning)
		assert.Contains(t, ts.out.String(), "Non-prefixed commands")

		require.NoError(t, ts.Shutdown())
		assert.True(t, ts.stack.closed)
		assert.Equal(t, nmtRecord{0, nmt.CommandResetNode}, ts.stack.getCommands()[1])
		assert.Equal(t, []uint8{nmt.StateStopped}, ts.stack.states)
		assert.Contains(t, ts.out.String(), "Finishing.\n")
	})
	t.Run("default bus", func(t *testing.T) {
		defaultBus := BusParams{Driver: "virtualcan", Channel: "localhost:18888", Baudrate: BaudrateNone, NodeId: 1, Master: true}
		ts := newTestSession(t, Options{DefaultBus: defaultBus})
		require.NoError(t, ts.Start(context.Background(), nil))
		assert.Equal(t, []BusParams{defaultBus}, ts.params)

		require.NoError(t, ts.Shutdown())
		assert.Empty(t, ts.stack.getCommands())
		assert.Empty(t, ts.stack.states)
		assert.True(t, ts.stack.closed)
	})
	t.Run("open failure is fatal", func(t *testing.T) {
		ts := newTestSession(t, Options{Opener: func(BusParams, sync.Locker, StackEvents) (Stack, error) {
			return nil, errors.New("refused")
		}})
		assert.ErrorIs(t, ts.Start(context.Background(), nil), ErrBusOpenFailed)
		assert.ErrorIs(t, ts.Start(context.Background(), []string{"load#virtualcan,x,1M,1,1"}), ErrBusOpenFailed)
	})
}
