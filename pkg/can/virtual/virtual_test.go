package virtual

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	can "github.com/samsamfire/coshell/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal broker relaying every byte received from one client to all others
func startBroker(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	var mu sync.Mutex
	clients := []net.Conn{}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			clients = append(clients, conn)
			mu.Unlock()
			go func(src net.Conn) {
				buf := make([]byte, 256)
				for {
					n, err := src.Read(buf)
					if err != nil {
						return
					}
					mu.Lock()
					for _, dst := range clients {
						if dst != src {
							_, _ = dst.Write(buf[:n])
						}
					}
					mu.Unlock()
				}
			}(conn)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range clients {
			c.Close()
		}
	})
	return listener.Addr().String()
}

type FrameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame can.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func (frameReceiver *FrameReceiver) count() int {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	return len(frameReceiver.frames)
}

func newVcan(t *testing.T, channel string) *Bus {
	canBus, err := can.NewBus("virtualcan", channel, 0)
	require.Nil(t, err)
	return canBus.(*Bus)
}

func TestSerializeFrame(t *testing.T) {
	frame := can.Frame{ID: 0x601, Flags: 0, DLC: 8, Data: [8]byte{0x40, 0x18, 0x10, 1}}
	raw, err := serializeFrame(frame)
	assert.Nil(t, err)
	assert.EqualValues(t, len(raw)-4, raw[3])
	decoded, err := deserializeFrame(raw[4:])
	assert.Nil(t, err)
	assert.Equal(t, frame, decoded)
	_, err = deserializeFrame(raw[4:6])
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSendAndSubscribe(t *testing.T) {
	channel := startBroker(t)
	vcan1 := newVcan(t, channel)
	vcan2 := newVcan(t, channel)
	assert.Nil(t, vcan1.Connect())
	assert.Nil(t, vcan2.Connect())
	defer vcan1.Disconnect()
	defer vcan2.Disconnect()
	frameReceiver := &FrameReceiver{}
	assert.Nil(t, vcan2.Subscribe(frameReceiver))
	// Give the broker time to register both clients
	time.Sleep(50 * time.Millisecond)
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool { return frameReceiver.count() == 10 }, time.Second, 10*time.Millisecond)
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	for i, received := range frameReceiver.frames {
		assert.EqualValues(t, 0x111, received.ID)
		assert.EqualValues(t, i, received.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	vcan1 := newVcan(t, "127.0.0.1:1")
	frameReceiver := &FrameReceiver{}
	assert.Nil(t, vcan1.Subscribe(frameReceiver))
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8}
	err := vcan1.Send(frame)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, frameReceiver.count())

	// Activate receive own
	vcan1.SetReceiveOwn(true)
	_ = vcan1.Send(frame)
	assert.Equal(t, 1, frameReceiver.count())
}
