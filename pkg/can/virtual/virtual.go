package virtual

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	can "github.com/samsamfire/coshell/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus implementation with TCP primarily used for testing
// This needs a broker server to send CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan

var ErrNotConnected = errors.New("no active connection")

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

type Bus struct {
	mu           sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	framehandler can.FrameListener
	wg           sync.WaitGroup
	isRunning    bool
}

func NewVirtualCanBus(channel string, bitrate int) (can.Bus, error) {
	return &Bus{channel: channel}, nil
}

// Helper function for serializing a CAN frame into the expected binary format
// i.e. a big endian length prefix followed by the frame
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4, 4+len(dataBytes))
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	return append(frameBytes, dataBytes...), nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (can.Frame, error) {
	var frame can.Frame
	err := binary.Read(bytes.NewReader(buffer), binary.BigEndian, &frame)
	return frame, err
}

// "Connect" to server e.g. localhost:18888
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, err := net.DialTimeout("tcp", b.channel, 2*time.Second)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.conn = conn
	if b.framehandler != nil {
		b.startReception()
	}
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Closing the connection unblocks the reception routine
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	conn := b.conn
	handler := b.framehandler
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	if conn == nil {
		return fmt.Errorf("abort send : %w", ErrNotConnected)
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.conn != nil {
		b.startReception()
	}
	return nil
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

// must be called with mu held
func (b *Bus) startReception() {
	if b.isRunning {
		return
	}
	b.isRunning = true
	b.wg.Add(1)
	go b.handleReception(b.conn)
}

// Handle incoming traffic until the connection is closed
func (b *Bus) handleReception(conn net.Conn) {
	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	reader := bufio.NewReader(conn)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("[VIRTUAL] listening routine has closed because : %v", err)
			}
			return
		}
		frameBytes := make([]byte, binary.BigEndian.Uint32(header))
		if _, err := io.ReadFull(reader, frameBytes); err != nil {
			log.Errorf("[VIRTUAL] failed to read frame : %v", err)
			return
		}
		frame, err := deserializeFrame(frameBytes)
		if err != nil {
			log.Warnf("[VIRTUAL] dropping malformed frame : %v", err)
			continue
		}
		b.mu.Lock()
		handler := b.framehandler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}
