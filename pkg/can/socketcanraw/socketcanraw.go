//go:build linux

// Package socketcanraw is a socketcan driver talking to the kernel raw CAN
// socket directly. The interface must already be up, bitrate is set with
// ip link.
package socketcanraw

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	can "github.com/samsamfire/coshell/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Size of struct can_frame
const canFrameSize = 16

var ErrShortFrame = errors.New("short socketcan frame")

// Polling period of the reception, bounds the time Disconnect waits
var readTimeout = unix.Timeval{Usec: 100_000}

func init() {
	can.RegisterInterface("socketcanraw", NewBus)
}

type Bus struct {
	fd         int
	channel    string
	mu         sync.Mutex
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewBus(channel string, bitrate int) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %v", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &readTimeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout : %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Bus{fd: fd, channel: channel}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	b.wg.Wait()
	return unix.Close(b.fd)
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	raw := encodeFrame(frame)
	n, err := unix.Write(b.fd, raw[:])
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("[SOCKETCANRAW][%v] short write %v", b.channel, n)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

// Enable own reception on the bus, useful when testing
func (b *Bus) SetReceiveOwn(enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, value)
}

// Only receive the frames matching filters
func (b *Bus) SetFilters(filters []unix.CanFilter) error {
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}

func (b *Bus) processIncoming(ctx context.Context) {
	var raw [canFrameSize]byte
	for {
		select {
		case <-ctx.Done():
			log.Debugf("[SOCKETCANRAW][%v] reception stopped", b.channel)
			return
		default:
		}
		n, err := unix.Read(b.fd, raw[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			log.Errorf("[SOCKETCANRAW][%v] reception failed : %v", b.channel, err)
			return
		}
		frame, err := decodeFrame(raw[:n])
		if err != nil {
			log.Warnf("[SOCKETCANRAW][%v] %v", b.channel, err)
			continue
		}
		b.mu.Lock()
		rxCallback := b.rxCallback
		b.mu.Unlock()
		if rxCallback != nil {
			rxCallback.Handle(frame)
		}
	}
}

// encodeFrame lays out a frame as struct can_frame, id in host order
func encodeFrame(frame can.Frame) [canFrameSize]byte {
	var raw [canFrameSize]byte
	binary.NativeEndian.PutUint32(raw[0:4], frame.ID)
	raw[4] = frame.DLC
	raw[5] = frame.Flags
	copy(raw[8:], frame.Data[:])
	return raw
}

func decodeFrame(raw []byte) (can.Frame, error) {
	if len(raw) < canFrameSize {
		return can.Frame{}, ErrShortFrame
	}
	frame := can.Frame{
		ID:    binary.NativeEndian.Uint32(raw[0:4]),
		DLC:   raw[4],
		Flags: raw[5],
	}
	copy(frame.Data[:], raw[8:canFrameSize])
	return frame, nil
}
