// Package loopback provides an in-memory CAN bus for tests and simulations.
// Endpoints created with the same channel name exchange frames, a frame sent
// by one endpoint is delivered to every other connected endpoint.
package loopback

import (
	"errors"
	"sync"

	can "github.com/samsamfire/coshell/pkg/can"
)

var ErrClosed = errors.New("loopback endpoint closed")

const rxQueueSize = 256

func init() {
	can.RegisterInterface("loopback", NewLoopbackBus)
}

var (
	networksMu sync.Mutex
	networks   = map[string]*network{}
)

type network struct {
	mu        sync.RWMutex
	endpoints map[*Bus]struct{}
}

func getNetwork(channel string) *network {
	networksMu.Lock()
	defer networksMu.Unlock()
	n, ok := networks[channel]
	if !ok {
		n = &network{endpoints: map[*Bus]struct{}{}}
		networks[channel] = n
	}
	return n
}

// Bus is one endpoint attached to a named loopback network
type Bus struct {
	net     *network
	mu      sync.Mutex
	handler can.FrameListener
	rx      chan can.Frame
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewLoopbackBus(channel string, bitrate int) (can.Bus, error) {
	return &Bus{net: getNetwork(channel)}, nil
}

// "Connect" attaches the endpoint to its network
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.rx = make(chan can.Frame, rxQueueSize)
	b.done = make(chan struct{})
	b.running = true
	b.net.mu.Lock()
	b.net.endpoints[b] = struct{}{}
	b.net.mu.Unlock()
	b.wg.Add(1)
	go b.deliver(b.rx, b.done)
	return nil
}

// "Disconnect" detaches the endpoint and stops delivery
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.net.mu.Lock()
	delete(b.net.endpoints, b)
	b.net.mu.Unlock()
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// "Send" broadcasts the frame to all other endpoints of the network
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return ErrClosed
	}
	b.net.mu.RLock()
	targets := make([]*Bus, 0, len(b.net.endpoints))
	for ep := range b.net.endpoints {
		if ep != b {
			targets = append(targets, ep)
		}
	}
	b.net.mu.RUnlock()
	for _, target := range targets {
		target.enqueue(frame)
	}
	return nil
}

// "Subscribe" sets the handler receiving the frames of other endpoints
func (b *Bus) Subscribe(handler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *Bus) enqueue(frame can.Frame) {
	b.mu.Lock()
	rx, done := b.rx, b.done
	running := b.running
	b.mu.Unlock()
	if !running {
		return
	}
	select {
	case rx <- frame:
	case <-done:
	}
}

func (b *Bus) deliver(rx <-chan can.Frame, done <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-done:
			return
		case frame := <-rx:
			b.mu.Lock()
			handler := b.handler
			b.mu.Unlock()
			if handler != nil {
				handler.Handle(frame)
			}
		}
	}
}
