package shell

import (
	"sync"
	"time"
)

// Gate is a single-shot rendezvous between a completion callback and one
// waiter. A new gate is armed for every transfer so a late signal can never
// open the wait of the next one.
type Gate struct {
	once sync.Once
	done chan struct{}
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Signal opens the gate. It is latched, later calls do nothing.
func (g *Gate) Signal() {
	g.once.Do(func() { close(g.done) })
}

// Wait blocks until the gate is signaled or deadline elapses.
// It returns false on timeout.
func (g *Gate) Wait(deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-g.done:
		return true
	case <-timer.C:
		// Signal and deadline may race, the signal wins
		select {
		case <-g.done:
			return true
		default:
			return false
		}
	}
}

// Done is closed once the gate has been signaled
func (g *Gate) Done() <-chan struct{} {
	return g.done
}
