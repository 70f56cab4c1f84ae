package node

import (
	"context"
	"sync"
	"time"

	"github.com/samsamfire/coshell/pkg/nmt"
	log "github.com/sirupsen/logrus"
)

// [NodeProcessor] is responsible for handling the node
// internal CANopen stack processing.
type NodeProcessor struct {
	node   *LocalNode
	lock   sync.Locker
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func NewNodeProcessor(n *LocalNode, lock sync.Locker) *NodeProcessor {
	return &NodeProcessor{node: n, lock: lock, wg: &sync.WaitGroup{}}
}

// Main node processing, every tick is run with the device lock held
func (c *NodeProcessor) main(ctx context.Context) {
	const PeriodUs = 1_000
	ticker := time.NewTicker(PeriodUs * time.Microsecond)
	log.Debugf("[CTRLR][x%x] starting node main process", c.node.id)
	for {
		select {
		case <-ctx.Done():
			log.Debugf("[CTRLR][x%x] exited node main process", c.node.id)
			ticker.Stop()
			return
		case <-ticker.C:
			c.lock.Lock()
			state := c.node.ProcessMain(PeriodUs)
			c.lock.Unlock()
			if state == nmt.ResetApp || state == nmt.ResetComm {
				log.Infof("[CTRLR][x%x] node reset requested", c.node.id)
			}
		}
	}
}

// Start node processing, this will be run inside of a go routine
// Call Stop() to stop processing or cancel the context
// Call Wait() to wait for end of execution
func (c *NodeProcessor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.main(ctx)
	}()
}

// Stop node processing
// Wait should be called in order to make sure that all routines have been stopped
func (c *NodeProcessor) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait for processing to finish (blocking)
func (c *NodeProcessor) Wait() {
	c.wg.Wait()
}
