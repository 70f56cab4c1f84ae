package main

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/samsamfire/coshell/internal/config"
	"github.com/samsamfire/coshell/internal/shell"
	"github.com/samsamfire/coshell/pkg/can"
	_ "github.com/samsamfire/coshell/pkg/can/loopback"
	_ "github.com/samsamfire/coshell/pkg/can/socketcan"
	_ "github.com/samsamfire/coshell/pkg/can/virtual"
	"github.com/samsamfire/coshell/pkg/node"
	"github.com/samsamfire/coshell/pkg/od"
)

var _ shell.Stack = (*node.LocalNode)(nil)

// newOpener opens a [node.LocalNode] on the bus requested by the shell
func newOpener(cfg *config.Config) shell.Opener {
	return func(params shell.BusParams, lock sync.Locker, events shell.StackEvents) (shell.Stack, error) {
		bitrate, err := config.ParseBaudrate(params.Baudrate)
		if err != nil {
			return nil, err
		}
		bus, err := can.NewBus(params.Driver, params.Channel, bitrate)
		if err != nil {
			return nil, err
		}
		local, err := node.NewLocalNode(bus, lock, node.Config{
			NodeId:       params.NodeId,
			Master:       params.Master,
			Dictionary:   cfg.Dictionary,
			SdoTimeoutMs: uint32(cfg.StackTimeoutMs),
		}, node.Events{
			Bootup:      events.Bootup,
			StateChange: events.StateChange,
			LocalWrite:  events.LocalWrite,
		})
		if err != nil {
			return nil, err
		}
		if cfg.SyncPeriodMs > 0 {
			period := make([]byte, 4)
			binary.LittleEndian.PutUint32(period, uint32(cfg.SyncPeriodMs)*1000)
			lock.Lock()
			err = local.GetOD().Write(od.IndexCommCyclePeriod, 0, period)
			lock.Unlock()
			if err != nil {
				local.Close()
				return nil, fmt.Errorf("setting sync period : %w", err)
			}
		}
		return local, nil
	}
}
