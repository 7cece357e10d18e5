// This package is a pure golang implementation of the SAE J1939
// protocol suite : address management (J1939-81) and transport
// protocol (J1939-21) over a CAN bus.
package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	j1939 "github.com/samsamfire/goj1939"
	"github.com/samsamfire/goj1939/pkg/claim"
	"github.com/samsamfire/goj1939/pkg/node"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrNameConflict = errors.New("name already exists on network, this will create conflicts")

// Period between two process calls of a node state machine
const processPeriod = time.Millisecond

// A Network is the main object of this package.
// It should be created before doing anything else, it acts as
// scheduler for locally created J1939 nodes sharing one bus.
type Network struct {
	*j1939.BusManager
	nodes  []*node.Node
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// Create a new Network using the given CAN bus
func NewNetwork(bus j1939.Bus) Network {
	return Network{
		BusManager: j1939.NewBusManager(bus),
	}
}

// Connects to CAN bus, this should be called before anything else.
// Custom CAN backend is possible using a custom "Bus" interface.
// Otherwise it expects an interface name, channel and bitrate.
// Currently only socketcan and virtual are supported.
func (network *Network) Connect(args ...any) error {
	if len(args) < 3 && network.Bus() == nil {
		return errors.New("either provide custom backend, or provide interface, channel and bitrate")
	}
	var bus j1939.Bus
	var err error
	if network.Bus() == nil {
		canInterface, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("expecting string for interface got : %v", args[0])
		}
		channel, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("expecting string for channel got : %v", args[1])
		}
		bitrate, ok := args[2].(int)
		if !ok {
			return fmt.Errorf("expecting int for bitrate got : %v", args[2])
		}
		bus, err = j1939.NewBus(canInterface, channel, bitrate)
		if err != nil {
			return err
		}
		network.SetBus(bus)
	} else {
		bus = network.Bus()
	}
	// Connect to CAN bus and subscribe to CAN message reception
	err = bus.Connect(args...)
	if err != nil {
		return err
	}
	err = bus.Subscribe(network.BusManager)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	network.group = group
	network.ctx = ctx
	network.cancel = cancel
	return nil
}

// Disconnects from the CAN bus and stops processing of all nodes
func (network *Network) Disconnect() {
	if network.cancel != nil {
		network.cancel()
		network.group.Wait()
	}
	if bus := network.Bus(); bus != nil {
		bus.Disconnect()
	}
}

// Create a local node with the given configuration and start its
// address claim procedure. Processing is started immediately.
func (network *Network) CreateLocalNode(cfg node.Config) (*node.Node, error) {
	if network.group == nil {
		return nil, errors.New("network is not connected")
	}
	for _, other := range network.nodes {
		if other.Claim.Name() == cfg.Claim.Name {
			return nil, ErrNameConflict
		}
	}
	local, err := node.NewNode(network.BusManager, cfg)
	if err != nil {
		return nil, err
	}
	err = local.Start()
	if err != nil {
		return nil, err
	}
	network.nodes = append(network.nodes, local)
	network.launchNodeProcess(local)
	return local, nil
}

// Launch goroutine that handles J1939 stack processing of a node
func (network *Network) launchNodeProcess(local *node.Node) {
	log.Infof("[NETWORK] adding node to nodes being processed, name %v", local.Claim.Name())
	network.group.Go(func() error {
		ticker := time.NewTicker(processPeriod)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-network.ctx.Done():
				log.Infof("[NETWORK] exited process for node, name %v", local.Claim.Name())
				return nil
			case <-ticker.C:
				elapsed := time.Since(start)
				start = time.Now()
				local.Process(uint32(elapsed.Microseconds()))
			}
		}
	})
}

// WaitForClaim blocks until the node's address claim reaches a
// settled state, claimed or cannot claim, or the context is cancelled
func (network *Network) WaitForClaim(ctx context.Context, local *node.Node) (uint8, error) {
	ticker := time.NewTicker(processPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			switch local.Claim.State() {
			case claim.StateClaimed:
				return local.Claim.Address()
			case claim.StateCannotClaim:
				return 0, j1939.ErrAddressUnclaimed
			}
		}
	}
}

// Nodes returns the local nodes attached to this network
func (network *Network) Nodes() []*node.Node {
	return network.nodes
}
