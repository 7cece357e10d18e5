// This package implements a J1939 controller application : one
// addressable device on the bus. A node owns an address claim engine
// and a transport protocol manager and exposes a single message based
// API on top of both, the application never deals with individual
// frames.
package node

import (
	"context"
	"sync"

	j1939 "github.com/samsamfire/goj1939"
	"github.com/samsamfire/goj1939/pkg/claim"
	"github.com/samsamfire/goj1939/pkg/pdu"
	"github.com/samsamfire/goj1939/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// Default priority for application messages, the middle of the J1939
// range. Control messages use their own fixed priorities.
const DefaultPriority uint8 = 6

type Config struct {
	Claim     claim.Config
	Transport transport.Config
}

// Message is one application payload, reassembled if it travelled
// through the transport protocol
type Message struct {
	Source   uint8
	PGN      uint32
	Priority uint8
	Data     []byte
}

// A Node is one J1939 device : an identity (NAME), an address claim
// state machine and a transport protocol endpoint sharing one bus.
// Inbound frames are fed through Handle, time through Process.
type Node struct {
	*j1939.BusManager
	Claim     *claim.Engine
	Transport *transport.Manager
	mu        sync.Mutex
	recv      func(msg Message)
}

func NewNode(bm *j1939.BusManager, cfg Config) (*Node, error) {
	engine, err := claim.NewEngine(bm, cfg.Claim)
	if err != nil {
		return nil, err
	}
	tp, err := transport.NewManager(bm, engine, cfg.Transport)
	if err != nil {
		return nil, err
	}
	node := &Node{
		BusManager: bm,
		Claim:      engine,
		Transport:  tp,
	}
	tp.OnMessage(func(source uint8, pgn uint32, priority uint8, data []byte) {
		node.deliver(Message{Source: source, PGN: pgn, Priority: priority, Data: data})
	})
	// Every frame : single frame application messages are filtered
	// inside Handle, the protocol groups have dedicated listeners
	err = bm.Subscribe(0, 0, node)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Start begins the address claim procedure. The node cannot transmit
// application messages until the claim succeeds.
func (node *Node) Start() error {
	return node.Claim.Start()
}

// Handle delivers single frame application messages addressed to this
// node or broadcast, implements the FrameListener interface
func (node *Node) Handle(frame j1939.Frame) {
	p := pdu.Decode(frame)
	switch p.PGN {
	case pdu.PgnAddressClaimed, pdu.PgnRequest, pdu.PgnTpConnMgmt, pdu.PgnTpDataTransfer:
		// Protocol groups are handled by the claim engine and the
		// transport manager
		return
	}
	address, err := node.Claim.Address()
	if err != nil {
		return
	}
	if p.Source == address {
		// Own frame echoed back by the bus driver
		return
	}
	if p.Destination != pdu.AddressGlobal && p.Destination != address {
		return
	}
	node.deliver(Message{Source: p.Source, PGN: p.PGN, Priority: p.Priority, Data: p.Data})
}

// OnMessage registers the callback receiving every inbound application
// message, single frame and multi packet alike
func (node *Node) OnMessage(callback func(msg Message)) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.recv = callback
}

func (node *Node) deliver(msg Message) {
	node.mu.Lock()
	recv := node.recv
	node.mu.Unlock()
	if recv != nil {
		recv(msg)
	}
}

// Write queues a payload for transmission and returns immediately.
// The returned channel yields the final result of the transfer.
func (node *Node) Write(destination uint8, pgn uint32, priority uint8, data []byte) (<-chan error, error) {
	return node.Transport.Send(destination, pgn, priority, data)
}

// SendMessage transmits a payload and blocks until the transfer
// completes, fails or the context is cancelled. Single frame payloads
// complete immediately, larger ones once the transport protocol
// session finishes.
func (node *Node) SendMessage(ctx context.Context, destination uint8, pgn uint32, data []byte) error {
	done, err := node.Transport.Send(destination, pgn, DefaultPriority, data)
	if err != nil {
		return err
	}
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request asks the given destination to send a parameter group
// (PGN 59904). The response, if any, arrives through OnMessage.
func (node *Node) Request(destination uint8, requested uint32) error {
	address, err := node.Claim.Address()
	if err != nil {
		return err
	}
	frame, err := pdu.PDU{
		Priority:    DefaultPriority,
		PGN:         pdu.PgnRequest,
		Source:      address,
		Destination: destination,
		Data:        []byte{uint8(requested), uint8(requested >> 8), uint8(requested >> 16)},
	}.Encode()
	if err != nil {
		return err
	}
	log.Debugf("[NODE][x%x] requesting pgn x%x from x%x", address, requested, destination)
	return node.BusManager.Send(frame)
}

// Address returns the claimed source address, an error while the
// claim is pending or lost
func (node *Node) Address() (uint8, error) {
	return node.Claim.Address()
}

// Process drives the claim and transport state machines. Should be
// called cyclically with the elapsed time since the previous call.
func (node *Node) Process(timeDifferenceUs uint32) {
	node.Claim.Process(timeDifferenceUs)
	node.Transport.Process(timeDifferenceUs)
}
