package j1939

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Bus manager is a wrapper around the CAN bus interface
// Used by the J1939 stack to control errors and dispatch
// received frames to the different protocol layers.
// Subscriptions are identifier/mask pairs over the 29-bit
// identifier, which allows matching on PDU format bits only
// e.g. all TP.DT frames regardless of source address.
type BusManager struct {
	mu            sync.Mutex
	bus           Bus // Bus interface that can be adapted
	subscriptions []subscription
	canError      uint16
}

type subscription struct {
	ident    uint32
	mask     uint32
	listener FrameListener
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	matched := make([]FrameListener, 0, 4)
	for _, sub := range bm.subscriptions {
		if frame.ID&sub.mask == sub.ident&sub.mask {
			matched = append(matched, sub.listener)
		}
	}
	bm.mu.Unlock()
	// Dispatch outside of lock, listeners are allowed to send frames
	for _, listener := range matched {
		listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN frame on the bus
// Limited error handling
func (bm *BusManager) Send(frame Frame) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return ErrNoBus
	}
	err := bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
	}
	return err
}

// This should be called cyclically to update errors
func (bm *BusManager) Process() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.canError = 0
	return nil
}

// Subscribe to a range of CAN identifiers
func (bm *BusManager) Subscribe(ident uint32, mask uint32, listener FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanEffMask
	for _, sub := range bm.subscriptions {
		if sub.ident == ident && sub.mask == mask && sub.listener == listener {
			log.Warnf("[CAN] listener for ident x%x mask x%x already added", ident, mask)
			return nil
		}
	}
	bm.subscriptions = append(bm.subscriptions, subscription{ident: ident, mask: mask, listener: listener})
	return nil
}

// Get CAN error
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}

func NewBusManager(bus Bus) *BusManager {
	bm := &BusManager{
		bus:           bus,
		subscriptions: make([]subscription, 0),
		canError:      0,
	}
	return bm
}
