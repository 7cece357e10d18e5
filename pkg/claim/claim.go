// This package implements the J1939-81 network management layer :
// acquiring and defending a source address with the address claim
// procedure. The engine owns the node's source address, the other
// layers read it through Address() and must not transmit while it
// is unconfirmed.
package claim

import (
	"encoding/binary"
	"sync"

	j1939 "github.com/samsamfire/goj1939"
	"github.com/samsamfire/goj1939/pkg/name"
	"github.com/samsamfire/goj1939/pkg/pdu"
	log "github.com/sirupsen/logrus"
)

// Possible claim states
type State uint8

const (
	StateUnclaimed   State = 0
	StateClaiming    State = 1
	StateClaimed     State = 2
	StateCannotClaim State = 3
)

var stateMap = map[State]string{
	StateUnclaimed:   "UNCLAIMED",
	StateClaiming:    "CLAIMING",
	StateClaimed:     "CLAIMED",
	StateCannotClaim: "CANNOT-CLAIM",
}

func (s State) String() string {
	return stateMap[s]
}

const (
	// Delay between sending an address claim and considering the
	// address won when nobody contended (J1939-81)
	DefaultClaimDelayMs uint16 = 250
	// Priority used for address claimed and request messages
	claimPriority uint8 = 6
)

// Default candidate pool for arbitrary address capable nodes,
// the 128-247 range is free for self-configurable addresses
var defaultAddressPool = func() []uint8 {
	pool := make([]uint8, 0, 120)
	for a := uint8(128); a <= 247; a++ {
		pool = append(pool, a)
	}
	return pool
}()

type Config struct {
	Name             name.NAME
	PreferredAddress uint8
	// Candidate addresses tried in order after losing contention,
	// only used when the NAME is arbitrary address capable.
	// Defaults to 128-247.
	AddressPool  []uint8
	ClaimDelayMs uint16
}

// Engine runs the address claim state machine for one node.
// Inbound frames are fed through Handle, time through Process.
type Engine struct {
	*j1939.BusManager
	mu           sync.Mutex
	name         name.NAME
	candidate    uint8
	pool         []uint8
	state        State
	delayTimerUs uint32
	delayTimeUs  uint32
	observed     map[uint8]name.NAME
	callback     func(state State, address uint8)
}

func NewEngine(bm *j1939.BusManager, cfg Config) (*Engine, error) {
	if bm == nil {
		return nil, j1939.ErrIllegalArgument
	}
	if cfg.PreferredAddress >= pdu.AddressNull {
		return nil, j1939.ErrIllegalArgument
	}
	delay := cfg.ClaimDelayMs
	if delay == 0 {
		delay = DefaultClaimDelayMs
	}
	pool := cfg.AddressPool
	if pool == nil && cfg.Name.ArbitraryAddressCapable() {
		pool = defaultAddressPool
	}
	e := &Engine{
		BusManager:  bm,
		name:        cfg.Name,
		candidate:   cfg.PreferredAddress,
		pool:        pool,
		state:       StateUnclaimed,
		delayTimeUs: uint32(delay) * 1000,
		observed:    make(map[uint8]name.NAME),
	}
	// Address claimed and request frames from any source
	err := bm.Subscribe(pdu.PgnAddressClaimed<<8, 0x03FF0000, e)
	if err != nil {
		return nil, err
	}
	err = bm.Subscribe(pdu.PgnRequest<<8, 0x03FF0000, e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Start begins claiming the preferred address : the claim is
// broadcast and the claim delay timer started. The address is not
// usable until the timer elapses without contention.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateClaiming
	e.delayTimerUs = e.delayTimeUs
	log.Debugf("[CLAIM][x%x] claiming address x%x with name %v", e.candidate, e.candidate, e.name)
	return e.sendClaim()
}

// Handle processes inbound address claimed and request frames,
// implements the FrameListener interface
func (e *Engine) Handle(frame j1939.Frame) {
	p := pdu.Decode(frame)
	switch p.PGN {
	case pdu.PgnAddressClaimed:
		e.handleClaim(p)
	case pdu.PgnRequest:
		e.handleRequest(p)
	}
}

func (e *Engine) handleClaim(p pdu.PDU) {
	e.mu.Lock()
	defer e.mu.Unlock()

	contender, ok := name.FromBytes(p.Data)
	if !ok {
		return
	}
	if contender == e.name {
		// Own claim echoed back by the bus driver
		return
	}
	if p.Source != pdu.AddressNull {
		e.observed[p.Source] = contender
	}
	if p.Source != e.candidate {
		return
	}
	if e.state != StateClaiming && e.state != StateClaimed {
		return
	}

	// Contention : numerically smaller NAME wins
	if e.name < contender {
		if e.state == StateClaimed {
			log.Debugf("[CLAIM][x%x] contender %v ignored, local name %v wins", e.candidate, contender, e.name)
		}
		return
	}

	log.Infof("[CLAIM][x%x] lost address x%x to name %v", e.candidate, e.candidate, contender)
	if !e.name.ArbitraryAddressCapable() {
		e.cannotClaim()
		return
	}
	next, ok := e.nextCandidate()
	if !ok {
		e.cannotClaim()
		return
	}
	e.candidate = next
	e.state = StateClaiming
	e.delayTimerUs = e.delayTimeUs
	log.Debugf("[CLAIM][x%x] re-claiming at address x%x", e.candidate, e.candidate)
	e.sendClaim()
	e.notify()
}

func (e *Engine) handleRequest(p pdu.PDU) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(p.Data) < 3 {
		return
	}
	if p.Destination != pdu.AddressGlobal && (e.state != StateClaimed || p.Destination != e.candidate) {
		return
	}
	requested := binary.LittleEndian.Uint32([]byte{p.Data[0], p.Data[1], p.Data[2], 0})
	if requested != pdu.PgnAddressClaimed {
		return
	}
	// Defend the address without re-running the claim delay
	switch e.state {
	case StateClaimed:
		log.Debugf("[CLAIM][x%x] defending address x%x", e.candidate, e.candidate)
		e.sendClaim()
	case StateCannotClaim:
		e.sendCannotClaim()
	}
}

// Process drives the claim delay timer. Should be called cyclically
// with the elapsed time since the previous call.
func (e *Engine) Process(timeDifferenceUs uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateClaiming {
		return
	}
	if e.delayTimerUs > timeDifferenceUs {
		e.delayTimerUs -= timeDifferenceUs
		return
	}
	e.delayTimerUs = 0
	e.state = StateClaimed
	log.Infof("[CLAIM][x%x] address x%x claimed", e.candidate, e.candidate)
	e.notify()
}

// Address returns the claimed source address. While the claim is
// pending or lost, an error is returned instead : frames must not be
// emitted with an unconfirmed address.
func (e *Engine) Address() (uint8, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateClaimed {
		return 0, j1939.ErrAddressUnclaimed
	}
	return e.candidate, nil
}

// State returns the current claim state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Name returns the NAME of this node
func (e *Engine) Name() name.NAME {
	return e.name
}

// OnStateChange registers a callback invoked on every claim state
// or address change
func (e *Engine) OnStateChange(callback func(state State, address uint8)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = callback
}

func (e *Engine) nextCandidate() (uint8, bool) {
	for _, a := range e.pool {
		if a == e.candidate {
			continue
		}
		if _, taken := e.observed[a]; taken {
			continue
		}
		return a, true
	}
	return 0, false
}

func (e *Engine) cannotClaim() {
	e.state = StateCannotClaim
	log.Warnf("[CLAIM] cannot claim an address, name %v : %v", e.name, j1939.ErrNameConflict)
	e.sendCannotClaim()
	e.notify()
}

func (e *Engine) notify() {
	if e.callback != nil {
		e.callback(e.state, e.candidate)
	}
}

func (e *Engine) sendClaim() error {
	return e.sendName(e.candidate)
}

func (e *Engine) sendCannotClaim() error {
	return e.sendName(pdu.AddressNull)
}

func (e *Engine) sendName(source uint8) error {
	b := e.name.Bytes()
	frame, err := pdu.PDU{
		Priority:    claimPriority,
		PGN:         pdu.PgnAddressClaimed,
		Source:      source,
		Destination: pdu.AddressGlobal,
		Data:        b[:],
	}.Encode()
	if err != nil {
		return err
	}
	return e.Send(frame)
}
