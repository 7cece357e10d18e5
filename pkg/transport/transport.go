// This package implements the J1939-21 transport protocol : exchange
// of payloads larger than a single 8 byte CAN frame. Two sub-protocols
// are supported, broadcast announce (BAM, fire and forget) and peer to
// peer with flow control (RTS/CTS). Inbound frames are fed through
// Handle, time through Process, the state machines never sleep.
package transport

import (
	"sync"

	j1939 "github.com/samsamfire/goj1939"
	"github.com/samsamfire/goj1939/pkg/pdu"
	log "github.com/sirupsen/logrus"
)

// Protocol defaults (J1939-21). All of them can be overridden
// through [Config].
const (
	// Maximum payload size of one transport protocol message,
	// 255 packets of 7 bytes
	DefaultMaxPayloadSize uint16 = 1785
	// Sender timeout waiting for a CTS or the end of message
	// acknowledgment (T3)
	DefaultResponseTimeoutMs uint16 = 1250
	// Receiver timeout between two data packets of a burst (T1)
	DefaultPacketTimeoutMs uint16 = 750
	// Receiver timeout between sending a CTS and the first data
	// packet of the requested burst (T2)
	DefaultCtsTimeoutMs uint16 = 1250
	// Sender timeout after a zero packet hold CTS (T4)
	DefaultHoldTimeoutMs uint16 = 1050
	// Minimum gap between broadcast data packets
	DefaultBamGapMs uint16 = 50
	// Packets requested per CTS
	DefaultMaxBurst uint8 = 16
	// Consecutive hold CTS frames tolerated before aborting
	DefaultMaxCtsHolds uint8 = 3
	// Hard cap on any session lifetime
	DefaultSessionLifetimeMs uint32 = 30000
)

// Smallest payload that goes through the transport protocol, anything
// shorter fits a single frame
const minMultiPacketSize = 9

type Config struct {
	MaxPayloadSize    uint16
	ResponseTimeoutMs uint16
	PacketTimeoutMs   uint16
	CtsTimeoutMs      uint16
	HoldTimeoutMs     uint16
	BamGapMs          uint16
	// Minimum gap between peer to peer data packets, 0 sends a
	// granted burst back to back
	BurstGapMs        uint16
	MaxBurst          uint8
	MaxCtsHolds       uint8
	SessionLifetimeMs uint32
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if cfg.ResponseTimeoutMs == 0 {
		cfg.ResponseTimeoutMs = DefaultResponseTimeoutMs
	}
	if cfg.PacketTimeoutMs == 0 {
		cfg.PacketTimeoutMs = DefaultPacketTimeoutMs
	}
	if cfg.CtsTimeoutMs == 0 {
		cfg.CtsTimeoutMs = DefaultCtsTimeoutMs
	}
	if cfg.HoldTimeoutMs == 0 {
		cfg.HoldTimeoutMs = DefaultHoldTimeoutMs
	}
	if cfg.BamGapMs == 0 {
		cfg.BamGapMs = DefaultBamGapMs
	}
	if cfg.MaxBurst == 0 {
		cfg.MaxBurst = DefaultMaxBurst
	}
	if cfg.MaxCtsHolds == 0 {
		cfg.MaxCtsHolds = DefaultMaxCtsHolds
	}
	if cfg.SessionLifetimeMs == 0 {
		cfg.SessionLifetimeMs = DefaultSessionLifetimeMs
	}
	return cfg
}

// AddressSource provides the claimed source address stamped into
// outgoing frames, normally the address claim engine
type AddressSource interface {
	Address() (uint8, error)
}

// Manager multiplexes and demultiplexes transport protocol sessions
// over one bus. Sessions with different peers are independent, a new
// session for an already active peer supersedes the previous one.
type Manager struct {
	*j1939.BusManager
	mu       sync.Mutex
	cfg      Config
	source   AddressSource
	sessions map[sessionKey]*session
	recv     func(source uint8, pgn uint32, priority uint8, data []byte)
	failure  func(source uint8, destination uint8, pgn uint32, err error)
}

func NewManager(bm *j1939.BusManager, source AddressSource, cfg Config) (*Manager, error) {
	if bm == nil || source == nil {
		return nil, j1939.ErrIllegalArgument
	}
	m := &Manager{
		BusManager: bm,
		cfg:        cfg.withDefaults(),
		source:     source,
		sessions:   make(map[sessionKey]*session),
	}
	// TP.CM and TP.DT frames from any source
	err := bm.Subscribe(pdu.PgnTpConnMgmt<<8, 0x03FF0000, m)
	if err != nil {
		return nil, err
	}
	err = bm.Subscribe(pdu.PgnTpDataTransfer<<8, 0x03FF0000, m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OnMessage registers the callback receiving every fully reassembled
// payload. Single frame messages are delivered by the node directly,
// both are indistinguishable to the application.
func (m *Manager) OnMessage(callback func(source uint8, pgn uint32, priority uint8, data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recv = callback
}

// OnFailure registers a callback invoked when an inbound session is
// torn down by abort or timeout
func (m *Manager) OnFailure(callback func(source uint8, destination uint8, pgn uint32, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = callback
}

// Send transmits a payload to the given destination. Payloads up to 8
// bytes are sent as a single frame, larger ones through a broadcast or
// peer to peer session depending on the destination. The returned
// channel yields the final result of the transfer : nil, an
// [AbortReason] or a bus error.
func (m *Manager) Send(destination uint8, pgn uint32, priority uint8, data []byte) (<-chan error, error) {
	sourceAddress, err := m.source.Address()
	if err != nil {
		return nil, err
	}
	if len(data) > int(m.cfg.MaxPayloadSize) {
		return nil, j1939.ErrPayloadTooLarge
	}
	done := make(chan error, 1)
	if len(data) <= 8 {
		frame, err := pdu.PDU{
			Priority:    priority,
			PGN:         pgn,
			Source:      sourceAddress,
			Destination: destination,
			Data:        data,
		}.Encode()
		if err != nil {
			return nil, err
		}
		err = m.BusManager.Send(frame)
		if err != nil {
			return nil, err
		}
		done <- nil
		close(done)
		return done, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey{source: sourceAddress, destination: destination, transmit: true}
	if previous, ok := m.sessions[key]; ok {
		// New transfer supersedes the active one for this tuple
		log.Warnf("[TP][x%x->x%x] superseding active session", key.source, key.destination)
		previous.finish(AbortCanceledBySystem)
		delete(m.sessions, key)
	}

	sess := &session{
		key:          key,
		broadcast:    destination == pdu.AddressGlobal,
		pgn:          pgn,
		priority:     priority,
		buffer:       append([]byte(nil), data...),
		totalSize:    uint16(len(data)),
		totalPackets: uint8(packetCount(len(data))),
		nextSequence: 1,
		maxBurst:     m.cfg.MaxBurst,
		lifetimeUs:   m.cfg.SessionLifetimeMs * 1000,
		done:         done,
	}

	if sess.broadcast {
		payload := encodeBam(sess.totalSize, sess.totalPackets, pgn)
		err = m.sendControl(sourceAddress, pdu.AddressGlobal, priority, payload)
		if err != nil {
			return nil, err
		}
		sess.state = stateSending
		sess.gapTimerUs = uint32(m.cfg.BamGapMs) * 1000
	} else {
		payload := encodeRts(sess.totalSize, sess.totalPackets, sess.maxBurst, pgn)
		err = m.sendControl(sourceAddress, destination, priority, payload)
		if err != nil {
			return nil, err
		}
		sess.state = stateAwaitCts
		sess.timerUs = uint32(m.cfg.ResponseTimeoutMs) * 1000
	}
	m.sessions[key] = sess
	log.Debugf("[TP][x%x->x%x] new tx session, %v bytes in %v packets (%v)",
		key.source, key.destination, sess.totalSize, sess.totalPackets, sess.state)
	return done, nil
}

// Handle demultiplexes inbound TP.CM and TP.DT frames into the
// matching sessions, implements the FrameListener interface
func (m *Manager) Handle(frame j1939.Frame) {
	p := pdu.Decode(frame)
	if len(p.Data) != 8 {
		return
	}
	if address, err := m.source.Address(); err == nil && address == p.Source {
		// Own frame echoed back by the bus driver
		return
	}
	switch p.PGN {
	case pdu.PgnTpConnMgmt:
		switch p.Data[0] {
		case ctrlRts:
			m.handleRts(p)
		case ctrlCts:
			m.handleCts(p)
		case ctrlEndOfMsgAck:
			m.handleEndOfMsgAck(p)
		case ctrlBam:
			m.handleBam(p)
		case ctrlAbort:
			m.handleAbort(p)
		}
	case pdu.PgnTpDataTransfer:
		m.handleData(p)
	}
}

// ownAddress returns the local claimed address and whether the given
// destination targets this node
func (m *Manager) ownAddress(destination uint8) (uint8, bool) {
	address, err := m.source.Address()
	if err != nil {
		return 0, false
	}
	return address, address == destination
}

func (m *Manager) handleRts(p pdu.PDU) {
	own, forUs := m.ownAddress(p.Destination)
	if !forUs {
		return
	}
	totalSize := uint16(p.Data[1]) | uint16(p.Data[2])<<8
	totalPackets := p.Data[3]
	maxBurst := p.Data[4]
	dataPgn := getPgn(p.Data[5:])

	if totalSize > m.cfg.MaxPayloadSize {
		payload := encodeAbort(AbortMessageTooLarge, roleReceiver, dataPgn)
		m.sendControl(own, p.Source, p.Priority, payload)
		return
	}
	if totalSize < minMultiPacketSize || int(totalPackets) != packetCount(int(totalSize)) {
		payload := encodeAbort(AbortOther, roleReceiver, dataPgn)
		m.sendControl(own, p.Source, p.Priority, payload)
		return
	}

	m.mu.Lock()
	var failed func()
	key := sessionKey{source: p.Source, destination: own, transmit: false}
	if previous, ok := m.sessions[key]; ok {
		// The peer restarted : discard the partial buffer, start fresh
		log.Warnf("[TP][x%x->x%x] rx session superseded by new request to send", key.source, key.destination)
		failed = m.fail(previous, AbortCanceledBySystem)
	}
	count := totalPackets
	if maxBurst < count {
		count = maxBurst
	}
	if m.cfg.MaxBurst < count {
		count = m.cfg.MaxBurst
	}
	sess := &session{
		key:            key,
		pgn:            dataPgn,
		priority:       p.Priority,
		state:          stateReceiving,
		buffer:         make([]byte, 0, totalSize),
		totalSize:      totalSize,
		totalPackets:   totalPackets,
		nextSequence:   1,
		burstRemaining: count,
		maxBurst:       maxBurst,
		timerUs:        uint32(m.cfg.CtsTimeoutMs) * 1000,
		lifetimeUs:     m.cfg.SessionLifetimeMs * 1000,
	}
	m.sessions[key] = sess
	log.Debugf("[TP][x%x->x%x] new rx session, %v bytes in %v packets",
		key.source, key.destination, totalSize, totalPackets)
	payload := encodeCts(count, 1, dataPgn)
	m.sendControl(own, p.Source, p.Priority, payload)
	m.mu.Unlock()
	if failed != nil {
		failed()
	}
}

func (m *Manager) handleBam(p pdu.PDU) {
	totalSize := uint16(p.Data[1]) | uint16(p.Data[2])<<8
	totalPackets := p.Data[3]
	dataPgn := getPgn(p.Data[5:])

	if totalSize < minMultiPacketSize ||
		totalSize > m.cfg.MaxPayloadSize ||
		int(totalPackets) != packetCount(int(totalSize)) {
		// Broadcast transfers are connectionless, nothing to answer
		log.Debugf("[TP][x%x] ignoring malformed broadcast announce", p.Source)
		return
	}

	m.mu.Lock()
	var failed func()
	key := sessionKey{source: p.Source, destination: pdu.AddressGlobal, transmit: false}
	if previous, ok := m.sessions[key]; ok {
		failed = m.fail(previous, AbortCanceledBySystem)
	}
	m.sessions[key] = &session{
		key:          key,
		broadcast:    true,
		pgn:          dataPgn,
		priority:     p.Priority,
		state:        stateReceiving,
		buffer:       make([]byte, 0, totalSize),
		totalSize:    totalSize,
		totalPackets: totalPackets,
		nextSequence: 1,
		timerUs:      uint32(m.cfg.PacketTimeoutMs) * 1000,
		lifetimeUs:   m.cfg.SessionLifetimeMs * 1000,
	}
	log.Debugf("[TP][x%x->all] new broadcast rx session, %v bytes in %v packets",
		p.Source, totalSize, totalPackets)
	m.mu.Unlock()
	if failed != nil {
		failed()
	}
}

func (m *Manager) handleCts(p pdu.PDU) {
	own, forUs := m.ownAddress(p.Destination)
	if !forUs {
		return
	}
	m.mu.Lock()
	var failed func()
	key := sessionKey{source: own, destination: p.Source, transmit: true}
	sess, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	count := p.Data[1]
	next := p.Data[2]
	switch sess.state {
	case stateSending:
		// CTS while a burst is still being emitted is a protocol error
		payload := encodeAbort(AbortCtsWhileTransfer, roleSender, sess.pgn)
		m.sendControl(own, p.Source, sess.priority, payload)
		failed = m.fail(sess, AbortCtsWhileTransfer)
	case stateAwaitCts, stateWaitingForNextCts:
		if count == 0 {
			// Hold : the receiver is not ready yet
			sess.holds++
			if sess.holds > m.cfg.MaxCtsHolds {
				payload := encodeAbort(AbortRetransmitLimit, roleSender, sess.pgn)
				m.sendControl(own, p.Source, sess.priority, payload)
				failed = m.fail(sess, AbortRetransmitLimit)
				break
			}
			sess.timerUs = uint32(m.cfg.HoldTimeoutMs) * 1000
			break
		}
		if next == 0 || next > sess.totalPackets {
			payload := encodeAbort(AbortOther, roleSender, sess.pgn)
			m.sendControl(own, p.Source, sess.priority, payload)
			failed = m.fail(sess, AbortOther)
			break
		}
		remaining := sess.totalPackets - next + 1
		if count > remaining {
			count = remaining
		}
		sess.holds = 0
		sess.nextSequence = uint16(next)
		sess.burstRemaining = count
		sess.state = stateSending
		sess.gapTimerUs = 0
	}
	m.mu.Unlock()
	if failed != nil {
		failed()
	}
}

func (m *Manager) handleEndOfMsgAck(p pdu.PDU) {
	own, forUs := m.ownAddress(p.Destination)
	if !forUs {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey{source: own, destination: p.Source, transmit: true}
	sess, ok := m.sessions[key]
	if !ok || sess.state != stateAwaitEndOfMsgAck {
		return
	}
	sess.state = stateComplete
	log.Debugf("[TP][x%x->x%x] transfer acknowledged, %v bytes", key.source, key.destination, sess.totalSize)
	sess.finish(nil)
	delete(m.sessions, key)
}

func (m *Manager) handleAbort(p pdu.PDU) {
	reason := AbortReason(p.Data[1])
	m.mu.Lock()
	var failed func()
	if own, forUs := m.ownAddress(p.Destination); forUs {
		if sess, ok := m.sessions[sessionKey{source: own, destination: p.Source, transmit: true}]; ok {
			failed = m.fail(sess, reason)
		} else if sess, ok := m.sessions[sessionKey{source: p.Source, destination: own, transmit: false}]; ok {
			failed = m.fail(sess, reason)
		}
	}
	m.mu.Unlock()
	if failed != nil {
		failed()
	}
}

func (m *Manager) handleData(p pdu.PDU) {
	var key sessionKey
	var own uint8
	if p.Destination == pdu.AddressGlobal {
		key = sessionKey{source: p.Source, destination: pdu.AddressGlobal, transmit: false}
	} else {
		address, forUs := m.ownAddress(p.Destination)
		if !forUs {
			return
		}
		own = address
		key = sessionKey{source: p.Source, destination: own, transmit: false}
	}

	m.mu.Lock()
	sess, ok := m.sessions[key]
	if !ok || sess.state != stateReceiving {
		m.mu.Unlock()
		log.Debugf("[TP][x%x] data packet without session, ignored", p.Source)
		return
	}

	var after func()
	sequence := uint16(p.Data[0])
	if sequence != sess.nextSequence {
		if sess.broadcast {
			// Connectionless : discard the session, no abort on the bus
			log.Warnf("[TP][x%x->all] out of order packet %v, expected %v, discarding session",
				p.Source, sequence, sess.nextSequence)
			after = m.fail(sess, AbortBadSequenceNumber)
		} else {
			payload := encodeAbort(AbortBadSequenceNumber, roleReceiver, sess.pgn)
			m.sendControl(own, p.Source, sess.priority, payload)
			after = m.fail(sess, AbortBadSequenceNumber)
		}
		m.mu.Unlock()
		if after != nil {
			after()
		}
		return
	}

	take := int(sess.totalSize) - len(sess.buffer)
	if take > PacketDataSize {
		take = PacketDataSize
	}
	sess.buffer = append(sess.buffer, p.Data[1:1+take]...)
	sess.nextSequence++
	if sess.burstRemaining > 0 {
		sess.burstRemaining--
	}
	sess.timerUs = uint32(m.cfg.PacketTimeoutMs) * 1000

	if sess.complete() {
		sess.state = stateComplete
		if !sess.broadcast {
			payload := encodeEndOfMsgAck(sess.totalSize, sess.totalPackets, sess.pgn)
			m.sendControl(own, p.Source, sess.priority, payload)
		}
		delete(m.sessions, key)
		log.Debugf("[TP][x%x->x%x] reassembled %v bytes", key.source, key.destination, sess.totalSize)
		if m.recv != nil {
			recv := m.recv
			after = func() { recv(key.source, sess.pgn, sess.priority, sess.buffer) }
		}
	} else if !sess.broadcast && sess.burstRemaining == 0 {
		count := uint8(uint16(sess.totalPackets) - sess.packetsReceived())
		if sess.maxBurst < count {
			count = sess.maxBurst
		}
		if m.cfg.MaxBurst < count {
			count = m.cfg.MaxBurst
		}
		sess.burstRemaining = count
		sess.timerUs = uint32(m.cfg.CtsTimeoutMs) * 1000
		payload := encodeCts(count, uint8(sess.nextSequence), sess.pgn)
		m.sendControl(own, p.Source, sess.priority, payload)
	}
	m.mu.Unlock()
	if after != nil {
		after()
	}
}

// Process drives session timers and emits pending data packets.
// Should be called cyclically with the elapsed time since the
// previous call.
func (m *Manager) Process(timeDifferenceUs uint32) {
	m.mu.Lock()
	var failures []func()
	for _, sess := range m.sessions {
		if sess.lifetimeUs > timeDifferenceUs {
			sess.lifetimeUs -= timeDifferenceUs
		} else {
			// Terminal state deadline regardless of peer behaviour
			failures = append(failures, m.expire(sess))
			continue
		}
		switch sess.state {
		case stateSending:
			m.processSending(sess, timeDifferenceUs)
		case stateAwaitCts, stateWaitingForNextCts, stateAwaitEndOfMsgAck, stateReceiving:
			if sess.timerUs > timeDifferenceUs {
				sess.timerUs -= timeDifferenceUs
				continue
			}
			failures = append(failures, m.expire(sess))
		}
	}
	m.mu.Unlock()
	for _, failure := range failures {
		if failure != nil {
			failure()
		}
	}
}

// processSending emits as many data packets as the granted burst and
// the inter-packet gap allow
func (m *Manager) processSending(sess *session, timeDifferenceUs uint32) {
	if sess.gapTimerUs > timeDifferenceUs {
		sess.gapTimerUs -= timeDifferenceUs
		return
	}
	sess.gapTimerUs = 0

	if sess.broadcast {
		// One packet per elapsed gap, no flow control
		m.sendPacket(sess)
		if sess.complete() {
			sess.state = stateComplete
			log.Debugf("[TP][x%x->all] broadcast transfer complete, %v bytes", sess.key.source, sess.totalSize)
			sess.finish(nil)
			delete(m.sessions, sess.key)
			return
		}
		sess.gapTimerUs = uint32(m.cfg.BamGapMs) * 1000
		return
	}

	burstGapUs := uint32(m.cfg.BurstGapMs) * 1000
	for sess.burstRemaining > 0 {
		m.sendPacket(sess)
		sess.burstRemaining--
		if sess.complete() {
			sess.state = stateAwaitEndOfMsgAck
			sess.timerUs = uint32(m.cfg.ResponseTimeoutMs) * 1000
			return
		}
		if burstGapUs > 0 {
			sess.gapTimerUs = burstGapUs
			if sess.burstRemaining > 0 {
				return
			}
		}
	}
	sess.state = stateWaitingForNextCts
	sess.timerUs = uint32(m.cfg.ResponseTimeoutMs) * 1000
}

func (m *Manager) sendPacket(sess *session) {
	offset := int(sess.nextSequence-1) * PacketDataSize
	end := offset + PacketDataSize
	if end > len(sess.buffer) {
		end = len(sess.buffer)
	}
	payload := encodeDataPacket(uint8(sess.nextSequence), sess.buffer[offset:end])
	frame, err := pdu.PDU{
		Priority:    sess.priority,
		PGN:         pdu.PgnTpDataTransfer,
		Source:      sess.key.source,
		Destination: sess.key.destination,
		Data:        payload[:],
	}.Encode()
	if err != nil {
		return
	}
	m.BusManager.Send(frame)
	sess.nextSequence++
}

// expire tears down a session whose response deadline or lifetime
// elapsed. Peer to peer sessions notify the peer, broadcast receive
// sessions are discarded silently.
func (m *Manager) expire(sess *session) func() {
	if !sess.broadcast {
		role := roleReceiver
		if sess.key.transmit {
			role = roleSender
		}
		peer := sess.key.destination
		local := sess.key.source
		if !sess.key.transmit {
			peer = sess.key.source
			local = sess.key.destination
		}
		payload := encodeAbort(AbortTimeout, role, sess.pgn)
		m.sendControl(local, peer, sess.priority, payload)
	}
	return m.fail(sess, AbortTimeout)
}

// fail removes a session and returns the deferred failure
// notification to run outside of the manager lock
func (m *Manager) fail(sess *session, reason AbortReason) func() {
	sess.state = stateAborted
	delete(m.sessions, sess.key)
	log.Warnf("[TP][x%x->x%x] session aborted : %v", sess.key.source, sess.key.destination, reason)
	if sess.key.transmit {
		sess.finish(reason)
		return nil
	}
	if m.failure == nil {
		return nil
	}
	failure := m.failure
	key := sess.key
	pgn := sess.pgn
	return func() { failure(key.source, key.destination, pgn, reason) }
}

func (m *Manager) sendControl(source uint8, destination uint8, priority uint8, payload [8]byte) error {
	frame, err := pdu.PDU{
		Priority:    priority,
		PGN:         pdu.PgnTpConnMgmt,
		Source:      source,
		Destination: destination,
		Data:        payload[:],
	}.Encode()
	if err != nil {
		return err
	}
	return m.BusManager.Send(frame)
}
