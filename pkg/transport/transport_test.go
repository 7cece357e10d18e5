package transport

import (
	"sync"
	"testing"

	j1939 "github.com/samsamfire/goj1939"
	"github.com/samsamfire/goj1939/pkg/pdu"
	"github.com/stretchr/testify/assert"
)

const (
	ownAddress  uint8 = 0x10
	peerAddress uint8 = 0x20
	// PDU1 group used for peer to peer test payloads
	unicastPgn uint32 = 0x01000
	// PDU2 group used for broadcast test payloads
	broadcastPgn uint32 = 0x0FEF1
)

// captureBus records sent frames instead of putting them on a wire
type captureBus struct {
	mu     sync.Mutex
	frames []j1939.Frame
}

func (b *captureBus) Connect(...any) error                { return nil }
func (b *captureBus) Disconnect() error                   { return nil }
func (b *captureBus) Subscribe(j1939.FrameListener) error { return nil }

func (b *captureBus) Send(frame j1939.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame)
	return nil
}

func (b *captureBus) sent() []pdu.PDU {
	b.mu.Lock()
	defer b.mu.Unlock()
	pdus := make([]pdu.PDU, 0, len(b.frames))
	for _, frame := range b.frames {
		pdus = append(pdus, pdu.Decode(frame))
	}
	return pdus
}

func (b *captureBus) last() pdu.PDU {
	pdus := b.sent()
	return pdus[len(pdus)-1]
}

// dataPackets returns the TP.DT frames seen on the bus
func (b *captureBus) dataPackets() []pdu.PDU {
	packets := make([]pdu.PDU, 0)
	for _, p := range b.sent() {
		if p.PGN == pdu.PgnTpDataTransfer {
			packets = append(packets, p)
		}
	}
	return packets
}

type staticAddress uint8

func (a staticAddress) Address() (uint8, error) { return uint8(a), nil }

type unclaimedAddress struct{}

func (unclaimedAddress) Address() (uint8, error) { return 0, j1939.ErrAddressUnclaimed }

func newTestManager(t *testing.T, cfg Config) (*Manager, *captureBus) {
	bus := &captureBus{}
	m, err := NewManager(j1939.NewBusManager(bus), staticAddress(ownAddress), cfg)
	assert.Nil(t, err)
	return m, bus
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = uint8(i)
	}
	return data
}

// controlFrame builds a TP.CM frame as the peer would send it
func controlFrame(t *testing.T, source uint8, destination uint8, b [8]byte) j1939.Frame {
	frame, err := pdu.PDU{
		Priority:    7,
		PGN:         pdu.PgnTpConnMgmt,
		Source:      source,
		Destination: destination,
		Data:        b[:],
	}.Encode()
	assert.Nil(t, err)
	return frame
}

func dataFrame(t *testing.T, source uint8, destination uint8, sequence uint8, chunk []byte) j1939.Frame {
	b := encodeDataPacket(sequence, chunk)
	frame, err := pdu.PDU{
		Priority:    7,
		PGN:         pdu.PgnTpDataTransfer,
		Source:      source,
		Destination: destination,
		Data:        b[:],
	}.Encode()
	assert.Nil(t, err)
	return frame
}

func TestSendErrors(t *testing.T) {
	t.Run("unclaimed address", func(t *testing.T) {
		bus := &captureBus{}
		m, err := NewManager(j1939.NewBusManager(bus), unclaimedAddress{}, Config{})
		assert.Nil(t, err)
		_, err = m.Send(peerAddress, unicastPgn, 6, payload(20))
		assert.Equal(t, j1939.ErrAddressUnclaimed, err)
	})

	t.Run("payload too large", func(t *testing.T) {
		m, _ := newTestManager(t, Config{})
		_, err := m.Send(peerAddress, unicastPgn, 6, payload(1786))
		assert.Equal(t, j1939.ErrPayloadTooLarge, err)
	})
}

func TestSendSingleFrame(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	done, err := m.Send(peerAddress, unicastPgn, 6, payload(8))
	assert.Nil(t, err)
	// Completes immediately, no session involved
	assert.Nil(t, <-done)

	sent := bus.sent()
	assert.Len(t, sent, 1)
	assert.Equal(t, unicastPgn, sent[0].PGN)
	assert.Equal(t, ownAddress, sent[0].Source)
	assert.Equal(t, peerAddress, sent[0].Destination)
	assert.Equal(t, payload(8), sent[0].Data)
}

func TestBroadcastTransfer(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	done, err := m.Send(pdu.AddressGlobal, broadcastPgn, 6, payload(20))
	assert.Nil(t, err)

	// Announce goes out immediately
	sent := bus.sent()
	assert.Len(t, sent, 1)
	assert.Equal(t, pdu.PgnTpConnMgmt, sent[0].PGN)
	assert.Equal(t, encodeBam(20, 3, broadcastPgn), [8]byte(sent[0].Data))

	// One data packet per elapsed inter-packet gap
	for i := 0; i < 3; i++ {
		m.Process(50_000)
	}
	packets := bus.dataPackets()
	assert.Len(t, packets, 3)
	assert.Equal(t, encodeDataPacket(1, payload(20)[0:7]), [8]byte(packets[0].Data))
	assert.Equal(t, encodeDataPacket(2, payload(20)[7:14]), [8]byte(packets[1].Data))
	assert.Equal(t, encodeDataPacket(3, payload(20)[14:20]), [8]byte(packets[2].Data))
	assert.Nil(t, <-done)
}

func TestBroadcastGapTiming(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	_, err := m.Send(pdu.AddressGlobal, broadcastPgn, 6, payload(20))
	assert.Nil(t, err)

	// Not enough elapsed time for the first packet
	m.Process(20_000)
	assert.Len(t, bus.dataPackets(), 0)
	m.Process(30_000)
	assert.Len(t, bus.dataPackets(), 1)
}

func TestRtsCtsSender(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	done, err := m.Send(peerAddress, unicastPgn, 6, payload(20))
	assert.Nil(t, err)

	sent := bus.sent()
	assert.Len(t, sent, 1)
	assert.Equal(t, peerAddress, sent[0].Destination)
	assert.Equal(t, encodeRts(20, 3, DefaultMaxBurst, unicastPgn), [8]byte(sent[0].Data))

	// Receiver grants two packets at a time
	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeCts(2, 1, unicastPgn)))
	m.Process(1_000)
	packets := bus.dataPackets()
	assert.Len(t, packets, 2)
	assert.EqualValues(t, 1, packets[0].Data[0])
	assert.EqualValues(t, 2, packets[1].Data[0])

	// Sender waits for the next grant before going on
	m.Process(10_000)
	assert.Len(t, bus.dataPackets(), 2)

	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeCts(2, 3, unicastPgn)))
	m.Process(1_000)
	packets = bus.dataPackets()
	assert.Len(t, packets, 3)
	assert.EqualValues(t, 3, packets[2].Data[0])

	// Transfer ends with the end of message acknowledgment
	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeEndOfMsgAck(20, 3, unicastPgn)))
	assert.Nil(t, <-done)
}

func TestSenderTimeout(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	done, err := m.Send(peerAddress, unicastPgn, 6, payload(20))
	assert.Nil(t, err)

	// Receiver stays silent, no CTS within the response timeout
	m.Process(1_250_000)
	assert.Equal(t, AbortTimeout, <-done)

	last := bus.last()
	assert.Equal(t, pdu.PgnTpConnMgmt, last.PGN)
	assert.EqualValues(t, ctrlAbort, last.Data[0])
	assert.EqualValues(t, AbortTimeout, last.Data[1])
}

func TestSenderCtsHolds(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	done, err := m.Send(peerAddress, unicastPgn, 6, payload(20))
	assert.Nil(t, err)

	// Zero packet CTS keeps the connection open without data
	for i := 0; i < 3; i++ {
		m.Handle(controlFrame(t, peerAddress, ownAddress, encodeCts(0, 1, unicastPgn)))
	}
	assert.Len(t, bus.dataPackets(), 0)

	// One hold too many
	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeCts(0, 1, unicastPgn)))
	assert.Equal(t, AbortRetransmitLimit, <-done)
}

func TestSenderAbortedByPeer(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	done, err := m.Send(peerAddress, unicastPgn, 6, payload(20))
	assert.Nil(t, err)

	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeAbort(AbortCanceledBySystem, roleReceiver, unicastPgn)))
	assert.Equal(t, AbortCanceledBySystem, <-done)
}

func TestTxSupersession(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	first, err := m.Send(peerAddress, unicastPgn, 6, payload(20))
	assert.Nil(t, err)
	second, err := m.Send(peerAddress, unicastPgn, 6, payload(40))
	assert.Nil(t, err)

	// The first transfer is finalized, the second one proceeds
	assert.Equal(t, AbortCanceledBySystem, <-first)
	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeCts(6, 1, unicastPgn)))
	m.Process(1_000)
	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeEndOfMsgAck(40, 6, unicastPgn)))
	assert.Nil(t, <-second)
}

func receiveInto(m *Manager) *[]Message {
	messages := &[]Message{}
	m.OnMessage(func(source uint8, pgn uint32, priority uint8, data []byte) {
		*messages = append(*messages, Message{source, pgn, priority, data})
	})
	return messages
}

type Message struct {
	source   uint8
	pgn      uint32
	priority uint8
	data     []byte
}

func TestReceiverFlow(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	messages := receiveInto(m)

	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(20, 3, 255, unicastPgn)))

	// Receiver grants the whole transfer in one burst
	last := bus.last()
	assert.Equal(t, pdu.PgnTpConnMgmt, last.PGN)
	assert.Equal(t, encodeCts(3, 1, unicastPgn), [8]byte(last.Data))

	data := payload(20)
	m.Handle(dataFrame(t, peerAddress, ownAddress, 1, data[0:7]))
	m.Handle(dataFrame(t, peerAddress, ownAddress, 2, data[7:14]))
	assert.Len(t, *messages, 0)
	m.Handle(dataFrame(t, peerAddress, ownAddress, 3, data[14:20]))

	// Completion acknowledged and delivered exactly once
	last = bus.last()
	assert.Equal(t, encodeEndOfMsgAck(20, 3, unicastPgn), [8]byte(last.Data))
	assert.Len(t, *messages, 1)
	assert.Equal(t, peerAddress, (*messages)[0].source)
	assert.Equal(t, unicastPgn, (*messages)[0].pgn)
	assert.Equal(t, data, (*messages)[0].data)
}

func TestReceiverBurstGrants(t *testing.T) {
	m, bus := newTestManager(t, Config{MaxBurst: 2})
	messages := receiveInto(m)

	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(20, 3, 255, unicastPgn)))
	assert.Equal(t, encodeCts(2, 1, unicastPgn), [8]byte(bus.last().Data))

	data := payload(20)
	m.Handle(dataFrame(t, peerAddress, ownAddress, 1, data[0:7]))
	m.Handle(dataFrame(t, peerAddress, ownAddress, 2, data[7:14]))

	// Burst exhausted, next grant for the remainder
	assert.Equal(t, encodeCts(1, 3, unicastPgn), [8]byte(bus.last().Data))
	m.Handle(dataFrame(t, peerAddress, ownAddress, 3, data[14:20]))
	assert.Len(t, *messages, 1)
}

func TestReceiverSequenceMismatch(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	messages := receiveInto(m)
	var failures []error
	m.OnFailure(func(source uint8, destination uint8, pgn uint32, err error) {
		failures = append(failures, err)
	})

	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(35, 5, 255, unicastPgn)))
	data := payload(35)
	m.Handle(dataFrame(t, peerAddress, ownAddress, 1, data[0:7]))
	m.Handle(dataFrame(t, peerAddress, ownAddress, 2, data[7:14]))
	// Expecting packet 3, got 5
	m.Handle(dataFrame(t, peerAddress, ownAddress, 5, data[28:35]))

	last := bus.last()
	assert.EqualValues(t, ctrlAbort, last.Data[0])
	assert.EqualValues(t, AbortBadSequenceNumber, last.Data[1])
	assert.Equal(t, []error{error(AbortBadSequenceNumber)}, failures)
	assert.Len(t, *messages, 0)

	// Session destroyed, further packets have nowhere to go
	before := len(bus.sent())
	m.Handle(dataFrame(t, peerAddress, ownAddress, 3, data[14:21]))
	assert.Len(t, bus.sent(), before)
}

func TestReceiverRtsValidation(t *testing.T) {
	t.Run("message too large", func(t *testing.T) {
		m, bus := newTestManager(t, Config{MaxPayloadSize: 100})
		m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(200, 29, 255, unicastPgn)))
		last := bus.last()
		assert.EqualValues(t, ctrlAbort, last.Data[0])
		assert.EqualValues(t, AbortMessageTooLarge, last.Data[1])
	})

	t.Run("inconsistent packet count", func(t *testing.T) {
		m, bus := newTestManager(t, Config{})
		m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(20, 5, 255, unicastPgn)))
		assert.EqualValues(t, ctrlAbort, bus.last().Data[0])
	})

	t.Run("single frame size", func(t *testing.T) {
		m, bus := newTestManager(t, Config{})
		m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(8, 2, 255, unicastPgn)))
		assert.EqualValues(t, ctrlAbort, bus.last().Data[0])
	})
}

func TestRxSupersession(t *testing.T) {
	m, bus := newTestManager(t, Config{})
	messages := receiveInto(m)

	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(20, 3, 255, unicastPgn)))
	stale := payload(20)
	for i := range stale {
		stale[i] = 0xAA
	}
	m.Handle(dataFrame(t, peerAddress, ownAddress, 1, stale[0:7]))

	// Peer restarts : fresh session, partial buffer discarded
	m.Handle(controlFrame(t, peerAddress, ownAddress, encodeRts(20, 3, 255, unicastPgn)))
	assert.Equal(t, encodeCts(3, 1, unicastPgn), [8]byte(bus.last().Data))

	data := payload(20)
	m.Handle(dataFrame(t, peerAddress, ownAddress, 1, data[0:7]))
	m.Handle(dataFrame(t, peerAddress, ownAddress, 2, data[7:14]))
	m.Handle(dataFrame(t, peerAddress, ownAddress, 3, data[14:20]))

	assert.Len(t, *messages, 1)
	assert.Equal(t, data, (*messages)[0].data)
}

func TestBroadcastReceiver(t *testing.T) {
	t.Run("reassembly", func(t *testing.T) {
		m, _ := newTestManager(t, Config{})
		messages := receiveInto(m)

		m.Handle(controlFrame(t, peerAddress, pdu.AddressGlobal, encodeBam(20, 3, broadcastPgn)))
		data := payload(20)
		m.Handle(dataFrame(t, peerAddress, pdu.AddressGlobal, 1, data[0:7]))
		m.Handle(dataFrame(t, peerAddress, pdu.AddressGlobal, 2, data[7:14]))
		m.Handle(dataFrame(t, peerAddress, pdu.AddressGlobal, 3, data[14:20]))

		assert.Len(t, *messages, 1)
		assert.Equal(t, broadcastPgn, (*messages)[0].pgn)
		assert.Equal(t, data, (*messages)[0].data)
	})

	t.Run("out of order packet discards silently", func(t *testing.T) {
		m, bus := newTestManager(t, Config{})
		messages := receiveInto(m)

		m.Handle(controlFrame(t, peerAddress, pdu.AddressGlobal, encodeBam(20, 3, broadcastPgn)))
		before := len(bus.sent())
		data := payload(20)
		m.Handle(dataFrame(t, peerAddress, pdu.AddressGlobal, 2, data[7:14]))

		// Connectionless : no abort on the bus, nothing delivered
		assert.Len(t, bus.sent(), before)
		assert.Len(t, *messages, 0)
	})

	t.Run("packet timeout discards silently", func(t *testing.T) {
		m, bus := newTestManager(t, Config{})
		messages := receiveInto(m)

		m.Handle(controlFrame(t, peerAddress, pdu.AddressGlobal, encodeBam(20, 3, broadcastPgn)))
		data := payload(20)
		m.Handle(dataFrame(t, peerAddress, pdu.AddressGlobal, 1, data[0:7]))
		before := len(bus.sent())
		m.Process(750_000)
		assert.Len(t, bus.sent(), before)
		assert.Len(t, *messages, 0)
	})

	t.Run("malformed announce ignored", func(t *testing.T) {
		m, bus := newTestManager(t, Config{})
		m.Handle(controlFrame(t, peerAddress, pdu.AddressGlobal, encodeBam(20, 5, broadcastPgn)))
		assert.Len(t, bus.sent(), 0)
	})
}

func TestSessionLifetimeCap(t *testing.T) {
	// A peer granting holds forever cannot keep the session alive
	// beyond the lifetime cap
	m, _ := newTestManager(t, Config{MaxCtsHolds: 200, SessionLifetimeMs: 5000})
	done, err := m.Send(peerAddress, unicastPgn, 6, payload(20))
	assert.Nil(t, err)

	for i := 0; i < 10; i++ {
		m.Handle(controlFrame(t, peerAddress, ownAddress, encodeCts(0, 1, unicastPgn)))
		m.Process(1_000_000)
	}
	assert.Equal(t, AbortTimeout, <-done)
}
