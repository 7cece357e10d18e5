package transport

// Session states. Complete and Aborted are terminal, a session in a
// terminal state is removed from the session table.
type sessionState uint8

const (
	stateIdle              sessionState = 0
	stateAwaitCts          sessionState = 1
	stateSending           sessionState = 2
	stateReceiving         sessionState = 3
	stateWaitingForNextCts sessionState = 4
	stateAwaitEndOfMsgAck  sessionState = 5
	stateComplete          sessionState = 6
	stateAborted           sessionState = 7
)

var sessionStateMap = map[sessionState]string{
	stateIdle:              "IDLE",
	stateAwaitCts:          "AWAIT-CTS",
	stateSending:           "SENDING",
	stateReceiving:         "RECEIVING",
	stateWaitingForNextCts: "WAITING-FOR-NEXT-CTS",
	stateAwaitEndOfMsgAck:  "AWAIT-END-OF-MSG-ACK",
	stateComplete:          "COMPLETE",
	stateAborted:           "ABORTED",
}

func (s sessionState) String() string {
	return sessionStateMap[s]
}

// At most one session may exist per key in each direction. Broadcast
// receive sessions use the global address as destination, which keeps
// one slot per announcing source.
type sessionKey struct {
	source      uint8
	destination uint8
	transmit    bool
}

// A session is one multi-packet message in flight, either being
// segmented (transmit) or reassembled (receive)
type session struct {
	key          sessionKey
	broadcast    bool
	pgn          uint32
	priority     uint8
	state        sessionState
	buffer       []byte
	totalSize    uint16
	totalPackets uint8
	// Next sequence number expected (receive) or to emit (transmit).
	// Sequence numbers start at 1, kept wider than the wire field so
	// a 255 packet transfer cannot wrap around.
	nextSequence uint16
	// Packets remaining in the currently granted burst
	burstRemaining uint8
	// Burst limit advertised by the transmitting side in the RTS
	maxBurst uint8
	// Consecutive zero-packet CTS holds observed
	holds uint8
	// Response timeout countdown, microseconds
	timerUs uint32
	// Minimum gap before the next data packet may be emitted
	gapTimerUs uint32
	// Hard cap on the session lifetime regardless of peer behaviour
	lifetimeUs uint32
	// Closed with the final result of a transmit session
	done chan error
}

func (s *session) packetsReceived() uint16 {
	return s.nextSequence - 1
}

// complete reports whether all packets of the transfer were handled
func (s *session) complete() bool {
	return s.nextSequence > uint16(s.totalPackets)
}

// finish resolves a transmit session's done channel exactly once
func (s *session) finish(err error) {
	if s.done == nil {
		return
	}
	s.done <- err
	close(s.done)
	s.done = nil
}
