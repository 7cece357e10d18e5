package transport

import "encoding/binary"

// TP.CM control bytes (J1939-21)
const (
	ctrlRts         uint8 = 16
	ctrlCts         uint8 = 17
	ctrlEndOfMsgAck uint8 = 19
	ctrlBam         uint8 = 32
	ctrlAbort       uint8 = 255
)

// Number of payload bytes carried by one TP.DT packet
const PacketDataSize = 7

// Connection abort reasons (J1939-21 table 6). The zero value is
// reserved and never sent on the bus.
type AbortReason uint8

const (
	AbortMaxConnections    AbortReason = 1
	AbortCanceledBySystem  AbortReason = 2
	AbortTimeout           AbortReason = 3
	AbortCtsWhileTransfer  AbortReason = 4
	AbortRetransmitLimit   AbortReason = 5
	AbortUnexpectedPacket  AbortReason = 6
	AbortBadSequenceNumber AbortReason = 7
	AbortDuplicateSequence AbortReason = 8
	AbortMessageTooLarge   AbortReason = 9
	AbortOther             AbortReason = 250
)

var abortDescription = map[AbortReason]string{
	AbortMaxConnections:    "already in one or more sessions, cannot support another",
	AbortCanceledBySystem:  "session terminated, resources needed for another task",
	AbortTimeout:           "timeout, no expected frame within deadline",
	AbortCtsWhileTransfer:  "CTS received while data transfer in progress",
	AbortRetransmitLimit:   "maximum retransmit request limit reached",
	AbortUnexpectedPacket:  "unexpected data transfer packet",
	AbortBadSequenceNumber: "bad sequence number",
	AbortDuplicateSequence: "duplicate sequence number",
	AbortMessageTooLarge:   "total message size greater than maximum",
	AbortOther:             "connection abort",
}

// AbortReason values double as the typed error surfaced to callers
// when a session ends in abort or timeout
func (r AbortReason) Error() string {
	description, ok := abortDescription[r]
	if ok {
		return description
	}
	return abortDescription[AbortOther]
}

// Abort frame roles, carried in the third byte of TP.Conn_Abort
const (
	roleSender   uint8 = 0
	roleReceiver uint8 = 1
)

func putPgn(b []byte, pgn uint32) {
	b[0] = uint8(pgn)
	b[1] = uint8(pgn >> 8)
	b[2] = uint8(pgn >> 16)
}

func getPgn(b []byte) uint32 {
	return binary.LittleEndian.Uint32([]byte{b[0], b[1], b[2], 0})
}

// Request to send, opens a peer to peer session. MaxBurst 255 means
// the sender accepts any number of packets per CTS.
func encodeRts(totalSize uint16, totalPackets uint8, maxBurst uint8, pgn uint32) [8]byte {
	var b [8]byte
	b[0] = ctrlRts
	binary.LittleEndian.PutUint16(b[1:3], totalSize)
	b[3] = totalPackets
	b[4] = maxBurst
	putPgn(b[5:], pgn)
	return b
}

// Clear to send, the receiver requests count packets starting at
// sequence next. Count 0 holds the connection open without data.
func encodeCts(count uint8, next uint8, pgn uint32) [8]byte {
	var b [8]byte
	b[0] = ctrlCts
	b[1] = count
	b[2] = next
	b[3] = 0xFF
	b[4] = 0xFF
	putPgn(b[5:], pgn)
	return b
}

func encodeEndOfMsgAck(totalSize uint16, totalPackets uint8, pgn uint32) [8]byte {
	var b [8]byte
	b[0] = ctrlEndOfMsgAck
	binary.LittleEndian.PutUint16(b[1:3], totalSize)
	b[3] = totalPackets
	b[4] = 0xFF
	putPgn(b[5:], pgn)
	return b
}

// Broadcast announce message, precedes the data packets of a
// broadcast transfer. No flow control, no acknowledgment.
func encodeBam(totalSize uint16, totalPackets uint8, pgn uint32) [8]byte {
	var b [8]byte
	b[0] = ctrlBam
	binary.LittleEndian.PutUint16(b[1:3], totalSize)
	b[3] = totalPackets
	b[4] = 0xFF
	putPgn(b[5:], pgn)
	return b
}

func encodeAbort(reason AbortReason, role uint8, pgn uint32) [8]byte {
	var b [8]byte
	b[0] = ctrlAbort
	b[1] = uint8(reason)
	b[2] = role & 0x03
	b[3] = 0xFF
	b[4] = 0xFF
	putPgn(b[5:], pgn)
	return b
}

// A data transfer packet : sequence number followed by up to seven
// payload bytes, the unused remainder padded with 0xFF
func encodeDataPacket(sequence uint8, data []byte) [8]byte {
	b := [8]byte{sequence, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	copy(b[1:], data)
	return b
}

// packetCount returns the number of TP.DT packets needed for size bytes
func packetCount(size int) int {
	return (size + PacketDataSize - 1) / PacketDataSize
}
