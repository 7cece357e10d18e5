package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPgnRoundTrip(t *testing.T) {
	b := make([]byte, 3)
	for _, pgn := range []uint32{0, 0x0FEF1, 0x1EC00, 0x3FFFF} {
		putPgn(b, pgn)
		assert.Equal(t, pgn, getPgn(b))
	}
}

func TestEncodeRts(t *testing.T) {
	b := encodeRts(1785, 255, 16, 0x0FEF1)
	assert.Equal(t, [8]byte{16, 0xF9, 0x06, 255, 16, 0xF1, 0xFE, 0x00}, b)
}

func TestEncodeCts(t *testing.T) {
	b := encodeCts(2, 3, 0x0FEF1)
	assert.Equal(t, [8]byte{17, 2, 3, 0xFF, 0xFF, 0xF1, 0xFE, 0x00}, b)
}

func TestEncodeEndOfMsgAck(t *testing.T) {
	b := encodeEndOfMsgAck(20, 3, 0x0FEF1)
	assert.Equal(t, [8]byte{19, 20, 0, 3, 0xFF, 0xF1, 0xFE, 0x00}, b)
}

func TestEncodeBam(t *testing.T) {
	b := encodeBam(20, 3, 0x0FEF1)
	assert.Equal(t, [8]byte{32, 20, 0, 3, 0xFF, 0xF1, 0xFE, 0x00}, b)
}

func TestEncodeAbort(t *testing.T) {
	b := encodeAbort(AbortTimeout, roleReceiver, 0x0FEF1)
	assert.Equal(t, [8]byte{255, 3, 1, 0xFF, 0xFF, 0xF1, 0xFE, 0x00}, b)
}

func TestEncodeDataPacketPadding(t *testing.T) {
	b := encodeDataPacket(3, []byte{1, 2, 3})
	assert.Equal(t, [8]byte{3, 1, 2, 3, 0xFF, 0xFF, 0xFF, 0xFF}, b)
}

func TestAbortReasonError(t *testing.T) {
	assert.Equal(t, "timeout, no expected frame within deadline", AbortTimeout.Error())
	// Unknown codes fall back to the generic description
	assert.Equal(t, AbortOther.Error(), AbortReason(42).Error())
}

func TestPacketCount(t *testing.T) {
	assert.Equal(t, 2, packetCount(9))
	assert.Equal(t, 3, packetCount(20))
	assert.Equal(t, 3, packetCount(21))
	assert.Equal(t, 4, packetCount(22))
	assert.Equal(t, 255, packetCount(1785))
}
