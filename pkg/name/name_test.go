package name

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackUnpack(t *testing.T) {
	fields := Fields{
		ArbitraryAddressCapable: true,
		IndustryGroup:           IndustryGroupAgricultural,
		VehicleSystemInstance:   3,
		VehicleSystem:           42,
		Function:                129,
		FunctionInstance:        7,
		EcuInstance:             2,
		ManufacturerCode:        1234,
		IdentityNumber:          0x1ABCDE,
	}
	n := New(fields)
	assert.Equal(t, fields, n.Fields())
}

func TestFieldTruncation(t *testing.T) {
	// Values wider than their field must not bleed into neighbours
	n := New(Fields{
		IndustryGroup:    0xFF,
		ManufacturerCode: 0xFFFF,
		IdentityNumber:   0xFFFFFFFF,
	})
	assert.EqualValues(t, 7, n.IndustryGroup())
	assert.EqualValues(t, 0x7FF, n.ManufacturerCode())
	assert.EqualValues(t, 0x1FFFFF, n.IdentityNumber())
	assert.EqualValues(t, 0, n.Function())
	assert.False(t, n.ArbitraryAddressCapable())
}

func TestWireFormat(t *testing.T) {
	// Little-endian : the identity number occupies the low bytes,
	// the arbitrary address capable bit the top of the last byte
	n := New(Fields{ArbitraryAddressCapable: true, IdentityNumber: 0x000102})
	b := n.Bytes()
	assert.EqualValues(t, 0x02, b[0])
	assert.EqualValues(t, 0x01, b[1])
	assert.EqualValues(t, 0x80, b[7]&0x80)

	decoded, ok := FromBytes(b[:])
	assert.True(t, ok)
	assert.Equal(t, n, decoded)
}

func TestFromBytesTooShort(t *testing.T) {
	_, ok := FromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestContentionOrdering(t *testing.T) {
	// Smaller packed value wins arbitration : an identity difference
	// is outweighed by any higher field difference
	lowIdentity := New(Fields{IdentityNumber: 1})
	highIdentity := New(Fields{IdentityNumber: 2})
	assert.Less(t, uint64(lowIdentity), uint64(highIdentity))

	capable := New(Fields{ArbitraryAddressCapable: true, IdentityNumber: 1})
	assert.Less(t, uint64(highIdentity), uint64(capable))
}
