// This package implements the J1939-81 NAME : the 64-bit device
// identity used during address arbitration. Contention between two
// nodes claiming the same address is resolved by unsigned comparison
// of the packed value, the smaller NAME wins.
package name

import (
	"encoding/binary"
	"fmt"
)

// NAME is the packed 64-bit device identity.
// Bit layout, from most to least significant :
// arbitrary address capable (1), industry group (3),
// vehicle system instance (4), vehicle system (7), reserved (1),
// function (8), function instance (5), ecu instance (3),
// manufacturer code (11), identity number (21)
type NAME uint64

// Fields regroups the individual NAME fields before packing.
// Values wider than their field are truncated by New.
type Fields struct {
	ArbitraryAddressCapable bool
	IndustryGroup           uint8
	VehicleSystemInstance   uint8
	VehicleSystem           uint8
	Function                uint8
	FunctionInstance        uint8
	EcuInstance             uint8
	ManufacturerCode        uint16
	IdentityNumber          uint32
}

// New packs the given fields into a NAME
func New(f Fields) NAME {
	var n uint64
	if f.ArbitraryAddressCapable {
		n |= 1 << 63
	}
	n |= uint64(f.IndustryGroup&0x07) << 60
	n |= uint64(f.VehicleSystemInstance&0x0F) << 56
	n |= uint64(f.VehicleSystem&0x7F) << 49
	n |= uint64(f.Function) << 40
	n |= uint64(f.FunctionInstance&0x1F) << 35
	n |= uint64(f.EcuInstance&0x07) << 32
	n |= uint64(f.ManufacturerCode&0x7FF) << 21
	n |= uint64(f.IdentityNumber & 0x1FFFFF)
	return NAME(n)
}

// Identity number (SPN 2837)
func (n NAME) IdentityNumber() uint32 {
	return uint32(n & 0x1FFFFF)
}

// Manufacturer code (SPN 2838)
func (n NAME) ManufacturerCode() uint16 {
	return uint16((n >> 21) & 0x7FF)
}

// ECU instance (SPN 2840)
func (n NAME) EcuInstance() uint8 {
	return uint8((n >> 32) & 0x07)
}

// Function instance (SPN 2839)
func (n NAME) FunctionInstance() uint8 {
	return uint8((n >> 35) & 0x1F)
}

// Function (SPN 2841)
func (n NAME) Function() uint8 {
	return uint8(n >> 40)
}

// Vehicle system (SPN 2842)
func (n NAME) VehicleSystem() uint8 {
	return uint8((n >> 49) & 0x7F)
}

// Vehicle system instance (SPN 2843)
func (n NAME) VehicleSystemInstance() uint8 {
	return uint8((n >> 56) & 0x0F)
}

// Industry group (SPN 2846)
func (n NAME) IndustryGroup() uint8 {
	return uint8((n >> 60) & 0x07)
}

// Arbitrary address capable (SPN 2844). Nodes with this bit set may
// re-claim at another address after losing contention.
func (n NAME) ArbitraryAddressCapable() bool {
	return n>>63 != 0
}

// Fields unpacks the NAME into its individual fields
func (n NAME) Fields() Fields {
	return Fields{
		ArbitraryAddressCapable: n.ArbitraryAddressCapable(),
		IndustryGroup:           n.IndustryGroup(),
		VehicleSystemInstance:   n.VehicleSystemInstance(),
		VehicleSystem:           n.VehicleSystem(),
		Function:                n.Function(),
		FunctionInstance:        n.FunctionInstance(),
		EcuInstance:             n.EcuInstance(),
		ManufacturerCode:        n.ManufacturerCode(),
		IdentityNumber:          n.IdentityNumber(),
	}
}

// Bytes returns the NAME in its wire representation,
// little-endian, as carried inside an address claimed message
func (n NAME) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return b
}

func (n NAME) String() string {
	return fmt.Sprintf("x%016x", uint64(n))
}

// FromBytes decodes a NAME from its little-endian wire
// representation. Data must be at least 8 bytes.
func FromBytes(data []byte) (NAME, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return NAME(binary.LittleEndian.Uint64(data)), true
}

// Industry groups
const (
	IndustryGroupGlobal        uint8 = 0
	IndustryGroupOnHighway     uint8 = 1
	IndustryGroupAgricultural  uint8 = 2
	IndustryGroupConstruction  uint8 = 3
	IndustryGroupMarine        uint8 = 4
	IndustryGroupIndustrial    uint8 = 5
	IndustryGroupReserved6     uint8 = 6
	IndustryGroupReserved7     uint8 = 7
)

var IndustryGroupDescription = map[uint8]string{
	IndustryGroupGlobal:       "GLOBAL",
	IndustryGroupOnHighway:    "ON-HIGHWAY",
	IndustryGroupAgricultural: "AGRICULTURAL-AND-FORESTRY",
	IndustryGroupConstruction: "CONSTRUCTION",
	IndustryGroupMarine:       "MARINE",
	IndustryGroupIndustrial:   "INDUSTRIAL",
	IndustryGroupReserved6:    "RESERVED",
	IndustryGroupReserved7:    "RESERVED",
}
