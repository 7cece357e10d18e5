package pdu

// Special bus addresses
const (
	AddressNull   uint8 = 254 // Address of a node that could not claim one
	AddressGlobal uint8 = 255 // Broadcast destination, never a source
)

// PDU format values below this threshold are PDU1 (destination specific),
// values at or above are PDU2 (group extension, inherently broadcast).
const Pdu2Threshold uint8 = 240

// Maximum parameter group number : reserved bit, data page,
// PDU format and PDU specific byte i.e. 18 bits
const MaxPgn uint32 = 0x3FFFF

// ID is a 29-bit J1939 extended CAN identifier.
// Bit layout, from most to least significant :
// priority (3), reserved (1), data page (1), PDU format (8),
// PDU specific (8), source address (8)
type ID uint32

// NewID creates an ID from a raw identifier value,
// masked to 29 bits.
func NewID(raw uint32) ID {
	return ID(raw & 0x1FFFFFFF)
}

// Raw 29-bit identifier value
func (id ID) Raw() uint32 {
	return uint32(id)
}

// Priority, 0 is highest, 7 is lowest
func (id ID) Priority() uint8 {
	return uint8(id>>26) & 0x07
}

// Reserved bit, also called extended data page
func (id ID) Reserved() uint8 {
	return uint8(id>>25) & 0x01
}

// Data page bit
func (id ID) DataPage() uint8 {
	return uint8(id>>24) & 0x01
}

// PDU format byte (PF)
func (id ID) PduFormat() uint8 {
	return uint8(id >> 16)
}

// PDU specific byte (PS), either a destination address (PDU1)
// or a group extension (PDU2) depending on the PDU format
func (id ID) PduSpecific() uint8 {
	return uint8(id >> 8)
}

// Source address (SA)
func (id ID) Source() uint8 {
	return uint8(id)
}

// IsPdu1 reports whether the PDU specific byte carries an
// explicit destination address
func (id ID) IsPdu1() bool {
	return id.PduFormat() < Pdu2Threshold
}

// Parameter group number. For PDU1 identifiers the PDU specific
// byte is a destination address and does not belong to the PGN.
func (id ID) PGN() uint32 {
	pgn := (uint32(id) >> 8) & MaxPgn
	if id.IsPdu1() {
		pgn &= 0x3FF00
	}
	return pgn
}

// Destination address. PDU2 identifiers have no destination
// field and are always global.
func (id ID) Destination() uint8 {
	if id.IsPdu1() {
		return id.PduSpecific()
	}
	return AddressGlobal
}
