package pdu

// Well known parameter group numbers used by the network
// management and transport layers (J1939-21 / J1939-81)
const (
	PgnAcknowledgement uint32 = 0x0E800 // ACKM
	PgnRequest         uint32 = 0x0EA00 // RQST
	PgnTpDataTransfer  uint32 = 0x0EB00 // TP.DT
	PgnTpConnMgmt      uint32 = 0x0EC00 // TP.CM
	PgnAddressClaimed  uint32 = 0x0EE00 // AC, also used for cannot claim
	PgnProprietaryA    uint32 = 0x0EF00
	PgnProprietaryB    uint32 = 0x0FF00 // 0xFF00 - 0xFFFF
)

// PduFormatOf extracts the PDU format byte of a PGN
func PduFormatOf(pgn uint32) uint8 {
	return uint8(pgn >> 8)
}

// IsDestinationSpecific reports whether messages of this PGN carry
// an explicit destination address
func IsDestinationSpecific(pgn uint32) bool {
	return PduFormatOf(pgn) < Pdu2Threshold
}
