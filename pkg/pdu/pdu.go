// This package implements the J1939 frame codec : conversion between
// raw 29-bit identifier CAN frames and structured protocol data units.
package pdu

import (
	j1939 "github.com/samsamfire/goj1939"
)

// A PDU is the decoded view of a single J1939 CAN frame.
// Destination is AddressGlobal for PDU2 (broadcast) parameter groups.
type PDU struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
	Data        []byte
}

// Decode converts a raw frame into a PDU. It is total : any 29-bit
// identifier and any payload length up to 8 decodes structurally,
// validity judgements belong to higher layers.
func Decode(frame j1939.Frame) PDU {
	id := NewID(frame.ID)
	dlc := frame.DLC
	if dlc > 8 {
		dlc = 8
	}
	return PDU{
		Priority:    id.Priority(),
		PGN:         id.PGN(),
		Source:      id.Source(),
		Destination: id.Destination(),
		Data:        frame.Data[:dlc],
	}
}

// Encode converts a PDU into a raw frame.
// Payloads larger than 8 bytes must go through the transport
// protocol first and are rejected here.
func (p PDU) Encode() (j1939.Frame, error) {
	switch {
	case len(p.Data) > 8:
		return j1939.Frame{}, j1939.ErrInvalidPdu
	case p.Priority > 7:
		return j1939.Frame{}, j1939.ErrInvalidPdu
	case p.PGN > MaxPgn:
		return j1939.Frame{}, j1939.ErrInvalidPdu
	}
	id := uint32(p.Priority)<<26 | p.PGN<<8 | uint32(p.Source)
	if IsDestinationSpecific(p.PGN) {
		// PDU specific byte of a PDU1 group is the destination address
		if p.PGN&0xFF != 0 {
			return j1939.Frame{}, j1939.ErrInvalidPdu
		}
		id |= uint32(p.Destination) << 8
	} else if p.Destination != AddressGlobal {
		// PDU2 groups have no destination field
		return j1939.Frame{}, j1939.ErrInvalidPdu
	}
	frame := j1939.NewFrame(id, 0, uint8(len(p.Data)))
	copy(frame.Data[:], p.Data)
	return frame, nil
}
