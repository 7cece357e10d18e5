package j1939

import "errors"

var (
	ErrIllegalArgument  = errors.New("error in function arguments")
	ErrInvalidPdu       = errors.New("pdu field out of range or payload does not fit a single frame")
	ErrAddressUnclaimed = errors.New("source address is not claimed")
	ErrNameConflict     = errors.New("address claim lost and no alternate address available")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum transport protocol size")
	ErrNoBus            = errors.New("no bus attached")
)
