// This package parses J1939 node profiles : ini files regrouping the
// device NAME fields, address claim parameters and transport protocol
// tuning of one node.
package config

import (
	_ "embed"
	"fmt"

	"github.com/samsamfire/goj1939/pkg/claim"
	"github.com/samsamfire/goj1939/pkg/name"
	"github.com/samsamfire/goj1939/pkg/node"
	"github.com/samsamfire/goj1939/pkg/transport"
	"gopkg.in/ini.v1"
)

//go:embed default.ini
var rawDefaultProfile []byte

// Return the embedded default node profile
func Default() node.Config {
	cfg, err := Parse(rawDefaultProfile)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse a node profile
// file can be either a path, an *os.File or []byte
func Parse(file any) (node.Config, error) {
	profile, err := ini.Load(file)
	if err != nil {
		return node.Config{}, fmt.Errorf("failed to load profile : %v", err)
	}
	cfg := node.Config{}

	device := profile.Section("Device")
	fields := name.Fields{
		ArbitraryAddressCapable: device.Key("ArbitraryAddressCapable").MustBool(false),
		IndustryGroup:           uint8(device.Key("IndustryGroup").MustUint(0)),
		VehicleSystemInstance:   uint8(device.Key("VehicleSystemInstance").MustUint(0)),
		VehicleSystem:           uint8(device.Key("VehicleSystem").MustUint(0)),
		Function:                uint8(device.Key("Function").MustUint(0)),
		FunctionInstance:        uint8(device.Key("FunctionInstance").MustUint(0)),
		EcuInstance:             uint8(device.Key("EcuInstance").MustUint(0)),
		ManufacturerCode:        uint16(device.Key("ManufacturerCode").MustUint(0)),
		IdentityNumber:          uint32(device.Key("IdentityNumber").MustUint(0)),
	}

	section := profile.Section("AddressClaim")
	cfg.Claim = claim.Config{
		Name:             name.New(fields),
		PreferredAddress: uint8(section.Key("PreferredAddress").MustUint(128)),
		ClaimDelayMs:     uint16(section.Key("ClaimDelayMs").MustUint(0)),
	}
	poolStart := section.Key("PoolStart").MustUint(0)
	poolEnd := section.Key("PoolEnd").MustUint(0)
	if poolEnd < poolStart || poolEnd > 253 {
		return node.Config{}, fmt.Errorf("invalid address pool : %v-%v", poolStart, poolEnd)
	}
	if poolStart > 0 || poolEnd > 0 {
		pool := make([]uint8, 0, poolEnd-poolStart+1)
		for a := poolStart; a <= poolEnd; a++ {
			pool = append(pool, uint8(a))
		}
		cfg.Claim.AddressPool = pool
	}

	section = profile.Section("Transport")
	cfg.Transport = transport.Config{
		MaxPayloadSize:    uint16(section.Key("MaxPayloadSize").MustUint(0)),
		ResponseTimeoutMs: uint16(section.Key("ResponseTimeoutMs").MustUint(0)),
		PacketTimeoutMs:   uint16(section.Key("PacketTimeoutMs").MustUint(0)),
		CtsTimeoutMs:      uint16(section.Key("CtsTimeoutMs").MustUint(0)),
		HoldTimeoutMs:     uint16(section.Key("HoldTimeoutMs").MustUint(0)),
		BamGapMs:          uint16(section.Key("BamGapMs").MustUint(0)),
		BurstGapMs:        uint16(section.Key("BurstGapMs").MustUint(0)),
		MaxBurst:          uint8(section.Key("MaxBurst").MustUint(0)),
		MaxCtsHolds:       uint8(section.Key("MaxCtsHolds").MustUint(0)),
		SessionLifetimeMs: uint32(section.Key("SessionLifetimeMs").MustUint(0)),
	}
	return cfg, nil
}
