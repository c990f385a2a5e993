package wire

// Part type identifiers for the parts concatenated inside a frame
// (spec §3 "Wire frame"). Values below 0xFF00 are reserved for
// protocol use; 0xFFFF is reserved for noise/padding fill
// (see core.scheduler's partTypeNoise).
const (
	PartTypeHello       uint16 = 0x0001
	PartTypeSetkey      uint16 = 0x0002
	PartTypePing        uint16 = 0x0003
	PartTypePong        uint16 = 0x0004
	PartTypeHangup      uint16 = 0x0005
	PartTypeFragment    uint16 = 0x0006
	PartTypeApplication uint16 = 0x0100
)
