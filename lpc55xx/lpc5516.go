package lpc55xx

import (
	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/target"
)

// LPC5516 flash programming algorithm parameters (from the NXP device
// family pack). Only the probe window sizing uses them here.
var lpc5516FlashAlgo = target.FlashAlgo{
	LoadAddress: 0x20000000,
	PageSize:    0x200,
	FlashStart:  0x0,
	FlashSize:   0x3D000,
	SectorSizes: []target.SectorRange{{Offset: 0x0, Size: 0x8000}},
}

// LPC5516MemoryMap returns the builtin memory map of the LPC5516.
func LPC5516MemoryMap() (*target.MemoryMap, error) {
	m, err := target.NewMemoryMap(
		target.MemoryRegion{
			Name: "nsflash", Start: 0x00000000, Length: 0x3D000, Access: "rx",
			Kind: target.RegionFlash, BlockSize: 0x200, Algo: &lpc5516FlashAlgo,
		},
		target.MemoryRegion{
			Name: "nsrom", Start: 0x03000000, Length: 0x00020000, Access: "rx",
			Kind: target.RegionROM,
		},
		target.MemoryRegion{
			Name: "nscoderam", Start: 0x04000000, Length: 0x00004000, Access: "rwx",
			Kind: target.RegionRAM,
		},
		target.MemoryRegion{
			Name: "nsram", Start: 0x20000000, Length: 0x00010000, Access: "rwx",
			Kind: target.RegionRAM,
		},
		target.MemoryRegion{
			Name: "usbram", Start: 0x20010000, Length: 0x00004000, Access: "rwx",
			Kind: target.RegionRAM,
		},
	)
	return m, errors.Trace(err)
}
