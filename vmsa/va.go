package vmsa

import "fmt"

// Table index widths per granule and level (VMSAv8-64 input address
// layouts, ARM ARM figures D4-3, D4-4 and D4-5).
//
//	granule  L0  L1  L2  L3
//	4K        9   9   9   9
//	16K       1  11  11  11
//	64K       -   6  13  13
func levelIndexField(granule Granule, level Level) (shift, bits uint) {
	switch granule {
	case Granule4K:
		return 12 + 9*uint(Level3-level), 9
	case Granule16K:
		if level == Level0 {
			return 47, 1
		}
		return 14 + 11*uint(Level3-level), 11
	case Granule64K:
		switch level {
		case Level1:
			return 42, 6
		case Level2:
			return 29, 13
		case Level3:
			return 16, 13
		}
		panic("vmsa: level 0 is not defined for the 64K granule")
	}
	panic(fmt.Sprintf("vmsa: table index of undefined granule %#x", uint64(granule)))
}

// VirtualAddress decomposes a virtual address into per-level table offsets
// for one granule and region size offset.
type VirtualAddress struct {
	addr             VirtAddr
	granule          Granule
	regionSizeOffset uint32
}

// NewVirtualAddress interprets addr under the given granule. The region
// size offset (TnSZ) masks off that many high bits of the address before
// any index is extracted; it must be below 64.
func NewVirtualAddress(granule Granule, addr VirtAddr, regionSizeOffset uint32) VirtualAddress {
	if regionSizeOffset >= 64 {
		panic(fmt.Sprintf("vmsa: region size offset %d out of range", regionSizeOffset))
	}
	return VirtualAddress{addr: addr, granule: granule, regionSizeOffset: regionSizeOffset}
}

// Raw returns the undecomposed address.
func (va VirtualAddress) Raw() VirtAddr { return va.addr }

// RegionSizeOffset returns the TnSZ value the address is interpreted under.
func (va VirtualAddress) RegionSizeOffset() uint32 { return va.regionSizeOffset }

// OffsetForLevel returns the byte offset into a table at the given lookup
// level where the descriptor for this address lives. Requesting Level0
// under the 64K granule panics: the format does not define it.
func (va VirtualAddress) OffsetForLevel(level Level) Offset {
	if level < Level0 || level > Level3 {
		panic(fmt.Sprintf("vmsa: table offset of undefined level %d", int(level)))
	}

	addr := va.addr
	if va.regionSizeOffset > 0 {
		addr &= 1<<(64-va.regionSizeOffset) - 1
	}

	shift, bits := levelIndexField(va.granule, level)
	index := (uint64(addr) >> shift) & (1<<bits - 1)
	return Offset(index * descriptorSize)
}
