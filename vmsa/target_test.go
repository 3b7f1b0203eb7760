package vmsa

import "fmt"

// Toy translation target: a 4K-granule tree whose tables are rows of four
// descriptors in a two-dimensional array. Physical and virtual addresses
// are identical, and one "page" is one row. The regime comes from
// TCR_EL1 = 0x2A51C251C (T1SZ=28, TG1=4K), so walks start at level 1.
//
//	L1 ─[1]→ L2.1 ─[2]→ L3.0 ─[1]→ page A
//	  │          └─[3]→ L3.1 ─[3]→ page B
//	  └─[3]→ L2.3 ─[0]→ L3.2 ─[0]→ page C
//	             └─[1]→ L3.3 ─[2]→ page D
const testTCR = TCR_EL1(0x2A51C251C)

const (
	testRowL1 = 1
	testRowL2 = 3  // L2.1
	testRowL3 = 6  // L3.0
	testPageA = 10
	testPageB = 11
	testPageC = 12
	testPageD = 13

	testFirstFreeRow = 14
	testNumRows      = 26

	// Row addresses spread rows out so that each row address is aligned
	// like a real 4K table page.
	testRowShift = 19
)

func rowAddr(row int) VirtAddr {
	return VirtAddr(uint64(row) << testRowShift)
}

// makeEntry builds a valid descriptor whose output address names a row.
// table also sets the type bit (a table at L0-L2, a page at L3).
func makeEntry(row int, table bool) Descriptor {
	desc := Descriptor(rowAddr(row)) | descValid
	if table {
		desc |= descTypeBit
	}
	return desc
}

// makeVA assembles a 4K-granule virtual address from per-level table
// indexes and a 64-bit word index into the final page.
func makeVA(e0, e1, e2, e3, word uint64) VirtAddr {
	return VirtAddr(e0<<39 | e1<<30 | e2<<21 | e3<<12 | word*8)
}

type testTarget struct {
	tables [testNumRows][4]Descriptor

	nextFree int
	freed    []VirtAddr

	failAlloc bool
}

func newTestTarget() *testTarget {
	t := &testTarget{nextFree: testFirstFreeRow}

	t.tables[0] = [4]Descriptor{makeEntry(1, true), 0, 0, 0} // L0 (unused at T1SZ=28)
	t.tables[1] = [4]Descriptor{0, makeEntry(3, true), 0, makeEntry(5, true)}
	t.tables[3] = [4]Descriptor{0, 0, makeEntry(6, true), makeEntry(7, true)}
	t.tables[5] = [4]Descriptor{makeEntry(8, true), makeEntry(9, true), 0, 0}
	t.tables[6] = [4]Descriptor{0, makeEntry(10, true), 0, 0}
	t.tables[7] = [4]Descriptor{0, 0, 0, makeEntry(11, true)}
	t.tables[8] = [4]Descriptor{makeEntry(12, true), 0, 0, 0}
	t.tables[9] = [4]Descriptor{0, 0, makeEntry(13, true), 0}
	t.tables[10] = [4]Descriptor{0xAAAAAAAA11111111, 0xAAAAAAAA22222222, 0xAAAAAAAA33333333, 0xAAAAAAAA44444444}
	t.tables[11] = [4]Descriptor{0xBBBBBBBB11111111, 0xBBBBBBBB22222222, 0xBBBBBBBB33333333, 0xBBBBBBBB44444444}
	t.tables[12] = [4]Descriptor{0xCCCCCCCC11111111, 0xCCCCCCCC22222222, 0xCCCCCCCC33333333, 0xCCCCCCCC44444444}
	t.tables[13] = [4]Descriptor{0xDDDDDDDD11111111, 0xDDDDDDDD22222222, 0xDDDDDDDD33333333, 0xDDDDDDDD44444444}

	return t
}

// testMMUConfig returns the EL1 regime of the toy target.
func testMMUConfig() MMUConfig {
	parser := NewMMUConfigParser()
	if err := parser.SetTCR_EL1(testTCR); err != nil {
		panic(err)
	}
	return parser.ConfigFor(EL1)
}

func (t *testTarget) locate(addr VirtAddr) (row, entry int, err error) {
	word := uint64(addr) / descriptorSize
	row = int(word >> (testRowShift - 3))
	entry = int(word & 0xF)
	if row < 0 || row >= testNumRows || entry >= 4 {
		return 0, 0, fmt.Errorf("unmapped toy address %#x", uint64(addr))
	}
	return row, entry, nil
}

func (t *testTarget) ReadAddress(addr VirtAddr) (Descriptor, error) {
	row, entry, err := t.locate(addr)
	if err != nil {
		return 0, err
	}
	return t.tables[row][entry], nil
}

func (t *testTarget) WriteAddress(addr VirtAddr, desc Descriptor) error {
	row, entry, err := t.locate(addr)
	if err != nil {
		return err
	}
	t.tables[row][entry] = desc
	return nil
}

// CopyInKernel copies one toy page: a full four-entry row.
func (t *testTarget) CopyInKernel(dst, src VirtAddr, size uint32) error {
	dstRow, _, err := t.locate(dst)
	if err != nil {
		return err
	}
	srcRow, _, err := t.locate(src)
	if err != nil {
		return err
	}
	t.tables[dstRow] = t.tables[srcRow]
	return nil
}

func (t *testTarget) AllocPhysicalMemory(size uint32) (VirtAddr, error) {
	if t.failAlloc || t.nextFree >= testNumRows {
		return InvalidVirt, fmt.Errorf("toy allocator exhausted")
	}
	row := t.nextFree
	t.nextFree++
	t.tables[row] = [4]Descriptor{}
	return rowAddr(row), nil
}

func (t *testTarget) DeallocPhysicalMemory(addr VirtAddr, size uint32) error {
	t.freed = append(t.freed, addr)
	return nil
}

// The toy target keeps physical and virtual addresses identical.
func (t *testTarget) PhysicalToVirtual(addr PhysAddr) VirtAddr { return VirtAddr(addr) }
func (t *testTarget) VirtualToPhysical(addr VirtAddr) PhysAddr { return PhysAddr(addr) }

// readWord reads one 64-bit word through a resolved physical address.
func (t *testTarget) readWord(addr PhysAddr) Descriptor {
	desc, err := t.ReadAddress(VirtAddr(addr))
	if err != nil {
		return Descriptor(InvalidPhys)
	}
	return desc
}
