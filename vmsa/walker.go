package vmsa

// WalkOp tells the walker whether to keep descending after a callback.
type WalkOp int

const (
	WalkContinue WalkOp = iota
	WalkStop
)

// WalkResultType classifies how a walk ended.
type WalkResultType int

const (
	// WalkComplete means the walk reached a block or page mapping.
	WalkComplete WalkResultType = iota
	// WalkStopped means a callback ended the walk early.
	WalkStopped
	// WalkFailed means an invalid or wrong-kind descriptor, an unmapped
	// table address, or a primitive failure ended the walk.
	WalkFailed
	// WalkUndefined means the walk never ran.
	WalkUndefined
)

func (t WalkResultType) String() string {
	switch t {
	case WalkComplete:
		return "complete"
	case WalkStopped:
		return "stopped"
	case WalkFailed:
		return "failed"
	}
	return "undefined"
}

// WalkPosition is the walker's position at one lookup level.
type WalkPosition struct {
	Level        Level
	TableAddress VirtAddr
	EntryOffset  Offset
}

// WalkResult describes where a walk ended. Descriptor holds the raw word
// read at the deepest level visited.
type WalkResult struct {
	Type          WalkResultType
	Level         Level
	Descriptor    Descriptor
	OutputAddress PhysAddr
}

// WalkCallback observes one visited level. The entry may be mutated; the
// walker descends through the entry's output address as it stands when
// the callback returns. Returning WalkStop ends the walk.
type WalkCallback func(pos *WalkPosition, entry *Entry) WalkOp

func walkContinue(*WalkPosition, *Entry) WalkOp { return WalkContinue }

// Walker resolves virtual addresses through the target's translation
// tables. It keeps no state between calls.
type Walker struct {
	config    MMUConfig
	tableBase VirtAddr
	prims     ReadPrimitives
}

// NewWalker returns a walker over the translation tables rooted at
// tableBase (a target virtual address).
func NewWalker(config MMUConfig, tableBase VirtAddr, prims ReadPrimitives) *Walker {
	return &Walker{config: config, tableBase: tableBase, prims: prims}
}

// WalkTo descends the translation tables toward addr, invoking cb at every
// visited level. A nil cb never stops the walk.
func (w *Walker) WalkTo(addr VirtAddr, cb WalkCallback) WalkResult {
	if cb == nil {
		cb = walkContinue
	}

	result := WalkResult{
		Type:          WalkUndefined,
		Level:         w.config.InitialLevel,
		OutputAddress: InvalidPhys,
	}
	pos := WalkPosition{
		Level:        w.config.InitialLevel,
		TableAddress: w.tableBase,
	}
	va := NewVirtualAddress(w.config.Granule, addr, w.config.RegionSizeOffset)

	failed := func() WalkResult {
		result.Type = WalkFailed
		result.OutputAddress = InvalidPhys
		return result
	}
	stopped := func(entry *Entry) WalkResult {
		result.Type = WalkStopped
		result.OutputAddress = entry.OutputAddress()
		return result
	}

	for {
		result.Level = pos.Level
		result.Descriptor = 0

		pos.EntryOffset = va.OffsetForLevel(pos.Level)

		desc, err := w.prims.ReadAddress(pos.TableAddress + VirtAddr(pos.EntryOffset))
		if err != nil {
			return failed()
		}
		result.Descriptor = desc
		entry := NewEntry(w.config.Granule, pos.Level, desc)

		switch pos.Level {
		case Level0:
			// Only table descriptors exist at the top level.
			if !entry.IsTable() {
				return failed()
			}
			if cb(&pos, entry) == WalkStop {
				return stopped(entry)
			}
			pos.TableAddress = w.prims.PhysicalToVirtual(entry.OutputAddress())

		case Level1, Level2:
			if !entry.IsValid() {
				return failed()
			}
			if cb(&pos, entry) == WalkStop {
				return stopped(entry)
			}
			if !entry.IsTable() {
				if !entry.IsBlock() {
					return failed()
				}
				result.Type = WalkComplete
				result.OutputAddress = entry.OutputAddress()
				return result
			}
			pos.TableAddress = w.prims.PhysicalToVirtual(entry.OutputAddress())

		case Level3:
			if !entry.IsPage() {
				return failed()
			}
			if cb(&pos, entry) == WalkStop {
				return stopped(entry)
			}
			result.Type = WalkComplete
			result.OutputAddress = entry.OutputAddress()
			return result
		}

		if pos.TableAddress == InvalidVirt {
			return failed()
		}
		pos.Level = pos.Level.Next()
	}
}

// FindPhysicalAddress resolves addr to its physical mapping, or
// InvalidPhys when no valid mapping exists. The virtual offset is merged
// in under the granule page mask even when the walk terminates at a
// block, so intra-block bits above the granule are not preserved.
func (w *Walker) FindPhysicalAddress(addr VirtAddr) PhysAddr {
	pageMask := VirtAddr(w.config.Granule) - 1

	result := w.WalkTo(addr, nil)
	if result.Type != WalkComplete {
		return InvalidPhys
	}
	return result.OutputAddress | PhysAddr(addr&pageMask)
}

// ReverseWalkFrom resolves addr forward, then replays the visited levels
// from the deepest back to the initial one. It returns false when the
// forward walk fails or a callback stops the replay.
func (w *Walker) ReverseWalkFrom(addr VirtAddr, cb WalkCallback) bool {
	if cb == nil {
		cb = walkContinue
	}

	type visit struct {
		pos  WalkPosition
		desc Descriptor
	}
	var visits []visit

	result := w.WalkTo(addr, func(pos *WalkPosition, entry *Entry) WalkOp {
		visits = append(visits, visit{pos: *pos, desc: entry.Descriptor()})
		return WalkContinue
	})
	if result.Type == WalkFailed {
		return false
	}

	for i := len(visits) - 1; i >= 0; i-- {
		entry := NewEntry(w.config.Granule, visits[i].pos.Level, visits[i].desc)
		if cb(&visits[i].pos, entry) == WalkStop {
			return false
		}
	}
	return true
}
