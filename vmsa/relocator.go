package vmsa

import (
	"fmt"
	"log/slog"
	"slices"
)

// RelocatorCallback inspects a descriptor that is about to be rewritten
// during relocation. oldEntry is a snapshot taken before the output
// address was redirected; newEntry already points at the clone and may be
// patched further. The returned descriptor word is what gets written back
// to the table.
type RelocatorCallback func(level Level, oldEntry, newEntry *Entry) Descriptor

func relocateKeep(_ Level, _, newEntry *Entry) Descriptor {
	return newEntry.Descriptor()
}

// relocation tracks one cloned target page.
type relocation struct {
	originalEntry Descriptor // descriptor before redirection
	allocatedPage VirtAddr   // where the clone is mapped
	refCount      uint32     // committed relocations sharing the clone
}

// staging holds the deferred leaf of a prepared, uncommitted relocation.
type staging struct {
	targetPageVA   VirtAddr
	allocatedPA    PhysAddr
	allocatedEntry Descriptor
	entryPosition  WalkPosition
	relocation     relocation
}

// PageRelocator moves the chain of translation table pages backing
// individual target pages onto freshly allocated clones, keeping enough
// state to restore the original tables later.
//
// A relocation is staged with PreparePageRelocationFor, which clones and
// rewrites every intermediate table descriptor immediately but defers the
// leaf page descriptor; CompleteRelocation publishes the leaf and
// CancelRelocation unwinds the staging. At most one relocation is staged
// at a time. Intermediate tables shared between committed relocations are
// cloned once and reference counted, so restores only free a shared clone
// when its last relocation goes away.
//
// The host must quiesce the target while a relocation is in flight; the
// relocator issues no barriers and no TLB maintenance.
type PageRelocator struct {
	config    MMUConfig
	tableBase VirtAddr
	prims     RelocationPrimitives

	pageSize uint32
	pageMask VirtAddr

	pending bool
	staged  staging

	relocatedPages []VirtAddr
	relocationMap  map[PhysAddr]*relocation
}

// NewPageRelocator returns a relocator over the translation tables rooted
// at tableBase (a target virtual address).
func NewPageRelocator(config MMUConfig, tableBase VirtAddr, prims RelocationPrimitives) *PageRelocator {
	if prims == nil {
		panic("vmsa: relocator with nil primitives")
	}
	return &PageRelocator{
		config:        config,
		tableBase:     tableBase,
		prims:         prims,
		pageSize:      uint32(config.Granule),
		pageMask:      VirtAddr(config.Granule) - 1,
		relocationMap: make(map[PhysAddr]*relocation),
	}
}

// IsPageRelocatedFor reports whether the page containing addr has a
// committed relocation.
func (r *PageRelocator) IsPageRelocatedFor(addr VirtAddr) bool {
	return slices.Contains(r.relocatedPages, addr&^r.pageMask)
}

// IsRelocationPendingFor reports whether the page containing addr is the
// target of the currently staged relocation.
func (r *PageRelocator) IsRelocationPendingFor(addr VirtAddr) bool {
	return r.pending && r.staged.targetPageVA == addr&^r.pageMask
}

// RelocatePageFor prepares and immediately commits a relocation for the
// page containing addr.
func (r *PageRelocator) RelocatePageFor(addr VirtAddr, cb RelocatorCallback) bool {
	if r.PreparePageRelocationFor(addr, cb) == InvalidVirt {
		return false
	}
	return r.CompleteRelocation()
}

// PreparePageRelocationFor clones the translation chain backing the page
// that contains addr. Intermediate table descriptors are rewritten in
// place as the walk descends; the leaf page descriptor is staged and only
// published by CompleteRelocation. cb (which may be nil) sees every
// descriptor before it is written. A previously staged relocation is
// cancelled first.
//
// The returned address is where the leaf clone is mapped, or InvalidVirt
// when the page is already relocated or the walk fails. On failure the
// call rolls back through RestorePageFor, which reaches only the
// descriptors on a chain that still resolves from the table base:
// rewrites made above a level where that chain no longer resolves stay
// redirected, and clone pages the reverse walk does not reach are not
// freed.
func (r *PageRelocator) PreparePageRelocationFor(addr VirtAddr, cb RelocatorCallback) VirtAddr {
	if cb == nil {
		cb = relocateKeep
	}

	targetPageVA := addr &^ r.pageMask
	if slices.Contains(r.relocatedPages, targetPageVA) {
		return InvalidVirt
	}

	r.CancelRelocation()

	leafStaged := false
	walker := NewWalker(r.config, r.tableBase, r.prims)
	result := walker.WalkTo(addr, func(pos *WalkPosition, entry *Entry) WalkOp {
		nextLevelPA := entry.OutputAddress()

		// A committed relocation already cloned this page; share it.
		if rel, ok := r.relocationMap[nextLevelPA]; ok {
			rel.refCount++
			return WalkContinue
		}

		cloneVA, err := r.prims.AllocPhysicalMemory(r.pageSize)
		if err != nil {
			slog.Debug("relocator: clone allocation failed", "level", pos.Level, "error", err)
			return WalkStop
		}
		if cloneVA&r.pageMask != 0 {
			panic(fmt.Sprintf("vmsa: allocator returned unaligned page %#x", uint64(cloneVA)))
		}

		nextLevelVA := r.prims.PhysicalToVirtual(nextLevelPA)
		if nextLevelVA == InvalidVirt {
			return WalkStop
		}
		if err := r.prims.CopyInKernel(cloneVA, nextLevelVA, r.pageSize); err != nil {
			slog.Debug("relocator: clone copy failed", "level", pos.Level, "error", err)
			return WalkStop
		}

		clonePA := r.prims.VirtualToPhysical(cloneVA)
		if clonePA == InvalidPhys {
			return WalkStop
		}

		oldEntry := entry.Clone()
		entry.SetOutputAddress(clonePA)
		newDesc := cb(pos.Level, oldEntry, entry)

		rel := relocation{
			originalEntry: oldEntry.Descriptor(),
			allocatedPage: cloneVA,
			refCount:      1,
		}

		if !entry.IsPage() {
			// Intermediate table: publish the redirected descriptor now.
			if err := r.prims.WriteAddress(pos.TableAddress+VirtAddr(pos.EntryOffset), newDesc); err != nil {
				slog.Debug("relocator: descriptor write failed", "level", pos.Level, "error", err)
				return WalkStop
			}
			r.relocationMap[clonePA] = &rel
		} else {
			// Leaf page: defer the write until CompleteRelocation.
			r.staged = staging{
				allocatedPA:    clonePA,
				allocatedEntry: newDesc,
				entryPosition:  *pos,
				relocation:     rel,
			}
			leafStaged = true
		}
		return WalkContinue
	})

	// A walk that terminates at a block never stages a leaf; block-mapped
	// regions cannot be relocated page-wise.
	if result.Type != WalkComplete || !leafStaged {
		// RestorePageFor only accepts committed or staged targets, so the
		// half-built chain is staged for the duration of the rollback.
		r.staged.targetPageVA = targetPageVA
		r.pending = true
		r.RestorePageFor(targetPageVA)
		r.pending = false
		return InvalidVirt
	}

	r.staged.targetPageVA = targetPageVA
	r.pending = true

	slog.Debug("relocator: staged relocation",
		"target", fmt.Sprintf("%#x", uint64(targetPageVA)),
		"clone", fmt.Sprintf("%#x", uint64(r.staged.relocation.allocatedPage)))

	return r.staged.relocation.allocatedPage
}

// CompleteRelocation publishes the staged leaf descriptor and records the
// relocation. It reports whether a staged relocation existed and its leaf
// write succeeded.
func (r *PageRelocator) CompleteRelocation() bool {
	if !r.pending {
		return false
	}

	pos := r.staged.entryPosition
	if err := r.prims.WriteAddress(pos.TableAddress+VirtAddr(pos.EntryOffset), r.staged.allocatedEntry); err != nil {
		slog.Debug("relocator: leaf write failed", "error", err)
		return false
	}

	rel := r.staged.relocation
	r.relocationMap[r.staged.allocatedPA] = &rel
	r.relocatedPages = append(r.relocatedPages, r.staged.targetPageVA)
	r.pending = false

	slog.Debug("relocator: committed relocation",
		"target", fmt.Sprintf("%#x", uint64(r.staged.targetPageVA)))

	return true
}

// CancelRelocation frees the staged leaf clone and unwinds the
// intermediate table clones of the staged relocation. It reports false
// when nothing was staged.
func (r *PageRelocator) CancelRelocation() bool {
	if !r.pending {
		return false
	}

	if err := r.prims.DeallocPhysicalMemory(r.staged.relocation.allocatedPage, r.pageSize); err != nil {
		slog.Debug("relocator: leaf clone dealloc failed", "error", err)
	}

	ok := r.RestorePageFor(r.staged.targetPageVA)
	r.pending = false

	return ok
}

// RestorePageFor reverses the relocation of the page containing addr:
// walking the chain from the leaf back up, every descriptor whose output
// address names a tracked clone drops one reference, and the last
// reference writes the original descriptor back and frees the clone. A
// committed target is also removed from the relocated page list.
//
// It reports false when the page is neither committed nor the staged
// target, or the reverse walk fails.
func (r *PageRelocator) RestorePageFor(addr VirtAddr) bool {
	targetPageVA := addr &^ r.pageMask

	if !slices.Contains(r.relocatedPages, targetPageVA) {
		if !r.pending || r.staged.targetPageVA != targetPageVA {
			return false
		}
	}

	walker := NewWalker(r.config, r.tableBase, r.prims)
	ok := walker.ReverseWalkFrom(addr, func(pos *WalkPosition, entry *Entry) WalkOp {
		levelPA := entry.OutputAddress()
		rel, found := r.relocationMap[levelPA]
		if !found {
			return WalkContinue
		}

		if rel.refCount > 1 {
			rel.refCount--
			return WalkContinue
		}

		// Last reference: put the original descriptor back and free the
		// clone.
		if err := r.prims.WriteAddress(pos.TableAddress+VirtAddr(pos.EntryOffset), rel.originalEntry); err != nil {
			slog.Debug("relocator: descriptor restore failed", "level", pos.Level, "error", err)
			return WalkStop
		}
		if err := r.prims.DeallocPhysicalMemory(rel.allocatedPage, r.pageSize); err != nil {
			slog.Debug("relocator: clone dealloc failed", "level", pos.Level, "error", err)
		}
		delete(r.relocationMap, levelPA)

		return WalkContinue
	})

	if !r.IsRelocationPendingFor(targetPageVA) {
		r.relocatedPages = slices.DeleteFunc(r.relocatedPages, func(va VirtAddr) bool {
			return va == targetPageVA
		})
	}

	return ok
}
