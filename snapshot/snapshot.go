//go:build unix

// Package snapshot drives the vmsa toolkit against a raw physical memory
// dump on disk. The dump is mapped read-write into the host process and a
// YAML sidecar describes how the target laid its memory out: where the
// dump sits in physical space, the linear slide between target virtual
// and physical addresses, the TCR_EL1 value, the translation table base,
// and a free physical region that backs clone allocations.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pagewalk/vmsa"
)

// AArch64 targets are little-endian in every configuration this package
// cares about.
var dumpEndian = binary.LittleEndian

// Config is the YAML sidecar of a memory dump.
type Config struct {
	// PhysBase is the physical address of the first byte of the dump.
	PhysBase uint64 `yaml:"phys_base"`
	// VirtSlide is the linear offset between target virtual and physical
	// addresses: virt = phys + slide.
	VirtSlide uint64 `yaml:"virt_slide"`
	// TCREL1 is the target's TCR_EL1 value at capture time.
	TCREL1 uint64 `yaml:"tcr_el1"`
	// TTBR is the physical translation table base at capture time.
	TTBR uint64 `yaml:"ttbr"`
	// FreeBase/FreeSize name a physical region inside the dump that the
	// target was not using; relocation clones are carved out of it.
	FreeBase uint64 `yaml:"free_base"`
	FreeSize uint64 `yaml:"free_size"`
}

// Target is a memory dump opened for inspection and relocation. It
// implements vmsa.RelocationPrimitives.
type Target struct {
	f   *os.File
	mem []byte
	cfg Config

	parser *vmsa.MMUConfigParser

	nextFree uint64
}

var _ vmsa.RelocationPrimitives = (*Target)(nil)

// Open maps the dump at dumpPath and parses its sidecar at configPath.
func Open(dumpPath, configPath string) (*Target, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("snapshot: parse config: %w", err)
	}

	parser := vmsa.NewMMUConfigParser()
	if err := parser.SetTCR_EL1(vmsa.TCR_EL1(cfg.TCREL1)); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	f, err := os.OpenFile(dumpPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open dump: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: stat dump: %w", err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("snapshot: empty dump %s", dumpPath)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: map dump: %w", err)
	}

	if cfg.FreeBase < cfg.PhysBase ||
		cfg.FreeBase+cfg.FreeSize > cfg.PhysBase+uint64(len(mem)) {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("snapshot: free region [%#x,%#x) outside dump",
			cfg.FreeBase, cfg.FreeBase+cfg.FreeSize)
	}

	slog.Debug("snapshot: mapped dump",
		"path", dumpPath, "size", len(mem),
		"phys_base", fmt.Sprintf("%#x", cfg.PhysBase))

	return &Target{
		f:        f,
		mem:      mem,
		cfg:      cfg,
		parser:   parser,
		nextFree: cfg.FreeBase,
	}, nil
}

// Close unmaps the dump. Descriptor rewrites performed through the target
// have already reached the file through the shared mapping.
func (t *Target) Close() error {
	if t.mem != nil {
		if err := unix.Munmap(t.mem); err != nil {
			slog.Error("snapshot: munmap dump", "error", err)
		}
		t.mem = nil
	}
	return t.f.Close()
}

// Config returns the parsed sidecar.
func (t *Target) Config() Config { return t.cfg }

// MMUConfig returns the translation regime the sidecar's TCR_EL1 value
// describes for an Exception level.
func (t *Target) MMUConfig(el vmsa.ExceptionLevel) vmsa.MMUConfig {
	return t.parser.ConfigFor(el)
}

// TableBase returns the translation table base as a target virtual
// address.
func (t *Target) TableBase() vmsa.VirtAddr {
	return vmsa.VirtAddr(t.cfg.TTBR + t.cfg.VirtSlide)
}

// Walker returns a table walker for an Exception level's regime.
func (t *Target) Walker(el vmsa.ExceptionLevel) *vmsa.Walker {
	return vmsa.NewWalker(t.MMUConfig(el), t.TableBase(), t)
}

// Relocator returns a page relocator for an Exception level's regime.
func (t *Target) Relocator(el vmsa.ExceptionLevel) *vmsa.PageRelocator {
	return vmsa.NewPageRelocator(t.MMUConfig(el), t.TableBase(), t)
}

// physRange resolves a physical range to an offset into the mapping.
func (t *Target) physRange(addr uint64, size uint64) (uint64, error) {
	if addr < t.cfg.PhysBase || addr+size > t.cfg.PhysBase+uint64(len(t.mem)) {
		return 0, fmt.Errorf("snapshot: physical range [%#x,%#x) outside dump", addr, addr+size)
	}
	return addr - t.cfg.PhysBase, nil
}

func (t *Target) virtRange(addr vmsa.VirtAddr, size uint64) (uint64, error) {
	return t.physRange(uint64(addr)-t.cfg.VirtSlide, size)
}

// ReadAddress implements vmsa.ReadPrimitives.
func (t *Target) ReadAddress(addr vmsa.VirtAddr) (vmsa.Descriptor, error) {
	off, err := t.virtRange(addr, 8)
	if err != nil {
		return 0, err
	}
	return vmsa.Descriptor(dumpEndian.Uint64(t.mem[off:])), nil
}

// WriteAddress implements vmsa.RelocationPrimitives.
func (t *Target) WriteAddress(addr vmsa.VirtAddr, desc vmsa.Descriptor) error {
	off, err := t.virtRange(addr, 8)
	if err != nil {
		return err
	}
	dumpEndian.PutUint64(t.mem[off:], uint64(desc))
	return nil
}

// CopyInKernel implements vmsa.RelocationPrimitives.
func (t *Target) CopyInKernel(dst, src vmsa.VirtAddr, size uint32) error {
	dstOff, err := t.virtRange(dst, uint64(size))
	if err != nil {
		return err
	}
	srcOff, err := t.virtRange(src, uint64(size))
	if err != nil {
		return err
	}
	copy(t.mem[dstOff:dstOff+uint64(size)], t.mem[srcOff:srcOff+uint64(size)])
	return nil
}

// AllocPhysicalMemory implements vmsa.RelocationPrimitives with a bump
// allocator over the sidecar's free region.
func (t *Target) AllocPhysicalMemory(size uint32) (vmsa.VirtAddr, error) {
	sz := uint64(size)
	if sz == 0 || sz&(sz-1) != 0 {
		return vmsa.InvalidVirt, fmt.Errorf("snapshot: allocation size %d not a power of two", size)
	}

	base := (t.nextFree + sz - 1) &^ (sz - 1)
	if base+sz > t.cfg.FreeBase+t.cfg.FreeSize {
		return vmsa.InvalidVirt, fmt.Errorf("snapshot: free region exhausted")
	}
	t.nextFree = base + sz

	return vmsa.VirtAddr(base + t.cfg.VirtSlide), nil
}

// DeallocPhysicalMemory implements vmsa.RelocationPrimitives. The bump
// allocator does not reclaim; a freed clone is simply forgotten.
func (t *Target) DeallocPhysicalMemory(addr vmsa.VirtAddr, size uint32) error {
	if _, err := t.virtRange(addr, uint64(size)); err != nil {
		return err
	}
	return nil
}

// PhysicalToVirtual implements vmsa.ReadPrimitives.
func (t *Target) PhysicalToVirtual(addr vmsa.PhysAddr) vmsa.VirtAddr {
	if _, err := t.physRange(uint64(addr), 1); err != nil {
		return vmsa.InvalidVirt
	}
	return vmsa.VirtAddr(uint64(addr) + t.cfg.VirtSlide)
}

// VirtualToPhysical implements vmsa.RelocationPrimitives.
func (t *Target) VirtualToPhysical(addr vmsa.VirtAddr) vmsa.PhysAddr {
	phys := uint64(addr) - t.cfg.VirtSlide
	if _, err := t.physRange(phys, 1); err != nil {
		return vmsa.InvalidPhys
	}
	return vmsa.PhysAddr(phys)
}
