package vmsa

// ReadPrimitives is the capability set a Walker needs from the host.
//
// ReadAddress reads one descriptor word from target virtual memory.
// PhysicalToVirtual maps a target physical address to a virtual address the
// other primitives accept, returning InvalidVirt when no mapping exists.
// Both must be synchronous and must not re-enter the library.
type ReadPrimitives interface {
	ReadAddress(addr VirtAddr) (Descriptor, error)
	PhysicalToVirtual(addr PhysAddr) VirtAddr
}

// RelocationPrimitives is the full capability set a PageRelocator needs.
//
// AllocPhysicalMemory allocates size bytes of physical memory and returns
// the virtual address it is mapped at; the allocation must be aligned to
// size. CopyInKernel copies size bytes between target virtual addresses.
// VirtualToPhysical returns InvalidPhys when no mapping exists.
type RelocationPrimitives interface {
	ReadPrimitives

	WriteAddress(addr VirtAddr, desc Descriptor) error
	CopyInKernel(dst, src VirtAddr, size uint32) error
	AllocPhysicalMemory(size uint32) (VirtAddr, error)
	DeallocPhysicalMemory(addr VirtAddr, size uint32) error
	VirtualToPhysical(addr VirtAddr) PhysAddr
}
