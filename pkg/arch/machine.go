package arch

import "encoding/binary"

// Memory layout of a user address space.
const (
	// PageSize is the size of a virtual page and of a physical frame.
	PageSize = 4096
	// PageFrame masks an address down to its page.
	PageFrame = ^uint32(PageSize - 1)
	// UserSpaceTop is the first address that is not user accessible.
	UserSpaceTop = 0x80000000
	// UserStack is the initial top of a user stack.
	UserStack = UserSpaceTop
	// WordSize is the natural alignment of the machine.
	WordSize = 4
	// StackAlign is the alignment of the stack pointer on program entry.
	StackAlign = 8
	// InstructionSize is how far EPC moves past a syscall instruction.
	InstructionSize = 4
)

// ByteOrder is the order of words stored in user memory.
var ByteOrder = binary.BigEndian

// RoundUp rounds n up to a multiple of align, which must be a power of two.
func RoundUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// RoundDown rounds n down to a multiple of align, which must be a power of two.
func RoundDown(n, align uint32) uint32 {
	return n &^ (align - 1)
}

// IsUserAddress reports whether the range [addr, addr+n) lies in user space.
func IsUserAddress(addr, n uint32) bool {
	end := uint64(addr) + uint64(n)
	return end <= UserSpaceTop
}
