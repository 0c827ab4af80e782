package vm

import (
	"sync"

	"github.com/pkg/errors"

	"kernos/pkg/arch"
	"kernos/pkg/logging"
)

// StackPages is the number of pages in a user stack.
const StackPages = 12

// Perm is a set of region access rights.
type Perm uint8

// Region permissions.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// AddressSpace is a process's view of memory.
type AddressSpace interface {
	// Copy returns an independent duplicate. On failure nothing is allocated.
	Copy() (AddressSpace, error)
	// Activate makes the space the current translation context.
	Activate()
	// Deactivate drops the space from the translation context.
	Deactivate()
	// Destroy releases every frame. The space must not be active.
	Destroy()

	// DefineRegion maps zero-filled pages covering [vaddr, vaddr+size).
	DefineRegion(vaddr, size uint32, perm Perm) error
	// PrepareLoad makes every region writable while an image is loaded.
	PrepareLoad()
	// CompleteLoad restores region permissions after loading.
	CompleteLoad()
	// DefineStack maps the user stack and returns the initial stack pointer.
	DefineStack() (uint32, error)

	// CopyIn reads len(dst) bytes of user memory starting at src.
	CopyIn(dst []byte, src uint32) error
	// CopyInString reads a NUL-terminated string of at most max bytes,
	// terminator included.
	CopyInString(src uint32, max int) (string, error)
	// CopyOut writes src to user memory starting at dst.
	CopyOut(src []byte, dst uint32) error

	// Pages returns the number of frames the space holds.
	Pages() int
}

// System creates address spaces backed by one coremap.
type System struct {
	coremap *Coremap
	log     *logging.Logger
}

// NewSystem creates a VM system on top of coremap.
func NewSystem(coremap *Coremap, log *logging.Logger) *System {
	if log == nil {
		log = logging.NewNop()
	}
	return &System{coremap: coremap, log: log.Named("vm")}
}

// Coremap returns the frame allocator.
func (s *System) Coremap() *Coremap {
	return s.coremap
}

// Create returns a new, empty address space.
func (s *System) Create() (AddressSpace, error) {
	return newAddrSpace(s.coremap), nil
}

type region struct {
	base   uint32
	npages int
	perm   Perm
}

func (r region) end() uint32 {
	return r.base + uint32(r.npages)*arch.PageSize
}

func (r region) contains(vaddr uint32) bool {
	return vaddr >= r.base && vaddr < r.end()
}

type addrSpace struct {
	coremap *Coremap

	mu        sync.Mutex
	regions   []region
	hasStack  bool
	loading   bool
	pages     map[uint32][]byte
	active    int
	destroyed bool
}

func newAddrSpace(c *Coremap) *addrSpace {
	return &addrSpace{
		coremap: c,
		pages:   make(map[uint32][]byte),
	}
}

func (as *addrSpace) Copy() (AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		panic("vm: copy of destroyed address space")
	}
	if err := as.coremap.Alloc(len(as.pages)); err != nil {
		return nil, errors.Wrap(err, "as_copy")
	}

	dup := newAddrSpace(as.coremap)
	dup.regions = append([]region(nil), as.regions...)
	dup.hasStack = as.hasStack
	for vpn, frame := range as.pages {
		dup.pages[vpn] = append([]byte(nil), frame...)
	}
	return dup, nil
}

func (as *addrSpace) Activate() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		panic("vm: activating destroyed address space")
	}
	as.active++
}

func (as *addrSpace) Deactivate() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.active > 0 {
		as.active--
	}
}

func (as *addrSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		panic("vm: address space destroyed twice")
	}
	if as.active > 0 {
		panic("vm: destroying an active address space")
	}
	as.coremap.Free(len(as.pages))
	as.pages = nil
	as.regions = nil
	as.destroyed = true
}

func (as *addrSpace) DefineRegion(vaddr, size uint32, perm Perm) error {
	base := arch.RoundDown(vaddr, arch.PageSize)
	span := uint64(vaddr-base) + uint64(size)
	npages := int((span + arch.PageSize - 1) / arch.PageSize)
	if npages == 0 {
		npages = 1
	}

	r := region{base: base, npages: npages, perm: perm}
	if uint64(r.base)+uint64(npages)*arch.PageSize > arch.UserStack-StackPages*arch.PageSize {
		return errors.Wrapf(arch.EFAULT, "region 0x%x+%d overlaps the stack", vaddr, size)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, other := range as.regions {
		if r.base < other.end() && other.base < r.end() {
			return errors.Wrapf(arch.EINVAL, "region 0x%x+%d overlaps 0x%x", vaddr, size, other.base)
		}
	}
	if err := as.coremap.Alloc(npages); err != nil {
		return errors.Wrap(err, "as_define_region")
	}

	as.regions = append(as.regions, r)
	for i := 0; i < npages; i++ {
		as.pages[r.base/arch.PageSize+uint32(i)] = make([]byte, arch.PageSize)
	}
	return nil
}

func (as *addrSpace) PrepareLoad() {
	as.mu.Lock()
	as.loading = true
	as.mu.Unlock()
}

func (as *addrSpace) CompleteLoad() {
	as.mu.Lock()
	as.loading = false
	as.mu.Unlock()
}

func (as *addrSpace) DefineStack() (uint32, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.hasStack {
		return arch.UserStack, nil
	}
	if err := as.coremap.Alloc(StackPages); err != nil {
		return 0, errors.Wrap(err, "as_define_stack")
	}

	top := uint32(arch.UserStack / arch.PageSize)
	for i := uint32(1); i <= StackPages; i++ {
		as.pages[top-i] = make([]byte, arch.PageSize)
	}
	as.hasStack = true
	return arch.UserStack, nil
}

// writable reports whether the page holding vaddr accepts stores.
func (as *addrSpace) writable(vaddr uint32) bool {
	if as.loading {
		return true
	}
	for _, r := range as.regions {
		if r.contains(vaddr) {
			return r.perm&PermWrite != 0
		}
	}
	// Stack pages.
	return true
}

// span calls fn for each page-sized piece of [addr, addr+n).
func (as *addrSpace) span(addr uint32, n int, write bool, fn func(frame []byte, off, done, count int)) error {
	if as.destroyed {
		panic("vm: access to destroyed address space")
	}
	if n == 0 {
		return nil
	}
	if !arch.IsUserAddress(addr, uint32(n)) {
		return errors.Wrapf(arch.EFAULT, "address 0x%x+%d outside user space", addr, n)
	}

	done := 0
	for done < n {
		va := addr + uint32(done)
		frame, ok := as.pages[va/arch.PageSize]
		if !ok {
			return errors.Wrapf(arch.EFAULT, "address 0x%x not mapped", va)
		}
		if write && !as.writable(va) {
			return errors.Wrapf(arch.EFAULT, "address 0x%x is read-only", va)
		}
		off := int(va % arch.PageSize)
		count := min(arch.PageSize-off, n-done)
		fn(frame, off, done, count)
		done += count
	}
	return nil
}

func (as *addrSpace) CopyIn(dst []byte, src uint32) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.span(src, len(dst), false, func(frame []byte, off, done, count int) {
		copy(dst[done:done+count], frame[off:off+count])
	})
}

func (as *addrSpace) CopyOut(src []byte, dst uint32) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	// Check the whole range first so a faulting copy writes nothing.
	if err := as.span(dst, len(src), true, func([]byte, int, int, int) {}); err != nil {
		return err
	}
	return as.span(dst, len(src), true, func(frame []byte, off, done, count int) {
		copy(frame[off:off+count], src[done:done+count])
	})
}

func (as *addrSpace) CopyInString(src uint32, max int) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	buf := make([]byte, 0, 32)
	var b [1]byte
	for i := 0; i < max; i++ {
		err := as.span(src+uint32(i), 1, false, func(frame []byte, off, _, _ int) {
			b[0] = frame[off]
		})
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", errors.Wrapf(arch.ENAMETOOLONG, "string at 0x%x longer than %d bytes", src, max-1)
}

func (as *addrSpace) Pages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}
