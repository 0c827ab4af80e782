package loader

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"kernos/pkg/arch"
	"kernos/pkg/vfs"
	"kernos/pkg/vm"
)

// Entry is where a loaded program starts.
type Entry struct {
	// PC is the entry address.
	PC uint32
	// Program is the registered program symbol that runs at PC.
	Program string
}

// Image is an opened and validated program image.
type Image struct {
	path     string
	file     vfs.File
	entry    uint32
	program  string
	segments []segmentHeader
}

// Open opens the image at path and validates its headers. Nothing is
// loaded until Load is called.
func Open(fs vfs.FileSystem, path string) (*Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(openErrno(err), "open %s: %v", path, err)
	}

	img, err := parse(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "load %s", path)
	}
	img.path = path
	img.file = f
	return img, nil
}

func openErrno(err error) arch.Errno {
	switch {
	case errors.Is(err, vfs.ErrNotExist), errors.Is(err, vfs.ErrNotDir):
		return arch.ENOENT
	case errors.Is(err, vfs.ErrPathTooLong):
		return arch.ENAMETOOLONG
	case errors.Is(err, vfs.ErrIsDir):
		return arch.ENOEXEC
	default:
		return arch.EINVAL
	}
}

func parse(f vfs.File) (*Image, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size

	r := io.NewSectionReader(f, 0, size)
	var hdr fileHeader
	if err := binary.Read(r, order, &hdr); err != nil {
		return nil, errors.Wrap(arch.ENOEXEC, "short header")
	}
	if hdr.Magic != Magic {
		return nil, errors.Wrap(arch.ENOEXEC, "bad magic")
	}
	if hdr.Version != Version {
		return nil, errors.Wrapf(arch.ENOEXEC, "unsupported version %d", hdr.Version)
	}
	if hdr.Segments == 0 || hdr.Segments > MaxSegments {
		return nil, errors.Wrapf(arch.ENOEXEC, "%d segments", hdr.Segments)
	}
	if hdr.SymLen == 0 || hdr.SymLen > MaxSymbolLen {
		return nil, errors.Wrapf(arch.ENOEXEC, "program symbol of %d bytes", hdr.SymLen)
	}

	sym := make([]byte, hdr.SymLen)
	if _, err := io.ReadFull(r, sym); err != nil {
		return nil, errors.Wrap(arch.ENOEXEC, "short program symbol")
	}

	img := &Image{
		entry:    hdr.Entry,
		program:  string(sym),
		segments: make([]segmentHeader, hdr.Segments),
	}

	entryOK := false
	for i := range img.segments {
		sh := &img.segments[i]
		if err := binary.Read(r, order, sh); err != nil {
			return nil, errors.Wrapf(arch.ENOEXEC, "short segment header %d", i)
		}
		if sh.FileSz > sh.MemSize {
			return nil, errors.Wrapf(arch.ENOEXEC, "segment %d: file size exceeds memory size", i)
		}
		if int64(sh.Offset)+int64(sh.FileSz) > size {
			return nil, errors.Wrapf(arch.ENOEXEC, "segment %d: data past end of file", i)
		}
		if !arch.IsUserAddress(sh.VAddr, sh.MemSize) {
			return nil, errors.Wrapf(arch.ENOEXEC, "segment %d: outside user space", i)
		}
		if vm.Perm(sh.Perm)&vm.PermExec != 0 && hdr.Entry >= sh.VAddr && hdr.Entry-sh.VAddr < sh.MemSize {
			entryOK = true
		}
	}
	if !entryOK {
		return nil, errors.Wrapf(arch.ENOEXEC, "entry 0x%x not in an executable segment", hdr.Entry)
	}
	return img, nil
}

// Program returns the program symbol the image enters.
func (img *Image) Program() string {
	return img.program
}

// Path returns the path the image was opened from.
func (img *Image) Path() string {
	return img.path
}

// Load maps every segment into as and copies in the segment bytes. On
// failure as may hold some of the segments; the caller discards it.
func (img *Image) Load(as vm.AddressSpace) (Entry, error) {
	for i, sh := range img.segments {
		if err := as.DefineRegion(sh.VAddr, sh.MemSize, vm.Perm(sh.Perm)); err != nil {
			return Entry{}, errors.Wrapf(err, "segment %d", i)
		}
	}

	as.PrepareLoad()
	defer as.CompleteLoad()

	for i, sh := range img.segments {
		if sh.FileSz == 0 {
			continue
		}
		data := make([]byte, sh.FileSz)
		if _, err := img.file.ReadAt(data, int64(sh.Offset)); err != nil {
			return Entry{}, errors.Wrapf(arch.ENOEXEC, "segment %d: %v", i, err)
		}
		if err := as.CopyOut(data, sh.VAddr); err != nil {
			return Entry{}, errors.Wrapf(err, "segment %d", i)
		}
	}

	return Entry{PC: img.entry, Program: img.program}, nil
}

// Close releases the image file.
func (img *Image) Close() error {
	return img.file.Close()
}
