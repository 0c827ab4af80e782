// Package loader reads program images from the file system into address
// spaces.
//
// An image is a KXE file: a big-endian header naming the entry point and
// the registered program it runs, followed by segment headers and segment
// bytes.
//
//	offset  size  field
//	0       4     magic "\x7fKXE"
//	4       2     version (1)
//	6       2     segment count
//	8       4     entry address
//	12      2     program symbol length n
//	14      n     program symbol
//	14+n    20*k  segment headers: vaddr, memsz, filesz, perm, file offset
package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"kernos/pkg/arch"
	"kernos/pkg/vm"
)

// Magic identifies a KXE image.
var Magic = [4]byte{0x7f, 'K', 'X', 'E'}

// Version is the only image version understood.
const Version = 1

// Limits on image contents.
const (
	MaxSegments  = 16
	MaxSymbolLen = 64
)

// Default layout used by Executable.
const (
	TextBase = 0x00400000
	DataBase = 0x10000000
)

var order = binary.BigEndian

// Segment is one loadable piece of an image.
type Segment struct {
	VAddr   uint32
	MemSize uint32
	Perm    vm.Perm
	Data    []byte
}

// Layout describes an image to build.
type Layout struct {
	Entry    uint32
	Program  string
	Segments []Segment
}

type fileHeader struct {
	Magic    [4]byte
	Version  uint16
	Segments uint16
	Entry    uint32
	SymLen   uint16
}

type segmentHeader struct {
	VAddr   uint32
	MemSize uint32
	FileSz  uint32
	Perm    uint32
	Offset  uint32
}

const (
	fileHeaderSize    = 14
	segmentHeaderSize = 20
)

// Executable returns the conventional layout for a program: one page of
// text holding the program symbol and dataPages of zeroed read-write data.
func Executable(program string, dataPages int) Layout {
	layout := Layout{
		Entry:   TextBase,
		Program: program,
		Segments: []Segment{{
			VAddr:   TextBase,
			MemSize: arch.PageSize,
			Perm:    vm.PermRead | vm.PermExec,
			Data:    []byte(program),
		}},
	}
	if dataPages > 0 {
		layout.Segments = append(layout.Segments, Segment{
			VAddr:   DataBase,
			MemSize: uint32(dataPages) * arch.PageSize,
			Perm:    vm.PermRead | vm.PermWrite,
		})
	}
	return layout
}

// Build encodes layout as an image.
func Build(layout Layout) ([]byte, error) {
	if layout.Program == "" || len(layout.Program) > MaxSymbolLen {
		return nil, errors.Errorf("program symbol %q must be 1-%d bytes", layout.Program, MaxSymbolLen)
	}
	if len(layout.Segments) == 0 || len(layout.Segments) > MaxSegments {
		return nil, errors.Errorf("image needs 1-%d segments, got %d", MaxSegments, len(layout.Segments))
	}

	var buf bytes.Buffer
	hdr := fileHeader{
		Magic:    Magic,
		Version:  Version,
		Segments: uint16(len(layout.Segments)),
		Entry:    layout.Entry,
		SymLen:   uint16(len(layout.Program)),
	}
	if err := binary.Write(&buf, order, hdr); err != nil {
		return nil, err
	}
	buf.WriteString(layout.Program)

	offset := uint32(fileHeaderSize + len(layout.Program) + segmentHeaderSize*len(layout.Segments))
	for _, seg := range layout.Segments {
		if uint32(len(seg.Data)) > seg.MemSize {
			return nil, errors.Errorf("segment at 0x%x: %d bytes of data in %d bytes of memory",
				seg.VAddr, len(seg.Data), seg.MemSize)
		}
		sh := segmentHeader{
			VAddr:   seg.VAddr,
			MemSize: seg.MemSize,
			FileSz:  uint32(len(seg.Data)),
			Perm:    uint32(seg.Perm),
			Offset:  offset,
		}
		if err := binary.Write(&buf, order, sh); err != nil {
			return nil, err
		}
		offset += sh.FileSz
	}
	for _, seg := range layout.Segments {
		buf.Write(seg.Data)
	}
	return buf.Bytes(), nil
}
