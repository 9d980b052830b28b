package codesign

// Mach-O layout rewriting for signature embedding. Patches are made at
// raw byte offsets in the byte order the magic number implies; only the
// header counters, the signature load command, and the __LINKEDIT
// segment command change, everything else is carried over verbatim.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/blacktop/go-macho"
)

// Mach-O constants from Apple's loader.h
const (
	MH_MAGIC    = 0xfeedface
	MH_CIGAM    = 0xcefaedfe
	MH_MAGIC_64 = 0xfeedfacf
	MH_CIGAM_64 = 0xcffaedfe

	LC_SEGMENT             = 0x1
	LC_SEGMENT_64          = 0x19
	LC_CODE_SIGNATURE      = 0x1d
	LC_CODE_SIGNATURE_SIZE = 16

	segnameLinkedit = "__LINKEDIT"
	segnameText     = "__TEXT"

	// __LINKEDIT vmsize stays rounded to 16 KiB pages
	linkeditPageAlign = 0x4000
)

// roundUp rounds x up to the next multiple of align (a power of two).
func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// machoLayout records the raw file positions the rewriter patches.
type machoLayout struct {
	order      binary.ByteOrder
	is64       bool
	headerSize uint32
	ncmds      uint32
	sizeofcmds uint32

	segments []rawSegment
	codeSig  *rawCodeSignature
}

type rawSegment struct {
	name    string
	cmdOff  uint32
	fileoff uint64
	filesz  uint64
}

type rawCodeSignature struct {
	cmdOff   uint32
	dataOff  uint32
	dataSize uint32
}

func (l *machoLayout) loadEnd() uint64 {
	return uint64(l.headerSize) + uint64(l.sizeofcmds)
}

func (l *machoLayout) segment(name string) *rawSegment {
	for i := range l.segments {
		if l.segments[i].name == name {
			return &l.segments[i]
		}
	}
	return nil
}

func segmentName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseMachOLayout walks the raw header and load commands of a thin
// image.
func parseMachOLayout(data []byte) (*machoLayout, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("mach-o header truncated: %d bytes", len(data))
	}
	layout := &machoLayout{}
	switch binary.LittleEndian.Uint32(data[0:4]) {
	case MH_MAGIC_64:
		layout.order, layout.is64, layout.headerSize = binary.LittleEndian, true, 32
	case MH_CIGAM_64:
		layout.order, layout.is64, layout.headerSize = binary.BigEndian, true, 32
	case MH_MAGIC:
		layout.order, layout.is64, layout.headerSize = binary.LittleEndian, false, 28
	case MH_CIGAM:
		layout.order, layout.is64, layout.headerSize = binary.BigEndian, false, 28
	default:
		return nil, fmt.Errorf("not a thin mach-o binary (magic 0x%08x)", binary.BigEndian.Uint32(data[0:4]))
	}
	if len(data) < int(layout.headerSize) {
		return nil, fmt.Errorf("mach-o header truncated: %d bytes", len(data))
	}
	bo := layout.order
	layout.ncmds = bo.Uint32(data[16:20])
	layout.sizeofcmds = bo.Uint32(data[20:24])
	end := layout.loadEnd()
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("load commands extend past end of file (%d > %d)", end, len(data))
	}

	off := uint64(layout.headerSize)
	for i := uint32(0); i < layout.ncmds; i++ {
		if off+8 > end {
			return nil, fmt.Errorf("load command %d truncated", i)
		}
		cmd := bo.Uint32(data[off:])
		cmdsize := bo.Uint32(data[off+4:])
		if cmdsize < 8 || off+uint64(cmdsize) > end {
			return nil, fmt.Errorf("load command %d has invalid size %d", i, cmdsize)
		}
		switch cmd {
		case LC_SEGMENT, LC_SEGMENT_64:
			seg := rawSegment{cmdOff: uint32(off)}
			if cmd == LC_SEGMENT_64 {
				if cmdsize < 72 {
					return nil, fmt.Errorf("segment command %d too small: %d bytes", i, cmdsize)
				}
				seg.name = segmentName(data[off+8 : off+24])
				seg.fileoff = bo.Uint64(data[off+40:])
				seg.filesz = bo.Uint64(data[off+48:])
			} else {
				if cmdsize < 56 {
					return nil, fmt.Errorf("segment command %d too small: %d bytes", i, cmdsize)
				}
				seg.name = segmentName(data[off+8 : off+24])
				seg.fileoff = uint64(bo.Uint32(data[off+32:]))
				seg.filesz = uint64(bo.Uint32(data[off+36:]))
			}
			layout.segments = append(layout.segments, seg)
		case LC_CODE_SIGNATURE:
			if cmdsize < LC_CODE_SIGNATURE_SIZE {
				return nil, fmt.Errorf("code signature command too small: %d bytes", cmdsize)
			}
			layout.codeSig = &rawCodeSignature{
				cmdOff:   uint32(off),
				dataOff:  bo.Uint32(data[off+8:]),
				dataSize: bo.Uint32(data[off+12:]),
			}
		}
		off += uint64(cmdsize)
	}
	return layout, nil
}

// signatureCodeLimit returns the file offset where the embedded
// signature begins: an existing signature's data offset, or the file
// length rounded up to 16 bytes when the image is unsigned.
func signatureCodeLimit(data []byte, layout *machoLayout) uint64 {
	if layout.codeSig != nil {
		return uint64(layout.codeSig.dataOff)
	}
	return roundUp(uint64(len(data)), 16)
}

// CreateWithSignature returns a copy of original with signature embedded
// at the code limit. m must be the parsed form of original; it anchors
// the headroom check when a signature load command has to be inserted.
// The header counters grow only on insertion, __LINKEDIT's file size is
// rewritten to reach the end of the signature with its vmsize rounded to
// the next 16 KiB, and all other load commands keep their order and
// bytes. Segment data is re-emitted by file offset, skipping segments
// without file bytes and truncating __LINKEDIT where the signature
// starts.
func CreateWithSignature(original []byte, m *macho.File, signature []byte) ([]byte, error) {
	layout, err := parseMachOLayout(original)
	if err != nil {
		return nil, err
	}
	linkedit := layout.segment(segnameLinkedit)
	if linkedit == nil {
		return nil, fmt.Errorf("binary has no %s segment", segnameLinkedit)
	}
	codeLimit := signatureCodeLimit(original, layout)
	if codeLimit > math.MaxUint32 {
		return nil, fmt.Errorf("code limit %d exceeds load command range", codeLimit)
	}
	if uint64(len(signature)) > math.MaxUint32 {
		return nil, fmt.Errorf("signature of %d bytes exceeds load command range", len(signature))
	}
	bo := layout.order

	loadEnd := layout.loadEnd()
	var load []byte
	var csCmdOff uint32
	if layout.codeSig != nil {
		load = make([]byte, loadEnd)
		copy(load, original[:loadEnd])
		csCmdOff = layout.codeSig.cmdOff
	} else {
		// The appended command must not spill into section data.
		for _, s := range m.Sections {
			if s.Offset != 0 && uint64(s.Offset) < loadEnd+LC_CODE_SIGNATURE_SIZE {
				return nil, fmt.Errorf("no room for code signature load command before section data at 0x%x", s.Offset)
			}
		}
		load = make([]byte, loadEnd+LC_CODE_SIGNATURE_SIZE)
		copy(load, original[:loadEnd])
		bo.PutUint32(load[16:], layout.ncmds+1)
		bo.PutUint32(load[20:], layout.sizeofcmds+LC_CODE_SIGNATURE_SIZE)
		csCmdOff = uint32(loadEnd)
		bo.PutUint32(load[csCmdOff:], LC_CODE_SIGNATURE)
		bo.PutUint32(load[csCmdOff+4:], LC_CODE_SIGNATURE_SIZE)
	}
	bo.PutUint32(load[csCmdOff+8:], uint32(codeLimit))
	bo.PutUint32(load[csCmdOff+12:], uint32(len(signature)))

	// __LINKEDIT spans from its file offset through the end of the
	// signature.
	if linkedit.fileoff > codeLimit {
		return nil, fmt.Errorf("%s starts at 0x%x, past the code limit 0x%x", segnameLinkedit, linkedit.fileoff, codeLimit)
	}
	newFilesz := codeLimit - linkedit.fileoff + uint64(len(signature))
	newVmsize := roundUp(newFilesz, linkeditPageAlign)
	if layout.is64 {
		bo.PutUint64(load[linkedit.cmdOff+32:], newVmsize)
		bo.PutUint64(load[linkedit.cmdOff+48:], newFilesz)
	} else {
		if newFilesz > math.MaxUint32 {
			return nil, fmt.Errorf("%s file size %d overflows 32-bit segment command", segnameLinkedit, newFilesz)
		}
		bo.PutUint32(load[linkedit.cmdOff+28:], uint32(newVmsize))
		bo.PutUint32(load[linkedit.cmdOff+36:], uint32(newFilesz))
	}

	out := make([]byte, codeLimit+uint64(len(signature)))
	copy(out, load)
	segs := append([]rawSegment(nil), layout.segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].fileoff < segs[j].fileoff })
	for _, seg := range segs {
		if seg.filesz == 0 {
			continue
		}
		start, segEnd := seg.fileoff, seg.fileoff+seg.filesz
		if start < uint64(len(load)) {
			start = uint64(len(load))
		}
		if segEnd > codeLimit {
			segEnd = codeLimit
		}
		if segEnd > uint64(len(original)) {
			segEnd = uint64(len(original))
		}
		if start >= segEnd {
			continue
		}
		copy(out[start:segEnd], original[start:segEnd])
	}
	copy(out[codeLimit:], signature)
	return out, nil
}
