package codesign

// Synthetic mach-o images for tests: a header, a __TEXT segment
// spanning the file head (header and load commands included), and a
// __LINKEDIT segment spanning the tail. Content bytes past the load
// commands follow a fixed pattern so page digests are deterministic.

import (
	"encoding/binary"
)

const (
	testCPUTypeARM64  = 0x0100000c
	testCPUTypeX86_64 = 0x01000007
	testMHExecute     = 2
)

func fillPattern(data []byte, from int) {
	for i := from; i < len(data); i++ {
		data[i] = byte(i)
	}
}

func writeSegment64(b []byte, name string, vmaddr, vmsize, fileoff, filesz uint64, nsects uint32) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], LC_SEGMENT_64)
	le.PutUint32(b[4:], 72+nsects*80)
	copy(b[8:24], name)
	le.PutUint64(b[24:], vmaddr)
	le.PutUint64(b[32:], vmsize)
	le.PutUint64(b[40:], fileoff)
	le.PutUint64(b[48:], filesz)
	le.PutUint32(b[56:], 7)
	le.PutUint32(b[60:], 5)
	le.PutUint32(b[64:], nsects)
	le.PutUint32(b[68:], 0)
}

func writeSegment32(b []byte, name string, vmaddr, vmsize, fileoff, filesz, nsects uint32) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], LC_SEGMENT)
	le.PutUint32(b[4:], 56+nsects*68)
	copy(b[8:24], name)
	le.PutUint32(b[24:], vmaddr)
	le.PutUint32(b[28:], vmsize)
	le.PutUint32(b[32:], fileoff)
	le.PutUint32(b[36:], filesz)
	le.PutUint32(b[40:], 7)
	le.PutUint32(b[44:], 5)
	le.PutUint32(b[48:], nsects)
	le.PutUint32(b[52:], 0)
}

// buildThinMachO assembles an unsigned 64-bit little-endian executable
// of textSize+linkeditSize bytes.
func buildThinMachO(textSize, linkeditSize uint64) []byte {
	const (
		headerSize = 32
		segCmdSize = 72
	)
	data := make([]byte, textSize+linkeditSize)
	le := binary.LittleEndian

	le.PutUint32(data[0:], MH_MAGIC_64)
	le.PutUint32(data[4:], testCPUTypeARM64)
	le.PutUint32(data[8:], 0)
	le.PutUint32(data[12:], testMHExecute)
	le.PutUint32(data[16:], 2)
	le.PutUint32(data[20:], 2*segCmdSize)
	le.PutUint32(data[24:], 0)
	le.PutUint32(data[28:], 0)

	writeSegment64(data[headerSize:], segnameText, 0x100000000, textSize, 0, textSize, 0)
	writeSegment64(data[headerSize+segCmdSize:], segnameLinkedit,
		0x100000000+textSize, roundUp(linkeditSize, linkeditPageAlign), textSize, linkeditSize, 0)

	fillPattern(data, headerSize+2*segCmdSize)
	return data
}

// buildThinMachOWithSig is buildThinMachO plus an LC_CODE_SIGNATURE
// command pointing at sigOff/sigSize. The signature region content is
// the fill pattern, not a valid superblob.
func buildThinMachOWithSig(textSize, linkeditSize uint64, sigOff, sigSize uint32) []byte {
	const (
		headerSize = 32
		segCmdSize = 72
	)
	data := make([]byte, textSize+linkeditSize)
	le := binary.LittleEndian

	le.PutUint32(data[0:], MH_MAGIC_64)
	le.PutUint32(data[4:], testCPUTypeARM64)
	le.PutUint32(data[12:], testMHExecute)
	le.PutUint32(data[16:], 3)
	le.PutUint32(data[20:], 2*segCmdSize+LC_CODE_SIGNATURE_SIZE)

	writeSegment64(data[headerSize:], segnameText, 0x100000000, textSize, 0, textSize, 0)
	writeSegment64(data[headerSize+segCmdSize:], segnameLinkedit,
		0x100000000+textSize, roundUp(linkeditSize, linkeditPageAlign), textSize, linkeditSize, 0)

	csOff := headerSize + 2*segCmdSize
	le.PutUint32(data[csOff:], LC_CODE_SIGNATURE)
	le.PutUint32(data[csOff+4:], LC_CODE_SIGNATURE_SIZE)
	le.PutUint32(data[csOff+8:], sigOff)
	le.PutUint32(data[csOff+12:], sigSize)

	fillPattern(data, csOff+LC_CODE_SIGNATURE_SIZE)
	return data
}

// buildThinMachOWithSection gives __TEXT one section so load command
// insertion has a headroom bound to respect.
func buildThinMachOWithSection(sectOffset uint32) []byte {
	const (
		headerSize  = 32
		textCmdSize = 72 + 80
		leCmdSize   = 72
		textSize    = 4096
		linkSize    = 4096
	)
	data := make([]byte, textSize+linkSize)
	le := binary.LittleEndian

	le.PutUint32(data[0:], MH_MAGIC_64)
	le.PutUint32(data[4:], testCPUTypeARM64)
	le.PutUint32(data[12:], testMHExecute)
	le.PutUint32(data[16:], 2)
	le.PutUint32(data[20:], textCmdSize+leCmdSize)

	writeSegment64(data[headerSize:], segnameText, 0x100000000, textSize, 0, textSize, 1)
	sect := data[headerSize+72:]
	copy(sect[0:16], "__text")
	copy(sect[16:32], segnameText)
	le.PutUint64(sect[32:], 0x100000000+uint64(sectOffset))
	le.PutUint64(sect[40:], 64)
	le.PutUint32(sect[48:], sectOffset)
	le.PutUint32(sect[52:], 2)

	writeSegment64(data[headerSize+textCmdSize:], segnameLinkedit,
		0x100000000+textSize, roundUp(linkSize, linkeditPageAlign), textSize, linkSize, 0)

	fillPattern(data, headerSize+textCmdSize+leCmdSize)
	return data
}

// buildThinMachO32 assembles an unsigned 32-bit little-endian
// executable.
func buildThinMachO32(textSize, linkeditSize uint32) []byte {
	const (
		headerSize = 28
		segCmdSize = 56
	)
	data := make([]byte, textSize+linkeditSize)
	le := binary.LittleEndian

	le.PutUint32(data[0:], MH_MAGIC)
	le.PutUint32(data[4:], 12) // CPU_TYPE_ARM
	le.PutUint32(data[8:], 9)
	le.PutUint32(data[12:], testMHExecute)
	le.PutUint32(data[16:], 2)
	le.PutUint32(data[20:], 2*segCmdSize)
	le.PutUint32(data[24:], 0)

	writeSegment32(data[headerSize:], segnameText, 0x4000, textSize, 0, textSize, 0)
	writeSegment32(data[headerSize+segCmdSize:], segnameLinkedit,
		0x4000+textSize, uint32(roundUp(uint64(linkeditSize), linkeditPageAlign)), textSize, linkeditSize, 0)

	fillPattern(data, headerSize+2*segCmdSize)
	return data
}

// fakeSigner is a Signer stub that records what it was asked to sign.
type fakeSigner struct {
	out        []byte
	gotPrimary []byte
	gotDigests []DirectoryDigest
	err        error
}

func (f *fakeSigner) Sign(primary []byte, digests []DirectoryDigest) ([]byte, error) {
	f.gotPrimary = primary
	f.gotDigests = digests
	return f.out, f.err
}

func (f *fakeSigner) SizeEstimate() int {
	return len(f.out)
}
