package codesign

// Universal (fat) binary splitting and reassembly. The fat header and
// its architecture entries are always big-endian regardless of the
// byte order of the slices they describe.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/blacktop/go-macho"
)

const (
	FAT_MAGIC    = 0xcafebabe
	FAT_MAGIC_64 = 0xcafebabf

	fatHeaderSize = 8
	fatArchSize   = 20

	// every slice starts on a 16 KiB boundary
	fatSliceAlign = 0x4000
)

// FatArch is one architecture slice of a universal binary.
type FatArch struct {
	CPU    uint32
	SubCPU uint32
	Align  uint32
	Data   []byte
}

// IsFatMachO reports whether data carries a universal binary magic.
func IsFatMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	return magic == FAT_MAGIC || magic == FAT_MAGIC_64
}

// IsThinMachO reports whether data carries a thin Mach-O magic of
// either width or byte order.
func IsThinMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch binary.LittleEndian.Uint32(data[0:4]) {
	case MH_MAGIC, MH_CIGAM, MH_MAGIC_64, MH_CIGAM_64:
		return true
	}
	return false
}

// ParseFat splits a universal binary into its slices. Slice payloads
// are copied so callers may rewrite them independently.
func ParseFat(data []byte) ([]FatArch, error) {
	if len(data) < fatHeaderSize {
		return nil, fmt.Errorf("universal binary header truncated: %d bytes", len(data))
	}
	switch binary.BigEndian.Uint32(data[0:4]) {
	case FAT_MAGIC:
	case FAT_MAGIC_64:
		return nil, fmt.Errorf("universal binaries with 64-bit headers are not supported")
	default:
		return nil, fmt.Errorf("not a universal binary (magic 0x%08x)", binary.BigEndian.Uint32(data[0:4]))
	}

	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse universal binary: %w", err)
	}
	defer fat.Close()

	arches := make([]FatArch, 0, len(fat.Arches))
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("architecture %d extends past end of file", i)
		}
		slice := make([]byte, arch.Size)
		copy(slice, data[arch.Offset:end])
		arches = append(arches, FatArch{
			CPU:    uint32(arch.CPU),
			SubCPU: uint32(arch.SubCPU),
			Align:  arch.Align,
			Data:   slice,
		})
	}
	if len(arches) == 0 {
		return nil, fmt.Errorf("universal binary declares no architectures")
	}
	return arches, nil
}

// AssembleFat rebuilds a universal binary from its slices, placing each
// slice on a 16 KiB boundary. Slice order is preserved.
func AssembleFat(arches []FatArch) ([]byte, error) {
	if len(arches) == 0 {
		return nil, fmt.Errorf("no architectures to assemble")
	}

	headerSize := fatHeaderSize + len(arches)*fatArchSize
	offsets := make([]uint64, len(arches))
	current := uint64(headerSize)
	for i, arch := range arches {
		current = roundUp(current, fatSliceAlign)
		offsets[i] = current
		current += uint64(len(arch.Data))
	}
	if current > math.MaxUint32 {
		return nil, fmt.Errorf("universal binary size %d overflows 32-bit header", current)
	}

	result := make([]byte, current)
	binary.BigEndian.PutUint32(result[0:], FAT_MAGIC)
	binary.BigEndian.PutUint32(result[4:], uint32(len(arches)))
	for i, arch := range arches {
		base := fatHeaderSize + i*fatArchSize
		binary.BigEndian.PutUint32(result[base:], arch.CPU)
		binary.BigEndian.PutUint32(result[base+4:], arch.SubCPU)
		binary.BigEndian.PutUint32(result[base+8:], uint32(offsets[i]))
		binary.BigEndian.PutUint32(result[base+12:], uint32(len(arch.Data)))
		binary.BigEndian.PutUint32(result[base+16:], arch.Align)
		copy(result[offsets[i]:], arch.Data)
	}
	return result, nil
}
