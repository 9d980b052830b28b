package codesign

// CodeDirectory binary codec. Field layout and constants follow Apple's
// cs_blobs.h; the on-disk structure is big-endian with version-gated
// trailing field groups.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Code signature constants from Apple's cs_blobs.h
const (
	CSMAGIC_REQUIREMENT               = 0xfade0c00
	CSMAGIC_REQUIREMENTS              = 0xfade0c01
	CSMAGIC_CODEDIRECTORY             = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE        = 0xfade0cc0
	CSMAGIC_DETACHED_SIGNATURE        = 0xfade0cc1
	CSMAGIC_EMBEDDED_ENTITLEMENTS     = 0xfade7171
	CSMAGIC_EMBEDDED_ENTITLEMENTS_DER = 0xfade7172
	CSMAGIC_BLOBWRAPPER               = 0xfade0b01

	CSSLOT_CODEDIRECTORY               = 0
	CSSLOT_INFOSLOT                    = 1
	CSSLOT_REQUIREMENTS                = 2
	CSSLOT_RESOURCEDIR                 = 3
	CSSLOT_APPLICATION                 = 4
	CSSLOT_ENTITLEMENTS                = 5
	CSSLOT_REP_SPECIFIC                = 6
	CSSLOT_ENTITLEMENTS_DER            = 7
	CSSLOT_ALTERNATE_CODEDIRECTORIES   = 0x1000
	CSSLOT_ALTERNATE_CODEDIRECTORY_MAX = 5
	CSSLOT_CMS_SIGNATURE               = 0x10000

	// CodeDirectory versions and the feature groups they introduce
	CS_EARLIEST_VERSION    = 0x20001
	CS_SUPPORTSSCATTER     = 0x20100
	CS_SUPPORTSTEAMID      = 0x20200
	CS_SUPPORTSCODELIMIT64 = 0x20300
	CS_SUPPORTSEXECSEG     = 0x20400
	CS_SUPPORTSRUNTIME     = 0x20500
	CS_SUPPORTSLINKAGE     = 0x20600

	// CodeDirectory flags
	CS_VALID            = 0x00000001
	CS_ADHOC            = 0x00000002
	CS_GET_TASK_ALLOW   = 0x00000004
	CS_INSTALLER        = 0x00000008
	CS_HARD             = 0x00000100
	CS_KILL             = 0x00000200
	CS_CHECK_EXPIRATION = 0x00000400
	CS_RESTRICT         = 0x00000800
	CS_ENFORCEMENT      = 0x00001000
	CS_REQUIRE_LV       = 0x00002000
	CS_RUNTIME          = 0x00010000
	CS_LINKER_SIGNED    = 0x00020000

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10
	CS_EXECSEG_DEBUGGER       = 0x20
	CS_EXECSEG_JIT            = 0x40
)

// put32be writes a big-endian uint32
func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

// put64be writes a big-endian uint64
func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

// put16be writes a big-endian uint16
func put16be(b []byte, x uint16) []byte {
	binary.BigEndian.PutUint16(b, x)
	return b[2:]
}

// put8 writes a single byte
func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

// puts copies bytes
func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

// CodeDirectory is the decoded form of a CodeDirectory blob. The
// version-gated field groups (scatter, team, 64-bit code limit, exec
// segment, runtime, linkage) are stored on disk only when Version meets
// the matching CS_SUPPORTS threshold.
type CodeDirectory struct {
	Version      uint32
	Flags        uint32
	DigestType   DigestType
	Platform     uint8
	PageSizeLog2 uint8 // log2(page size); 0 means a single unbounded page
	CodeLimit    uint64

	Identifier string
	TeamID     string // requires CS_SUPPORTSTEAMID

	// Preserved on decode but not re-encodable: Encode rejects nonzero
	// values rather than emit offsets whose payloads it cannot produce.
	ScatterOffset    uint32
	PreEncryptOffset uint32

	ExecSegBase  uint64 // requires CS_SUPPORTSEXECSEG
	ExecSegLimit uint64
	ExecSegFlags uint64

	Runtime uint32 // requires CS_SUPPORTSRUNTIME

	LinkageHashType           uint8 // requires CS_SUPPORTSLINKAGE, decode only
	LinkageApplicationType    uint8
	LinkageApplicationSubType uint16
	LinkageOffset             uint32
	LinkageSize               uint32

	// CodeDigests[i] covers page i of [0, CodeLimit). SpecialDigests is
	// keyed by the CSSLOT_* special slot numbers (1..7); absent entries
	// are stored as zero digests on disk.
	CodeDigests    [][]byte
	SpecialDigests map[uint32][]byte
}

// cdHeaderSize returns the fixed header length for a directory version.
func cdHeaderSize(version uint32) int {
	switch {
	case version >= CS_SUPPORTSLINKAGE:
		return 108
	case version >= CS_SUPPORTSRUNTIME:
		return 96
	case version >= CS_SUPPORTSEXECSEG:
		return 88
	case version >= CS_SUPPORTSCODELIMIT64:
		return 64
	case version >= CS_SUPPORTSTEAMID:
		return 52
	case version >= CS_SUPPORTSSCATTER:
		return 48
	default:
		return 44
	}
}

// readCString reads a null-terminated UTF-8 string at offset off.
func readCString(data []byte, off uint32, what string) (string, error) {
	if uint64(off) >= uint64(len(data)) {
		return "", fmt.Errorf("%s offset 0x%x outside blob", what, off)
	}
	rest := data[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("malformed %s: missing terminator", what)
	}
	s := string(rest[:end])
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("malformed %s: invalid UTF-8", what)
	}
	return s, nil
}

// DecodeCodeDirectory parses a framed CodeDirectory blob. Versions below
// the earliest or above the newest supported are rejected rather than
// guessed at.
func DecodeCodeDirectory(data []byte) (*CodeDirectory, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("code directory too short: %d bytes", len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != CSMAGIC_CODEDIRECTORY {
		return nil, fmt.Errorf("invalid code directory magic 0x%08x", magic)
	}
	length := binary.BigEndian.Uint32(data[4:8])
	if uint64(length) > uint64(len(data)) || length < 44 {
		return nil, fmt.Errorf("invalid code directory length %d", length)
	}
	data = data[:length]

	cd := &CodeDirectory{
		Version: binary.BigEndian.Uint32(data[8:12]),
		Flags:   binary.BigEndian.Uint32(data[12:16]),
	}
	if cd.Version < CS_EARLIEST_VERSION || cd.Version > CS_SUPPORTSLINKAGE {
		return nil, fmt.Errorf("unsupported code directory version 0x%x", cd.Version)
	}
	hdrSize := cdHeaderSize(cd.Version)
	if int(length) < hdrSize {
		return nil, fmt.Errorf("code directory truncated: %d bytes for version 0x%x", length, cd.Version)
	}

	hashOffset := binary.BigEndian.Uint32(data[16:20])
	identOffset := binary.BigEndian.Uint32(data[20:24])
	nSpecialSlots := binary.BigEndian.Uint32(data[24:28])
	nCodeSlots := binary.BigEndian.Uint32(data[28:32])
	cd.CodeLimit = uint64(binary.BigEndian.Uint32(data[32:36]))
	hashSize := data[36]
	cd.DigestType = DigestType(data[37])
	cd.Platform = data[38]
	cd.PageSizeLog2 = data[39]

	if sz := cd.DigestType.Size(); sz == 0 {
		return nil, fmt.Errorf("unsupported hash type %d", uint8(cd.DigestType))
	} else if sz != int(hashSize) {
		return nil, fmt.Errorf("hash size %d does not match hash type %s", hashSize, cd.DigestType)
	}

	if cd.Version >= CS_SUPPORTSSCATTER {
		cd.ScatterOffset = binary.BigEndian.Uint32(data[44:48])
	}
	var teamOffset uint32
	if cd.Version >= CS_SUPPORTSTEAMID {
		teamOffset = binary.BigEndian.Uint32(data[48:52])
	}
	if cd.Version >= CS_SUPPORTSCODELIMIT64 {
		if codeLimit64 := binary.BigEndian.Uint64(data[56:64]); codeLimit64 != 0 {
			cd.CodeLimit = codeLimit64
		}
	}
	if cd.Version >= CS_SUPPORTSEXECSEG {
		cd.ExecSegBase = binary.BigEndian.Uint64(data[64:72])
		cd.ExecSegLimit = binary.BigEndian.Uint64(data[72:80])
		cd.ExecSegFlags = binary.BigEndian.Uint64(data[80:88])
	}
	if cd.Version >= CS_SUPPORTSRUNTIME {
		cd.Runtime = binary.BigEndian.Uint32(data[88:92])
		cd.PreEncryptOffset = binary.BigEndian.Uint32(data[92:96])
	}
	if cd.Version >= CS_SUPPORTSLINKAGE {
		cd.LinkageHashType = data[96]
		cd.LinkageApplicationType = data[97]
		cd.LinkageApplicationSubType = binary.BigEndian.Uint16(data[98:100])
		cd.LinkageOffset = binary.BigEndian.Uint32(data[100:104])
		cd.LinkageSize = binary.BigEndian.Uint32(data[104:108])
	}

	var err error
	if cd.Identifier, err = readCString(data, identOffset, "identifier"); err != nil {
		return nil, err
	}
	if teamOffset != 0 {
		if cd.TeamID, err = readCString(data, teamOffset, "team identifier"); err != nil {
			return nil, err
		}
	}

	if nSpecialSlots > CSSLOT_ENTITLEMENTS_DER {
		return nil, fmt.Errorf("unsupported special slot count %d", nSpecialSlots)
	}
	specialSize := uint64(nSpecialSlots) * uint64(hashSize)
	if specialSize > uint64(hashOffset) || uint64(hashOffset)-specialSize < uint64(hdrSize) {
		return nil, fmt.Errorf("special digests overlap header (hash offset 0x%x)", hashOffset)
	}
	codeEnd := uint64(hashOffset) + uint64(nCodeSlots)*uint64(hashSize)
	if codeEnd > uint64(length) {
		return nil, fmt.Errorf("code digests truncated: need %d bytes, have %d", codeEnd, length)
	}

	cd.SpecialDigests = make(map[uint32][]byte)
	for slot := uint32(1); slot <= nSpecialSlots; slot++ {
		start := uint64(hashOffset) - uint64(slot)*uint64(hashSize)
		digest := data[start : start+uint64(hashSize)]
		if !isZeroDigest(digest) {
			cd.SpecialDigests[slot] = append([]byte(nil), digest...)
		}
	}
	cd.CodeDigests = make([][]byte, nCodeSlots)
	for i := uint32(0); i < nCodeSlots; i++ {
		start := uint64(hashOffset) + uint64(i)*uint64(hashSize)
		cd.CodeDigests[i] = append([]byte(nil), data[start:start+uint64(hashSize)]...)
	}
	return cd, nil
}

func isZeroDigest(d []byte) bool {
	for _, b := range d {
		if b != 0 {
			return false
		}
	}
	return true
}

// maxSpecialSlot returns the highest populated special slot number.
func (cd *CodeDirectory) maxSpecialSlot() uint32 {
	var max uint32
	for slot := range cd.SpecialDigests {
		if slot > max {
			max = slot
		}
	}
	return max
}

// Encode serializes the directory as a framed blob. The write runs in
// three phases: the fixed header with zero placeholders for the hash and
// identifier offsets, then the variable tail (identifier, team, special
// digests in descending slot order with zero fill for absent slots, code
// digests ascending), then a backpatch of the two offsets. Fields the
// encoder cannot emit faithfully (scatter vectors, pre-encrypt digests,
// linkage payloads) are errors, never dropped.
func (cd *CodeDirectory) Encode() ([]byte, error) {
	if cd.Version < CS_EARLIEST_VERSION || cd.Version > CS_SUPPORTSLINKAGE {
		return nil, fmt.Errorf("unsupported code directory version 0x%x", cd.Version)
	}
	if cd.ScatterOffset != 0 {
		return nil, fmt.Errorf("scatter vectors are not supported")
	}
	if cd.PreEncryptOffset != 0 {
		return nil, fmt.Errorf("pre-encrypt digests are not supported")
	}
	if cd.LinkageHashType != 0 || cd.LinkageApplicationType != 0 || cd.LinkageApplicationSubType != 0 ||
		cd.LinkageOffset != 0 || cd.LinkageSize != 0 {
		return nil, fmt.Errorf("code directory linkage is not supported")
	}
	if cd.Identifier == "" {
		return nil, fmt.Errorf("missing identifier")
	}
	if strings.IndexByte(cd.Identifier, 0) >= 0 || !utf8.ValidString(cd.Identifier) {
		return nil, fmt.Errorf("malformed identifier %q", cd.Identifier)
	}
	if cd.TeamID != "" {
		if cd.Version < CS_SUPPORTSTEAMID {
			return nil, fmt.Errorf("team identifier requires version 0x%x, have 0x%x", CS_SUPPORTSTEAMID, cd.Version)
		}
		if strings.IndexByte(cd.TeamID, 0) >= 0 || !utf8.ValidString(cd.TeamID) {
			return nil, fmt.Errorf("malformed team identifier %q", cd.TeamID)
		}
	}
	if cd.CodeLimit > math.MaxUint32 && cd.Version < CS_SUPPORTSCODELIMIT64 {
		return nil, fmt.Errorf("code limit %d requires version 0x%x, have 0x%x", cd.CodeLimit, CS_SUPPORTSCODELIMIT64, cd.Version)
	}
	if (cd.ExecSegBase|cd.ExecSegLimit|cd.ExecSegFlags) != 0 && cd.Version < CS_SUPPORTSEXECSEG {
		return nil, fmt.Errorf("exec segment fields require version 0x%x, have 0x%x", CS_SUPPORTSEXECSEG, cd.Version)
	}
	if cd.Runtime != 0 && cd.Version < CS_SUPPORTSRUNTIME {
		return nil, fmt.Errorf("runtime version requires version 0x%x, have 0x%x", CS_SUPPORTSRUNTIME, cd.Version)
	}

	hashSize := cd.DigestType.Size()
	if hashSize == 0 {
		return nil, fmt.Errorf("unsupported hash type %d", uint8(cd.DigestType))
	}
	for i, d := range cd.CodeDigests {
		if len(d) != hashSize {
			return nil, fmt.Errorf("code digest %d has %d bytes, want %d", i, len(d), hashSize)
		}
	}
	nSpecialSlots := cd.maxSpecialSlot()
	if nSpecialSlots > CSSLOT_ENTITLEMENTS_DER {
		return nil, fmt.Errorf("unsupported special slot %d", nSpecialSlots)
	}
	for slot, d := range cd.SpecialDigests {
		if slot == 0 {
			return nil, fmt.Errorf("special slot 0 is the code directory itself")
		}
		if len(d) != hashSize {
			return nil, fmt.Errorf("special slot %d digest has %d bytes, want %d", slot, len(d), hashSize)
		}
	}

	hdrSize := cdHeaderSize(cd.Version)
	total := uint64(hdrSize) + uint64(len(cd.Identifier)) + 1
	if cd.TeamID != "" {
		total += uint64(len(cd.TeamID)) + 1
	}
	total += (uint64(nSpecialSlots) + uint64(len(cd.CodeDigests))) * uint64(hashSize)
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("code directory length %d overflows blob header", total)
	}

	var codeLimit32 uint32
	var codeLimit64 uint64
	if cd.CodeLimit > math.MaxUint32 {
		codeLimit64 = cd.CodeLimit
	} else {
		codeLimit32 = uint32(cd.CodeLimit)
	}

	buf := make([]byte, total)
	b := buf
	b = put32be(b, CSMAGIC_CODEDIRECTORY)
	b = put32be(b, uint32(total))
	b = put32be(b, cd.Version)
	b = put32be(b, cd.Flags)
	b = put32be(b, 0) // hash offset, backpatched below
	b = put32be(b, 0) // identifier offset, backpatched below
	b = put32be(b, nSpecialSlots)
	b = put32be(b, uint32(len(cd.CodeDigests)))
	b = put32be(b, codeLimit32)
	b = put8(b, uint8(hashSize))
	b = put8(b, uint8(cd.DigestType))
	b = put8(b, cd.Platform)
	b = put8(b, cd.PageSizeLog2)
	b = put32be(b, 0) // spare2
	if cd.Version >= CS_SUPPORTSSCATTER {
		b = put32be(b, 0) // scatter offset, always empty
	}
	var teamOffsetPos int
	if cd.Version >= CS_SUPPORTSTEAMID {
		teamOffsetPos = int(total) - len(b)
		b = put32be(b, 0) // team offset, backpatched when a team is set
	}
	if cd.Version >= CS_SUPPORTSCODELIMIT64 {
		b = put32be(b, 0) // spare3
		b = put64be(b, codeLimit64)
	}
	if cd.Version >= CS_SUPPORTSEXECSEG {
		b = put64be(b, cd.ExecSegBase)
		b = put64be(b, cd.ExecSegLimit)
		b = put64be(b, cd.ExecSegFlags)
	}
	if cd.Version >= CS_SUPPORTSRUNTIME {
		b = put32be(b, cd.Runtime)
		b = put32be(b, 0) // pre-encrypt offset, always empty
	}
	if cd.Version >= CS_SUPPORTSLINKAGE {
		b = put8(b, 0)
		b = put8(b, 0)
		b = put16be(b, 0)
		b = put32be(b, 0)
		b = put32be(b, 0)
	}

	identOffset := int(total) - len(b)
	b = puts(b, []byte(cd.Identifier))
	b = put8(b, 0)
	var teamOffset int
	if cd.TeamID != "" {
		teamOffset = int(total) - len(b)
		b = puts(b, []byte(cd.TeamID))
		b = put8(b, 0)
	}
	zeroDigest := make([]byte, hashSize)
	for slot := nSpecialSlots; slot >= 1; slot-- {
		if d, ok := cd.SpecialDigests[slot]; ok {
			b = puts(b, d)
		} else {
			b = puts(b, zeroDigest)
		}
	}
	hashOffset := int(total) - len(b)
	for _, d := range cd.CodeDigests {
		b = puts(b, d)
	}

	binary.BigEndian.PutUint32(buf[16:], uint32(hashOffset))
	binary.BigEndian.PutUint32(buf[20:], uint32(identOffset))
	if teamOffset != 0 {
		binary.BigEndian.PutUint32(buf[teamOffsetPos:], uint32(teamOffset))
	}
	return buf, nil
}

// AdjustVersion raises Version to the minimum demanded by the populated
// optional fields, floored by hint (a platform or OS minimum). The
// version never decreases. Returns the version held before the call.
func (cd *CodeDirectory) AdjustVersion(hint uint32) uint32 {
	prev := cd.Version
	min := uint32(CS_EARLIEST_VERSION)
	if hint > min {
		min = hint
	}
	if cd.ScatterOffset != 0 && min < CS_SUPPORTSSCATTER {
		min = CS_SUPPORTSSCATTER
	}
	if cd.TeamID != "" && min < CS_SUPPORTSTEAMID {
		min = CS_SUPPORTSTEAMID
	}
	if cd.CodeLimit > math.MaxUint32 && min < CS_SUPPORTSCODELIMIT64 {
		min = CS_SUPPORTSCODELIMIT64
	}
	if (cd.ExecSegBase|cd.ExecSegLimit|cd.ExecSegFlags) != 0 && min < CS_SUPPORTSEXECSEG {
		min = CS_SUPPORTSEXECSEG
	}
	if (cd.Runtime != 0 || cd.PreEncryptOffset != 0) && min < CS_SUPPORTSRUNTIME {
		min = CS_SUPPORTSRUNTIME
	}
	if (cd.LinkageOffset != 0 || cd.LinkageSize != 0) && min < CS_SUPPORTSLINKAGE {
		min = CS_SUPPORTSLINKAGE
	}
	if min > cd.Version {
		cd.Version = min
	}
	return prev
}

// ClearNewerFields zeroes every optional field the current version
// cannot represent, so a following Encode cannot silently drop data.
func (cd *CodeDirectory) ClearNewerFields() {
	if cd.Version < CS_SUPPORTSSCATTER {
		cd.ScatterOffset = 0
	}
	if cd.Version < CS_SUPPORTSTEAMID {
		cd.TeamID = ""
	}
	if cd.Version < CS_SUPPORTSCODELIMIT64 && cd.CodeLimit > math.MaxUint32 {
		cd.CodeLimit = 0
	}
	if cd.Version < CS_SUPPORTSEXECSEG {
		cd.ExecSegBase = 0
		cd.ExecSegLimit = 0
		cd.ExecSegFlags = 0
	}
	if cd.Version < CS_SUPPORTSRUNTIME {
		cd.Runtime = 0
		cd.PreEncryptOffset = 0
	}
	if cd.Version < CS_SUPPORTSLINKAGE {
		cd.LinkageHashType = 0
		cd.LinkageApplicationType = 0
		cd.LinkageApplicationSubType = 0
		cd.LinkageOffset = 0
		cd.LinkageSize = 0
	}
}
