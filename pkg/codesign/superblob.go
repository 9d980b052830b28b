package codesign

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Blob is a framed code signing blob: a 4-byte big-endian magic and a
// 4-byte total length (header included), followed by the payload.
type Blob struct {
	Magic uint32
	Data  []byte // payload without the 8-byte header
}

// NewBlob frames data under magic.
func NewBlob(magic uint32, data []byte) *Blob {
	return &Blob{Magic: magic, Data: data}
}

// Encode emits the framed blob bytes.
func (b *Blob) Encode() []byte {
	out := make([]byte, 8+len(b.Data))
	binary.BigEndian.PutUint32(out, b.Magic)
	binary.BigEndian.PutUint32(out[4:], uint32(8+len(b.Data)))
	copy(out[8:], b.Data)
	return out
}

// ParseBlob splits a framed blob into magic and payload.
func ParseBlob(data []byte) (*Blob, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("blob too short: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint32(data[4:8])
	if length < 8 || uint64(length) > uint64(len(data)) {
		return nil, fmt.Errorf("invalid blob length %d", length)
	}
	return &Blob{
		Magic: binary.BigEndian.Uint32(data[0:4]),
		Data:  append([]byte(nil), data[8:length]...),
	}, nil
}

// DirectoryDigest describes one CodeDirectory of a container for CMS
// attribute generation.
type DirectoryDigest struct {
	Type   DigestType
	CDHash []byte // digest of the encoded directory, truncated to 20 bytes
	Full   []byte // complete digest of the encoded directory
}

// SuperBlobBuilder assembles an embedded signature container: the
// mandatory primary CodeDirectory, auxiliary blobs keyed by special
// slot, up to five alternate CodeDirectories, and the CMS signature
// wrapper. Slots may be registered in any order; the emitted index is
// always sorted.
type SuperBlobBuilder struct {
	blobs map[uint32]*Blob
	dirs  []directoryEntry // primary first, alternates in slot order
}

type directoryEntry struct {
	typ  DigestType
	data []byte
}

// NewSuperBlobBuilder returns an empty builder.
func NewSuperBlobBuilder() *SuperBlobBuilder {
	return &SuperBlobBuilder{blobs: make(map[uint32]*Blob)}
}

// AddBlob registers a framed blob under a slot. Each slot may be filled
// once.
func (sb *SuperBlobBuilder) AddBlob(slot uint32, blob *Blob) error {
	if _, ok := sb.blobs[slot]; ok {
		return fmt.Errorf("slot 0x%x already occupied", slot)
	}
	sb.blobs[slot] = blob
	return nil
}

// SetCodeDirectory registers the encoded primary CodeDirectory under
// slot 0.
func (sb *SuperBlobBuilder) SetCodeDirectory(t DigestType, encoded []byte) error {
	blob, err := ParseBlob(encoded)
	if err != nil {
		return fmt.Errorf("failed to parse code directory blob: %w", err)
	}
	if blob.Magic != CSMAGIC_CODEDIRECTORY {
		return fmt.Errorf("invalid code directory magic 0x%08x", blob.Magic)
	}
	if err := sb.AddBlob(CSSLOT_CODEDIRECTORY, blob); err != nil {
		return err
	}
	sb.dirs = append([]directoryEntry{{typ: t, data: encoded}}, sb.dirs...)
	return nil
}

// AddAlternateCodeDirectory registers an additional CodeDirectory for
// another digest type under the next alternate slot. At most five
// alternates fit the slot scheme.
func (sb *SuperBlobBuilder) AddAlternateCodeDirectory(t DigestType, encoded []byte) error {
	n := uint32(0)
	for slot := uint32(CSSLOT_ALTERNATE_CODEDIRECTORIES); ; slot++ {
		if _, ok := sb.blobs[slot]; !ok {
			n = slot - CSSLOT_ALTERNATE_CODEDIRECTORIES
			break
		}
	}
	if n >= CSSLOT_ALTERNATE_CODEDIRECTORY_MAX {
		return fmt.Errorf("too many alternate code directories (max %d)", CSSLOT_ALTERNATE_CODEDIRECTORY_MAX)
	}
	blob, err := ParseBlob(encoded)
	if err != nil {
		return fmt.Errorf("failed to parse code directory blob: %w", err)
	}
	if blob.Magic != CSMAGIC_CODEDIRECTORY {
		return fmt.Errorf("invalid code directory magic 0x%08x", blob.Magic)
	}
	if err := sb.AddBlob(CSSLOT_ALTERNATE_CODEDIRECTORIES+n, blob); err != nil {
		return err
	}
	sb.dirs = append(sb.dirs, directoryEntry{typ: t, data: encoded})
	return nil
}

// DirectoryDigests computes the CDHash of every registered directory,
// primary first.
func (sb *SuperBlobBuilder) DirectoryDigests() ([]DirectoryDigest, error) {
	digests := make([]DirectoryDigest, 0, len(sb.dirs))
	for _, dir := range sb.dirs {
		full, err := dir.typ.Digest(dir.data)
		if err != nil {
			return nil, err
		}
		cdhash, err := CDHash(dir.data, dir.typ)
		if err != nil {
			return nil, err
		}
		digests = append(digests, DirectoryDigest{Type: dir.typ, CDHash: cdhash, Full: full})
	}
	return digests, nil
}

// SignWith produces the CMS signature over the primary CodeDirectory and
// registers it under the signature slot. A nil signer registers an empty
// blob wrapper, which is how ad-hoc signatures are marked.
func (sb *SuperBlobBuilder) SignWith(signer Signer) error {
	if signer == nil {
		return sb.AddBlob(CSSLOT_CMS_SIGNATURE, NewBlob(CSMAGIC_BLOBWRAPPER, nil))
	}
	if len(sb.dirs) == 0 {
		return fmt.Errorf("missing code directory")
	}
	digests, err := sb.DirectoryDigests()
	if err != nil {
		return err
	}
	cms, err := signer.Sign(sb.dirs[0].data, digests)
	if err != nil {
		return fmt.Errorf("failed to create CMS signature: %w", err)
	}
	return sb.AddBlob(CSSLOT_CMS_SIGNATURE, NewBlob(CSMAGIC_BLOBWRAPPER, cms))
}

// CreateSuperblob emits the container: header (magic, total length),
// blob count, the index sorted ascending by slot, then each framed blob
// at its recorded offset.
func (sb *SuperBlobBuilder) CreateSuperblob() ([]byte, error) {
	if _, ok := sb.blobs[CSSLOT_CODEDIRECTORY]; !ok {
		return nil, fmt.Errorf("missing code directory")
	}
	slots := make([]uint32, 0, len(sb.blobs))
	for slot := range sb.blobs {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	total := uint64(12 + 8*len(slots))
	encoded := make([][]byte, len(slots))
	for i, slot := range slots {
		encoded[i] = sb.blobs[slot].Encode()
		total += uint64(len(encoded[i]))
	}
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("superblob length %d overflows header", total)
	}

	buf := make([]byte, total)
	b := buf
	b = put32be(b, CSMAGIC_EMBEDDED_SIGNATURE)
	b = put32be(b, uint32(total))
	b = put32be(b, uint32(len(slots)))
	offset := uint32(12 + 8*len(slots))
	for i, slot := range slots {
		b = put32be(b, slot)
		b = put32be(b, offset)
		offset += uint32(len(encoded[i]))
	}
	for _, e := range encoded {
		b = puts(b, e)
	}
	return buf, nil
}

// SuperBlob is a parsed embedded signature container.
type SuperBlob struct {
	Magic  uint32
	Length uint32
	Blobs  []SuperBlobEntry
}

// SuperBlobEntry pairs an index slot with its blob.
type SuperBlobEntry struct {
	Slot uint32
	Blob *Blob
}

// ParseSuperBlob reads an embedded signature container and every blob
// its index points at.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("superblob too short: %d bytes", len(data))
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != CSMAGIC_EMBEDDED_SIGNATURE && magic != CSMAGIC_DETACHED_SIGNATURE {
		return nil, fmt.Errorf("invalid superblob magic 0x%08x", magic)
	}
	length := binary.BigEndian.Uint32(data[4:8])
	count := binary.BigEndian.Uint32(data[8:12])
	if length < 12 || uint64(length) > uint64(len(data)) {
		return nil, fmt.Errorf("invalid superblob length %d", length)
	}
	data = data[:length]
	if uint64(12+8*count) > uint64(length) {
		return nil, fmt.Errorf("superblob index truncated: %d entries", count)
	}

	sb := &SuperBlob{Magic: magic, Length: length}
	for i := uint32(0); i < count; i++ {
		slot := binary.BigEndian.Uint32(data[12+8*i:])
		offset := binary.BigEndian.Uint32(data[16+8*i:])
		if uint64(offset)+8 > uint64(length) {
			return nil, fmt.Errorf("blob offset 0x%x outside superblob", offset)
		}
		blob, err := ParseBlob(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse blob in slot 0x%x: %w", slot, err)
		}
		sb.Blobs = append(sb.Blobs, SuperBlobEntry{Slot: slot, Blob: blob})
	}
	return sb, nil
}

// Find returns the blob registered under slot, or nil.
func (sb *SuperBlob) Find(slot uint32) *Blob {
	for _, entry := range sb.Blobs {
		if entry.Slot == slot {
			return entry.Blob
		}
	}
	return nil
}
