package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// DigestType identifies the hash algorithm of a CodeDirectory (the
// hashType byte from cs_blobs.h).
type DigestType uint8

const (
	CS_HASHTYPE_SHA1             DigestType = 1
	CS_HASHTYPE_SHA256           DigestType = 2
	CS_HASHTYPE_SHA256_TRUNCATED DigestType = 3
	CS_HASHTYPE_SHA384           DigestType = 4
)

// cdHashLen is the CDHash length Apple uses in CMS attributes and kernel
// interfaces regardless of the directory's hash type.
const cdHashLen = 20

// Size returns the digest length in bytes, 0 for unknown types.
func (t DigestType) Size() int {
	switch t {
	case CS_HASHTYPE_SHA1, CS_HASHTYPE_SHA256_TRUNCATED:
		return 20
	case CS_HASHTYPE_SHA256:
		return sha256.Size
	case CS_HASHTYPE_SHA384:
		return sha512.Size384
	default:
		return 0
	}
}

func (t DigestType) String() string {
	switch t {
	case CS_HASHTYPE_SHA1:
		return "SHA-1"
	case CS_HASHTYPE_SHA256:
		return "SHA-256"
	case CS_HASHTYPE_SHA256_TRUNCATED:
		return "SHA-256 (truncated)"
	case CS_HASHTYPE_SHA384:
		return "SHA-384"
	default:
		return fmt.Sprintf("hash type %d", uint8(t))
	}
}

func (t DigestType) newHash() hash.Hash {
	switch t {
	case CS_HASHTYPE_SHA1:
		return sha1.New()
	case CS_HASHTYPE_SHA256, CS_HASHTYPE_SHA256_TRUNCATED:
		return sha256.New()
	case CS_HASHTYPE_SHA384:
		return sha512.New384()
	default:
		return nil
	}
}

// Digest hashes data, truncated to the type's digest size.
func (t DigestType) Digest(data []byte) ([]byte, error) {
	h := t.newHash()
	if h == nil {
		return nil, fmt.Errorf("unsupported hash type %d", uint8(t))
	}
	h.Write(data)
	return h.Sum(nil)[:t.Size()], nil
}

// ComputeCodeDigests hashes [0, codeLimit) of data in pageSize chunks,
// the last chunk possibly short. The result holds exactly
// ceil(codeLimit/pageSize) digests.
func ComputeCodeDigests(data []byte, t DigestType, pageSize uint32, codeLimit uint64) ([][]byte, error) {
	if t.Size() == 0 {
		return nil, fmt.Errorf("unsupported hash type %d", uint8(t))
	}
	if pageSize == 0 {
		return nil, fmt.Errorf("page size must be nonzero")
	}
	if codeLimit > uint64(len(data)) {
		return nil, fmt.Errorf("code limit %d beyond input size %d", codeLimit, len(data))
	}
	digests := make([][]byte, 0, (codeLimit+uint64(pageSize)-1)/uint64(pageSize))
	for off := uint64(0); off < codeLimit; off += uint64(pageSize) {
		end := off + uint64(pageSize)
		if end > codeLimit {
			end = codeLimit
		}
		d, err := t.Digest(data[off:end])
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// CDHash computes the truncated directory hash Apple uses to identify a
// CodeDirectory in CMS attributes and kernel policy: the digest of the
// encoded blob cut to 20 bytes.
func CDHash(encodedCD []byte, t DigestType) ([]byte, error) {
	d, err := t.Digest(encodedCD)
	if err != nil {
		return nil, err
	}
	if len(d) > cdHashLen {
		d = d[:cdHashLen]
	}
	return d, nil
}
