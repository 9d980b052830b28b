package codesign

// Requirement expression building. Expressions are sequences of
// big-endian opcodes with 4-byte padded operands, framed as requirement
// blobs and grouped into a requirements set indexed by requirement
// type.

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Requirement types within a requirements set
const (
	kSecHostRequirementType       = 1
	kSecGuestRequirementType      = 2
	kSecDesignatedRequirementType = 3
	kSecLibraryRequirementType    = 4
)

// Requirement expression opcodes from Apple's requirement.h
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	leafCertIndex = 0

	exprKindExpression = 1
)

// appleDeveloperOID is the certificate extension 1.2.840.113635.100.6.2.1
// carried by Apple's developer program intermediates.
var appleDeveloperOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

// requirementExpr accumulates a big-endian requirement expression.
type requirementExpr struct {
	buf bytes.Buffer
}

func (e *requirementExpr) op(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

// data writes a length-prefixed operand padded to a 4-byte boundary.
func (e *requirementExpr) data(b []byte) {
	e.op(uint32(len(b)))
	e.buf.Write(b)
	for i := len(b); i%4 != 0; i++ {
		e.buf.WriteByte(0)
	}
}

// DesignatedRequirement builds a designated requirement blob for the
// identifier: "identifier X and anchor apple generic", extended with
// the leaf certificate common name and the Apple Developer
// intermediate OID check when the signer's common name is known.
func DesignatedRequirement(identifier, leafCN string) []byte {
	var e requirementExpr
	if leafCN == "" {
		e.op(opAnd)
		e.op(opIdent)
		e.data([]byte(identifier))
		e.op(opAppleGenericAnchor)
	} else {
		e.op(opAnd)
		e.op(opIdent)
		e.data([]byte(identifier))
		e.op(opAnd)
		e.op(opAppleGenericAnchor)
		e.op(opAnd)
		e.op(opCertField)
		e.op(leafCertIndex)
		e.data([]byte("subject.CN"))
		e.op(matchEqual)
		e.data([]byte(leafCN))
		e.op(opCertGeneric)
		e.op(1)
		e.data(appleDeveloperOID)
		e.op(matchExists)
	}

	expr := e.buf.Bytes()
	out := make([]byte, 12+len(expr))
	binary.BigEndian.PutUint32(out[0:], CSMAGIC_REQUIREMENT)
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	binary.BigEndian.PutUint32(out[8:], exprKindExpression)
	copy(out[12:], expr)
	return out
}

// RequirementsSet frames requirement blobs keyed by requirement type
// into a requirements set, indexed in ascending type order.
func RequirementsSet(reqs map[uint32][]byte) []byte {
	types := make([]uint32, 0, len(reqs))
	for t := range reqs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	headerSize := 12 + len(reqs)*8
	total := headerSize
	for _, t := range types {
		total += len(reqs[t])
	}

	out := make([]byte, total)
	outp := put32be(out, CSMAGIC_REQUIREMENTS)
	outp = put32be(outp, uint32(total))
	outp = put32be(outp, uint32(len(reqs)))
	offset := headerSize
	for _, t := range types {
		outp = put32be(outp, t)
		outp = put32be(outp, uint32(offset))
		copy(out[offset:], reqs[t])
		offset += len(reqs[t])
	}
	return out
}

// EmptyRequirementsSet frames a requirements set with no entries.
func EmptyRequirementsSet() []byte {
	return RequirementsSet(nil)
}

// DesignatedRequirementsSet builds the usual single-entry set holding
// just the designated requirement.
func DesignatedRequirementsSet(identifier, leafCN string) []byte {
	return RequirementsSet(map[uint32][]byte{
		kSecDesignatedRequirementType: DesignatedRequirement(identifier, leafCN),
	})
}
