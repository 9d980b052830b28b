package codesign

// Signing orchestration. A signing pass carries one architecture slice
// through fixed stages: size estimate, placeholder rewrite with a
// re-parse gate, page digesting, superblob assembly, padding, and the
// final splice. The superblob is padded with zeros up to the estimate
// so the layout chosen by the placeholder rewrite stays valid; an
// estimate below the real size is a fatal error, never a truncation.

import (
	"bytes"
	"fmt"
	"math"

	"github.com/blacktop/go-macho"
)

// Signer produces the CMS signature payload stored under
// CSSLOT_CMS_SIGNATURE.
type Signer interface {
	// Sign returns a detached CMS SignedData over the primary encoded
	// code directory. digests carries one entry per directory in the
	// container, primary first.
	Sign(primary []byte, digests []DirectoryDigest) ([]byte, error)
	// SizeEstimate returns an upper bound on the encoded result.
	SizeEstimate() int
}

// SigningSettings selects what goes into a signature. The zero value
// plus an Identifier signs ad-hoc with SHA-256 over 4 KiB pages.
type SigningSettings struct {
	Identifier string
	TeamID     string

	// Flags is OR-ed into the code directory flags. CS_ADHOC is added
	// automatically when Signer is nil.
	Flags uint32

	// DigestTypes lists the directory digest algorithms, primary
	// first. Empty means SHA-256 only.
	DigestTypes []DigestType

	PageSizeLog2   uint8 // 0 means 4 KiB pages
	Platform       uint8
	RuntimeVersion uint32

	// ExecSegFlags enables the executable segment fields; base and
	// limit are taken from __TEXT when it is nonzero.
	ExecSegFlags uint64

	// Entitlements is the XML plist stored under CSSLOT_ENTITLEMENTS.
	// EntitlementsDER is the DER form for CSSLOT_ENTITLEMENTS_DER,
	// derived from Entitlements when left nil. An empty entitlements
	// dict gets no DER slot.
	Entitlements    []byte
	EntitlementsDER []byte

	// Requirements is a complete requirements set blob for
	// CSSLOT_REQUIREMENTS. nil embeds an empty set.
	Requirements []byte

	// InfoPlist and CodeResources contribute special slot digests
	// only; the files themselves stay in the bundle.
	InfoPlist     []byte
	CodeResources []byte

	// Signer produces the CMS blob. nil signs ad-hoc.
	Signer Signer
}

const (
	defaultPageSizeLog2 = 12

	// headroom for CMS encoding variance on top of Signer.SizeEstimate
	signatureEstimateSlack = 1024
)

// normalized returns a copy with defaults applied and the DER
// entitlements derived.
func (s *SigningSettings) normalized() (SigningSettings, error) {
	n := *s
	if n.Identifier == "" {
		return n, fmt.Errorf("missing signing identifier")
	}
	if len(n.DigestTypes) == 0 {
		n.DigestTypes = []DigestType{CS_HASHTYPE_SHA256}
	}
	for _, t := range n.DigestTypes {
		if t.Size() == 0 {
			return n, fmt.Errorf("unsupported digest type %d", t)
		}
	}
	if n.PageSizeLog2 == 0 {
		n.PageSizeLog2 = defaultPageSizeLog2
	}
	if len(n.Requirements) == 0 {
		n.Requirements = EmptyRequirementsSet()
	}
	if len(n.Entitlements) > 0 && len(n.EntitlementsDER) == 0 {
		ents, err := ParseEntitlements(n.Entitlements)
		if err != nil {
			return n, fmt.Errorf("failed to parse entitlements: %w", err)
		}
		if len(ents) > 0 {
			der, err := ents.MarshalDER()
			if err != nil {
				return n, fmt.Errorf("failed to encode DER entitlements: %w", err)
			}
			n.EntitlementsDER = der
		}
	}
	return n, nil
}

// specialSlotCount returns the highest special slot the settings will
// populate. Requirements are always embedded, so the floor is slot 2.
func (s *SigningSettings) specialSlotCount() uint64 {
	switch {
	case len(s.EntitlementsDER) > 0:
		return CSSLOT_ENTITLEMENTS_DER
	case len(s.Entitlements) > 0:
		return CSSLOT_ENTITLEMENTS
	case len(s.CodeResources) > 0:
		return CSSLOT_RESOURCEDIR
	default:
		return CSSLOT_REQUIREMENTS
	}
}

// EstimateSignatureSize returns a deterministic upper bound on the
// embedded signature size for the given settings and code limit. The
// placeholder rewrite reserves exactly this much space, so it must
// never be below the real superblob size.
func EstimateSignatureSize(settings *SigningSettings, codeLimit uint64) (uint64, error) {
	s, err := settings.normalized()
	if err != nil {
		return 0, err
	}
	return s.estimateSignatureSize(codeLimit), nil
}

func (s *SigningSettings) estimateSignatureSize(codeLimit uint64) uint64 {
	pageSize := uint64(1) << s.PageSizeLog2
	pages := (codeLimit + pageSize - 1) / pageSize

	entries := uint64(len(s.DigestTypes)) + 2 // directories + requirements + CMS wrapper
	if len(s.Entitlements) > 0 {
		entries++
	}
	if len(s.EntitlementsDER) > 0 {
		entries++
	}
	total := 12 + entries*8

	// directories sized at the largest defined header
	for _, t := range s.DigestTypes {
		total += uint64(cdHeaderSize(CS_SUPPORTSLINKAGE))
		total += uint64(len(s.Identifier)) + 1
		if s.TeamID != "" {
			total += uint64(len(s.TeamID)) + 1
		}
		total += (s.specialSlotCount() + pages) * uint64(t.Size())
	}

	total += uint64(len(s.Requirements))
	if len(s.Entitlements) > 0 {
		total += 8 + uint64(len(s.Entitlements))
	}
	if len(s.EntitlementsDER) > 0 {
		total += 8 + uint64(len(s.EntitlementsDER))
	}

	total += 8 // CMS blob wrapper header
	if s.Signer != nil {
		total += uint64(s.Signer.SizeEstimate()) + signatureEstimateSlack
	}
	return total
}

// SignMachO signs a thin or universal mach-o image and returns the new
// image bytes. Universal inputs have every slice signed independently
// and are reassembled in the original architecture order; one failed
// slice fails the whole operation.
func SignMachO(data []byte, settings *SigningSettings) ([]byte, error) {
	if IsFatMachO(data) {
		arches, err := ParseFat(data)
		if err != nil {
			return nil, err
		}
		for i := range arches {
			signed, err := signThin(arches[i].Data, settings)
			if err != nil {
				return nil, fmt.Errorf("failed to sign architecture %d: %w", i, err)
			}
			arches[i].Data = signed
		}
		return AssembleFat(arches)
	}
	if !IsThinMachO(data) {
		return nil, fmt.Errorf("not a mach-o binary")
	}
	return signThin(data, settings)
}

// signThin runs the staged pipeline over one architecture slice.
func signThin(original []byte, settings *SigningSettings) ([]byte, error) {
	layout, err := parseMachOLayout(original)
	if err != nil {
		return nil, err
	}
	carried := *settings
	if prev := previousCodeDirectory(original, layout); prev != nil {
		if carried.TeamID == "" {
			carried.TeamID = prev.TeamID
		}
		if carried.RuntimeVersion == 0 {
			carried.RuntimeVersion = prev.Runtime
		}
	}
	normalized, err := carried.normalized()
	if err != nil {
		return nil, err
	}
	return newSigningPass(original, normalized, layout).run()
}

// previousCodeDirectory decodes the primary directory of an existing
// signature. Re-signing replaces whatever is embedded, so a parse
// failure just means nothing carries forward.
func previousCodeDirectory(data []byte, layout *machoLayout) *CodeDirectory {
	cs := layout.codeSig
	if cs == nil || cs.dataSize == 0 {
		return nil
	}
	start := uint64(cs.dataOff)
	end := start + uint64(cs.dataSize)
	if start >= end || end > uint64(len(data)) {
		return nil
	}
	sb, err := ParseSuperBlob(data[start:end])
	if err != nil {
		return nil
	}
	blob := sb.Find(CSSLOT_CODEDIRECTORY)
	if blob == nil {
		return nil
	}
	cd, err := DecodeCodeDirectory(blob.Encode())
	if err != nil {
		return nil
	}
	return cd
}

// sanitizeForParse zeroes existing signature bytes before handing an
// image to go-macho, which rejects some signature layouts.
func sanitizeForParse(data []byte, layout *machoLayout) []byte {
	cs := layout.codeSig
	if cs == nil || cs.dataOff == 0 || uint64(cs.dataOff) >= uint64(len(data)) {
		return data
	}
	end := uint64(cs.dataOff) + uint64(cs.dataSize)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	for i := uint64(cs.dataOff); i < end; i++ {
		clone[i] = 0
	}
	return clone
}

// signingPass carries one slice through the signing stages. Stages run
// in order, single-threaded; any failure aborts the slice.
type signingPass struct {
	settings SigningSettings
	original []byte
	layout   *machoLayout

	codeLimit uint64
	estimate  uint64

	textOffset uint64
	textSize   uint64

	intermediate []byte   // placeholder image, load commands already final
	entBlob      []byte   // framed entitlements blob
	entDERBlob   []byte   // framed DER entitlements blob
	directories  [][]byte // encoded directories, primary first
	superblob    []byte
}

func newSigningPass(original []byte, settings SigningSettings, layout *machoLayout) *signingPass {
	return &signingPass{
		settings:  settings,
		original:  original,
		layout:    layout,
		codeLimit: signatureCodeLimit(original, layout),
	}
}

func (p *signingPass) run() ([]byte, error) {
	if err := p.estimateStage(); err != nil {
		return nil, err
	}
	if err := p.placeholderStage(); err != nil {
		return nil, err
	}
	if err := p.digestStage(); err != nil {
		return nil, err
	}
	if err := p.buildStage(); err != nil {
		return nil, err
	}
	if err := p.padStage(); err != nil {
		return nil, err
	}
	return p.finalizeStage(), nil
}

// estimateStage fixes the signature space the placeholder reserves.
func (p *signingPass) estimateStage() error {
	p.estimate = p.settings.estimateSignatureSize(p.codeLimit)
	if p.estimate > math.MaxUint32 {
		return fmt.Errorf("estimated signature size %d exceeds load command range", p.estimate)
	}
	return nil
}

// placeholderStage embeds a zero-filled signature of the estimated size
// and re-parses the result. The rewritten image must be a fully valid
// mach-o before anything is digested against it.
func (p *signingPass) placeholderStage() error {
	m, err := macho.NewFile(bytes.NewReader(sanitizeForParse(p.original, p.layout)))
	if err != nil {
		return fmt.Errorf("failed to parse mach-o: %w", err)
	}
	defer m.Close()
	if text := m.Segment(segnameText); text != nil {
		p.textOffset = text.Offset
		p.textSize = text.Filesz
	}

	intermediate, err := CreateWithSignature(p.original, m, make([]byte, p.estimate))
	if err != nil {
		return err
	}
	gate, err := macho.NewFile(bytes.NewReader(intermediate))
	if err != nil {
		return fmt.Errorf("rewritten mach-o failed to re-parse: %w", err)
	}
	gate.Close()
	p.intermediate = intermediate
	return nil
}

// digestStage builds one code directory per digest type against the
// intermediate image, whose signature region is still all zeros.
func (p *signingPass) digestStage() error {
	s := &p.settings
	if len(s.Entitlements) > 0 {
		p.entBlob = NewBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS, s.Entitlements).Encode()
	}
	if len(s.EntitlementsDER) > 0 {
		p.entDERBlob = NewBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS_DER, s.EntitlementsDER).Encode()
	}

	flags := s.Flags
	if s.Signer == nil {
		flags |= CS_ADHOC
	}
	pageSize := uint32(1) << s.PageSizeLog2

	for _, t := range s.DigestTypes {
		code, err := ComputeCodeDigests(p.intermediate, t, pageSize, p.codeLimit)
		if err != nil {
			return err
		}
		specials, err := p.specialDigests(t)
		if err != nil {
			return err
		}
		cd := &CodeDirectory{
			Version:        CS_EARLIEST_VERSION,
			Flags:          flags,
			DigestType:     t,
			Platform:       s.Platform,
			PageSizeLog2:   s.PageSizeLog2,
			CodeLimit:      p.codeLimit,
			Identifier:     s.Identifier,
			TeamID:         s.TeamID,
			Runtime:        s.RuntimeVersion,
			CodeDigests:    code,
			SpecialDigests: specials,
		}
		if s.ExecSegFlags != 0 {
			cd.ExecSegBase = p.textOffset
			cd.ExecSegLimit = p.textSize
			cd.ExecSegFlags = s.ExecSegFlags
		}
		cd.AdjustVersion(CS_EARLIEST_VERSION)
		encoded, err := cd.Encode()
		if err != nil {
			return err
		}
		p.directories = append(p.directories, encoded)
	}
	return nil
}

// specialDigests hashes the auxiliary inputs into their well-known
// slots. Requirements and entitlements are hashed in framed blob form,
// Info.plist and CodeResources as raw file bytes.
func (p *signingPass) specialDigests(t DigestType) (map[uint32][]byte, error) {
	s := &p.settings
	specials := make(map[uint32][]byte)
	add := func(slot uint32, data []byte) error {
		if len(data) == 0 {
			return nil
		}
		d, err := t.Digest(data)
		if err != nil {
			return err
		}
		specials[slot] = d
		return nil
	}
	if err := add(CSSLOT_INFOSLOT, s.InfoPlist); err != nil {
		return nil, err
	}
	if err := add(CSSLOT_REQUIREMENTS, s.Requirements); err != nil {
		return nil, err
	}
	if err := add(CSSLOT_RESOURCEDIR, s.CodeResources); err != nil {
		return nil, err
	}
	if err := add(CSSLOT_ENTITLEMENTS, p.entBlob); err != nil {
		return nil, err
	}
	if err := add(CSSLOT_ENTITLEMENTS_DER, p.entDERBlob); err != nil {
		return nil, err
	}
	return specials, nil
}

// buildStage assembles the real superblob from the directories, the
// auxiliary blobs, and the CMS signature.
func (p *signingPass) buildStage() error {
	s := &p.settings
	b := NewSuperBlobBuilder()
	if err := b.SetCodeDirectory(s.DigestTypes[0], p.directories[0]); err != nil {
		return err
	}
	for i, alt := range p.directories[1:] {
		if err := b.AddAlternateCodeDirectory(s.DigestTypes[i+1], alt); err != nil {
			return err
		}
	}
	req, err := ParseBlob(s.Requirements)
	if err != nil {
		return fmt.Errorf("failed to parse requirements blob: %w", err)
	}
	if req.Magic != CSMAGIC_REQUIREMENTS {
		return fmt.Errorf("requirements blob has magic 0x%08x", req.Magic)
	}
	if err := b.AddBlob(CSSLOT_REQUIREMENTS, req); err != nil {
		return err
	}
	if len(s.Entitlements) > 0 {
		if err := b.AddBlob(CSSLOT_ENTITLEMENTS, NewBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS, s.Entitlements)); err != nil {
			return err
		}
	}
	if len(s.EntitlementsDER) > 0 {
		if err := b.AddBlob(CSSLOT_ENTITLEMENTS_DER, NewBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS_DER, s.EntitlementsDER)); err != nil {
			return err
		}
	}
	if err := b.SignWith(s.Signer); err != nil {
		return err
	}
	blob, err := b.CreateSuperblob()
	if err != nil {
		return err
	}
	p.superblob = blob
	return nil
}

// padStage verifies the estimate held and pads the superblob to it so
// the embedded size matches the placeholder exactly.
func (p *signingPass) padStage() error {
	if uint64(len(p.superblob)) > p.estimate {
		return fmt.Errorf("signature data too large: %d bytes exceeds the %d byte estimate", len(p.superblob), p.estimate)
	}
	padded := make([]byte, p.estimate)
	copy(padded, p.superblob)
	p.superblob = padded
	return nil
}

// finalizeStage splices the padded superblob over the placeholder
// bytes; everything else in the intermediate image is already final.
func (p *signingPass) finalizeStage() []byte {
	out := make([]byte, len(p.intermediate))
	copy(out, p.intermediate)
	copy(out[p.codeLimit:], p.superblob)
	return out
}
