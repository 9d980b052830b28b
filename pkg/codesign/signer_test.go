package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
)

func parseSignatureBlob(t *testing.T, signed []byte) *SuperBlob {
	t.Helper()
	layout, err := parseMachOLayout(signed)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	if layout.codeSig == nil {
		t.Fatalf("signed image has no signature command")
	}
	end := uint64(layout.codeSig.dataOff) + uint64(layout.codeSig.dataSize)
	sb, err := ParseSuperBlob(signed[layout.codeSig.dataOff:end])
	if err != nil {
		t.Fatalf("ParseSuperBlob failed: %v", err)
	}
	return sb
}

func primaryDirectory(t *testing.T, sb *SuperBlob) *CodeDirectory {
	t.Helper()
	blob := sb.Find(CSSLOT_CODEDIRECTORY)
	if blob == nil {
		t.Fatalf("no primary code directory slot")
	}
	cd, err := DecodeCodeDirectory(blob.Encode())
	if err != nil {
		t.Fatalf("DecodeCodeDirectory failed: %v", err)
	}
	return cd
}

func TestSignMachOAdHoc(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	settings := &SigningSettings{Identifier: "com.example.test"}

	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	if len(signed) != 8501 {
		t.Fatalf("signed length = %d, want 8501 (8192 + 309 byte estimate)", len(signed))
	}

	layout, err := parseMachOLayout(signed)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	if layout.codeSig == nil || layout.codeSig.dataOff != 8192 || layout.codeSig.dataSize != 309 {
		t.Fatalf("signature command = %+v, want dataOff 8192 dataSize 309", layout.codeSig)
	}

	sb := parseSignatureBlob(t, signed)
	if len(sb.Blobs) != 3 {
		t.Fatalf("superblob holds %d blobs, want 3", len(sb.Blobs))
	}
	if got := binary.BigEndian.Uint32(signed[8196:]); got != 245 {
		t.Errorf("superblob length = %d, want 245 before padding", got)
	}
	for _, b := range signed[8192+245 : 8501] {
		if b != 0 {
			t.Errorf("padding region not zeroed")
			break
		}
	}

	cd := primaryDirectory(t, sb)
	if cd.Identifier != "com.example.test" {
		t.Errorf("identifier = %q", cd.Identifier)
	}
	if cd.Flags&CS_ADHOC == 0 {
		t.Errorf("flags = 0x%x, want CS_ADHOC set", cd.Flags)
	}
	if cd.Version != CS_EARLIEST_VERSION {
		t.Errorf("version = 0x%x, want earliest for a plain ad-hoc directory", cd.Version)
	}
	if cd.DigestType != CS_HASHTYPE_SHA256 || cd.PageSizeLog2 != 12 {
		t.Errorf("digest/page = %s/%d, want SHA-256 over 4 KiB pages", cd.DigestType, cd.PageSizeLog2)
	}
	if cd.CodeLimit != 8192 {
		t.Errorf("code limit = %d, want 8192", cd.CodeLimit)
	}
	if len(cd.CodeDigests) != 2 {
		t.Fatalf("directory holds %d code digests, want 2", len(cd.CodeDigests))
	}
	for i, d := range cd.CodeDigests {
		want := sha256.Sum256(signed[i*4096 : (i+1)*4096])
		if !bytes.Equal(d, want[:]) {
			t.Errorf("page %d digest does not match the final image", i)
		}
	}
	if len(cd.SpecialDigests) != 1 {
		t.Fatalf("directory holds %d special digests, want 1", len(cd.SpecialDigests))
	}
	wantReq := sha256.Sum256(EmptyRequirementsSet())
	if !bytes.Equal(cd.SpecialDigests[CSSLOT_REQUIREMENTS], wantReq[:]) {
		t.Errorf("requirements digest mismatch")
	}

	req := sb.Find(CSSLOT_REQUIREMENTS)
	if req == nil || !bytes.Equal(req.Encode(), EmptyRequirementsSet()) {
		t.Errorf("embedded requirements are not the empty set")
	}
	wrapper := sb.Find(CSSLOT_CMS_SIGNATURE)
	if wrapper == nil || wrapper.Magic != CSMAGIC_BLOBWRAPPER || len(wrapper.Data) != 0 {
		t.Errorf("ad-hoc CMS wrapper missing or non-empty")
	}
}

func TestSignMachOAdHocIdempotent(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	settings := &SigningSettings{Identifier: "com.example.test"}

	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	again, err := SignMachO(signed, settings)
	if err != nil {
		t.Fatalf("re-signing failed: %v", err)
	}
	if !bytes.Equal(signed, again) {
		t.Errorf("re-signing with identical settings changed the image")
	}
}

func TestEstimateSignatureSize(t *testing.T) {
	est, err := EstimateSignatureSize(&SigningSettings{Identifier: "com.example.test"}, 8192)
	if err != nil {
		t.Fatalf("EstimateSignatureSize failed: %v", err)
	}
	if est != 309 {
		t.Errorf("ad-hoc estimate = %d, want 309", est)
	}

	if _, err := EstimateSignatureSize(&SigningSettings{}, 8192); err == nil ||
		!strings.Contains(err.Error(), "missing signing identifier") {
		t.Errorf("estimate without identifier = %v, want identifier error", err)
	}
}

func TestSignMachODualDigest(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	settings := &SigningSettings{
		Identifier:  "com.example.dual",
		DigestTypes: []DigestType{CS_HASHTYPE_SHA1, CS_HASHTYPE_SHA256},
	}
	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}

	sb := parseSignatureBlob(t, signed)
	if len(sb.Blobs) != 4 {
		t.Fatalf("superblob holds %d blobs, want 4", len(sb.Blobs))
	}
	cd := primaryDirectory(t, sb)
	if cd.DigestType != CS_HASHTYPE_SHA1 {
		t.Errorf("primary digest type = %s, want SHA-1", cd.DigestType)
	}
	wantSha1 := sha1.Sum(signed[:4096])
	if !bytes.Equal(cd.CodeDigests[0], wantSha1[:]) {
		t.Errorf("primary page 0 digest mismatch")
	}

	altBlob := sb.Find(CSSLOT_ALTERNATE_CODEDIRECTORIES)
	if altBlob == nil {
		t.Fatalf("no alternate code directory slot")
	}
	alt, err := DecodeCodeDirectory(altBlob.Encode())
	if err != nil {
		t.Fatalf("DecodeCodeDirectory failed: %v", err)
	}
	if alt.DigestType != CS_HASHTYPE_SHA256 || alt.CodeLimit != cd.CodeLimit {
		t.Errorf("alternate = %s limit %d, want SHA-256 limit %d", alt.DigestType, alt.CodeLimit, cd.CodeLimit)
	}
	wantSha256 := sha256.Sum256(signed[:4096])
	if !bytes.Equal(alt.CodeDigests[0], wantSha256[:]) {
		t.Errorf("alternate page 0 digest mismatch")
	}
}

func TestSignMachOEntitlements(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	xml := []byte(testEntitlementsXML)
	settings := &SigningSettings{Identifier: "com.example.app", Entitlements: xml}

	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	sb := parseSignatureBlob(t, signed)
	if len(sb.Blobs) != 5 {
		t.Fatalf("superblob holds %d blobs, want 5", len(sb.Blobs))
	}

	entBlob := sb.Find(CSSLOT_ENTITLEMENTS)
	if entBlob == nil || entBlob.Magic != CSMAGIC_EMBEDDED_ENTITLEMENTS || !bytes.Equal(entBlob.Data, xml) {
		t.Fatalf("entitlements blob missing or altered")
	}
	ents, err := ParseEntitlements(xml)
	if err != nil {
		t.Fatalf("ParseEntitlements failed: %v", err)
	}
	wantDER, err := ents.MarshalDER()
	if err != nil {
		t.Fatalf("MarshalDER failed: %v", err)
	}
	derBlob := sb.Find(CSSLOT_ENTITLEMENTS_DER)
	if derBlob == nil || derBlob.Magic != CSMAGIC_EMBEDDED_ENTITLEMENTS_DER || !bytes.Equal(derBlob.Data, wantDER) {
		t.Fatalf("DER entitlements blob missing or altered")
	}

	cd := primaryDirectory(t, sb)
	if len(cd.SpecialDigests) != 3 {
		t.Fatalf("directory holds %d special digests, want 3", len(cd.SpecialDigests))
	}
	wantEnt := sha256.Sum256(entBlob.Encode())
	if !bytes.Equal(cd.SpecialDigests[CSSLOT_ENTITLEMENTS], wantEnt[:]) {
		t.Errorf("entitlements slot digest is not over the framed blob")
	}
	wantDERDigest := sha256.Sum256(derBlob.Encode())
	if !bytes.Equal(cd.SpecialDigests[CSSLOT_ENTITLEMENTS_DER], wantDERDigest[:]) {
		t.Errorf("DER slot digest is not over the framed blob")
	}
}

func TestSignMachOEmptyEntitlementsDict(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	xml := []byte(`<plist version="1.0"><dict/></plist>`)
	settings := &SigningSettings{Identifier: "com.example.empty", Entitlements: xml}

	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	sb := parseSignatureBlob(t, signed)
	if sb.Find(CSSLOT_ENTITLEMENTS) == nil {
		t.Errorf("entitlements slot missing")
	}
	if sb.Find(CSSLOT_ENTITLEMENTS_DER) != nil {
		t.Errorf("empty dict got a DER slot")
	}
	cd := primaryDirectory(t, sb)
	if len(cd.SpecialDigests) != 2 {
		t.Errorf("directory holds %d special digests, want 2 (requirements and entitlements)", len(cd.SpecialDigests))
	}
}

func TestSignMachOExecSeg(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	settings := &SigningSettings{
		Identifier:   "com.example.exec",
		ExecSegFlags: CS_EXECSEG_MAIN_BINARY | CS_EXECSEG_ALLOW_UNSIGNED,
	}
	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	cd := primaryDirectory(t, parseSignatureBlob(t, signed))
	if cd.ExecSegFlags != CS_EXECSEG_MAIN_BINARY|CS_EXECSEG_ALLOW_UNSIGNED {
		t.Errorf("exec segment flags = 0x%x", cd.ExecSegFlags)
	}
	if cd.ExecSegBase != 0 || cd.ExecSegLimit != 4096 {
		t.Errorf("exec segment = base 0x%x limit 0x%x, want __TEXT at 0 spanning 4096", cd.ExecSegBase, cd.ExecSegLimit)
	}
	if cd.Version < CS_SUPPORTSEXECSEG {
		t.Errorf("version = 0x%x, want at least exec segment support", cd.Version)
	}

	plain, err := SignMachO(data, &SigningSettings{Identifier: "com.example.exec"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	cd = primaryDirectory(t, parseSignatureBlob(t, plain))
	if cd.ExecSegLimit != 0 || cd.Version != CS_EARLIEST_VERSION {
		t.Errorf("exec segment fields leak without flags: limit %d version 0x%x", cd.ExecSegLimit, cd.Version)
	}
}

func TestSignMachOInfoPlistAndResources(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	info := []byte("<plist>info</plist>")
	res := []byte("<plist>resources</plist>")
	settings := &SigningSettings{
		Identifier:    "com.example.bundle",
		InfoPlist:     info,
		CodeResources: res,
	}
	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	sb := parseSignatureBlob(t, signed)
	if len(sb.Blobs) != 3 {
		t.Errorf("superblob holds %d blobs, want 3 (file digests add no blobs)", len(sb.Blobs))
	}
	cd := primaryDirectory(t, sb)
	if len(cd.SpecialDigests) != 3 {
		t.Fatalf("directory holds %d special digests, want 3", len(cd.SpecialDigests))
	}
	wantInfo := sha256.Sum256(info)
	if !bytes.Equal(cd.SpecialDigests[CSSLOT_INFOSLOT], wantInfo[:]) {
		t.Errorf("Info.plist digest is not over the raw file bytes")
	}
	wantRes := sha256.Sum256(res)
	if !bytes.Equal(cd.SpecialDigests[CSSLOT_RESOURCEDIR], wantRes[:]) {
		t.Errorf("CodeResources digest is not over the raw file bytes")
	}
}

func TestSignMachOCarryForward(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	first, err := SignMachO(data, &SigningSettings{
		Identifier:     "com.example.team",
		TeamID:         "ABCDE12345",
		RuntimeVersion: 0x000e0000,
	})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	cd := primaryDirectory(t, parseSignatureBlob(t, first))
	if cd.TeamID != "ABCDE12345" || cd.Runtime != 0x000e0000 {
		t.Fatalf("first signature team/runtime = %q/0x%x", cd.TeamID, cd.Runtime)
	}
	if cd.Version < CS_SUPPORTSRUNTIME {
		t.Errorf("version = 0x%x, want runtime support", cd.Version)
	}

	second, err := SignMachO(first, &SigningSettings{Identifier: "com.example.team"})
	if err != nil {
		t.Fatalf("re-signing failed: %v", err)
	}
	cd = primaryDirectory(t, parseSignatureBlob(t, second))
	if cd.TeamID != "ABCDE12345" {
		t.Errorf("team identifier not carried forward: %q", cd.TeamID)
	}
	if cd.Runtime != 0x000e0000 {
		t.Errorf("runtime version not carried forward: 0x%x", cd.Runtime)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("re-signing with carried settings changed the image")
	}
}

func TestSignMachOWithSigner(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	signer := &fakeSigner{out: bytes.Repeat([]byte{0xab}, 600)}
	settings := &SigningSettings{
		Identifier: "com.example.signed",
		TeamID:     "ABCDE12345",
		Signer:     signer,
	}
	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	est, err := EstimateSignatureSize(settings, 8192)
	if err != nil {
		t.Fatalf("EstimateSignatureSize failed: %v", err)
	}
	if uint64(len(signed)) != 8192+est {
		t.Errorf("signed length = %d, want 8192 + %d", len(signed), est)
	}

	sb := parseSignatureBlob(t, signed)
	cd := primaryDirectory(t, sb)
	if cd.Flags&CS_ADHOC != 0 {
		t.Errorf("certificate signature still marked ad-hoc")
	}
	wrapper := sb.Find(CSSLOT_CMS_SIGNATURE)
	if wrapper == nil || !bytes.Equal(wrapper.Data, signer.out) {
		t.Errorf("CMS wrapper does not carry the signer output")
	}
	if !bytes.Equal(signer.gotPrimary, sb.Find(CSSLOT_CODEDIRECTORY).Encode()) {
		t.Errorf("signer saw a different primary directory than embedded")
	}
	if len(signer.gotDigests) != 1 {
		t.Fatalf("signer saw %d digests, want 1", len(signer.gotDigests))
	}
	wantCDHash, err := CDHash(signer.gotPrimary, CS_HASHTYPE_SHA256)
	if err != nil {
		t.Fatalf("CDHash failed: %v", err)
	}
	if !bytes.Equal(signer.gotDigests[0].CDHash, wantCDHash) {
		t.Errorf("signer digest is not the primary CDHash")
	}
}

func TestSignMachO32Bit(t *testing.T) {
	data := buildThinMachO32(4096, 4096)
	settings := &SigningSettings{Identifier: "com.example.x32"}
	signed, err := SignMachO(data, settings)
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	cd := primaryDirectory(t, parseSignatureBlob(t, signed))
	if cd.CodeLimit != 8192 || len(cd.CodeDigests) != 2 {
		t.Errorf("directory = limit %d digests %d, want 8192/2", cd.CodeLimit, len(cd.CodeDigests))
	}
}

func TestSignMachOFat(t *testing.T) {
	slice64 := buildThinMachO(4096, 4096)
	slice32 := buildThinMachO32(4096, 4096)
	fat, err := AssembleFat([]FatArch{
		{CPU: testCPUTypeARM64, SubCPU: 0, Align: 14, Data: slice64},
		{CPU: 12, SubCPU: 9, Align: 14, Data: slice32},
	})
	if err != nil {
		t.Fatalf("AssembleFat failed: %v", err)
	}

	signed, err := SignMachO(fat, &SigningSettings{Identifier: "com.example.fat"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	arches, err := ParseFat(signed)
	if err != nil {
		t.Fatalf("ParseFat failed: %v", err)
	}
	if len(arches) != 2 {
		t.Fatalf("signed universal binary has %d slices, want 2", len(arches))
	}
	if arches[0].CPU != testCPUTypeARM64 || arches[1].CPU != 12 {
		t.Errorf("slice order or CPU types changed: %d, %d", arches[0].CPU, arches[1].CPU)
	}
	for i, arch := range arches {
		cd := primaryDirectory(t, parseSignatureBlob(t, arch.Data))
		if cd.Identifier != "com.example.fat" {
			t.Errorf("slice %d identifier = %q", i, cd.Identifier)
		}
	}
}

func TestSignMachOFatSliceFailure(t *testing.T) {
	slice64 := buildThinMachO(4096, 4096)

	noLinkedit := make([]byte, 4096)
	le := binary.LittleEndian
	le.PutUint32(noLinkedit[0:], MH_MAGIC_64)
	le.PutUint32(noLinkedit[4:], testCPUTypeX86_64)
	le.PutUint32(noLinkedit[12:], testMHExecute)
	le.PutUint32(noLinkedit[16:], 1)
	le.PutUint32(noLinkedit[20:], 72)
	writeSegment64(noLinkedit[32:], segnameText, 0, 4096, 0, 4096, 0)

	fat, err := AssembleFat([]FatArch{
		{CPU: testCPUTypeARM64, SubCPU: 0, Align: 14, Data: slice64},
		{CPU: testCPUTypeX86_64, SubCPU: 0, Align: 14, Data: noLinkedit},
	})
	if err != nil {
		t.Fatalf("AssembleFat failed: %v", err)
	}

	_, err = SignMachO(fat, &SigningSettings{Identifier: "com.example.fatfail"})
	if err == nil || !strings.Contains(err.Error(), "failed to sign architecture 1") {
		t.Errorf("SignMachO = %v, want slice failure wrapping", err)
	}
}

func TestSignMachOErrors(t *testing.T) {
	valid := buildThinMachO(4096, 4096)
	tests := []struct {
		name     string
		data     []byte
		settings *SigningSettings
		want     string
	}{
		{
			name:     "not mach-o",
			data:     bytes.Repeat([]byte{0x11}, 64),
			settings: &SigningSettings{Identifier: "x"},
			want:     "not a mach-o binary",
		},
		{
			name:     "missing identifier",
			data:     valid,
			settings: &SigningSettings{},
			want:     "missing signing identifier",
		},
		{
			name:     "unsupported digest type",
			data:     valid,
			settings: &SigningSettings{Identifier: "x", DigestTypes: []DigestType{9}},
			want:     "unsupported digest type 9",
		},
		{
			name:     "unparseable requirements",
			data:     valid,
			settings: &SigningSettings{Identifier: "x", Requirements: []byte{1, 2, 3}},
			want:     "failed to parse requirements blob",
		},
		{
			name: "wrong requirements magic",
			data: valid,
			settings: &SigningSettings{
				Identifier:   "x",
				Requirements: NewBlob(CSMAGIC_BLOBWRAPPER, nil).Encode(),
			},
			want: "requirements blob has magic",
		},
		{
			name:     "unparseable entitlements",
			data:     valid,
			settings: &SigningSettings{Identifier: "x", Entitlements: []byte("not a plist")},
			want:     "failed to parse entitlements",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SignMachO(tt.data, tt.settings)
			if err == nil {
				t.Fatalf("SignMachO succeeded, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("SignMachO error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestPadStage(t *testing.T) {
	p := &signingPass{superblob: []byte{1, 2, 3}, estimate: 8}
	if err := p.padStage(); err != nil {
		t.Fatalf("padStage failed: %v", err)
	}
	if len(p.superblob) != 8 || !bytes.Equal(p.superblob[:3], []byte{1, 2, 3}) {
		t.Errorf("padStage result = %x, want prefix preserved and zero fill to 8", p.superblob)
	}

	p = &signingPass{superblob: make([]byte, 100), estimate: 80}
	err := p.padStage()
	if err == nil || !strings.Contains(err.Error(), "signature data too large: 100 bytes exceeds the 80 byte estimate") {
		t.Errorf("padStage overflow = %v, want size error", err)
	}
}

func TestSanitizeForParse(t *testing.T) {
	signed := buildThinMachOWithSig(4096, 4608, 8192, 512)
	layout, err := parseMachOLayout(signed)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	clean := sanitizeForParse(signed, layout)
	if !bytes.Equal(clean[:8192], signed[:8192]) {
		t.Errorf("bytes before the signature region changed")
	}
	for _, b := range clean[8192:8704] {
		if b != 0 {
			t.Errorf("signature region not zeroed")
			break
		}
	}
	if isZeroDigest(signed[8192:8704]) {
		t.Fatalf("fixture signature region unexpectedly zero")
	}

	unsigned := buildThinMachO(4096, 4096)
	layout, err = parseMachOLayout(unsigned)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	if got := sanitizeForParse(unsigned, layout); !bytes.Equal(got, unsigned) {
		t.Errorf("unsigned image changed")
	}
}

func TestPreviousCodeDirectory(t *testing.T) {
	unsigned := buildThinMachO(4096, 4096)
	layout, err := parseMachOLayout(unsigned)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	if cd := previousCodeDirectory(unsigned, layout); cd != nil {
		t.Errorf("unsigned image produced a previous directory")
	}

	// A signature region holding garbage is ignored, not an error.
	garbage := buildThinMachOWithSig(4096, 4608, 8192, 512)
	layout, err = parseMachOLayout(garbage)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	if cd := previousCodeDirectory(garbage, layout); cd != nil {
		t.Errorf("garbage signature produced a previous directory")
	}

	signed, err := SignMachO(unsigned, &SigningSettings{Identifier: "com.example.prev", TeamID: "ABCDE12345"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	layout, err = parseMachOLayout(signed)
	if err != nil {
		t.Fatalf("parseMachOLayout failed: %v", err)
	}
	cd := previousCodeDirectory(signed, layout)
	if cd == nil || cd.Identifier != "com.example.prev" || cd.TeamID != "ABCDE12345" {
		t.Errorf("previous directory = %+v, want the embedded one", cd)
	}
}

// entitlementsOfSize grows a plist dict until it crosses n bytes so the
// estimate can be probed at several payload sizes.
func entitlementsOfSize(n int) []byte {
	var sb strings.Builder
	sb.WriteString("<plist version=\"1.0\"><dict>\n")
	for sb.Len() < n {
		fmt.Fprintf(&sb, "<key>com.example.slot.%d</key><true/>\n", sb.Len())
	}
	sb.WriteString("</dict></plist>\n")
	return []byte(sb.String())
}

func TestEstimateCoversRealSize(t *testing.T) {
	identifiers := []string{
		"a",
		strings.Repeat("i", 16),
		strings.Repeat("co.example.", 8) + "app",
		strings.Repeat("x", 255),
	}
	teams := []string{"", "ABCDE12345"}
	entSizes := []int{0, 1, 37, 512, 4000}
	digestSets := [][]DigestType{
		{CS_HASHTYPE_SHA256},
		{CS_HASHTYPE_SHA1, CS_HASHTYPE_SHA256},
	}

	data := buildThinMachO(4096, 4096)
	const codeLimit = 8192

	for _, ident := range identifiers {
		for _, team := range teams {
			for _, entSize := range entSizes {
				for _, digests := range digestSets {
					name := fmt.Sprintf("id%d/team%d/ent%d/dt%d", len(ident), len(team), entSize, len(digests))
					t.Run(name, func(t *testing.T) {
						settings := &SigningSettings{
							Identifier:  ident,
							TeamID:      team,
							DigestTypes: digests,
						}
						if entSize > 0 {
							settings.Entitlements = entitlementsOfSize(entSize)
						}
						estimate, err := EstimateSignatureSize(settings, codeLimit)
						if err != nil {
							t.Fatalf("EstimateSignatureSize failed: %v", err)
						}
						signed, err := SignMachO(data, settings)
						if err != nil {
							t.Fatalf("SignMachO failed: %v", err)
						}
						if uint64(len(signed)) != codeLimit+estimate {
							t.Errorf("signed size = %d, want %d", len(signed), codeLimit+estimate)
						}
					})
				}
			}
		}
	}
}
