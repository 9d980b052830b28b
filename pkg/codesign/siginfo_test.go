package codesign

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSignatureFromData(t *testing.T) {
	data := buildThinMachO(4096, 4096)
	xml := []byte(testEntitlementsXML)
	signed, err := SignMachO(data, &SigningSettings{
		Identifier:   "com.example.info",
		TeamID:       "ABCDE12345",
		Entitlements: xml,
	})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}

	info, err := ParseSignatureFromData(signed, "app/runner", "app")
	if err != nil {
		t.Fatalf("ParseSignatureFromData failed: %v", err)
	}
	if info.BinaryPath != "app/runner" || info.BundlePath != "app" {
		t.Errorf("paths = %q/%q", info.BinaryPath, info.BundlePath)
	}

	wantSlots := []uint32{
		CSSLOT_CODEDIRECTORY, CSSLOT_REQUIREMENTS, CSSLOT_ENTITLEMENTS,
		CSSLOT_ENTITLEMENTS_DER, CSSLOT_CMS_SIGNATURE,
	}
	if len(info.Blobs) != len(wantSlots) {
		t.Fatalf("summary holds %d blobs, want %d", len(info.Blobs), len(wantSlots))
	}
	for i, want := range wantSlots {
		if info.Blobs[i].Slot != want {
			t.Errorf("blob %d slot = 0x%x, want 0x%x", i, info.Blobs[i].Slot, want)
		}
		if info.Blobs[i].Size < 8 {
			t.Errorf("blob %d size = %d", i, info.Blobs[i].Size)
		}
	}
	if info.Blobs[0].Magic != CSMAGIC_CODEDIRECTORY {
		t.Errorf("blob 0 magic = 0x%x", info.Blobs[0].Magic)
	}

	if len(info.Directories) != 1 {
		t.Fatalf("summary holds %d directories, want 1", len(info.Directories))
	}
	primary := info.PrimaryDirectory()
	if primary == nil {
		t.Fatalf("no primary directory")
	}
	if info.Identifier() != "com.example.info" || info.TeamID() != "ABCDE12345" {
		t.Errorf("identifier/team = %q/%q", info.Identifier(), info.TeamID())
	}
	sb := parseSignatureBlob(t, signed)
	wantCDHash, err := CDHash(sb.Find(CSSLOT_CODEDIRECTORY).Encode(), CS_HASHTYPE_SHA256)
	if err != nil {
		t.Fatalf("CDHash failed: %v", err)
	}
	if !bytes.Equal(primary.CDHash, wantCDHash) {
		t.Errorf("primary CDHash mismatch")
	}
	if info.Length != sb.Length {
		t.Errorf("length = %d, want %d", info.Length, sb.Length)
	}

	if !bytes.Equal(info.Requirements, EmptyRequirementsSet()) {
		t.Errorf("requirements are not the empty set")
	}
	if !bytes.Equal(info.EntitlementsXML, xml) {
		t.Errorf("entitlements XML altered")
	}
	if !info.Entitlements.GetTaskAllow() {
		t.Errorf("parsed entitlements lost get-task-allow")
	}
	ents, err := ParseEntitlements(xml)
	if err != nil {
		t.Fatalf("ParseEntitlements failed: %v", err)
	}
	wantDER, err := ents.MarshalDER()
	if err != nil {
		t.Fatalf("MarshalDER failed: %v", err)
	}
	if !bytes.Equal(info.EntitlementsDER, wantDER) {
		t.Errorf("DER entitlements altered")
	}

	if info.CMS.Size != 8 || len(info.CMS.Raw) != 0 || info.CMS.SignerCN != "" {
		t.Errorf("ad-hoc CMS summary = %+v, want empty wrapper", info.CMS)
	}
}

func TestParseSignatureFromDataFat(t *testing.T) {
	slice64, err := SignMachO(buildThinMachO(4096, 4096), &SigningSettings{Identifier: "com.example.first"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	slice32, err := SignMachO(buildThinMachO32(4096, 4096), &SigningSettings{Identifier: "com.example.second"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	fat, err := AssembleFat([]FatArch{
		{CPU: testCPUTypeARM64, SubCPU: 0, Align: 14, Data: slice64},
		{CPU: 12, SubCPU: 9, Align: 14, Data: slice32},
	})
	if err != nil {
		t.Fatalf("AssembleFat failed: %v", err)
	}

	info, err := ParseSignatureFromData(fat, "runner", "")
	if err != nil {
		t.Fatalf("ParseSignatureFromData failed: %v", err)
	}
	if info.Identifier() != "com.example.first" {
		t.Errorf("identifier = %q, want the first architecture's", info.Identifier())
	}
}

func TestParseSignatureFromDataErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"unsigned", buildThinMachO(4096, 4096), "no code signature found"},
		{"not mach-o", bytes.Repeat([]byte{0x22}, 40), "not a thin mach-o binary"},
		{"signature past end", buildThinMachOWithSig(4096, 4096, 8192, 5000), "code signature extends past end of file"},
		{"garbage superblob", buildThinMachOWithSig(4096, 4608, 8192, 512), "failed to parse superblob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignatureFromData(tt.data, "x", "")
			if err == nil {
				t.Fatalf("ParseSignatureFromData succeeded, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestSignatureInfoAccessors(t *testing.T) {
	alt := &CodeDirectory{Identifier: "alt.ident", TeamID: "TEAM123456"}
	info := &SignatureInfo{
		Directories: []DirectoryInfo{{Slot: CSSLOT_ALTERNATE_CODEDIRECTORIES, Directory: alt}},
	}
	if info.PrimaryDirectory() != nil {
		t.Errorf("alternate slot reported as primary")
	}
	if info.Identifier() != "alt.ident" {
		t.Errorf("Identifier = %q, want the alternate's", info.Identifier())
	}
	if info.TeamID() != "TEAM123456" {
		t.Errorf("TeamID = %q", info.TeamID())
	}

	empty := &SignatureInfo{}
	if empty.Identifier() != "" || empty.TeamID() != "" {
		t.Errorf("empty info reports %q/%q", empty.Identifier(), empty.TeamID())
	}
}

func TestBlobSlotName(t *testing.T) {
	tests := []struct {
		slot uint32
		want string
	}{
		{CSSLOT_CODEDIRECTORY, "CodeDirectory"},
		{CSSLOT_REQUIREMENTS, "Requirements"},
		{CSSLOT_ENTITLEMENTS, "Entitlements"},
		{CSSLOT_ENTITLEMENTS_DER, "EntitlementsDER"},
		{CSSLOT_CMS_SIGNATURE, "CMS Signature"},
		{CSSLOT_ALTERNATE_CODEDIRECTORIES + 1, "CodeDirectory (alternate 1)"},
		{0x99, "Unknown (0x99)"},
	}
	for _, tt := range tests {
		if got := blobSlotName(tt.slot); got != tt.want {
			t.Errorf("blobSlotName(0x%x) = %q, want %q", tt.slot, got, tt.want)
		}
	}
}

func TestIsBundleName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"My.framework", true},
		{"Runner.app", true},
		{"Share.appex", true},
		{"UITests.xctest", true},
		{"Resources", false},
		{"libswift.dylib", false},
	}
	for _, tt := range tests {
		if got := isBundleName(tt.name); got != tt.want {
			t.Errorf("isBundleName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseCMSInfoDegenerate(t *testing.T) {
	empty := parseCMSInfo(nil)
	if empty.Size != 8 || len(empty.Raw) != 0 || empty.SignerCN != "" {
		t.Errorf("empty CMS = %+v", empty)
	}

	garbage := []byte("definitely not BER")
	info := parseCMSInfo(garbage)
	if !bytes.Equal(info.Raw, garbage) {
		t.Errorf("raw bytes not kept")
	}
	if info.Size != uint32(len(garbage)+8) {
		t.Errorf("size = %d, want %d", info.Size, len(garbage)+8)
	}
	if info.SignerCN != "" || info.SignerTeamID != "" {
		t.Errorf("garbage CMS produced a signer: %+v", info)
	}
}

func TestVerifySpecialSlot(t *testing.T) {
	dir := t.TempDir()
	content := testInfoPlist("runner", "com.example.app")
	writeBundleFile(t, dir, "Info.plist", content)
	digest := sha256.Sum256([]byte(content))

	info := &SignatureInfo{BundlePath: dir}
	if got := info.verifySpecialSlot(CSSLOT_INFOSLOT, digest[:], CS_HASHTYPE_SHA256); got != " ✓" {
		t.Errorf("matching digest = %q, want check mark", got)
	}
	if got := info.verifySpecialSlot(CSSLOT_INFOSLOT, testDigest(1, 32), CS_HASHTYPE_SHA256); got != " ✗" {
		t.Errorf("mismatched digest = %q, want cross", got)
	}
	if got := info.verifySpecialSlot(CSSLOT_RESOURCEDIR, digest[:], CS_HASHTYPE_SHA256); got != "" {
		t.Errorf("missing seal file = %q, want empty", got)
	}
	if got := info.verifySpecialSlot(CSSLOT_ENTITLEMENTS, digest[:], CS_HASHTYPE_SHA256); got != "" {
		t.Errorf("unmapped slot = %q, want empty", got)
	}

	detached := &SignatureInfo{}
	if got := detached.verifySpecialSlot(CSSLOT_INFOSLOT, digest[:], CS_HASHTYPE_SHA256); got != "" {
		t.Errorf("no bundle path = %q, want empty", got)
	}
}

func TestWriteReport(t *testing.T) {
	signed, err := SignMachO(buildThinMachO(4096, 4096), &SigningSettings{
		Identifier:   "com.example.info",
		TeamID:       "ABCDE12345",
		Entitlements: []byte(testEntitlementsXML),
	})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	info, err := ParseSignatureFromData(signed, "/tmp/My.app/runner", "/tmp/My.app")
	if err != nil {
		t.Fatalf("ParseSignatureFromData failed: %v", err)
	}

	var buf bytes.Buffer
	info.WriteReport(&buf)
	out := buf.String()
	for _, want := range []string{
		"=== My.app ===",
		"Identifier: com.example.info",
		"Team ID:    ABCDE12345",
		"SuperBlob: 5 blobs",
		"CodeDirectory: slot 0x0",
		"CMS Signature: slot 0x10000",
		"Code Slots: 2",
		"Special Slots: 7",
		"get-task-allow: true",
		"CDHash: ",
		"└─",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestGetBundleSignatureInfo(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "My.app")

	signedMain, err := SignMachO(buildThinMachO(4096, 4096), &SigningSettings{Identifier: "com.example.main"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	signedLib, err := SignMachO(buildThinMachO(4096, 4096), &SigningSettings{Identifier: "com.example.lib"})
	if err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	writeBundleFile(t, app, "Info.plist", testInfoPlist("runner", "com.example.main"))
	writeBundleFile(t, app, "runner", string(signedMain))
	writeBundleFile(t, app, "Frameworks/Lib.framework/Lib", string(signedLib))

	infos, err := GetBundleSignatureInfo(app, true)
	if err != nil {
		t.Fatalf("GetBundleSignatureInfo failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("recursive walk found %d signatures, want 2", len(infos))
	}
	if infos[0].Identifier() != "com.example.main" || infos[0].RelativePath != "My.app" {
		t.Errorf("main = %q at %q", infos[0].Identifier(), infos[0].RelativePath)
	}
	if infos[1].Identifier() != "com.example.lib" {
		t.Errorf("nested = %q", infos[1].Identifier())
	}
	if infos[1].RelativePath != filepath.Join("My.app", "Frameworks", "Lib.framework") {
		t.Errorf("nested relative path = %q", infos[1].RelativePath)
	}

	flat, err := GetBundleSignatureInfo(app, false)
	if err != nil {
		t.Fatalf("GetBundleSignatureInfo failed: %v", err)
	}
	if len(flat) != 1 {
		t.Errorf("non-recursive walk found %d signatures, want 1", len(flat))
	}
}
