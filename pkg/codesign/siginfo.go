package codesign

// Signature inspection. ParseSignature decodes the embedded signature
// of a binary into a SignatureInfo, and WriteReport renders it as the
// tree the info command prints.

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.mozilla.org/pkcs7"
)

// SignatureInfo holds the parsed code signature of one binary.
type SignatureInfo struct {
	BinaryPath   string
	BundlePath   string
	RelativePath string

	Length          uint32
	Blobs           []BlobSummary
	Directories     []DirectoryInfo
	Requirements    []byte
	Entitlements    Entitlements
	EntitlementsXML []byte
	EntitlementsDER []byte
	CMS             CMSInfo
}

// BlobSummary is one entry of the superblob index.
type BlobSummary struct {
	Slot  uint32
	Magic uint32
	Size  uint32
}

// DirectoryInfo pairs a decoded code directory with its digest.
type DirectoryInfo struct {
	Slot      uint32
	Directory *CodeDirectory
	CDHash    []byte
}

// CMSInfo summarizes the signature blob.
type CMSInfo struct {
	Size         uint32
	SignerCN     string
	SignerTeamID string
	Raw          []byte
}

// ParseSignature reads a binary and parses its embedded code signature.
func ParseSignature(binaryPath string) (*SignatureInfo, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	return ParseSignatureFromData(data, binaryPath, filepath.Dir(binaryPath))
}

// ParseSignatureFromData parses the code signature out of mach-o data.
// Universal binaries report their first architecture.
func ParseSignatureFromData(data []byte, binaryPath, bundlePath string) (*SignatureInfo, error) {
	slice := data
	if IsFatMachO(data) {
		arches, err := ParseFat(data)
		if err != nil {
			return nil, err
		}
		if len(arches) == 0 {
			return nil, fmt.Errorf("universal binary has no architectures")
		}
		slice = arches[0].Data
	}

	layout, err := parseMachOLayout(slice)
	if err != nil {
		return nil, err
	}
	if layout.codeSig == nil {
		return nil, fmt.Errorf("no code signature found")
	}
	start := uint64(layout.codeSig.dataOff)
	end := start + uint64(layout.codeSig.dataSize)
	if end > uint64(len(slice)) {
		return nil, fmt.Errorf("code signature extends past end of file")
	}

	sb, err := ParseSuperBlob(slice[start:end])
	if err != nil {
		return nil, fmt.Errorf("failed to parse superblob: %w", err)
	}

	info := &SignatureInfo{
		BinaryPath: binaryPath,
		BundlePath: bundlePath,
		Length:     sb.Length,
	}

	for _, entry := range sb.Blobs {
		framed := entry.Blob.Encode()
		info.Blobs = append(info.Blobs, BlobSummary{
			Slot:  entry.Slot,
			Magic: entry.Blob.Magic,
			Size:  uint32(len(framed)),
		})

		switch {
		case entry.Slot == CSSLOT_CODEDIRECTORY ||
			(entry.Slot >= CSSLOT_ALTERNATE_CODEDIRECTORIES &&
				entry.Slot < CSSLOT_ALTERNATE_CODEDIRECTORIES+CSSLOT_ALTERNATE_CODEDIRECTORY_MAX):
			cd, err := DecodeCodeDirectory(framed)
			if err != nil {
				continue
			}
			cdhash, err := CDHash(framed, cd.DigestType)
			if err != nil {
				continue
			}
			info.Directories = append(info.Directories, DirectoryInfo{
				Slot:      entry.Slot,
				Directory: cd,
				CDHash:    cdhash,
			})
		case entry.Slot == CSSLOT_REQUIREMENTS:
			info.Requirements = framed
		case entry.Slot == CSSLOT_ENTITLEMENTS:
			info.EntitlementsXML = entry.Blob.Data
			if parsed, err := ParseEntitlements(entry.Blob.Data); err == nil {
				info.Entitlements = parsed
			}
		case entry.Slot == CSSLOT_ENTITLEMENTS_DER:
			info.EntitlementsDER = entry.Blob.Data
		case entry.Slot == CSSLOT_CMS_SIGNATURE:
			info.CMS = parseCMSInfo(entry.Blob.Data)
		}
	}

	return info, nil
}

// PrimaryDirectory returns the directory in the primary slot, or nil.
func (info *SignatureInfo) PrimaryDirectory() *DirectoryInfo {
	for i := range info.Directories {
		if info.Directories[i].Slot == CSSLOT_CODEDIRECTORY {
			return &info.Directories[i]
		}
	}
	return nil
}

// Identifier returns the signing identifier, preferring the primary
// directory.
func (info *SignatureInfo) Identifier() string {
	if primary := info.PrimaryDirectory(); primary != nil {
		return primary.Directory.Identifier
	}
	for _, d := range info.Directories {
		if d.Directory.Identifier != "" {
			return d.Directory.Identifier
		}
	}
	return ""
}

// TeamID returns the team identifier from the first directory that
// carries one.
func (info *SignatureInfo) TeamID() string {
	for _, d := range info.Directories {
		if d.Directory.TeamID != "" {
			return d.Directory.TeamID
		}
	}
	return ""
}

// parseCMSInfo extracts the signer identity out of the CMS blob
// content. Parse failures leave the summary with raw bytes only.
func parseCMSInfo(cmsData []byte) CMSInfo {
	info := CMSInfo{
		Size: uint32(len(cmsData) + 8),
		Raw:  cmsData,
	}
	if len(cmsData) == 0 {
		return info
	}

	p7, err := pkcs7.Parse(cmsData)
	if err != nil || len(p7.Signers) == 0 {
		return info
	}
	signer := p7.Signers[0]
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) != 0 {
			continue
		}
		info.SignerCN = cert.Subject.CommonName
		info.SignerTeamID = extractTeamID(cert)
		break
	}
	return info
}

// VerifySignatureFromCerts reports whether the CMS signature was made
// by one of the given certificates.
func VerifySignatureFromCerts(info *SignatureInfo, certs []*x509.Certificate) bool {
	if len(info.CMS.Raw) == 0 {
		return false
	}
	p7, err := pkcs7.Parse(info.CMS.Raw)
	if err != nil {
		return false
	}
	for _, signer := range p7.Signers {
		for _, cert := range certs {
			if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
				return true
			}
		}
	}
	return false
}

var specialSlotNames = map[uint32]string{
	CSSLOT_INFOSLOT:         "Info.plist",
	CSSLOT_REQUIREMENTS:     "Requirements",
	CSSLOT_RESOURCEDIR:      "CodeResources",
	CSSLOT_APPLICATION:      "Application",
	CSSLOT_ENTITLEMENTS:     "Entitlements",
	CSSLOT_REP_SPECIFIC:     "RepSpecific",
	CSSLOT_ENTITLEMENTS_DER: "EntitlementsDER",
}

// blobSlotName returns a readable name for a superblob index slot.
func blobSlotName(slot uint32) string {
	switch {
	case slot == CSSLOT_CODEDIRECTORY:
		return "CodeDirectory"
	case slot == CSSLOT_REQUIREMENTS:
		return "Requirements"
	case slot == CSSLOT_ENTITLEMENTS:
		return "Entitlements"
	case slot == CSSLOT_ENTITLEMENTS_DER:
		return "EntitlementsDER"
	case slot == CSSLOT_CMS_SIGNATURE:
		return "CMS Signature"
	case slot >= CSSLOT_ALTERNATE_CODEDIRECTORIES && slot < CSSLOT_ALTERNATE_CODEDIRECTORIES+CSSLOT_ALTERNATE_CODEDIRECTORY_MAX:
		return fmt.Sprintf("CodeDirectory (alternate %d)", slot-CSSLOT_ALTERNATE_CODEDIRECTORIES)
	default:
		return fmt.Sprintf("Unknown (0x%x)", slot)
	}
}

// WriteReport renders the signature as an indented tree.
func (info *SignatureInfo) WriteReport(w io.Writer) {
	displayPath := filepath.Base(info.BundlePath)
	if info.RelativePath != "" {
		displayPath = info.RelativePath
	}
	fprint(w, "\n=== %s ===\n", displayPath)

	if identifier := info.Identifier(); identifier != "" {
		fprint(w, "Identifier: %s\n", identifier)
	}
	if teamID := info.TeamID(); teamID != "" {
		fprint(w, "Team ID:    %s\n", teamID)
	}

	fprint(w, "\nCode Signature:\n")
	fprint(w, "  SuperBlob: %d blobs, %d bytes\n", len(info.Blobs), info.Length)

	for i, blob := range info.Blobs {
		prefix, childPrefix := "├─", "│   "
		if i == len(info.Blobs)-1 {
			prefix, childPrefix = "└─", "    "
		}
		fprint(w, "  %s %s: slot 0x%x, %d bytes\n", prefix, blobSlotName(blob.Slot), blob.Slot, blob.Size)

		for j := range info.Directories {
			if info.Directories[j].Slot == blob.Slot {
				info.writeDirectoryDetails(w, &info.Directories[j], childPrefix)
			}
		}

		if blob.Slot == CSSLOT_ENTITLEMENTS && len(info.Entitlements) > 0 {
			keys := make([]string, 0, len(info.Entitlements))
			for key := range info.Entitlements {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fprint(w, "  %s  %s: %v\n", childPrefix, key, info.Entitlements[key])
			}
		}

		if blob.Slot == CSSLOT_CMS_SIGNATURE {
			if info.CMS.SignerCN != "" {
				fprint(w, "  %sSigner: %s\n", childPrefix, info.CMS.SignerCN)
			}
			if info.CMS.SignerTeamID != "" {
				fprint(w, "  %sTeam ID: %s\n", childPrefix, info.CMS.SignerTeamID)
			}
		}
	}
}

func (info *SignatureInfo) writeDirectoryDetails(w io.Writer, dir *DirectoryInfo, prefix string) {
	cd := dir.Directory

	fprint(w, "  %sVersion: 0x%x\n", prefix, cd.Version)
	fprint(w, "  %sHash Type: %s (%d bytes)\n", prefix, cd.DigestType, cd.DigestType.Size())
	fprint(w, "  %sPage Size: %d\n", prefix, uint32(1)<<cd.PageSizeLog2)
	fprint(w, "  %sCode Limit: %d\n", prefix, cd.CodeLimit)
	fprint(w, "  %sCDHash: %s\n", prefix, hex.EncodeToString(dir.CDHash))

	if cd.Version >= CS_SUPPORTSEXECSEG {
		fprint(w, "  %sExec Seg: base=0x%x, limit=0x%x, flags=0x%x\n",
			prefix, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}

	fprint(w, "  %sSpecial Slots: %d\n", prefix, cd.maxSpecialSlot())
	slots := make([]int, 0, len(cd.SpecialDigests))
	for slot := range cd.SpecialDigests {
		slots = append(slots, int(slot))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(slots)))
	for _, slot := range slots {
		name := specialSlotNames[uint32(slot)]
		if name == "" {
			name = fmt.Sprintf("Slot %d", -slot)
		}
		digest := cd.SpecialDigests[uint32(slot)]
		hashStr := hex.EncodeToString(digest)
		if len(hashStr) > 24 {
			hashStr = hashStr[:24] + "..."
		}
		fprint(w, "  %s  %d (%s): %s%s\n", prefix, -slot, name, hashStr,
			info.verifySpecialSlot(uint32(slot), digest, cd.DigestType))
	}

	fprint(w, "  %sCode Slots: %d\n", prefix, len(cd.CodeDigests))
}

// verifySpecialSlot recomputes a special slot digest from the bundle
// file it covers, when that file is reachable on disk.
func (info *SignatureInfo) verifySpecialSlot(slot uint32, digest []byte, digestType DigestType) string {
	if info.BundlePath == "" {
		return ""
	}
	var path string
	switch slot {
	case CSSLOT_INFOSLOT:
		path = filepath.Join(info.BundlePath, "Info.plist")
	case CSSLOT_RESOURCEDIR:
		path = filepath.Join(info.BundlePath, "_CodeSignature", "CodeResources")
	default:
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	actual, err := digestType.Digest(data)
	if err != nil {
		return ""
	}
	if bytes.Equal(actual, digest) {
		return " ✓"
	}
	return " ✗"
}

// GetBundleSignatureInfo parses the signature of a bundle's executable
// and, when recursive, of every nested framework and plugin bundle.
func GetBundleSignatureInfo(bundlePath string, recursive bool) ([]*SignatureInfo, error) {
	return bundleSignatureInfo(bundlePath, bundlePath, recursive)
}

func bundleSignatureInfo(bundlePath, rootPath string, recursive bool) ([]*SignatureInfo, error) {
	execName, err := GetAppExecutableName(bundlePath)
	if err != nil {
		base := filepath.Base(bundlePath)
		execName = strings.TrimSuffix(base, filepath.Ext(base))
	}

	execPath := filepath.Join(bundlePath, execName)
	if _, err := os.Stat(execPath); err != nil {
		execPath = filepath.Join(bundlePath, strings.TrimSuffix(filepath.Base(bundlePath), filepath.Ext(bundlePath)))
	}

	info, err := ParseSignature(execPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature for %s: %w", bundlePath, err)
	}
	info.BundlePath = bundlePath
	if bundlePath == rootPath {
		info.RelativePath = filepath.Base(bundlePath)
	} else if relPath, err := filepath.Rel(filepath.Dir(rootPath), bundlePath); err == nil {
		info.RelativePath = relPath
	} else {
		info.RelativePath = filepath.Base(bundlePath)
	}

	results := []*SignatureInfo{info}
	if !recursive {
		return results, nil
	}

	for _, dir := range []string{"Frameworks", "PlugIns"} {
		entries, err := os.ReadDir(filepath.Join(bundlePath, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || !isBundleName(entry.Name()) {
				continue
			}
			nestedPath := filepath.Join(bundlePath, dir, entry.Name())
			nestedInfos, err := bundleSignatureInfo(nestedPath, rootPath, true)
			if err != nil {
				fprint(os.Stderr, "Warning: failed to parse %s: %v\n", nestedPath, err)
				continue
			}
			results = append(results, nestedInfos...)
		}
	}
	return results, nil
}

// isBundleName reports whether a directory name looks like a nested
// code bundle.
func isBundleName(name string) bool {
	switch filepath.Ext(name) {
	case ".framework", ".xctest", ".app", ".appex":
		return true
	}
	return false
}
