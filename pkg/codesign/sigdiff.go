package codesign

// Signature comparison. CompareSignatures lines up two parsed
// signatures field by field; CompareBundles does the same across a
// bundle tree, pairing nested bundles by relative path.

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sort"
)

// fprint writes formatted report output, ignoring write errors.
func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}

func fprintln(w io.Writer) {
	_, _ = fmt.Fprintln(w)
}

// SignatureDiff is the comparison of two signed artifacts.
type SignatureDiff struct {
	Path1       string
	Path2       string
	BundleDiffs []BundleDiff
}

// BundleDiff is the comparison of one bundle present in either tree.
type BundleDiff struct {
	RelativePath     string
	SuperBlobDiff    FieldDiff
	DirectoryDiffs   []DirectoryDiff
	RequirementsDiff FieldDiff
	EntitlementsDiff EntitlementsDiff
	CMSDiff          FieldDiff

	OnlyIn1 bool
	OnlyIn2 bool
}

// FieldDiff is a simple two-value comparison.
type FieldDiff struct {
	Name    string
	Same    bool
	Value1  string
	Value2  string
	Details string
}

// DirectoryDiff is the comparison of the code directories occupying
// the same superblob slot.
type DirectoryDiff struct {
	Slot             uint32
	DigestType       string
	VersionDiff      FieldDiff
	FlagsDiff        FieldDiff
	IdentifierDiff   FieldDiff
	TeamIDDiff       FieldDiff
	PageSizeDiff     FieldDiff
	CodeLimitDiff    FieldDiff
	CDHashDiff       FieldDiff
	SpecialSlotDiffs []FieldDiff
	CodeDigestsSame  bool
	CodeDigestCount1 int
	CodeDigestCount2 int
}

// EntitlementsDiff is a key-level comparison of two entitlement sets.
type EntitlementsDiff struct {
	Same    bool
	Added   map[string]interface{}
	Removed map[string]interface{}
	Changed map[string][2]interface{}
}

// CompareSignatures compares two parsed signatures.
func CompareSignatures(info1, info2 *SignatureInfo) *BundleDiff {
	diff := &BundleDiff{
		RelativePath: filepath.Base(info1.BundlePath),
	}

	diff.SuperBlobDiff = compareField("SuperBlob",
		fmt.Sprintf("%d blobs, %d bytes", len(info1.Blobs), info1.Length),
		fmt.Sprintf("%d blobs, %d bytes", len(info2.Blobs), info2.Length),
	)

	dirMap1 := directoriesBySlot(info1)
	dirMap2 := directoriesBySlot(info2)
	for _, slot := range unionSlots(dirMap1, dirMap2) {
		dir1, ok1 := dirMap1[slot]
		dir2, ok2 := dirMap2[slot]
		switch {
		case ok1 && ok2:
			diff.DirectoryDiffs = append(diff.DirectoryDiffs, compareDirectories(dir1, dir2))
		case ok1:
			diff.DirectoryDiffs = append(diff.DirectoryDiffs, missingDirectoryDiff(slot, dir1, "present", "missing"))
		default:
			diff.DirectoryDiffs = append(diff.DirectoryDiffs, missingDirectoryDiff(slot, dir2, "missing", "present"))
		}
	}

	diff.RequirementsDiff = compareField("Requirements",
		fmt.Sprintf("%d bytes", len(info1.Requirements)),
		fmt.Sprintf("%d bytes", len(info2.Requirements)),
	)
	if len(info1.Requirements) > 0 && len(info2.Requirements) > 0 {
		diff.RequirementsDiff.Same = bytes.Equal(info1.Requirements, info2.Requirements)
		if diff.RequirementsDiff.Same {
			diff.RequirementsDiff.Details = "identical"
		}
	}

	diff.EntitlementsDiff = compareEntitlements(info1.Entitlements, info2.Entitlements)

	diff.CMSDiff = compareField("CMS Signature",
		fmt.Sprintf("%d bytes", info1.CMS.Size),
		fmt.Sprintf("%d bytes", info2.CMS.Size),
	)

	return diff
}

func directoriesBySlot(info *SignatureInfo) map[uint32]*DirectoryInfo {
	m := make(map[uint32]*DirectoryInfo, len(info.Directories))
	for i := range info.Directories {
		m[info.Directories[i].Slot] = &info.Directories[i]
	}
	return m
}

func unionSlots(m1, m2 map[uint32]*DirectoryInfo) []uint32 {
	seen := make(map[uint32]bool)
	for slot := range m1 {
		seen[slot] = true
	}
	for slot := range m2 {
		seen[slot] = true
	}
	slots := make([]uint32, 0, len(seen))
	for slot := range seen {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func missingDirectoryDiff(slot uint32, dir *DirectoryInfo, val1, val2 string) DirectoryDiff {
	return DirectoryDiff{
		Slot:       slot,
		DigestType: dir.Directory.DigestType.String(),
		VersionDiff: FieldDiff{
			Name:   "Presence",
			Value1: val1,
			Value2: val2,
		},
	}
}

func compareField(name, val1, val2 string) FieldDiff {
	return FieldDiff{
		Name:   name,
		Same:   val1 == val2,
		Value1: val1,
		Value2: val2,
	}
}

func compareDirectories(dir1, dir2 *DirectoryInfo) DirectoryDiff {
	cd1, cd2 := dir1.Directory, dir2.Directory
	diff := DirectoryDiff{
		Slot:       dir1.Slot,
		DigestType: cd1.DigestType.String(),
	}

	diff.VersionDiff = compareField("Version",
		fmt.Sprintf("0x%x", cd1.Version),
		fmt.Sprintf("0x%x", cd2.Version),
	)
	diff.FlagsDiff = compareField("Flags",
		fmt.Sprintf("0x%x", cd1.Flags),
		fmt.Sprintf("0x%x", cd2.Flags),
	)
	diff.IdentifierDiff = compareField("Identifier", cd1.Identifier, cd2.Identifier)
	diff.TeamIDDiff = compareField("Team ID", cd1.TeamID, cd2.TeamID)
	diff.PageSizeDiff = compareField("Page Size",
		fmt.Sprintf("%d", uint32(1)<<cd1.PageSizeLog2),
		fmt.Sprintf("%d", uint32(1)<<cd2.PageSizeLog2),
	)
	diff.CodeLimitDiff = compareField("Code Limit",
		fmt.Sprintf("%d", cd1.CodeLimit),
		fmt.Sprintf("%d", cd2.CodeLimit),
	)
	diff.CDHashDiff = compareField("CDHash",
		hex.EncodeToString(dir1.CDHash),
		hex.EncodeToString(dir2.CDHash),
	)

	for _, slot := range unionSpecialSlots(cd1, cd2) {
		digest1, ok1 := cd1.SpecialDigests[slot]
		digest2, ok2 := cd2.SpecialDigests[slot]

		name := specialSlotNames[slot]
		if name == "" {
			name = fmt.Sprintf("Slot %d", -int(slot))
		}
		val1, val2 := "<empty>", "<empty>"
		if ok1 {
			val1 = hex.EncodeToString(digest1)
		}
		if ok2 {
			val2 = hex.EncodeToString(digest2)
		}
		diff.SpecialSlotDiffs = append(diff.SpecialSlotDiffs, FieldDiff{
			Name:   fmt.Sprintf("%d (%s)", -int(slot), name),
			Same:   bytes.Equal(digest1, digest2),
			Value1: val1,
			Value2: val2,
		})
	}

	diff.CodeDigestCount1 = len(cd1.CodeDigests)
	diff.CodeDigestCount2 = len(cd2.CodeDigests)
	diff.CodeDigestsSame = len(cd1.CodeDigests) == len(cd2.CodeDigests)
	if diff.CodeDigestsSame {
		for i := range cd1.CodeDigests {
			if !bytes.Equal(cd1.CodeDigests[i], cd2.CodeDigests[i]) {
				diff.CodeDigestsSame = false
				break
			}
		}
	}

	return diff
}

func unionSpecialSlots(cd1, cd2 *CodeDirectory) []uint32 {
	seen := make(map[uint32]bool)
	for slot := range cd1.SpecialDigests {
		seen[slot] = true
	}
	for slot := range cd2.SpecialDigests {
		seen[slot] = true
	}
	slots := make([]uint32, 0, len(seen))
	for slot := range seen {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func compareEntitlements(ent1, ent2 Entitlements) EntitlementsDiff {
	diff := EntitlementsDiff{
		Same:    true,
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string][2]interface{}),
	}

	for key, val1 := range ent1 {
		if val2, ok := ent2[key]; ok {
			if !entitlementValuesEqual(val1, val2) {
				diff.Changed[key] = [2]interface{}{val1, val2}
				diff.Same = false
			}
		} else {
			diff.Removed[key] = val1
			diff.Same = false
		}
	}
	for key, val2 := range ent2 {
		if _, ok := ent1[key]; !ok {
			diff.Added[key] = val2
			diff.Same = false
		}
	}

	return diff
}

// entitlementValuesEqual compares loosely via the printed form, which
// tolerates the mixed types plist parsing produces.
func entitlementValuesEqual(v1, v2 interface{}) bool {
	return fmt.Sprintf("%v", v1) == fmt.Sprintf("%v", v2)
}

// WriteReport renders the diff.
func (d *SignatureDiff) WriteReport(w io.Writer) {
	fprint(w, "Comparing:\n")
	fprint(w, "  App 1: %s\n", d.Path1)
	fprint(w, "  App 2: %s\n", d.Path2)
	fprintln(w)

	for i := range d.BundleDiffs {
		d.BundleDiffs[i].writeReport(w)
	}
}

func (d *BundleDiff) writeReport(w io.Writer) {
	fprint(w, "=== %s ===\n", d.RelativePath)

	if d.OnlyIn1 {
		fprint(w, "  Only in App 1\n")
		return
	}
	if d.OnlyIn2 {
		fprint(w, "  Only in App 2\n")
		return
	}

	writeFieldDiff(w, "SuperBlob", d.SuperBlobDiff)
	for i := range d.DirectoryDiffs {
		writeDirectoryDiff(w, &d.DirectoryDiffs[i])
	}
	writeFieldDiff(w, "Requirements", d.RequirementsDiff)
	writeEntitlementsDiff(w, &d.EntitlementsDiff)
	writeFieldDiff(w, "CMS Signature", d.CMSDiff)
	fprintln(w)
}

func writeFieldDiff(w io.Writer, name string, diff FieldDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME (%s)\n", name+":", diff.Value1)
		return
	}
	fprint(w, "  %-16s DIFFER\n", name+":")
	fprint(w, "    - App 1: %s\n", diff.Value1)
	fprint(w, "    + App 2: %s\n", diff.Value2)
}

func writeDirectoryDiff(w io.Writer, diff *DirectoryDiff) {
	slotName := "CodeDirectory"
	switch {
	case diff.Slot == CSSLOT_CODEDIRECTORY:
		slotName = fmt.Sprintf("CodeDirectory (%s)", diff.DigestType)
	case diff.Slot >= CSSLOT_ALTERNATE_CODEDIRECTORIES:
		slotName = fmt.Sprintf("CodeDirectory (alternate, %s)", diff.DigestType)
	}

	allSame := diff.VersionDiff.Same && diff.FlagsDiff.Same &&
		diff.IdentifierDiff.Same && diff.TeamIDDiff.Same &&
		diff.PageSizeDiff.Same && diff.CodeLimitDiff.Same
	for _, slotDiff := range diff.SpecialSlotDiffs {
		if !slotDiff.Same {
			allSame = false
			break
		}
	}

	if allSame && diff.CodeDigestsSame {
		fprint(w, "  %-16s SAME\n", slotName+":")
		return
	}

	fprint(w, "  %-16s\n", slotName+":")
	if !diff.VersionDiff.Same {
		fprint(w, "    Version:      DIFFER (%s vs %s)\n", diff.VersionDiff.Value1, diff.VersionDiff.Value2)
	}
	if !diff.FlagsDiff.Same {
		fprint(w, "    Flags:        DIFFER (%s vs %s)\n", diff.FlagsDiff.Value1, diff.FlagsDiff.Value2)
	}
	if !diff.IdentifierDiff.Same {
		fprint(w, "    Identifier:   DIFFER\n")
		fprint(w, "      - App 1: %s\n", diff.IdentifierDiff.Value1)
		fprint(w, "      + App 2: %s\n", diff.IdentifierDiff.Value2)
	}
	if !diff.TeamIDDiff.Same {
		fprint(w, "    Team ID:      DIFFER (%s vs %s)\n", diff.TeamIDDiff.Value1, diff.TeamIDDiff.Value2)
	}
	if !diff.PageSizeDiff.Same {
		fprint(w, "    Page Size:    DIFFER (%s vs %s)\n", diff.PageSizeDiff.Value1, diff.PageSizeDiff.Value2)
	}
	if !diff.CodeLimitDiff.Same {
		fprint(w, "    Code Limit:   DIFFER (%s vs %s)\n", diff.CodeLimitDiff.Value1, diff.CodeLimitDiff.Value2)
	}
	if !diff.CDHashDiff.Same {
		fprint(w, "    CDHash:       DIFFER\n")
		fprint(w, "      - App 1: %s\n", diff.CDHashDiff.Value1)
		fprint(w, "      + App 2: %s\n", diff.CDHashDiff.Value2)
	}

	hasDifferentSlots := false
	for _, slotDiff := range diff.SpecialSlotDiffs {
		if !slotDiff.Same {
			hasDifferentSlots = true
			break
		}
	}
	if hasDifferentSlots {
		fprint(w, "    Special Slots:\n")
		for _, slotDiff := range diff.SpecialSlotDiffs {
			status := "SAME"
			if !slotDiff.Same {
				status = "DIFFER"
			}
			fprint(w, "      %s: %s\n", slotDiff.Name, status)
			if !slotDiff.Same {
				fprint(w, "        - App 1: %s\n", truncateHex(slotDiff.Value1))
				fprint(w, "        + App 2: %s\n", truncateHex(slotDiff.Value2))
			}
		}
	} else {
		fprint(w, "    Special Slots: SAME\n")
	}

	if diff.CodeDigestsSame {
		fprint(w, "    Code Hashes:  SAME (%d pages)\n", diff.CodeDigestCount1)
	} else {
		fprint(w, "    Code Hashes:  DIFFER (%d vs %d pages)\n", diff.CodeDigestCount1, diff.CodeDigestCount2)
	}
}

func truncateHex(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

func writeEntitlementsDiff(w io.Writer, diff *EntitlementsDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME\n", "Entitlements:")
		return
	}

	fprint(w, "  %-16s DIFFER\n", "Entitlements:")
	for _, key := range sortedKeys(diff.Removed) {
		fprint(w, "    - %s: %v\n", key, diff.Removed[key])
	}
	for _, key := range sortedKeys(diff.Added) {
		fprint(w, "    + %s: %v\n", key, diff.Added[key])
	}
	changedKeys := make([]string, 0, len(diff.Changed))
	for key := range diff.Changed {
		changedKeys = append(changedKeys, key)
	}
	sort.Strings(changedKeys)
	for _, key := range changedKeys {
		vals := diff.Changed[key]
		fprint(w, "    ~ %s:\n", key)
		fprint(w, "      - App 1: %v\n", vals[0])
		fprint(w, "      + App 2: %v\n", vals[1])
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CompareBundles compares the signatures of two bundles, pairing
// nested bundles by their path relative to each root.
func CompareBundles(path1, path2 string, recursive bool) (*SignatureDiff, error) {
	infos1, err := GetBundleSignatureInfo(path1, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature info for %s: %w", path1, err)
	}
	infos2, err := GetBundleSignatureInfo(path2, recursive)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature info for %s: %w", path2, err)
	}

	diff := &SignatureDiff{Path1: path1, Path2: path2}

	infoMap1 := infosByRelativePath(infos1, path1)
	infoMap2 := infosByRelativePath(infos2, path2)

	allPaths := make(map[string]bool)
	for path := range infoMap1 {
		allPaths[path] = true
	}
	for path := range infoMap2 {
		allPaths[path] = true
	}
	sortedPaths := make([]string, 0, len(allPaths))
	for path := range allPaths {
		sortedPaths = append(sortedPaths, path)
	}
	sort.Strings(sortedPaths)

	for _, path := range sortedPaths {
		displayPath := path
		if path == "." {
			displayPath = filepath.Base(path1)
		}
		info1, ok1 := infoMap1[path]
		info2, ok2 := infoMap2[path]
		switch {
		case ok1 && ok2:
			bundleDiff := CompareSignatures(info1, info2)
			bundleDiff.RelativePath = displayPath
			diff.BundleDiffs = append(diff.BundleDiffs, *bundleDiff)
		case ok1:
			diff.BundleDiffs = append(diff.BundleDiffs, BundleDiff{RelativePath: displayPath, OnlyIn1: true})
		default:
			diff.BundleDiffs = append(diff.BundleDiffs, BundleDiff{RelativePath: displayPath, OnlyIn2: true})
		}
	}

	return diff, nil
}

// infosByRelativePath keys each bundle by its path relative to the
// root bundle, so the roots of two differently named apps still pair.
func infosByRelativePath(infos []*SignatureInfo, rootPath string) map[string]*SignatureInfo {
	m := make(map[string]*SignatureInfo, len(infos))
	for _, info := range infos {
		relPath, err := filepath.Rel(rootPath, info.BundlePath)
		if err != nil {
			relPath = filepath.Base(info.BundlePath)
		}
		m[relPath] = info
	}
	return m
}
