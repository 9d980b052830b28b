package codesign

// Bundle resource sealing. GenerateCodeResources walks a bundle and
// produces the _CodeSignature/CodeResources plist: the legacy files
// section carries SHA-1 digests, files2 carries SHA-1 and SHA-256
// pairs, and the rule sets mirror what Apple's codesign emits.

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// GenerateCodeResources hashes every file under the bundle, including
// the contents of nested bundles, and renders the CodeResources plist.
// The main executable and the bundle's own seal are excluded.
func GenerateCodeResources(bundlePath string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	execName, _ := GetAppExecutableName(bundlePath)
	sealPath := filepath.Join("_CodeSignature", "CodeResources")

	err := filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(bundlePath, path)
		if err != nil {
			return err
		}
		if relPath == sealPath || relPath == execName {
			return nil
		}
		if omittedFromSeal(relPath) {
			return nil
		}

		sha1Digest, err := digestFile(path, sha1.New())
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}
		optional := optionalInSeal(relPath)

		if optional {
			files[relPath] = map[string]interface{}{
				"hash":     sha1Digest,
				"optional": true,
			}
		} else {
			files[relPath] = sha1Digest
		}

		// Info.plist and PkgInfo appear in files but are omitted
		// from files2, matching Apple's rules2.
		if relPath == "Info.plist" || relPath == "PkgInfo" {
			return nil
		}
		sha256Digest, err := digestFile(path, sha256.New())
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}
		entry := map[string]interface{}{
			"hash":  sha1Digest,
			"hash2": sha256Digest,
		}
		if optional {
			entry["optional"] = true
		}
		files2[relPath] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	seal := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  sealRules(),
		"rules2": sealRules2(),
	}
	data, err := plist.MarshalIndent(seal, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteCodeResources generates the seal and writes it into the
// bundle's _CodeSignature directory.
func WriteCodeResources(bundlePath string) error {
	data, err := GenerateCodeResources(bundlePath)
	if err != nil {
		return err
	}

	sealDir := filepath.Join(bundlePath, "_CodeSignature")
	if err := os.MkdirAll(sealDir, 0755); err != nil {
		return fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sealDir, "CodeResources"), data, 0644); err != nil {
		return fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return nil
}

func digestFile(path string, h hash.Hash) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// findNestedBundlePaths returns the relative paths of all nested
// bundles, without descending into them.
func findNestedBundlePaths(bundlePath string) []string {
	var bundles []string
	_ = filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(bundlePath, path)
		if err != nil || relPath == "." {
			return nil
		}
		if isBundleName(relPath) {
			bundles = append(bundles, relPath)
			return filepath.SkipDir
		}
		return nil
	})
	return bundles
}

// omittedFromSeal reports whether a file is excluded from the seal
// entirely.
func omittedFromSeal(path string) bool {
	if strings.HasSuffix(path, ".DS_Store") {
		return true
	}
	if strings.Contains(path, ".git") {
		return true
	}
	if strings.HasPrefix(filepath.Base(path), "._") {
		return true
	}
	if strings.HasSuffix(path, ".lproj/locversion.plist") {
		return true
	}
	return false
}

// optionalInSeal reports whether a file is sealed as optional.
// Localized resources may be stripped without breaking the seal,
// except the Base.lproj fallback, which outweighs the lproj rule.
func optionalInSeal(path string) bool {
	if strings.HasPrefix(path, "Base.lproj/") || strings.Contains(path, "/Base.lproj/") {
		return false
	}
	return strings.Contains(path, ".lproj/")
}

// sealRules is the legacy rules section. Weights are floats so the
// plist encoder emits real elements.
func sealRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func sealRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
