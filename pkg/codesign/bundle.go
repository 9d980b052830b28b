package codesign

// Bundle signing. Nested bundles are signed deepest first, each sealed
// before its binary is signed, so every enclosing seal covers the
// finished signatures beneath it.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// emptyEntitlementsPlist is embedded in nested bundle signatures. The
// empty dict keeps slot hashing consistent and is required for XCTest
// bundles.
var emptyEntitlementsPlist = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`)

// SignFile reads a Mach-O binary, signs it, and writes it back.
func SignFile(path string, settings *SigningSettings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}
	signed, err := SignMachO(data, settings)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, signed, 0755); err != nil {
		return fmt.Errorf("failed to write signed binary: %w", err)
	}
	return nil
}

// SignAppBundle signs every binary in an app bundle. Nested bundles go
// first, deepest to shallowest, then the main bundle is sealed and its
// executable signed.
func SignAppBundle(appPath string, identity *SigningIdentity, entitlementsXML []byte, bundleID string) error {
	nested, err := findNestedBundles(appPath)
	if err != nil {
		return fmt.Errorf("failed to find nested bundles: %w", err)
	}
	sort.Slice(nested, func(i, j int) bool {
		return strings.Count(nested[i], string(os.PathSeparator)) > strings.Count(nested[j], string(os.PathSeparator))
	})
	for _, bundle := range nested {
		if err := signNestedBundle(bundle, identity); err != nil {
			return fmt.Errorf("failed to sign nested bundle %s: %w", bundle, err)
		}
	}

	// seal the main bundle only after the nested signatures exist
	if err := WriteCodeResources(appPath); err != nil {
		return fmt.Errorf("failed to generate CodeResources: %w", err)
	}

	execName, err := GetAppExecutableName(appPath)
	if err != nil {
		return fmt.Errorf("failed to get executable name: %w", err)
	}
	settings, err := bundleSigningSettings(appPath, identity, entitlementsXML, bundleID)
	if err != nil {
		return err
	}
	if err := SignFile(filepath.Join(appPath, execName), settings); err != nil {
		return fmt.Errorf("failed to sign main executable: %w", err)
	}
	return nil
}

// signNestedBundle seals and signs one framework, plugin, or test
// bundle. Resource-only bundles without a binary are left alone.
func signNestedBundle(bundlePath string, identity *SigningIdentity) error {
	bundleName := filepath.Base(bundlePath)
	binaryName := strings.TrimSuffix(bundleName, filepath.Ext(bundleName))
	binaryPath := filepath.Join(bundlePath, binaryName)
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(filepath.Join(bundlePath, "_CodeSignature")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old _CodeSignature: %w", err)
	}
	if err := WriteCodeResources(bundlePath); err != nil {
		return fmt.Errorf("failed to generate CodeResources: %w", err)
	}

	bundleID := binaryName
	if bid, err := GetAppBundleID(bundlePath); err == nil && bid != "" {
		bundleID = bid
	}

	settings, err := bundleSigningSettings(bundlePath, identity, emptyEntitlementsPlist, bundleID)
	if err != nil {
		return err
	}
	return SignFile(binaryPath, settings)
}

// bundleSigningSettings assembles the signing settings for a bundle
// executable: dual SHA-1 and SHA-256 directories, the designated
// requirement for the leaf certificate, and the bundle's Info.plist
// and seal in their special slots.
func bundleSigningSettings(bundlePath string, identity *SigningIdentity, entitlementsXML []byte, bundleID string) (*SigningSettings, error) {
	settings := &SigningSettings{
		Identifier:   bundleID,
		TeamID:       identity.TeamID,
		DigestTypes:  []DigestType{CS_HASHTYPE_SHA1, CS_HASHTYPE_SHA256},
		Entitlements: entitlementsXML,
		Signer:       NewCMSSigner(identity),
	}
	if identity.Certificate != nil {
		settings.Requirements = DesignatedRequirementsSet(bundleID, identity.Certificate.Subject.CommonName)
	}

	if data, err := os.ReadFile(filepath.Join(bundlePath, "Info.plist")); err == nil {
		settings.InfoPlist = data
	}
	if data, err := os.ReadFile(filepath.Join(bundlePath, "_CodeSignature", "CodeResources")); err == nil {
		settings.CodeResources = data
	}

	// get-task-allow builds mark the executable segment debuggable
	if ents, err := ParseEntitlements(entitlementsXML); err == nil && ents.GetTaskAllow() {
		settings.ExecSegFlags = CS_EXECSEG_MAIN_BINARY | CS_EXECSEG_ALLOW_UNSIGNED
	}

	return settings, nil
}

// findNestedBundles returns every nested bundle directory under the
// app, including bundles inside other bundles.
func findNestedBundles(appPath string) ([]string, error) {
	var bundles []string
	err := filepath.Walk(appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || path == appPath {
			return nil
		}
		if isBundleName(info.Name()) {
			bundles = append(bundles, path)
		}
		return nil
	})
	return bundles, err
}
