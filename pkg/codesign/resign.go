package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// ResignOptions configures an in-place resign of a .app bundle.
type ResignOptions struct {
	AppPath             string
	P12Data             []byte // PKCS#12 archive or PEM private key
	P12Password         string
	ProvisioningProfile []byte
	NewBundleID         string // optional bundle ID rewrite
}

// Resign replaces the signature of a .app bundle with one made from
// the given identity and provisioning profile.
func Resign(opts ResignOptions) error {
	if opts.AppPath == "" {
		return fmt.Errorf("app path is required")
	}
	if len(opts.P12Data) == 0 {
		return fmt.Errorf("signing key data is required")
	}
	if len(opts.ProvisioningProfile) == 0 {
		return fmt.Errorf("provisioning profile is required")
	}

	profile, err := ParseProvisioningProfile(opts.ProvisioningProfile)
	if err != nil {
		return fmt.Errorf("failed to parse provisioning profile: %w", err)
	}
	if profile.IsExpired() {
		return fmt.Errorf("provisioning profile has expired")
	}

	// a bare PEM key picks its certificate out of the profile
	identity, err := LoadSigningIdentityWithProfile(opts.P12Data, opts.P12Password, profile)
	if err != nil {
		return fmt.Errorf("failed to load signing identity: %w", err)
	}
	if !profile.MatchesCertificate(identity.Certificate) {
		return fmt.Errorf("certificate does not match provisioning profile")
	}
	if identity.TeamID == "" {
		identity.TeamID = profile.TeamID()
	}

	bundleID, err := GetAppBundleID(opts.AppPath)
	if err != nil {
		return fmt.Errorf("failed to get bundle ID: %w", err)
	}
	if opts.NewBundleID != "" {
		bundleID = opts.NewBundleID
	}

	// the profile's entitlements are embedded as-is unless a bundle id
	// rewrite has to update the application-identifier with them
	entitlements := profile.Entitlements
	if opts.NewBundleID != "" {
		entitlements = entitlements.ForBundleID(identity.TeamID, opts.NewBundleID)
	}
	entitlementsXML, err := entitlements.MarshalXML()
	if err != nil {
		return fmt.Errorf("failed to generate entitlements: %w", err)
	}

	// only .app bundles carry an embedded profile, nested bundles
	// must not
	if filepath.Ext(opts.AppPath) == ".app" {
		embeddedPath := filepath.Join(opts.AppPath, "embedded.mobileprovision")
		if err := os.WriteFile(embeddedPath, opts.ProvisioningProfile, 0644); err != nil {
			return fmt.Errorf("failed to write embedded.mobileprovision: %w", err)
		}
	}

	if opts.NewBundleID != "" {
		if err := updateInfoPlistBundleID(opts.AppPath, opts.NewBundleID); err != nil {
			return fmt.Errorf("failed to update Info.plist: %w", err)
		}
	}

	if err := os.RemoveAll(filepath.Join(opts.AppPath, "_CodeSignature")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old _CodeSignature: %w", err)
	}

	if err := SignAppBundle(opts.AppPath, identity, entitlementsXML, bundleID); err != nil {
		return fmt.Errorf("failed to sign app bundle: %w", err)
	}
	return nil
}

func updateInfoPlistBundleID(appPath, newBundleID string) error {
	infoPlistPath := filepath.Join(appPath, "Info.plist")
	data, err := os.ReadFile(infoPlistPath)
	if err != nil {
		return fmt.Errorf("failed to read Info.plist: %w", err)
	}
	info, err := parseInfoPlist(data)
	if err != nil {
		return fmt.Errorf("failed to parse Info.plist: %w", err)
	}

	info["CFBundleIdentifier"] = newBundleID

	newData, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}
	if err := os.WriteFile(infoPlistPath, newData, 0644); err != nil {
		return fmt.Errorf("failed to write Info.plist: %w", err)
	}
	return nil
}

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}
