package codesign

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func pemPrivateKey(t *testing.T, identity *SigningIdentity) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(identity.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey failed: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestResign(t *testing.T) {
	identity := generateTestIdentity(t)
	appPath := buildTestApp(t, t.TempDir())
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	profileData := buildTestProfile(t, identity, testProfilePayload(identity, expiry))

	err := Resign(ResignOptions{
		AppPath:             appPath,
		P12Data:             pemPrivateKey(t, identity),
		ProvisioningProfile: profileData,
	})
	if err != nil {
		t.Fatalf("Resign failed: %v", err)
	}

	embedded, err := os.ReadFile(filepath.Join(appPath, "embedded.mobileprovision"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(embedded, profileData) {
		t.Errorf("embedded profile does not match")
	}

	mainPath := filepath.Join(appPath, "TestRunner")
	data, err := os.ReadFile(mainPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	info, err := ParseSignatureFromData(data, mainPath, appPath)
	if err != nil {
		t.Fatalf("ParseSignatureFromData failed: %v", err)
	}
	if got := info.Identifier(); got != "com.example.test" {
		t.Errorf("identifier = %q", got)
	}
	if got := info.TeamID(); got != "ABCDE12345" {
		t.Errorf("team = %q", got)
	}
	if info.CMS.SignerCN != identity.Certificate.Subject.CommonName {
		t.Errorf("signer CN = %q", info.CMS.SignerCN)
	}
	if !strings.Contains(string(info.EntitlementsXML), "application-identifier") {
		t.Errorf("profile entitlements not embedded:\n%s", info.EntitlementsXML)
	}
	// the profile grants get-task-allow
	wantFlags := uint64(CS_EXECSEG_MAIN_BINARY | CS_EXECSEG_ALLOW_UNSIGNED)
	if flags := info.PrimaryDirectory().Directory.ExecSegFlags; flags != wantFlags {
		t.Errorf("exec seg flags = 0x%x, want 0x%x", flags, wantFlags)
	}

	// the seal covers the embedded profile
	sealData, err := os.ReadFile(filepath.Join(appPath, "_CodeSignature", "CodeResources"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	files := sealSection(t, decodeSeal(t, sealData), "files")
	if _, ok := files["embedded.mobileprovision"]; !ok {
		t.Errorf("embedded profile missing from seal")
	}
}

func TestResignNewBundleID(t *testing.T) {
	identity := generateTestIdentity(t)
	appPath := buildTestApp(t, t.TempDir())
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	profileData := buildTestProfile(t, identity, testProfilePayload(identity, expiry))

	err := Resign(ResignOptions{
		AppPath:             appPath,
		P12Data:             pemPrivateKey(t, identity),
		ProvisioningProfile: profileData,
		NewBundleID:         "com.example.renamed",
	})
	if err != nil {
		t.Fatalf("Resign failed: %v", err)
	}

	if bundleID, err := GetAppBundleID(appPath); err != nil || bundleID != "com.example.renamed" {
		t.Errorf("GetAppBundleID = %q, %v", bundleID, err)
	}
	mainPath := filepath.Join(appPath, "TestRunner")
	data, err := os.ReadFile(mainPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	info, err := ParseSignatureFromData(data, mainPath, appPath)
	if err != nil {
		t.Fatalf("ParseSignatureFromData failed: %v", err)
	}
	if got := info.Identifier(); got != "com.example.renamed" {
		t.Errorf("identifier = %q", got)
	}
	ents, err := ParseEntitlements(info.EntitlementsXML)
	if err != nil {
		t.Fatalf("ParseEntitlements failed: %v", err)
	}
	if got := ents["application-identifier"]; got != "ABCDE12345.com.example.renamed" {
		t.Errorf("application-identifier = %v", got)
	}
}

func TestResignErrors(t *testing.T) {
	identity := generateTestIdentity(t)
	stranger := generateTestIdentity(t)
	appPath := buildTestApp(t, t.TempDir())
	pemKey := pemPrivateKey(t, identity)
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	profileData := buildTestProfile(t, identity, testProfilePayload(identity, future))
	expiredData := buildTestProfile(t, identity, testProfilePayload(identity, past))

	tests := []struct {
		name string
		opts ResignOptions
		want string
	}{
		{
			name: "no app path",
			opts: ResignOptions{},
			want: "app path is required",
		},
		{
			name: "no key",
			opts: ResignOptions{AppPath: appPath},
			want: "signing key data is required",
		},
		{
			name: "no profile",
			opts: ResignOptions{AppPath: appPath, P12Data: pemKey},
			want: "provisioning profile is required",
		},
		{
			name: "garbage profile",
			opts: ResignOptions{AppPath: appPath, P12Data: pemKey, ProvisioningProfile: []byte("garbage")},
			want: "failed to parse provisioning profile",
		},
		{
			name: "expired profile",
			opts: ResignOptions{AppPath: appPath, P12Data: pemKey, ProvisioningProfile: expiredData},
			want: "provisioning profile has expired",
		},
		{
			name: "key not in profile",
			opts: ResignOptions{AppPath: appPath, P12Data: pemPrivateKey(t, stranger), ProvisioningProfile: profileData},
			want: "failed to load signing identity",
		},
		{
			name: "app without Info.plist",
			opts: ResignOptions{AppPath: t.TempDir(), P12Data: pemKey, ProvisioningProfile: profileData},
			want: "failed to get bundle ID",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Resign(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Resign = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestUpdateInfoPlistBundleID(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "Info.plist", testInfoPlist("App", "com.example.old"))

	if err := updateInfoPlistBundleID(dir, "com.example.new"); err != nil {
		t.Fatalf("updateInfoPlistBundleID failed: %v", err)
	}
	info, err := readInfoPlist(dir)
	if err != nil {
		t.Fatalf("readInfoPlist failed: %v", err)
	}
	if got := info["CFBundleIdentifier"]; got != "com.example.new" {
		t.Errorf("CFBundleIdentifier = %v", got)
	}
	if got := info["CFBundleExecutable"]; got != "App" {
		t.Errorf("CFBundleExecutable = %v", got)
	}

	missing := t.TempDir()
	if err := updateInfoPlistBundleID(missing, "com.example.x"); err == nil ||
		!strings.Contains(err.Error(), "failed to read Info.plist") {
		t.Errorf("missing Info.plist = %v", err)
	}
	writeBundleFile(t, missing, "Info.plist", "junk")
	if err := updateInfoPlistBundleID(missing, "com.example.x"); err == nil ||
		!strings.Contains(err.Error(), "failed to parse Info.plist") {
		t.Errorf("broken Info.plist = %v", err)
	}
}
