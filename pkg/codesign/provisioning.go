package codesign

import (
	"crypto/x509"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile is a parsed .mobileprovision file. The file is a
// CMS signed container whose payload is an XML plist.
type ProvisioningProfile struct {
	Name                        string       `plist:"Name"`
	TeamName                    string       `plist:"TeamName"`
	TeamIdentifier              []string     `plist:"TeamIdentifier"`
	AppIDName                   string       `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string     `plist:"ApplicationIdentifierPrefix"`
	Entitlements                Entitlements `plist:"Entitlements"`
	DeveloperCertificates       [][]byte     `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string     `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool         `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time    `plist:"CreationDate"`
	ExpirationDate              time.Time    `plist:"ExpirationDate"`
	UUID                        string       `plist:"UUID"`
	Platform                    []string     `plist:"Platform"`
}

// ParseProvisioningProfile parses a .mobileprovision file.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// TeamID returns the team identifier from the profile.
func (p *ProvisioningProfile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application identifier entitlement.
func (p *ProvisioningProfile) ApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired reports whether the profile's expiration date has passed.
func (p *ProvisioningProfile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// IsDeviceAllowed reports whether the device UDID is provisioned.
// Enterprise and distribution profiles provision all devices.
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// Certificates parses the developer certificates embedded in the profile.
func (p *ProvisioningProfile) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate reports whether the certificate is one of the
// developer certificates in the profile.
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}

// EntitlementsXML renders the profile's entitlements as an XML plist
// suitable for embedding in a signature.
func (p *ProvisioningProfile) EntitlementsXML() ([]byte, error) {
	return p.Entitlements.MarshalXML()
}
