package codesign

// CMS signature production. The signature is a detached PKCS#7
// SignedData over the primary code directory with a SHA-256 message
// digest; Apple's signed attributes carry the truncated directory
// hashes as an XML plist (1.2.840.113635.100.9.1) and the strongest
// full hash as an ASN.1 sequence (1.2.840.113635.100.9.2).

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	oidAppleCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidAppleCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
)

// digestOID maps a digest type to its ASN.1 algorithm identifier.
func digestOID(t DigestType) (asn1.ObjectIdentifier, bool) {
	switch t {
	case CS_HASHTYPE_SHA1:
		return asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}, true
	case CS_HASHTYPE_SHA256, CS_HASHTYPE_SHA256_TRUNCATED:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, true
	case CS_HASHTYPE_SHA384:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}, true
	}
	return nil, false
}

// CMSSigner signs code directories with a loaded identity. A timestamp
// authority URL may be configured but is rejected at signing time;
// RFC 3161 countersignatures are not implemented.
type CMSSigner struct {
	Identity     *SigningIdentity
	TimestampURL string
}

// NewCMSSigner returns a signer over the identity's certificate chain.
func NewCMSSigner(identity *SigningIdentity) *CMSSigner {
	return &CMSSigner{Identity: identity}
}

// Sign produces the detached CMS SignedData over the primary directory.
func (s *CMSSigner) Sign(primary []byte, digests []DirectoryDigest) ([]byte, error) {
	if s.Identity == nil || s.Identity.Certificate == nil {
		return nil, fmt.Errorf("signing identity has no certificate")
	}
	if s.TimestampURL != "" {
		return nil, fmt.Errorf("RFC 3161 timestamps are not supported")
	}

	signedData, err := pkcs7.NewSignedData(primary)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	attrs, err := directoryHashAttributes(digests)
	if err != nil {
		return nil, err
	}

	var parents []*x509.Certificate
	if len(s.Identity.CertChain) > 1 {
		parents = s.Identity.CertChain[1:]
	}
	config := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := signedData.AddSignerChain(s.Identity.Certificate, s.Identity.PrivateKey, parents, config); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}
	signedData.Detach()

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish CMS signature: %w", err)
	}
	return der, nil
}

// SizeEstimate returns a generous upper bound on the encoded signature.
// Certificates dominate; the rest covers SignerInfo framing, signed
// attributes, and the signature itself.
func (s *CMSSigner) SizeEstimate() int {
	size := 4096
	if s.Identity != nil {
		for _, cert := range s.Identity.CertChain {
			size += len(cert.Raw) + 64
		}
	}
	return size
}

// directoryHashAttributes builds Apple's signed attributes from the
// directory digests, primary first.
func directoryHashAttributes(digests []DirectoryDigest) ([]pkcs7.Attribute, error) {
	if len(digests) == 0 {
		return nil, fmt.Errorf("no directory digests to sign")
	}

	cdhashes := make([][]byte, 0, len(digests))
	for _, d := range digests {
		cdhashes = append(cdhashes, d.CDHash)
	}
	plistData, err := plist.Marshal(map[string]interface{}{"cdhashes": cdhashes}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cdhashes plist: %w", err)
	}

	// the 9.2 attribute carries one full hash; prefer the SHA-256
	// directory, falling back to the primary
	best := digests[0]
	for _, d := range digests {
		if d.Type == CS_HASHTYPE_SHA256 {
			best = d
			break
		}
	}
	oid, ok := digestOID(best.Type)
	if !ok {
		return nil, fmt.Errorf("no algorithm identifier for digest type %d", best.Type)
	}
	hashValue := struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}{Algorithm: oid, Hash: best.Full}
	encoded, err := asn1.Marshal(hashValue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cdhash sequence: %w", err)
	}

	return []pkcs7.Attribute{
		{Type: oidAppleCDHashesPlist, Value: plistData},
		{Type: oidAppleCDHashes2, Value: asn1.RawValue{FullBytes: encoded}},
	}, nil
}
