// Package codesign implements Apple's Mach-O code signing format
// natively in Go, so binaries, .app bundles, and IPA files can be
// signed and inspected on any platform without Apple's codesign tool.
//
// # Signing a binary
//
// SignMachO embeds a signature into raw Mach-O data:
//
//	signed, err := codesign.SignMachO(data, &codesign.SigningSettings{
//	    Identifier: "com.example.tool",
//	})
//
// With no Signer configured the signature is ad-hoc. Supplying a
// CMSSigner over a loaded identity produces a full CMS signature:
//
//	identity, err := codesign.LoadSigningIdentity(p12Data, password)
//	if err != nil {
//	    return err
//	}
//	signed, err := codesign.SignMachO(data, &codesign.SigningSettings{
//	    Identifier: "com.example.app",
//	    TeamID:     identity.TeamID,
//	    Signer:     codesign.NewCMSSigner(identity),
//	})
//
// # Resigning a bundle
//
// Resign replaces the signature of a .app bundle, nested bundles
// included, using a provisioning profile:
//
//	err := codesign.Resign(codesign.ResignOptions{
//	    AppPath:             appPath,
//	    P12Data:             p12Data,
//	    P12Password:         password,
//	    ProvisioningProfile: profileData,
//	})
//
// # Inspection
//
// ParseSignature decodes an embedded signature into a SignatureInfo,
// and CompareBundles reports the differences between two signed apps.
package codesign
