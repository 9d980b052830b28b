package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-machsign/pkg/codesign"
)

const version = "1.0.0"

const usage = `machsign - Mach-O Code Signing Tool

Signs, resigns, and inspects Mach-O binaries, .app bundles, and IPA files
with Apple-compatible embedded signatures.

Usage:
  machsign sign --binary=<path> [--identifier=<id>] [--p12=<path>] [--password=<password>] [--entitlements=<path>] [--team=<id>] [--output=<path>] [--verbose]
  machsign resign --app=<path> [--p12=<path>] [--profile=<path>] [--password=<password>] [--output=<path>] [--bundleid=<id>] [--inplace] [--verbose]
  machsign info --app=<path> [--signature] [--recursive] [--verbose]
  machsign info --profile=<path> [--verbose]
  machsign info --binary=<path> [--verbose]
  machsign diff --app1=<path> --app2=<path> [--recursive] [--verbose]
  machsign -h | --help
  machsign --version

Commands:
  sign      Sign a Mach-O binary (ad-hoc unless a certificate is given)
  resign    Resign an IPA file or .app bundle with a new signing identity
  info      Display information about a binary, app bundle, or provisioning profile
  diff      Compare code signatures between two apps

Options:
  --binary=<path>       Path to a Mach-O binary
  --app=<path>          Path to the input .ipa file or .app bundle directory
  --app1=<path>         Path to first app for comparison (diff command)
  --app2=<path>         Path to second app for comparison (diff command)
  --identifier=<id>     Signing identifier (defaults to the binary name)
  --p12=<path>          Path to the P12 certificate file (or MACHSIGN_P12 env var)
  --profile=<path>      Path to the provisioning profile (or MACHSIGN_PROFILE env var)
  --password=<password> Password for the P12 certificate (or MACHSIGN_PASSWORD env var)
  --entitlements=<path> Path to an entitlements plist to embed (sign command)
  --team=<id>           Team identifier to embed (sign command)
  --output=<path>       Path for the output (resign: input-resigned.ext, sign: in-place)
  --bundleid=<id>       New bundle ID to apply (optional)
  --inplace             Sign the app bundle in-place (modifies original, only works with .app)
  --signature           Show detailed code signature information (info command)
  --recursive           Include nested bundles like Frameworks/ and PlugIns/
  --verbose             Enable debug logging
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  MACHSIGN_P12          Path to P12 certificate file (overridden by --p12)
  MACHSIGN_PROFILE      Path to provisioning profile (overridden by --profile)
  MACHSIGN_PASSWORD     P12 certificate password (overridden by --password)

Examples:
  # Ad-hoc sign a bare binary in place
  machsign sign --binary=mytool

  # Sign a binary with a certificate and entitlements
  machsign sign --binary=MyApp --p12=cert.p12 --password=secret --entitlements=app.entitlements

  # Resign an IPA with a new certificate (creates new file)
  machsign resign --app=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --password=secret

  # Resign using environment variables (useful for CI/CD)
  export MACHSIGN_P12=/path/to/cert.p12
  export MACHSIGN_PROFILE=/path/to/profile.mobileprovision
  export MACHSIGN_PASSWORD=secret
  machsign resign --app=MyApp.ipa

  # Resign a .app bundle in-place (modifies original)
  machsign resign --app=MyApp.app --p12=cert.p12 --profile=dev.mobileprovision --inplace

  # Resign and change bundle ID
  machsign resign --app=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --bundleid=com.example.newapp

  # View signature details of a bare binary
  machsign info --binary=mytool

  # View app information with signature details for all nested bundles
  machsign info --app=MyApp.app --signature --recursive

  # View provisioning profile information
  machsign info --profile=dev.mobileprovision

  # Compare signatures between two apps
  machsign diff --app1=App1.app --app2=App2.app --recursive
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log.SetHandler(clihandler.Default)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	var runErr error
	switch {
	case boolOpt(opts, "sign"):
		runErr = runSign(opts)
	case boolOpt(opts, "resign"):
		runErr = runResign(opts)
	case boolOpt(opts, "info"):
		runErr = runInfo(opts)
	case boolOpt(opts, "diff"):
		runErr = runDiff(opts)
	}
	if runErr != nil {
		log.Fatalf("%v", runErr)
	}
}

func boolOpt(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func runSign(opts docopt.Opts) error {
	binaryPath, _ := opts.String("--binary")
	identifier, _ := opts.String("--identifier")
	p12Path, _ := opts.String("--p12")
	password, _ := opts.String("--password")
	entitlementsPath, _ := opts.String("--entitlements")
	teamID, _ := opts.String("--team")
	outputPath, _ := opts.String("--output")

	if p12Path == "" {
		p12Path = os.Getenv("MACHSIGN_P12")
	}
	if password == "" {
		password = os.Getenv("MACHSIGN_PASSWORD")
	}
	if identifier == "" {
		identifier = filepath.Base(binaryPath)
	}
	if outputPath == "" {
		outputPath = binaryPath
	}

	settings := &codesign.SigningSettings{
		Identifier: identifier,
		TeamID:     teamID,
	}

	if entitlementsPath != "" {
		data, err := os.ReadFile(entitlementsPath)
		if err != nil {
			return fmt.Errorf("failed to read entitlements: %w", err)
		}
		settings.Entitlements = data
	}

	if p12Path != "" {
		p12Data, err := os.ReadFile(p12Path)
		if err != nil {
			return fmt.Errorf("failed to read P12 file: %w", err)
		}
		identity, err := codesign.LoadSigningIdentity(p12Data, password)
		if err != nil {
			return fmt.Errorf("failed to load signing identity: %w", err)
		}
		if settings.TeamID == "" {
			settings.TeamID = identity.TeamID
		}
		settings.DigestTypes = []codesign.DigestType{codesign.CS_HASHTYPE_SHA1, codesign.CS_HASHTYPE_SHA256}
		settings.Signer = codesign.NewCMSSigner(identity)
		if identity.Certificate != nil {
			settings.Requirements = codesign.DesignatedRequirementsSet(identifier, identity.Certificate.Subject.CommonName)
			log.WithField("cn", identity.Certificate.Subject.CommonName).Debug("loaded signing identity")
		}
	} else {
		log.Debug("no certificate given, signing ad-hoc")
	}

	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}
	signed, err := codesign.SignMachO(data, settings)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, signed, 0755); err != nil {
		return fmt.Errorf("failed to write signed binary: %w", err)
	}

	log.WithFields(log.Fields{
		"binary":     outputPath,
		"identifier": identifier,
	}).Info("signed")
	return nil
}

func runResign(opts docopt.Opts) error {
	inputPath, _ := opts.String("--app")
	p12Path, _ := opts.String("--p12")
	profilePath, _ := opts.String("--profile")
	password, _ := opts.String("--password")
	outputPath, _ := opts.String("--output")
	bundleID, _ := opts.String("--bundleid")
	inplace, _ := opts.Bool("--inplace")

	if p12Path == "" {
		p12Path = os.Getenv("MACHSIGN_P12")
	}
	if profilePath == "" {
		profilePath = os.Getenv("MACHSIGN_PROFILE")
	}
	if password == "" {
		password = os.Getenv("MACHSIGN_PASSWORD")
	}

	if p12Path == "" {
		return fmt.Errorf("--p12 is required (or set MACHSIGN_P12 environment variable)")
	}
	if profilePath == "" {
		return fmt.Errorf("--profile is required (or set MACHSIGN_PROFILE environment variable)")
	}

	isIPA := strings.HasSuffix(strings.ToLower(inputPath), ".ipa")

	if inplace {
		if isIPA {
			return fmt.Errorf("--inplace can only be used with .app bundles, not .ipa files")
		}
		if outputPath != "" {
			return fmt.Errorf("cannot specify both --inplace and --output")
		}
	}
	if outputPath == "" && !inplace {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + "-resigned" + ext
	}

	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return fmt.Errorf("failed to read P12 file: %w", err)
	}
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}

	log.WithFields(log.Fields{
		"app":     inputPath,
		"p12":     p12Path,
		"profile": profilePath,
	}).Info("resigning")
	if bundleID != "" {
		log.WithField("bundleid", bundleID).Info("changing bundle ID")
	}

	var appPath, tempDir string
	if isIPA {
		tempDir, err = codesign.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)

		appPath, err = codesign.FindAppBundle(tempDir)
		if err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	} else if inplace {
		appPath = inputPath
	} else {
		// copy the bundle aside so the original stays untouched
		tempDir, err = os.MkdirTemp("", "machsign-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(tempDir)

		appPath = filepath.Join(tempDir, filepath.Base(inputPath))
		if err := codesign.CopyAppBundle(inputPath, appPath); err != nil {
			return fmt.Errorf("failed to copy app bundle to temp location: %w", err)
		}
	}

	resignOpts := codesign.ResignOptions{
		AppPath:             appPath,
		P12Data:             p12Data,
		P12Password:         password,
		ProvisioningProfile: profileData,
		NewBundleID:         bundleID,
	}
	if err := codesign.Resign(resignOpts); err != nil {
		return err
	}

	switch {
	case isIPA:
		if err := codesign.RepackageIPA(tempDir, outputPath); err != nil {
			return fmt.Errorf("failed to repackage IPA: %w", err)
		}
		log.WithField("output", outputPath).Info("resigned IPA")
	case inplace:
		log.WithField("app", inputPath).Info("resigned in-place")
	default:
		if err := codesign.CopyAppBundle(appPath, outputPath); err != nil {
			return fmt.Errorf("failed to copy signed app bundle: %w", err)
		}
		log.WithField("output", outputPath).Info("resigned app bundle")
	}

	return nil
}

func runInfo(opts docopt.Opts) error {
	binaryPath, _ := opts.String("--binary")
	inputPath, _ := opts.String("--app")
	profilePath, _ := opts.String("--profile")
	showSignature, _ := opts.Bool("--signature")
	recursive, _ := opts.Bool("--recursive")

	switch {
	case binaryPath != "":
		return showBinaryInfo(binaryPath)
	case inputPath != "":
		return showAppInfo(inputPath, showSignature, recursive)
	case profilePath != "":
		return showProfileInfo(profilePath)
	}
	return fmt.Errorf("one of --binary, --app, or --profile is required")
}

func runDiff(opts docopt.Opts) error {
	app1Path, _ := opts.String("--app1")
	app2Path, _ := opts.String("--app2")
	recursive, _ := opts.Bool("--recursive")

	if app1Path == "" || app2Path == "" {
		return fmt.Errorf("both --app1 and --app2 are required")
	}

	diff, err := codesign.CompareBundles(app1Path, app2Path, recursive)
	if err != nil {
		return err
	}
	diff.WriteReport(os.Stdout)
	return nil
}

func showBinaryInfo(binaryPath string) error {
	info, err := codesign.ParseSignature(binaryPath)
	if err != nil {
		return err
	}
	// bare binary, no bundle files to verify slots against
	info.BundlePath = ""
	info.RelativePath = filepath.Base(binaryPath)
	info.WriteReport(os.Stdout)
	return nil
}

func showAppInfo(inputPath string, showSignature, recursive bool) error {
	var appPath string

	isIPA := strings.HasSuffix(strings.ToLower(inputPath), ".ipa")
	if isIPA {
		tempDir, err := codesign.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)

		appPath, err = codesign.FindAppBundle(tempDir)
		if err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	} else {
		appPath = inputPath
	}

	bundleID, err := codesign.GetAppBundleID(appPath)
	if err != nil {
		return fmt.Errorf("failed to get bundle ID: %w", err)
	}
	execName, err := codesign.GetAppExecutableName(appPath)
	if err != nil {
		return fmt.Errorf("failed to get executable name: %w", err)
	}

	if isIPA {
		fmt.Println("IPA Information")
		fmt.Println("===============")
		fmt.Printf("File:        %s\n", inputPath)
	} else {
		fmt.Println("App Bundle Information")
		fmt.Println("======================")
		fmt.Printf("Path:        %s\n", inputPath)
	}
	fmt.Printf("App Name:    %s\n", filepath.Base(appPath))
	fmt.Printf("Bundle ID:   %s\n", bundleID)
	fmt.Printf("Executable:  %s\n", execName)

	embeddedPath := filepath.Join(appPath, "embedded.mobileprovision")
	if profileData, err := os.ReadFile(embeddedPath); err == nil {
		if profile, err := codesign.ParseProvisioningProfile(profileData); err == nil {
			fmt.Println()
			fmt.Println("Embedded Provisioning Profile")
			fmt.Println("-----------------------------")
			printProfileSummary(profile)
		}
	}

	if showSignature {
		fmt.Println()
		fmt.Println("Code Signature Details")
		fmt.Println("======================")

		infos, err := codesign.GetBundleSignatureInfo(appPath, recursive)
		if err != nil {
			return fmt.Errorf("failed to get signature info: %w", err)
		}
		for _, info := range infos {
			info.WriteReport(os.Stdout)
		}
	}

	return nil
}

func showProfileInfo(profilePath string) error {
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	profile, err := codesign.ParseProvisioningProfile(profileData)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	printProfileSummary(profile)
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		for key, value := range profile.Entitlements {
			fmt.Printf("  %s: %v\n", key, value)
		}
	}

	return nil
}

func printProfileSummary(profile *codesign.ProvisioningProfile) {
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("Expired:        %v\n", profile.IsExpired())
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
	certs, err := profile.Certificates()
	if err != nil {
		return
	}
	fmt.Printf("Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
		fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		if len(cert.Subject.OrganizationalUnit) > 0 {
			fmt.Printf("      Team ID: %s\n", cert.Subject.OrganizationalUnit[0])
		}
	}
}
