package codesign

// IPA archive handling. An IPA is a zip with the app bundle under
// Payload/; extraction, repackaging, and the Info.plist lookups the
// signing flow needs live here.

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractIPA unpacks an IPA into a fresh temp directory and returns
// its path. The caller removes it when done.
func ExtractIPA(ipaPath string) (string, error) {
	tempDir, err := os.MkdirTemp("", "machsign-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractZipFile(f, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return tempDir, nil
}

func extractZipFile(f *zip.File, destDir string) error {
	// reject entries that would escape the destination
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, f.Mode())
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer destFile.Close()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// FindAppBundle locates the .app directory under Payload/.
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")
	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return filepath.Join(payloadDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no .app bundle found in Payload directory")
}

// RepackageIPA zips an extracted directory back into an IPA.
func RepackageIPA(extractedDir, outputPath string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	w := zip.NewWriter(outFile)
	defer w.Close()

	return filepath.Walk(extractedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == extractedDir {
			return nil
		}

		relPath, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}
		zipPath := strings.ReplaceAll(relPath, string(os.PathSeparator), "/")

		if info.IsDir() {
			_, err := w.Create(zipPath + "/")
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = zipPath
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
}

func readInfoPlist(appPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	return parseInfoPlist(data)
}

// GetAppBundleID reads CFBundleIdentifier from the bundle's Info.plist.
func GetAppBundleID(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return bundleID, nil
}

// GetAppExecutableName reads CFBundleExecutable from the bundle's
// Info.plist.
func GetAppExecutableName(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	execName, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}
	return execName, nil
}

// CopyAppBundle copies a .app directory tree, replacing the
// destination if it exists.
func CopyAppBundle(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		dstPath := filepath.Join(dst, relPath)
		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode())
		}
		return copyFile(path, dstPath, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
