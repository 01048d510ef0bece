package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RestoreParams holds all inputs needed to restore an archive. Empty
// destinations are skipped.
type RestoreParams struct {
	ArchivePath string
	BoltDest    string
	SQLDest     string
	ConfDir     string
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	Manifest      Manifest
	FilesRestored int
}

// Restore extracts an archive, verifies every checksum against the
// manifest and copies the members to their destinations. Nothing is
// copied if any checksum fails.
func Restore(params RestoreParams) (*RestoreResult, error) {
	tmpDir, err := os.MkdirTemp("", "hyperhomes-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractArchive(params.ArchivePath, tmpDir); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, manifestMember))
	if err != nil {
		return nil, fmt.Errorf("restore: %s not found in archive", manifestMember)
	}
	result := &RestoreResult{}
	if err := json.Unmarshal(data, &result.Manifest); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}

	for name, entry := range result.Manifest.Files {
		ok, err := validateChecksum(filepath.Join(tmpDir, filepath.FromSlash(name)), entry.SHA256)
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("restore: checksum mismatch for %s", name)
		}
	}

	for name, entry := range result.Manifest.Files {
		var dest string
		switch entry.Type {
		case "bolt":
			dest = params.BoltDest
		case "sql":
			dest = params.SQLDest
		case "conf":
			if params.ConfDir != "" {
				dest = filepath.Join(params.ConfDir, filepath.Base(name))
			}
		}
		if dest == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("restore: create dir for %s: %w", dest, err)
		}
		if err := copyFile(filepath.Join(tmpDir, filepath.FromSlash(name)), dest); err != nil {
			return nil, fmt.Errorf("restore: copy %s: %w", name, err)
		}
		result.FilesRestored++
	}
	return result, nil
}

// extractArchive unpacks regular files under destDir, refusing members
// that would escape it.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("member %q escapes archive root", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func validateChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}
