// Package archive writes and restores .tar.gz backups of the home
// database and its configuration.
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
	"time"
)

// Archive member names.
const (
	boltMember     = "data/homes.bolt"
	sqlMember      = "data/homes.sqlite"
	manifestMember = "manifest.json"
)

// Manifest describes the contents of an archive.
type Manifest struct {
	Version   int                  `json:"version"`
	Server    string               `json:"server"`
	Timestamp string               `json:"timestamp"`
	Storage   string               `json:"storage"`
	Players   int                  `json:"players"`
	Homes     int                  `json:"homes"`
	Files     map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "bolt", "sql", "conf"
}

// Params holds all inputs needed to create an archive.
type Params struct {
	BoltSnapshotFunc  func(destPath string) error // hot snapshot of the bolt file (nil = skip)
	SQLPath           string                      // SQLite database to copy (empty = skip)
	SQLCheckpointFunc func() error                // checkpoint WAL before copy (nil = skip)
	ConfPaths         []string                    // config files to include
	ArchiveDir        string
	Players           int
	Homes             int
	Now               time.Time // zero means time.Now()
}

// Create writes a .tar.gz archive and returns its path.
func Create(params Params) (string, error) {
	if err := os.MkdirAll(params.ArchiveDir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", params.ArchiveDir, err)
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}

	filename := fmt.Sprintf("homes-%s.tar.gz", now.UTC().Format("20060102-150405"))
	archivePath := filepath.Join(params.ArchiveDir, filename)

	tmpDir, err := os.MkdirTemp("", "hyperhomes-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	manifest := Manifest{
		Version:   1,
		Server:    "hyperhomes",
		Timestamp: now.UTC().Format(time.RFC3339),
		Players:   params.Players,
		Homes:     params.Homes,
		Files:     make(map[string]FileEntry),
	}

	type staged struct{ src, member, typ string }
	var members []staged

	if params.BoltSnapshotFunc != nil {
		dst := filepath.Join(tmpDir, "homes.bolt")
		if err := params.BoltSnapshotFunc(dst); err != nil {
			return "", fmt.Errorf("archive: bolt snapshot: %w", err)
		}
		members = append(members, staged{dst, boltMember, "bolt"})
		manifest.Storage = "bolt"
	}
	if params.SQLPath != "" {
		if params.SQLCheckpointFunc != nil {
			if err := params.SQLCheckpointFunc(); err != nil {
				return "", fmt.Errorf("archive: sql checkpoint: %w", err)
			}
		}
		dst := filepath.Join(tmpDir, "homes.sqlite")
		if err := copyFile(params.SQLPath, dst); err != nil {
			return "", fmt.Errorf("archive: copy sql: %w", err)
		}
		members = append(members, staged{dst, sqlMember, "sql"})
		manifest.Storage = "sqlite"
	}
	for _, conf := range params.ConfPaths {
		if conf == "" {
			continue
		}
		if _, err := os.Stat(conf); err == nil {
			members = append(members, staged{conf, "conf/" + filepath.Base(conf), "conf"})
		}
	}

	outFile, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", archivePath, err)
	}
	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	writeAll := func() error {
		for _, m := range members {
			entry, err := addFileToTar(tw, m.src, m.member)
			if err != nil {
				return err
			}
			entry.Type = m.typ
			manifest.Files[m.member] = entry
		}

		// The manifest goes last so it can describe everything before it.
		manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("archive: marshal manifest: %w", err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:    manifestMember,
			Size:    int64(len(manifestJSON)),
			Mode:    0644,
			ModTime: now,
		}); err != nil {
			return fmt.Errorf("archive: write manifest header: %w", err)
		}
		if _, err := tw.Write(manifestJSON); err != nil {
			return fmt.Errorf("archive: write manifest: %w", err)
		}
		if err := tw.Close(); err != nil {
			return err
		}
		if err := gw.Close(); err != nil {
			return err
		}
		return outFile.Close()
	}
	if err := writeAll(); err != nil {
		outFile.Close()
		os.Remove(archivePath)
		return "", err
	}
	return archivePath, nil
}

// addFileToTar adds a single file to the tar archive with the given archive name,
// computing its SHA-256 while writing.
func addFileToTar(tw *tar.Writer, srcPath, archName string) (FileEntry, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}

	archName = strings.ReplaceAll(archName, "\\", "/")

	if err := tw.WriteHeader(&tar.Header{
		Name:    archName,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", archName, err)
	}

	h := sha256.New()
	written, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", archName, err)
	}

	return FileEntry{
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   written,
	}, nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
