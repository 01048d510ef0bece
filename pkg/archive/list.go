package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Info holds metadata about an existing archive file.
type Info struct {
	Path      string
	Filename  string
	Size      int64
	Timestamp string // from manifest, or file mod time
	Storage   string
	Players   int
	Homes     int
}

// List scans an archive directory for .tar.gz files and returns info
// about each, sorted newest-first.
func List(archiveDir string) ([]Info, error) {
	pattern := filepath.Join(archiveDir, "*.tar.gz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive: glob %s: %w", pattern, err)
	}

	var archives []Info
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		ai := Info{
			Path:      path,
			Filename:  filepath.Base(path),
			Size:      info.Size(),
			Timestamp: info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
		if m, err := readManifest(path); err == nil {
			ai.Timestamp = m.Timestamp
			ai.Storage = m.Storage
			ai.Players = m.Players
			ai.Homes = m.Homes
		}
		archives = append(archives, ai)
	}

	// RFC3339 sorts lexically.
	sort.Slice(archives, func(i, j int) bool {
		if archives[i].Timestamp != archives[j].Timestamp {
			return archives[i].Timestamp > archives[j].Timestamp
		}
		return archives[i].Filename > archives[j].Filename
	})
	return archives, nil
}

// Prune keeps the newest retain archives and deletes the rest. Returns the
// number removed. retain <= 0 keeps everything.
func Prune(archiveDir string, retain int) (int, error) {
	if retain <= 0 {
		return 0, nil
	}
	archives, err := List(archiveDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, a := range archives[min(retain, len(archives)):] {
		if err := os.Remove(a.Path); err != nil {
			return removed, fmt.Errorf("archive: prune %s: %w", a.Filename, err)
		}
		log.Printf("archive: pruned %s", a.Filename)
		removed++
	}
	return removed, nil
}

// readManifest opens a .tar.gz file and extracts the manifest entry.
func readManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name == manifestMember {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%s not found in archive", manifestMember)
}
