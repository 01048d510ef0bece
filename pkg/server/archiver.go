package server

import (
	"log"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/archive"
)

// boltBackend is satisfied by the bbolt store.
type boltBackend interface {
	Backup(path string) error
}

// sqlBackend is satisfied by the SQLite store.
type sqlBackend interface {
	Path() string
	Checkpoint() error
}

// Archive flushes pending writes and writes a backup of the persistence
// file and config to the archive directory. Old archives beyond
// archive_retain are pruned.
func (e *Engine) Archive() (string, error) {
	if err := e.Flush(); err != nil {
		log.Printf("archive: WARNING: flush before archive: %v", err)
	}
	cfg := e.Config()
	params := archive.Params{
		ArchiveDir: cfg.ArchiveDir,
		ConfPaths:  []string{e.confPath},
		Players:    len(e.homes.Players()),
		Homes:      e.homes.TotalHomes(),
		Now:        e.clock.Now(),
	}
	if params.ArchiveDir == "" {
		params.ArchiveDir = "backups"
	}
	switch p := e.persist.(type) {
	case boltBackend:
		params.BoltSnapshotFunc = p.Backup
	case sqlBackend:
		params.SQLPath = p.Path()
		params.SQLCheckpointFunc = p.Checkpoint
	}

	path, err := archive.Create(params)
	if err != nil {
		return "", err
	}
	log.Printf("archive: wrote %s", path)
	if cfg.ArchiveRetain > 0 {
		if _, err := archive.Prune(params.ArchiveDir, cfg.ArchiveRetain); err != nil {
			log.Printf("archive: WARNING: %v", err)
		}
	}
	return path, nil
}

func (e *Engine) archiveLoop() {
	defer e.wg.Done()
	for {
		t := time.NewTimer(time.Duration(max(e.Config().ArchiveInterval, 1)) * time.Minute)
		select {
		case <-e.stop:
			t.Stop()
			return
		case <-t.C:
			if _, err := e.Archive(); err != nil {
				log.Printf("archive: ERROR: auto-archive failed: %v", err)
			}
		}
	}
}
