package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/boltstore"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/google/uuid"
)

func TestCreateListRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := boltstore.Open(filepath.Join(dir, "homes.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	set := homedb.NewPlayerHomeSet(uuid.New(), "Steve")
	set.Homes["base"] = homedb.Home{Name: "Base", Owner: set.Player, World: "overworld"}
	if err := store.Save(set); err != nil {
		t.Fatal(err)
	}

	conf := filepath.Join(dir, "hyperhomes.yaml")
	os.WriteFile(conf, []byte("warmup_seconds: 3\n"), 0644)

	archDir := filepath.Join(dir, "archives")
	path, err := Create(Params{
		BoltSnapshotFunc: store.Backup,
		ConfPaths:        []string{conf, filepath.Join(dir, "missing.yaml")},
		ArchiveDir:       archDir,
		Players:          1,
		Homes:            1,
	})
	if err != nil {
		t.Fatal(err)
	}

	list, err := List(archDir)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %+v, %v", list, err)
	}
	if list[0].Path != path || list[0].Storage != "bolt" || list[0].Homes != 1 {
		t.Errorf("info = %+v", list[0])
	}

	out := t.TempDir()
	res, err := Restore(RestoreParams{
		ArchivePath: path,
		BoltDest:    filepath.Join(out, "restored.db"),
		ConfDir:     filepath.Join(out, "conf"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesRestored != 2 {
		t.Errorf("restored %d files, want 2", res.FilesRestored)
	}

	restored, err := boltstore.Open(filepath.Join(out, "restored.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	sets, err := restored.LoadAll()
	if err != nil || len(sets) != 1 || sets[0].Homes["base"].Name != "Base" {
		t.Errorf("restored sets = %+v, %v", sets, err)
	}
	if data, _ := os.ReadFile(filepath.Join(out, "conf", "hyperhomes.yaml")); string(data) != "warmup_seconds: 3\n" {
		t.Errorf("config = %q", data)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var newest string
	for i := 0; i < 5; i++ {
		p, err := Create(Params{ArchiveDir: dir, Now: base.Add(time.Duration(i) * time.Hour)})
		if err != nil {
			t.Fatal(err)
		}
		newest = p
	}
	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed %d, want 3", removed)
	}
	list, _ := List(dir)
	if len(list) != 2 || list[0].Path != newest {
		t.Errorf("remaining = %+v", list)
	}
}

func TestRestoreRejectsCorruptMember(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "a.yaml")
	os.WriteFile(conf, []byte("x: 1\n"), 0644)
	path, err := Create(Params{ConfPaths: []string{conf}, ArchiveDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	// Truncate the gzip stream so extraction fails.
	data, _ := os.ReadFile(path)
	os.WriteFile(path, data[:len(data)/2], 0644)
	if _, err := Restore(RestoreParams{ArchivePath: path, ConfDir: t.TempDir()}); err == nil {
		t.Error("expected error restoring truncated archive")
	}
}
