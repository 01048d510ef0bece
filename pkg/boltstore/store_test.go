package boltstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/google/uuid"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "homes.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSet(name string) homedb.PlayerHomeSet {
	id := uuid.New()
	set := homedb.NewPlayerHomeSet(id, name)
	set.LastTeleportAt = time.UnixMilli(1700000000123)
	set.Homes["base"] = homedb.Home{
		Name:      "Base",
		Owner:     id,
		World:     "overworld",
		Position:  homedb.Position{X: 1.5, Y: 64, Z: -3.5, Yaw: 90},
		CreatedAt: time.UnixMilli(1700000000000),
	}
	return set
}

func TestSaveLoad(t *testing.T) {
	s := openTemp(t)
	set := sampleSet("Steve")
	if err := s.Save(set); err != nil {
		t.Fatal(err)
	}
	if !s.HasData() {
		t.Error("HasData false after save")
	}

	sets, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("loaded %d sets", len(sets))
	}
	got := sets[0]
	if got.Player != set.Player || got.Username != "Steve" || !got.LastTeleportAt.Equal(set.LastTeleportAt) {
		t.Errorf("loaded %+v", got)
	}
	h := got.Homes["base"]
	if h.Name != "Base" || h.Position != set.Homes["base"].Position || h.Owner != set.Player {
		t.Errorf("home = %+v", h)
	}
}

func TestUsernameIndexFollowsRename(t *testing.T) {
	s := openTemp(t)
	set := sampleSet("Steve")
	s.Save(set)
	if id, ok := s.LookupUsername("steve"); !ok || id != set.Player {
		t.Fatalf("lookup steve = %v, %v", id, ok)
	}
	set.Username = "Alex"
	s.Save(set)
	if _, ok := s.LookupUsername("steve"); ok {
		t.Error("old username still indexed")
	}
	if id, ok := s.LookupUsername("ALEX"); !ok || id != set.Player {
		t.Error("new username not indexed")
	}
}

func TestSharesReplaceAndDelete(t *testing.T) {
	s := openTemp(t)
	owner, a, b := uuid.New(), uuid.New(), uuid.New()
	other := uuid.New()

	if err := s.SaveShares(owner, []homedb.PlayerID{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveShares(other, []homedb.PlayerID{owner}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveShares(owner, []homedb.PlayerID{b}); err != nil {
		t.Fatal(err)
	}
	grants, err := s.LoadShares()
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 2 {
		t.Fatalf("grants = %+v", grants)
	}

	set := sampleSet("Owner")
	set.Player = owner
	s.Save(set)
	if err := s.Delete(owner); err != nil {
		t.Fatal(err)
	}
	grants, _ = s.LoadShares()
	if len(grants) != 0 {
		t.Errorf("grants after delete = %+v", grants)
	}
	sets, _ := s.LoadAll()
	if len(sets) != 0 {
		t.Errorf("records after delete = %d", len(sets))
	}
	if _, ok := s.LookupUsername("owner"); ok {
		t.Error("username survived delete")
	}
}

func TestImportAndBackup(t *testing.T) {
	s := openTemp(t)
	var sets []homedb.PlayerHomeSet
	for i := 0; i < 1500; i++ {
		sets = append(sets, sampleSet(""))
	}
	if err := s.Import(sets); err != nil {
		t.Fatal(err)
	}

	backup := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(backup); err != nil {
		t.Fatal(err)
	}
	b, err := Open(backup)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	loaded, err := b.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1500 {
		t.Errorf("backup holds %d records, want 1500", len(loaded))
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homes.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Save(sampleSet("Steve"))
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	sets, _ := s.LoadAll()
	if len(sets) != 1 {
		t.Errorf("after reopen: %d records", len(sets))
	}
}
