package auditlog

import (
	"sync"
	"testing"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/google/uuid"
)

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "audit")
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if err := w.Write(Entry{Time: int64(i), Kind: "sethome", Player: "p"}); err != nil {
			t.Fatal(err)
		}
	}
	files, err := w.Files()
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v, %v", files, err)
	}

	w.Close()

	entries, err := ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[2].Time != 2 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHourlyRotation(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "audit")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })

	w.Write(Entry{Kind: "a"})
	now = now.Add(2 * time.Minute)
	w.Write(Entry{Kind: "b"})
	w.Close()

	files, _ := w.Files()
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2", files)
	}
	last, err := ReadFile(files[1])
	if err != nil || len(last) != 1 || last[0].Kind != "b" {
		t.Errorf("second file = %+v, %v", last, err)
	}
}

func TestAppendAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewWriter(dir, "audit")
		w.SetClock(func() time.Time { return now })
		w.Write(Entry{Kind: "x"})
		w.Close()
	}
	files, _ := NewWriter(dir, "audit").Files()
	entries, err := ReadFile(files[0])
	if err != nil || len(entries) != 2 {
		t.Errorf("entries = %+v, %v", entries, err)
	}
}

func TestRecorderFiltersNotifications(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "audit")
	r := NewRecorder(w)
	bus := events.NewBus()
	bus.SubscribeGlobal(r)

	p, owner := uuid.New(), uuid.New()
	loc := homedb.Location{World: "overworld", Position: homedb.Position{X: 1, Y: 2, Z: 3}}
	bus.Emit(events.Event{Type: events.EvMove, Player: p, Location: &loc})
	bus.Emit(events.Event{Type: events.EvTeleportCountdown, Player: p})
	bus.Emit(events.Event{Type: events.EvTeleportCompleted, Player: p, Owner: owner, Home: "villa", Location: &loc})
	bus.Emit(events.Event{Type: events.EvTeleportRejected, Player: p, Owner: p, Home: "x", Reason: "no_such_home"})
	r.Record("delhome", p, "old")
	r.Close()

	files, _ := w.Files()
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	entries, err := ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Kind != "teleport_completed" || entries[0].Owner != owner.String() || entries[0].Z != 3 {
		t.Errorf("completed entry = %+v", entries[0])
	}
	if entries[1].Owner != "" || entries[1].Reason != "no_such_home" {
		t.Errorf("rejected entry = %+v", entries[1])
	}
	if entries[2].Kind != "delhome" {
		t.Errorf("record entry = %+v", entries[2])
	}
}

func TestRecorderDropsEntriesAfterClose(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "audit")
	r := NewRecorder(w)
	p := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !r.Closed() {
				r.Receive(events.Event{Type: events.EvMove, Player: p})
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	r.Receive(events.Event{Type: events.EvTeleportCancelled, Player: p, Reason: "moved"})
	r.Record("delhome", p, "old")
	if files, _ := w.Files(); len(files) != 0 {
		t.Errorf("files after close = %v", files)
	}
}
