package server

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/archive"
	"github.com/HyperSystemsDev/hyperhomes/pkg/auditlog"
	"github.com/HyperSystemsDev/hyperhomes/pkg/boltstore"
	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/perms"
	"github.com/HyperSystemsDev/hyperhomes/pkg/teleport"
	"github.com/google/uuid"
)

// memPersistence is an in-memory homedb.Persistence with an injectable
// save failure.
type memPersistence struct {
	mu       sync.Mutex
	sets     map[homedb.PlayerID]homedb.PlayerHomeSet
	shares   map[homedb.PlayerID][]homedb.PlayerID
	deleted  []homedb.PlayerID
	failSave bool
	saves    int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		sets:   map[homedb.PlayerID]homedb.PlayerHomeSet{},
		shares: map[homedb.PlayerID][]homedb.PlayerID{},
	}
}

func (m *memPersistence) LoadAll() ([]homedb.PlayerHomeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []homedb.PlayerHomeSet
	for _, s := range m.sets {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memPersistence) Save(set homedb.PlayerHomeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return homedb.ErrIO
	}
	m.saves++
	m.sets[set.Player] = set.Clone()
	return nil
}

func (m *memPersistence) Delete(player homedb.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, player)
	delete(m.shares, player)
	m.deleted = append(m.deleted, player)
	return nil
}

func (m *memPersistence) LoadShares() ([]homedb.ShareGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []homedb.ShareGrant
	for owner, gs := range m.shares {
		for _, g := range gs {
			out = append(out, homedb.ShareGrant{Owner: owner, Grantee: g})
		}
	}
	return out, nil
}

func (m *memPersistence) SaveShares(owner homedb.PlayerID, grantees []homedb.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return homedb.ErrIO
	}
	m.shares[owner] = append([]homedb.PlayerID(nil), grantees...)
	return nil
}

func (m *memPersistence) Close() error { return nil }

var (
	homeLoc  = homedb.Location{World: "overworld", Position: homedb.Position{X: 0.5, Y: 64, Z: 0.5, Yaw: 90}}
	startLoc = homedb.Location{World: "overworld", Position: homedb.Position{X: 3.5, Y: 64, Z: 3.5}}
)

type engineFixture struct {
	e       *Engine
	clock   *teleport.ManualClock
	persist *memPersistence
}

func newEngineFixture(t *testing.T, cfg *Config, persist *memPersistence) *engineFixture {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if persist == nil {
		persist = newMemPersistence()
	}
	clock := teleport.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e, err := NewEngine(Options{Config: cfg, Persistence: persist, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.World().Fill("overworld", homedb.BlockPos{X: -5, Y: 63, Z: -5}, homedb.BlockPos{X: 5, Y: 63, Z: 5}, "stone"); err != nil {
		t.Fatal(err)
	}
	return &engineFixture{e: e, clock: clock, persist: persist}
}

func (f *engineFixture) join(t *testing.T, player homedb.PlayerID, loc homedb.Location) {
	t.Helper()
	if err := f.e.Feed(events.Event{Type: events.EvJoin, Player: player, Location: &loc}); err != nil {
		t.Fatal(err)
	}
}

func TestEngineSetHomeUsesMirroredLocation(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	steve := uuid.New()

	if _, err := f.e.SetHome(steve, "Steve", "base"); !errors.Is(err, homedb.ErrNoLocation) {
		t.Fatalf("SetHome before join: err = %v, want ErrNoLocation", err)
	}

	f.join(t, steve, homeLoc)
	h, err := f.e.SetHome(steve, "Steve", "Base")
	if err != nil {
		t.Fatal(err)
	}
	if h.World != "overworld" || h.Position != homeLoc.Position {
		t.Errorf("home = %+v", h)
	}
	got, err := f.e.GetHome(steve, "BASE")
	if err != nil || got.Name != "Base" {
		t.Errorf("GetHome = %+v, %v", got, err)
	}
	if info := f.e.HomeInfo(steve); info.Count != 1 || info.Limit != 3 {
		t.Errorf("HomeInfo = %+v", info)
	}
}

func TestEngineTeleportWarmupCommitAndCooldown(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	steve := uuid.New()
	if _, err := f.e.SetHomeAt(steve, "Steve", "base", homeLoc); err != nil {
		t.Fatal(err)
	}
	f.join(t, steve, startLoc)

	res, err := f.e.RequestTeleport(steve, homedb.NoPlayer, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != teleport.StateWarmup {
		t.Fatalf("state = %v, want warmup", res.State)
	}
	if _, ok := f.e.TeleportStatus(steve); !ok {
		t.Fatal("no pending status during warmup")
	}

	f.clock.Advance(3 * time.Second)
	loc, _ := f.e.World().CurrentLocation(steve)
	if loc.Position != homeLoc.Position {
		t.Errorf("player at %+v, want home", loc)
	}
	if _, ok := f.e.TeleportStatus(steve); ok {
		t.Error("request still pending after completion")
	}

	_, err = f.e.RequestTeleport(steve, homedb.NoPlayer, "base")
	var cd *homedb.CooldownError
	if !errors.As(err, &cd) || cd.Remaining != 5*time.Second {
		t.Fatalf("second request err = %v, want 5s cooldown", err)
	}
	if got := f.e.CooldownRemaining(steve); got != 5*time.Second {
		t.Errorf("CooldownRemaining = %v", got)
	}

	if err := f.e.Flush(); err != nil {
		t.Fatal(err)
	}
	saved := f.persist.sets[steve]
	if !saved.LastTeleportAt.Equal(f.clock.Now()) {
		t.Errorf("persisted LastTeleportAt = %v, want %v", saved.LastTeleportAt, f.clock.Now())
	}
}

func TestEngineMoveCancelsWarmup(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	steve := uuid.New()
	f.e.SetHomeAt(steve, "Steve", "base", homeLoc)
	f.join(t, steve, startLoc)

	var cancelled []events.Event
	f.e.Bus().SubscribeGlobal(events.NewFuncSubscriber(func(ev events.Event) {
		if ev.Type == events.EvTeleportCancelled {
			cancelled = append(cancelled, ev)
		}
	}))

	if _, err := f.e.RequestTeleport(steve, homedb.NoPlayer, "base"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	moved := startLoc
	moved.Position.X += 2
	f.e.Feed(events.Event{Type: events.EvMove, Player: steve, Location: &moved})
	f.clock.Advance(5 * time.Second)

	if len(cancelled) != 1 || cancelled[0].Reason != "moved" {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	if loc, _ := f.e.World().CurrentLocation(steve); loc.Position != moved.Position {
		t.Errorf("player moved to %+v after cancel", loc)
	}
}

func TestEngineFlushRetriesAfterFailure(t *testing.T) {
	persist := newMemPersistence()
	f := newEngineFixture(t, nil, persist)
	steve := uuid.New()

	persist.failSave = true
	if _, err := f.e.SetHomeAt(steve, "Steve", "base", homeLoc); err != nil {
		t.Fatal(err)
	}
	if err := f.e.Flush(); !errors.Is(err, homedb.ErrIO) {
		t.Fatalf("Flush err = %v, want ErrIO", err)
	}
	if _, err := f.e.GetHome(steve, "base"); err != nil {
		t.Error("in-memory home lost after failed save")
	}

	persist.failSave = false
	if err := f.e.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok := persist.sets[steve].Homes["base"]; !ok {
		t.Error("home not persisted on retry")
	}
	saves := persist.saves
	if err := f.e.Flush(); err != nil {
		t.Fatal(err)
	}
	if persist.saves != saves {
		t.Error("clean record was saved again")
	}
}

func TestEngineReloadsPersistedState(t *testing.T) {
	persist := newMemPersistence()
	steve, alex := uuid.New(), uuid.New()

	f := newEngineFixture(t, nil, persist)
	f.e.SetHomeAt(steve, "Steve", "base", homeLoc)
	if err := f.e.ShareHome(steve, alex); err != nil {
		t.Fatal(err)
	}
	if err := f.e.Close(); err != nil {
		t.Fatal(err)
	}

	g := newEngineFixture(t, nil, persist)
	if _, err := g.e.GetHome(steve, "base"); err != nil {
		t.Errorf("home not reloaded: %v", err)
	}
	if owners := g.e.ListShares(alex).Owners; len(owners) != 1 || owners[0] != steve {
		t.Errorf("owners of alex = %v", owners)
	}
}

func TestEngineSharedTeleport(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	steve, alex := uuid.New(), uuid.New()
	f.e.SetHomeAt(steve, "Steve", "base", homeLoc)
	f.join(t, alex, startLoc)

	if _, err := f.e.RequestTeleport(alex, steve, "base"); !errors.Is(err, homedb.ErrNotShared) {
		t.Fatalf("err = %v, want ErrNotShared", err)
	}
	if err := f.e.ShareHome(steve, alex); err != nil {
		t.Fatal(err)
	}
	if err := f.e.ShareHome(steve, steve); !errors.Is(err, homedb.ErrInvalidGrant) {
		t.Errorf("self share err = %v", err)
	}
	if _, err := f.e.RequestTeleport(alex, steve, "base"); err != nil {
		t.Fatal(err)
	}
	f.e.UnshareHome(steve, alex)
	f.clock.Advance(3 * time.Second)
	if loc, _ := f.e.World().CurrentLocation(alex); loc.Position != startLoc.Position {
		t.Error("teleport completed after unshare")
	}
}

func TestEnginePurgePlayer(t *testing.T) {
	persist := newMemPersistence()
	f := newEngineFixture(t, nil, persist)
	steve, alex := uuid.New(), uuid.New()
	f.e.SetHomeAt(steve, "Steve", "base", homeLoc)
	f.e.ShareHome(alex, steve)
	f.e.Flush()

	if err := f.e.PurgePlayer(steve); err != nil {
		t.Fatal(err)
	}
	if len(f.e.ListHomes(steve)) != 0 {
		t.Error("homes survive purge")
	}
	if len(f.e.ListShares(alex).Grantees) != 0 {
		t.Error("grant to purged player survives")
	}
	if len(persist.deleted) != 1 || persist.deleted[0] != steve {
		t.Errorf("deleted = %v", persist.deleted)
	}
	f.e.Flush()
	if _, ok := persist.sets[steve]; ok {
		t.Error("purged player written back by flush")
	}
}

func TestEnginePermissionsGateOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Permissions = perms.Config{Groups: map[string]perms.Group{"none": {}}}
	f := newEngineFixture(t, cfg, nil)
	steve, alex := uuid.New(), uuid.New()

	if _, err := f.e.SetHomeAt(steve, "Steve", "base", homeLoc); !errors.Is(err, homedb.ErrNoPermission) {
		t.Errorf("SetHomeAt err = %v", err)
	}
	if _, err := f.e.RequestTeleport(steve, homedb.NoPlayer, "base"); !errors.Is(err, homedb.ErrNoPermission) {
		t.Errorf("RequestTeleport err = %v", err)
	}
	if err := f.e.ShareHome(steve, alex); !errors.Is(err, homedb.ErrNoPermission) {
		t.Errorf("ShareHome err = %v", err)
	}
	if homedb.KindOf(homedb.ErrNoPermission) != homedb.KindValidation {
		t.Error("no permission should be a validation failure")
	}
}

func TestEngineApplyConfig(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	steve := uuid.New()
	f.e.SetHomeAt(steve, "Steve", "base", homeLoc)
	f.join(t, steve, startLoc)

	next := DefaultConfig()
	next.WarmupSeconds = 0
	next.DefaultHomeLimit = 1
	if err := f.e.ApplyConfig(next); err != nil {
		t.Fatal(err)
	}
	res, err := f.e.RequestTeleport(steve, homedb.NoPlayer, "base")
	if err != nil || res.State != teleport.StateCompleted {
		t.Fatalf("instant teleport = %v, %v", res.State, err)
	}
	if _, err := f.e.SetHomeAt(steve, "Steve", "second", homeLoc); !errors.Is(err, homedb.ErrLimitExceeded) {
		t.Errorf("SetHomeAt over new limit err = %v", err)
	}

	bad := DefaultConfig()
	bad.SafeRadius = -1
	if err := f.e.ApplyConfig(bad); err == nil {
		t.Error("invalid config applied")
	}
	if f.e.Config().WarmupSeconds != 0 {
		t.Error("invalid config replaced the active one")
	}
}

func TestEngineFeedRejectsNotifications(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	if err := f.e.Feed(events.Event{Type: events.EvTeleportCompleted, Player: uuid.New()}); err == nil {
		t.Error("notification accepted as feed")
	}
	if err := f.e.Feed(events.Event{Type: events.EvDamage}); err == nil {
		t.Error("feed without player accepted")
	}
}

func TestEngineAuditAndArchive(t *testing.T) {
	dir := t.TempDir()
	store, err := boltstore.Open(filepath.Join(dir, "homes.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.WarmupSeconds = 0
	cfg.ArchiveDir = filepath.Join(dir, "backups")
	cfg.ArchiveRetain = 1
	writer := auditlog.NewWriter(filepath.Join(dir, "audit"), "teleports")
	clock := teleport.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e, err := NewEngine(Options{
		Config:      cfg,
		Persistence: store,
		Clock:       clock,
		Audit:       auditlog.NewRecorder(writer),
	})
	if err != nil {
		t.Fatal(err)
	}
	e.World().Fill("overworld", homedb.BlockPos{X: -5, Y: 63, Z: -5}, homedb.BlockPos{X: 5, Y: 63, Z: 5}, "stone")

	steve := uuid.New()
	e.SetHomeAt(steve, "Steve", "base", homeLoc)
	e.Feed(events.Event{Type: events.EvJoin, Player: steve, Location: &startLoc})
	if _, err := e.RequestTeleport(steve, homedb.NoPlayer, "base"); err != nil {
		t.Fatal(err)
	}

	path, err := e.Archive()
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := e.Archive(); err != nil {
		t.Fatal(err)
	}
	list, _ := archive.List(cfg.ArchiveDir)
	if len(list) != 1 || list[0].Path == path || list[0].Homes != 1 {
		t.Errorf("archives after retain=1: %+v", list)
	}

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	files, _ := writer.Files()
	if len(files) != 1 {
		t.Fatalf("audit files = %v", files)
	}
	entries, err := auditlog.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]bool{}
	for _, en := range entries {
		kinds[en.Kind] = true
	}
	if !kinds["sethome"] || !kinds["teleport_completed"] {
		t.Errorf("audit kinds = %v", kinds)
	}
}
