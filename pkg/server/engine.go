package server

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/auditlog"
	"github.com/HyperSystemsDev/hyperhomes/pkg/cooldown"
	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homes"
	"github.com/HyperSystemsDev/hyperhomes/pkg/perms"
	"github.com/HyperSystemsDev/hyperhomes/pkg/safeloc"
	"github.com/HyperSystemsDev/hyperhomes/pkg/share"
	"github.com/HyperSystemsDev/hyperhomes/pkg/teleport"
	"github.com/HyperSystemsDev/hyperhomes/pkg/world"
)

// Options configures NewEngine. Only Config is required; a nil
// Persistence keeps everything in memory.
type Options struct {
	Config      *Config
	ConfPath    string // watched for hot reload and included in archives
	Persistence homedb.Persistence
	Clock       teleport.Clock
	Audit       *auditlog.Recorder
}

// Engine wires the home store, share registry, cooldown ledger, resolver
// and scheduler together and is the single entry point for front-ends.
type Engine struct {
	cfg      atomic.Pointer[Config]
	confPath string
	persist  homedb.Persistence
	clock    teleport.Clock

	bus      *events.Bus
	perms    *perms.Provider
	homes    *homes.Store
	shares   *share.Registry
	ledger   *cooldown.Ledger
	resolver *safeloc.Resolver
	world    *world.Mirror
	sched    *teleport.Scheduler
	audit    *auditlog.Recorder
	metrics  *Metrics

	startTime time.Time

	flushMu sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// HomeInfo summarizes a player's home usage.
type HomeInfo struct {
	Count int `json:"count"`
	Limit int `json:"limit"` // -1 = unlimited
}

// ShareInfo lists both directions of a player's grants.
type ShareInfo struct {
	Grantees []homedb.PlayerID `json:"grantees"` // players this player shares with
	Owners   []homedb.PlayerID `json:"owners"`   // players sharing with this player
}

// NewEngine builds an engine and loads persisted homes and shares.
func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = teleport.RealClock{}
	}

	provider, err := perms.NewProvider(cfg.Permissions)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	bus := events.NewBus()
	mirror, err := world.NewMirror(bus, cfg.Blocks)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	bus.SubscribeGlobal(mirror)

	store := homes.NewStore(provider, cfg.DefaultHomeLimit)
	store.SetClock(clock.Now)
	shares := share.NewRegistry()

	if opts.Persistence != nil {
		sets, err := opts.Persistence.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("engine: load homes: %w", err)
		}
		store.Load(sets)
		grants, err := opts.Persistence.LoadShares()
		if err != nil {
			return nil, fmt.Errorf("engine: load shares: %w", err)
		}
		shares.Load(grants)
	}

	ledger := cooldown.NewLedger(store, cfg.Cooldown(), clock.Now)
	resolver := safeloc.NewResolver(mirror)

	e := &Engine{
		confPath:  opts.ConfPath,
		persist:   opts.Persistence,
		clock:     clock,
		bus:       bus,
		perms:     provider,
		homes:     store,
		shares:    shares,
		ledger:    ledger,
		resolver:  resolver,
		world:     mirror,
		audit:     opts.Audit,
		startTime: clock.Now(),
		stop:      make(chan struct{}),
	}
	e.cfg.Store(cfg)
	e.sched = teleport.NewScheduler(teleport.Deps{
		Homes:    store,
		Shares:   shares,
		Ledger:   ledger,
		Resolver: resolver,
		Perms:    provider,
		World:    mirror,
		Mover:    mirror,
		Bus:      bus,
		Clock:    clock,
	}, cfg.TeleportSettings())

	e.metrics = NewMetrics(e)
	bus.SubscribeGlobal(e.metrics)
	if e.audit != nil {
		bus.SubscribeGlobal(e.audit)
	}

	log.Printf("engine: loaded %d players, %d homes, %d shares",
		len(store.Players()), store.TotalHomes(), shares.Count())
	return e, nil
}

// Config returns the active configuration. Callers must not modify it.
func (e *Engine) Config() *Config { return e.cfg.Load() }

// Bus returns the event bus carrying the feed and notifications.
func (e *Engine) Bus() *events.Bus { return e.bus }

// World returns the world mirror.
func (e *Engine) World() *world.Mirror { return e.world }

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) has(player homedb.PlayerID, node string) bool {
	return e.perms.HasPermission(player, node)
}

func (e *Engine) record(kind string, player homedb.PlayerID, home string) {
	if e.audit != nil {
		e.audit.Record(kind, player, home)
	}
}

// --- Teleports ---

// RequestTeleport starts a teleport to one of player's homes, or to
// owner's home when owner is set and differs from player. An empty name
// picks the default home.
func (e *Engine) RequestTeleport(player, owner homedb.PlayerID, name string) (teleport.Result, error) {
	if !e.has(player, homedb.PermHome) {
		return teleport.Result{State: teleport.StateRejected}, fmt.Errorf("engine: home: %w", homedb.ErrNoPermission)
	}
	return e.sched.Request(player, teleport.Target{Owner: owner, Home: name})
}

// CancelTeleport stops player's warmup. Returns false if nothing was pending.
func (e *Engine) CancelTeleport(player homedb.PlayerID) bool {
	return e.sched.Cancel(player)
}

// TeleportStatus reports player's pending teleport, if any.
func (e *Engine) TeleportStatus(player homedb.PlayerID) (teleport.Status, bool) {
	return e.sched.Status(player)
}

// CooldownRemaining returns how long player must wait before teleporting.
func (e *Engine) CooldownRemaining(player homedb.PlayerID) time.Duration {
	if e.has(player, homedb.PermBypassCooldown) {
		return 0
	}
	return e.ledger.Remaining(player)
}

// --- Homes ---

// SetHome saves player's current location under name.
func (e *Engine) SetHome(player homedb.PlayerID, username, name string) (homedb.Home, error) {
	loc, ok := e.world.CurrentLocation(player)
	if !ok {
		return homedb.Home{}, fmt.Errorf("engine: sethome: %w", homedb.ErrNoLocation)
	}
	return e.SetHomeAt(player, username, name, loc)
}

// SetHomeAt saves an explicit location under name.
func (e *Engine) SetHomeAt(player homedb.PlayerID, username, name string, loc homedb.Location) (homedb.Home, error) {
	if !e.has(player, homedb.PermSetHome) {
		return homedb.Home{}, fmt.Errorf("engine: sethome: %w", homedb.ErrNoPermission)
	}
	e.homes.Touch(player, username)
	h, err := e.homes.SetHome(player, name, loc)
	if err != nil {
		return homedb.Home{}, err
	}
	e.record("sethome", player, h.Name)
	return h, nil
}

// DeleteHome removes one of player's homes.
func (e *Engine) DeleteHome(player homedb.PlayerID, name string) error {
	if err := e.homes.DeleteHome(player, name); err != nil {
		return err
	}
	e.record("delhome", player, name)
	return nil
}

// GetHome returns one of player's homes.
func (e *Engine) GetHome(player homedb.PlayerID, name string) (homedb.Home, error) {
	return e.homes.GetHome(player, name)
}

// ListHomes returns player's homes sorted by name.
func (e *Engine) ListHomes(player homedb.PlayerID) []homedb.Home {
	return e.homes.ListHomes(player)
}

// HomeInfo returns player's home count and effective limit.
func (e *Engine) HomeInfo(player homedb.PlayerID) HomeInfo {
	return HomeInfo{
		Count: e.homes.HomeCount(player),
		Limit: e.homes.EffectiveLimit(player),
	}
}

// --- Sharing ---

// ShareHome lets grantee teleport to owner's homes.
func (e *Engine) ShareHome(owner, grantee homedb.PlayerID) error {
	if !e.has(owner, homedb.PermShare) {
		return fmt.Errorf("engine: share: %w", homedb.ErrNoPermission)
	}
	if err := e.shares.Grant(owner, grantee); err != nil {
		return err
	}
	e.record("share", owner, grantee.String())
	return nil
}

// UnshareHome withdraws a grant. A pending teleport by grantee is
// rejected when its warmup ends.
func (e *Engine) UnshareHome(owner, grantee homedb.PlayerID) {
	e.shares.Revoke(owner, grantee)
	e.record("unshare", owner, grantee.String())
}

// ListShares returns both directions of player's grants.
func (e *Engine) ListShares(player homedb.PlayerID) ShareInfo {
	return ShareInfo{
		Grantees: e.shares.ListGrantees(player),
		Owners:   e.shares.ListOwners(player),
	}
}

// --- Feed ---

// Feed publishes a movement, damage, join or disconnect report from the
// front-end. Notification types are refused.
func (e *Engine) Feed(ev events.Event) error {
	if ev.Type.IsNotification() {
		return fmt.Errorf("engine: %s is not a feed event", ev.Type)
	}
	if ev.Player == homedb.NoPlayer {
		return fmt.Errorf("engine: feed event without player")
	}
	e.bus.Emit(ev)
	return nil
}

// --- Administration ---

// PurgePlayer forgets everything about player and removes the persisted
// record immediately.
func (e *Engine) PurgePlayer(player homedb.PlayerID) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.sched.Purge(player, func() {
		e.homes.PurgePlayer(player)
		e.shares.PurgePlayer(player)
		e.world.Forget(player)
	})
	e.record("purge", player, "")
	if e.persist == nil {
		return nil
	}
	if err := e.persist.Delete(player); err != nil {
		return fmt.Errorf("engine: purge %s: %w", player, err)
	}
	return nil
}

// ApplyConfig hot-reloads timing, landing, limit and permission settings.
// Storage and listener settings keep their old values until restart.
func (e *Engine) ApplyConfig(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if err := e.perms.Reload(next.Permissions); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	cur := e.Config()
	if cur.RestartRequired(next) {
		log.Printf("engine: WARNING: storage or listener settings changed; restart to apply them")
	}
	e.homes.SetDefaultLimit(next.DefaultHomeLimit)
	e.ledger.SetCooldown(next.Cooldown())
	e.sched.UpdateSettings(next.TeleportSettings())
	e.cfg.Store(next)
	log.Printf("engine: configuration reloaded (warmup %ds, cooldown %ds, limit %d)",
		next.WarmupSeconds, next.CooldownSeconds, next.DefaultHomeLimit)
	return nil
}

// --- Persistence ---

// Flush writes every dirty player record and share list. A failed write
// leaves the record dirty for the next flush; the first error is returned.
func (e *Engine) Flush() error {
	if e.persist == nil {
		return nil
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	var errs []error
	for _, id := range e.homes.Dirty() {
		set, version, ok := e.homes.Snapshot(id)
		if !ok {
			continue
		}
		if err := e.persist.Save(set); err != nil {
			log.Printf("engine: WARNING: save %s: %v", id, err)
			e.metrics.flushErrors.Inc()
			errs = append(errs, err)
			continue
		}
		e.homes.MarkClean(id, version)
	}
	for _, owner := range e.shares.Dirty() {
		grantees, version := e.shares.Snapshot(owner)
		if err := e.persist.SaveShares(owner, grantees); err != nil {
			log.Printf("engine: WARNING: save shares of %s: %v", owner, err)
			e.metrics.flushErrors.Inc()
			errs = append(errs, err)
			continue
		}
		e.shares.MarkClean(owner, version)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Start runs the background flush loop and, when configured, the archiver.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.flushLoop()

	if cfg := e.Config(); cfg.ArchiveInterval > 0 {
		e.wg.Add(1)
		go e.archiveLoop()
		log.Printf("engine: auto-archive every %d minutes, retain %d, dir %s",
			cfg.ArchiveInterval, cfg.ArchiveRetain, cfg.ArchiveDir)
	}
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	for {
		t := time.NewTimer(e.Config().FlushEvery())
		select {
		case <-e.stop:
			t.Stop()
			return
		case <-t.C:
			e.Flush()
		}
	}
}

// Close cancels pending teleports, stops background work and writes
// everything still dirty. The persistence backend is left open.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		close(e.stop)
		e.wg.Wait()
		e.sched.Close()
		err = e.Flush()
		if e.audit != nil {
			e.bus.UnsubscribeGlobal(e.audit)
			if cerr := e.audit.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}
