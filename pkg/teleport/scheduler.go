package teleport

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/events"
	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	"github.com/HyperSystemsDev/hyperhomes/pkg/playerlock"
)

// State is a step of a teleport request's lifecycle.
type State int

const (
	StateRequested State = iota
	StateValidating
	StateWarmup
	StateResolving
	StateCommitting
	StateCompleted
	StateRejected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateValidating:
		return "validating"
	case StateWarmup:
		return "warmup"
	case StateResolving:
		return "resolving"
	case StateCommitting:
		return "committing"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateCancelled
}

// Settings are the tunables consulted on every request. They can be swapped
// at runtime with UpdateSettings; a live warmup keeps the duration it
// started with.
type Settings struct {
	Warmup          time.Duration
	CancelOnMove    bool
	CancelOnDamage  bool
	MoveThreshold   float64 // blocks
	SafeTeleport    bool
	SafeRadius      int
	AllowCrossWorld bool
	DefaultHomeName string
	BedHomeName     string
	BedSync         bool
}

// DefaultSettings mirrors the shipped configuration.
func DefaultSettings() Settings {
	return Settings{
		Warmup:          3 * time.Second,
		CancelOnMove:    true,
		CancelOnDamage:  true,
		MoveThreshold:   0.5,
		SafeTeleport:    true,
		SafeRadius:      3,
		AllowCrossWorld: true,
		DefaultHomeName: "home",
		BedHomeName:     "bed",
		BedSync:         true,
	}
}

// HomeLookup is the read side of the home store.
type HomeLookup interface {
	GetHome(player homedb.PlayerID, name string) (homedb.Home, error)
	ListHomes(player homedb.PlayerID) []homedb.Home
}

// ShareChecker answers whether an owner shares homes with a grantee.
type ShareChecker interface {
	IsShared(owner, grantee homedb.PlayerID) bool
}

// CooldownLedger computes and records cooldowns.
type CooldownLedger interface {
	Remaining(player homedb.PlayerID) time.Duration
	Record(player homedb.PlayerID, now time.Time)
}

// LocationResolver finds a safe landing spot.
type LocationResolver interface {
	Resolve(world string, point homedb.Position, radius int) (homedb.Position, error)
}

// Deps are the collaborators a Scheduler needs.
type Deps struct {
	Homes    HomeLookup
	Shares   ShareChecker
	Ledger   CooldownLedger
	Resolver LocationResolver
	Perms    homedb.Permissions
	World    homedb.WorldQuery
	Mover    homedb.WorldMover
	Bus      *events.Bus
	Clock    Clock
}

// Target names the home a player wants to reach. A zero Owner (or the
// requester's own id) means one of the requester's homes; an empty Home
// means the default home.
type Target struct {
	Owner homedb.PlayerID
	Home  string
}

// Result describes what a Request call achieved.
type Result struct {
	State       State
	Home        homedb.Home
	Destination homedb.Position // set when State is StateCompleted
	Deadline    time.Time       // set when State is StateWarmup
}

// Status is a read-only view of a live request.
type Status struct {
	Requester homedb.PlayerID
	Owner     homedb.PlayerID
	Home      string
	World     string
	State     State
	StartedAt time.Time
	Deadline  time.Time
}

// request is the per-player state record for a teleport in flight.
type request struct {
	requester homedb.PlayerID
	target    homedb.Home // snapshot taken at request time
	bed       bool
	origin    homedb.Location
	hasOrigin bool
	startedAt time.Time
	deadline  time.Time
	state     State
	settings  Settings

	timer  Timer
	ticks  []Timer
	listen *events.FuncSubscriber
}

// Scheduler runs at most one teleport per player through validation,
// warmup, safe-spot resolution and commit.
type Scheduler struct {
	deps     Deps
	locks    *playerlock.Table
	settings atomic.Pointer[Settings]

	mu     sync.Mutex
	live   map[homedb.PlayerID]*request
	closed bool
}

// NewScheduler creates a scheduler. deps.Clock defaults to the wall clock.
func NewScheduler(deps Deps, settings Settings) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	s := &Scheduler{
		deps:  deps,
		locks: playerlock.NewTable(),
		live:  make(map[homedb.PlayerID]*request),
	}
	s.settings.Store(&settings)
	return s
}

// UpdateSettings replaces the tunables for future requests.
func (s *Scheduler) UpdateSettings(settings Settings) {
	s.settings.Store(&settings)
}

// Settings returns the tunables currently in effect.
func (s *Scheduler) Settings() Settings {
	return *s.settings.Load()
}

func (s *Scheduler) has(player homedb.PlayerID, node string) bool {
	return s.deps.Perms != nil && s.deps.Perms.HasPermission(player, node)
}

func (s *Scheduler) getLive(player homedb.PlayerID) *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[player]
}

func (s *Scheduler) setLive(player homedb.PlayerID, r *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		delete(s.live, player)
	} else {
		s.live[player] = r
	}
}

// Request starts a teleport for requester. Without a warmup the teleport
// completes (or fails) before Request returns; otherwise the result is
// StateWarmup and the outcome arrives on the event bus.
func (s *Scheduler) Request(requester homedb.PlayerID, target Target) (Result, error) {
	unlock := s.locks.Lock(requester)

	s.mu.Lock()
	closed := s.closed
	_, pending := s.live[requester]
	s.mu.Unlock()
	if closed {
		unlock()
		return Result{State: StateRejected}, errors.New("teleport: scheduler closed")
	}
	if pending {
		unlock()
		return Result{State: StateRejected}, fmt.Errorf("home: %w", homedb.ErrAlreadyPending)
	}

	settings := s.Settings()
	r := &request{
		requester: requester,
		startedAt: s.deps.Clock.Now(),
		state:     StateValidating,
		settings:  settings,
	}
	if err := s.validate(r, target); err != nil {
		r.state = StateRejected
		unlock()
		s.notifyRejected(r, err)
		return Result{State: StateRejected, Home: r.target}, err
	}

	if settings.Warmup <= 0 || s.has(requester, homedb.PermBypassWarmup) {
		r.state = StateResolving
		dest, err := s.commit(r)
		unlock()
		if err != nil {
			s.notifyRejected(r, err)
			return Result{State: StateRejected, Home: r.target}, err
		}
		s.notifyCompleted(r, dest)
		return Result{State: StateCompleted, Home: r.target, Destination: dest}, nil
	}

	r.state = StateWarmup
	r.deadline = r.startedAt.Add(settings.Warmup)
	r.listen = events.NewFuncSubscriber(func(ev events.Event) { s.onFeed(r, ev) })
	s.setLive(requester, r)
	s.deps.Bus.Subscribe(requester, r.listen)
	r.timer = s.deps.Clock.AfterFunc(settings.Warmup, func() { s.expire(r) })

	total := int(math.Ceil(settings.Warmup.Seconds()))
	for sec := 1; sec < total; sec++ {
		left := total - sec
		r.ticks = append(r.ticks, s.deps.Clock.AfterFunc(time.Duration(sec)*time.Second, func() { s.tick(r, left) }))
	}
	unlock()

	s.notify(r, events.Event{
		Type:    events.EvTeleportAccepted,
		Seconds: total,
		Text:    fmt.Sprintf("Teleporting to %s in %d seconds. Don't move!", r.target.Name, total),
	})
	return Result{State: StateWarmup, Home: r.target, Deadline: r.deadline}, nil
}

// validate resolves the target snapshot and applies cross-world and
// cooldown rules. Called with the requester's lock held.
func (s *Scheduler) validate(r *request, target Target) error {
	home, bed, err := s.resolveTarget(r.requester, target, r.settings)
	if err != nil {
		r.target = homedb.Home{Name: target.Home, Owner: target.Owner}
		return err
	}
	r.target, r.bed = home, bed

	if cur, ok := s.deps.World.CurrentLocation(r.requester); ok {
		r.origin, r.hasOrigin = cur, true
		if !r.settings.AllowCrossWorld && cur.World != home.World {
			return fmt.Errorf("home %q in %s: %w", home.Name, home.World, homedb.ErrCrossWorldDisabled)
		}
	}

	if !s.has(r.requester, homedb.PermBypassCooldown) {
		if left := s.deps.Ledger.Remaining(r.requester); left > 0 {
			return &homedb.CooldownError{Remaining: left}
		}
	}
	return nil
}

func (s *Scheduler) resolveTarget(requester homedb.PlayerID, target Target, settings Settings) (homedb.Home, bool, error) {
	owner := target.Owner
	if owner == homedb.NoPlayer {
		owner = requester
	}
	name := target.Home

	if owner != requester {
		if !s.has(requester, homedb.PermShare) || !s.deps.Shares.IsShared(owner, requester) {
			return homedb.Home{}, false, fmt.Errorf("home %q: %w", name, homedb.ErrNotShared)
		}
		if name == "" {
			name = s.defaultName(owner, settings)
		}
		h, err := s.deps.Homes.GetHome(owner, name)
		return h, false, err
	}

	if name == "" {
		name = s.defaultName(requester, settings)
	}
	h, err := s.deps.Homes.GetHome(requester, name)
	if err == nil {
		return h, false, nil
	}
	if errors.Is(err, homedb.ErrNoSuchHome) && settings.BedSync && settings.BedHomeName != "" &&
		homedb.NameKey(name) == homedb.NameKey(settings.BedHomeName) {
		if h, ok := s.bedHome(requester, settings); ok {
			return h, true, nil
		}
	}
	return homedb.Home{}, false, err
}

// defaultName picks the player's only home, or the configured default name.
func (s *Scheduler) defaultName(player homedb.PlayerID, settings Settings) string {
	if list := s.deps.Homes.ListHomes(player); len(list) == 1 {
		return list[0].Name
	}
	return settings.DefaultHomeName
}

func (s *Scheduler) bedHome(player homedb.PlayerID, settings Settings) (homedb.Home, bool) {
	pos, ok := s.deps.World.BedPosition(player)
	if !ok {
		return homedb.Home{}, false
	}
	cur, ok := s.deps.World.CurrentLocation(player)
	if !ok {
		return homedb.Home{}, false
	}
	return homedb.Home{
		Name:     settings.BedHomeName,
		Owner:    player,
		World:    cur.World,
		Position: pos,
	}, true
}

// revalidate checks that the target still exists and is still shared.
// The destination remains the request-time snapshot.
func (s *Scheduler) revalidate(r *request) error {
	if r.bed {
		return nil
	}
	owner := r.target.Owner
	if owner != r.requester {
		if !s.has(r.requester, homedb.PermShare) || !s.deps.Shares.IsShared(owner, r.requester) {
			return fmt.Errorf("home %q: %w", r.target.Name, homedb.ErrNotShared)
		}
	}
	if _, err := s.deps.Homes.GetHome(owner, r.target.Name); err != nil {
		return err
	}
	return nil
}

// commit resolves a landing spot, moves the player and records the
// cooldown. Called with the requester's lock held; the move and the
// cooldown stamp happen in this one step.
func (s *Scheduler) commit(r *request) (homedb.Position, error) {
	dest := r.target.Position
	if r.settings.SafeTeleport && s.deps.Resolver != nil {
		var err error
		dest, err = s.deps.Resolver.Resolve(r.target.World, dest, r.settings.SafeRadius)
		if err != nil {
			return homedb.Position{}, err
		}
	}

	r.state = StateCommitting
	if err := s.deps.Mover.MoveTo(r.requester, r.target.World, dest); err != nil {
		log.Printf("teleport: move %s to %s failed: %v", r.requester, r.target.World, err)
		if !errors.Is(err, homedb.ErrMoveFailed) {
			err = fmt.Errorf("%w: %v", homedb.ErrMoveFailed, err)
		}
		return homedb.Position{}, err
	}
	s.deps.Ledger.Record(r.requester, s.deps.Clock.Now())
	r.state = StateCompleted
	return dest, nil
}

// expire runs when the warmup timer fires.
func (s *Scheduler) expire(r *request) {
	unlock := s.locks.Lock(r.requester)
	if s.getLive(r.requester) != r || r.state != StateWarmup {
		unlock()
		return
	}
	s.detach(r)
	r.state = StateResolving

	var dest homedb.Position
	err := s.revalidate(r)
	if err == nil {
		dest, err = s.commit(r)
	}
	if err != nil {
		r.state = StateRejected
	}
	unlock()

	if err != nil {
		s.notifyRejected(r, err)
		return
	}
	s.notifyCompleted(r, dest)
}

func (s *Scheduler) tick(r *request, left int) {
	unlock := s.locks.Lock(r.requester)
	active := s.getLive(r.requester) == r && r.state == StateWarmup
	unlock()
	if !active {
		return
	}
	s.notify(r, events.Event{
		Type:    events.EvTeleportCountdown,
		Seconds: left,
		Text:    fmt.Sprintf("Teleporting in %d...", left),
	})
}

// onFeed receives movement, damage and disconnect events while r is in
// warmup.
func (s *Scheduler) onFeed(r *request, ev events.Event) {
	var reason string
	switch ev.Type {
	case events.EvMove:
		if !r.settings.CancelOnMove || !s.movedTooFar(r, ev.Location) {
			return
		}
		reason = "moved"
	case events.EvDamage:
		if !r.settings.CancelOnDamage {
			return
		}
		reason = "damaged"
	case events.EvDisconnect:
		reason = "disconnected"
	default:
		return
	}
	s.cancel(r, reason)
}

func (s *Scheduler) movedTooFar(r *request, to *homedb.Location) bool {
	if to == nil || !r.hasOrigin {
		return true
	}
	if to.World != r.origin.World {
		return true
	}
	limit := r.settings.MoveThreshold
	return to.Position.DistanceSq(r.origin.Position) > limit*limit
}

// cancel stops r if it is still warming up. A cancellation arriving after
// the warmup ended is ignored.
func (s *Scheduler) cancel(r *request, reason string) bool {
	unlock := s.locks.Lock(r.requester)
	if s.getLive(r.requester) != r || r.state != StateWarmup {
		unlock()
		return false
	}
	r.state = StateCancelled
	s.detach(r)
	unlock()

	s.notify(r, events.Event{
		Type:   events.EvTeleportCancelled,
		Reason: reason,
		Text:   "Teleport cancelled.",
	})
	return true
}

// detach removes r from the live table, its feed listener and its timers.
// Called with the requester's lock held.
func (s *Scheduler) detach(r *request) {
	s.setLive(r.requester, nil)
	if r.listen != nil {
		s.deps.Bus.Unsubscribe(r.requester, r.listen)
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	for _, t := range r.ticks {
		t.Stop()
	}
}

// Cancel stops player's warmup on request. Returns false if nothing was
// warming up.
func (s *Scheduler) Cancel(player homedb.PlayerID) bool {
	r := s.getLive(player)
	if r == nil {
		return false
	}
	return s.cancel(r, "requested")
}

// Purge cancels player's warmup, if any, and runs forget while holding the
// player's lock, so a commit in flight finishes before forget starts and
// cannot write back what forget removed.
func (s *Scheduler) Purge(player homedb.PlayerID, forget func()) {
	unlock := s.locks.Lock(player)
	r := s.getLive(player)
	if r != nil && r.state == StateWarmup {
		r.state = StateCancelled
		s.detach(r)
	} else {
		r = nil
	}
	forget()
	unlock()

	if r != nil {
		s.notify(r, events.Event{
			Type:   events.EvTeleportCancelled,
			Reason: "purged",
			Text:   "Teleport cancelled.",
		})
	}
}

// Status reports the player's live request, if any.
func (s *Scheduler) Status(player homedb.PlayerID) (Status, bool) {
	unlock := s.locks.Lock(player)
	defer unlock()
	r := s.getLive(player)
	if r == nil {
		return Status{}, false
	}
	return Status{
		Requester: r.requester,
		Owner:     r.target.Owner,
		Home:      r.target.Name,
		World:     r.target.World,
		State:     r.state,
		StartedAt: r.startedAt,
		Deadline:  r.deadline,
	}, true
}

// Pending returns the number of requests currently warming up.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close cancels every live warmup and refuses new requests.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*request, 0, len(s.live))
	for _, r := range s.live {
		live = append(live, r)
	}
	s.mu.Unlock()

	for _, r := range live {
		s.cancel(r, "shutdown")
	}
}

func (s *Scheduler) notify(r *request, ev events.Event) {
	ev.Player = r.requester
	ev.Owner = r.target.Owner
	ev.Home = r.target.Name
	s.deps.Bus.Emit(ev)
}

func (s *Scheduler) notifyRejected(r *request, err error) {
	s.notify(r, events.Event{
		Type:   events.EvTeleportRejected,
		Reason: homedb.Reason(err),
		Text:   err.Error(),
	})
}

func (s *Scheduler) notifyCompleted(r *request, dest homedb.Position) {
	s.notify(r, events.Event{
		Type:     events.EvTeleportCompleted,
		Location: &homedb.Location{World: r.target.World, Position: dest},
		Text:     fmt.Sprintf("Welcome to %s.", r.target.Name),
	})
}
