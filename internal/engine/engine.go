// Package engine orchestrates crime scene sessions: the stage state machine,
// role assignment, ready quorum, voting and the lobby operations around them.
// Persistence, recent sessions, locks, bot narration and event fan-out are
// reached only through the interfaces package.
package engine

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/yungsuk53-pixel/crime/internal/bots"
	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
	"github.com/yungsuk53-pixel/crime/internal/scenario"
	"github.com/yungsuk53-pixel/crime/internal/storage"
)

// Options wires an Engine. Store and Scenarios are required; every other
// field has a working default.
type Options struct {
	Store     interfaces.Store
	Scenarios *scenario.Catalog
	Recent    interfaces.RecentSessionsRepository
	Locker    interfaces.Locker
	Narrator  interfaces.Narrator
	Events    interfaces.EventPublisher

	Timeline       game.Timeline
	ReadyThreshold float64
	LockTTL        time.Duration

	// Bot chatter pacing.
	BotClueDelay  time.Duration
	BotMessageGap time.Duration

	// Poll intervals; zero disables the poller.
	SessionPoll       time.Duration
	RosterPoll        time.Duration
	ChatPoll          time.Duration
	HeartbeatInterval time.Duration

	Now     func() time.Time
	Rand    *rand.Rand
	Verbose bool
}

// Engine runs every session hosted by this process.
type Engine struct {
	store     interfaces.Store
	scenarios *scenario.Catalog
	recent    interfaces.RecentSessionsRepository
	locker    interfaces.Locker
	narrator  interfaces.Narrator
	events    interfaces.EventPublisher

	timeline      game.Timeline
	threshold     float64
	lockTTL       time.Duration
	botClueDelay  time.Duration
	botMessageGap time.Duration

	sessionPoll       time.Duration
	rosterPoll        time.Duration
	chatPoll          time.Duration
	heartbeatInterval time.Duration

	now     func() time.Time
	rngMu   sync.Mutex
	rng     *rand.Rand
	verbose bool

	registry *Registry
}

func New(opts Options) *Engine {
	e := &Engine{
		store:             opts.Store,
		scenarios:         opts.Scenarios,
		recent:            opts.Recent,
		locker:            opts.Locker,
		narrator:          opts.Narrator,
		events:            opts.Events,
		timeline:          opts.Timeline,
		threshold:         opts.ReadyThreshold,
		lockTTL:           opts.LockTTL,
		botClueDelay:      opts.BotClueDelay,
		botMessageGap:     opts.BotMessageGap,
		sessionPoll:       opts.SessionPoll,
		rosterPoll:        opts.RosterPoll,
		chatPoll:          opts.ChatPoll,
		heartbeatInterval: opts.HeartbeatInterval,
		now:               opts.Now,
		rng:               opts.Rand,
		verbose:           opts.Verbose,
		registry:          NewRegistry(),
	}
	if e.scenarios == nil {
		e.scenarios = scenario.NewCatalog()
	}
	if e.recent == nil {
		e.recent = storage.NewMemoryRecentSessions(storage.DefaultMaxRecent)
	}
	if e.locker == nil {
		e.locker = storage.NewLocalLocker()
	}
	if e.narrator == nil {
		e.narrator = bots.PlainNarrator{}
	}
	if e.events == nil {
		e.events = noopPublisher{}
	}
	if e.timeline == nil {
		e.timeline = game.NewTimeline(nil)
	}
	if e.threshold <= 0 {
		e.threshold = game.DefaultReadyThreshold
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 10 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Registry exposes the live session contexts.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Scenarios exposes the scenario catalog.
func (e *Engine) Scenarios() *scenario.Catalog {
	return e.scenarios
}

// Timeline returns the configured stage durations.
func (e *Engine) Timeline() game.Timeline {
	return e.timeline
}

// Close stops every session's background tasks.
func (e *Engine) Close() {
	e.registry.CloseAll()
}

// retire stops the background tasks of a finished session and drops it
// from the registry.
func (e *Engine) retire(sc *SessionContext) {
	sc.retire()
	e.registry.forget(sc)
}

// guarded runs fn while holding the session's transition guard and the
// distributed transition lock.
func (e *Engine) guarded(ctx context.Context, sc *SessionContext, fn func() error) error {
	if !sc.transitioning.CompareAndSwap(false, true) {
		return ErrTransitionInFlight
	}
	defer sc.transitioning.Store(false)

	release, ok, err := e.locker.TryLock(ctx, "transition:"+sc.code, e.lockTTL)
	if err != nil {
		// Lock backend down: the local guard still applies.
		log.Printf("[Engine] Transition lock unavailable for %s: %v", sc.code, err)
	} else if !ok {
		return ErrTransitionInFlight
	} else {
		defer release()
	}
	return fn()
}

func (e *Engine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

func (e *Engine) withRand(fn func(rng *rand.Rand)) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	fn(e.rng)
}

func (e *Engine) publish(sc *SessionContext, kind string, payload interface{}) {
	e.events.Publish(interfaces.Event{
		Type:        kind,
		SessionCode: sc.code,
		Payload:     payload,
		At:          e.now(),
	})
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.verbose {
		log.Printf(format, args...)
	}
}

// findSession loads the live session stored under code.
func (e *Engine) findSession(ctx context.Context, code string) (*models.Session, error) {
	found, err := e.store.ListSessions(ctx, interfaces.ListOptions{Search: code, Limit: 1})
	if err != nil {
		return nil, storeError("load session", err)
	}
	if len(found) == 0 {
		return nil, newError(CodeNotFound, "session %s not found", code)
	}
	return &found[0], nil
}

// loadRoster reads the live players of the session into the snapshot.
func (e *Engine) loadRoster(ctx context.Context, sc *SessionContext) ([]models.Player, bool, error) {
	players, err := e.store.ListPlayers(ctx, interfaces.ListOptions{SessionCode: sc.code})
	if err != nil {
		return nil, false, storeError("load roster", err)
	}
	changed := sc.setRoster(players)
	return players, changed, nil
}

func (e *Engine) scenarioFor(session *models.Session) (*scenario.Scenario, error) {
	s, err := e.scenarios.Get(session.ScenarioID)
	if err != nil {
		return nil, &Error{Code: CodeIntegrity, Message: "session scenario is missing", Cause: err}
	}
	return s, nil
}

func liveSession(sc *SessionContext) (*models.Session, error) {
	session := sc.Session()
	if session == nil {
		return nil, newError(CodeNotFound, "session %s not loaded", sc.code)
	}
	if session.IsClosed() {
		return nil, ErrSessionClosed
	}
	return session, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(interfaces.Event) {}
