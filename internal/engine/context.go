package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/yungsuk53-pixel/crime/internal/models"
)

// TaskKind names a per-session background concern. Starting a task of a
// kind cancels the running task of the same kind.
type TaskKind string

const (
	TaskDeadline     TaskKind = "deadline"
	TaskSessionPoll  TaskKind = "session_poll"
	TaskRosterPoll   TaskKind = "roster_poll"
	TaskChatPoll     TaskKind = "chat_poll"
	TaskHeartbeat    TaskKind = "heartbeat"
	TaskBotBroadcast TaskKind = "bot_broadcast"
)

type task struct {
	id     uint64
	cancel context.CancelFunc
}

// SessionContext owns the live state of one session on this server: the
// session and roster snapshots, the trigger guards and the scheduled tasks.
type SessionContext struct {
	code string

	mu        sync.RWMutex
	session   *models.Session
	version   uint64
	roster    []models.Player
	rosterSig string
	lastChat  time.Time

	transitioning *atomic.Bool
	toggles       sync.Map // player id -> *atomic.Bool

	taskMu  sync.Mutex
	tasks   map[TaskKind]task
	taskSeq uint64
	base    context.Context
	stop    context.CancelFunc
	closed  *atomic.Bool
	retired *atomic.Bool
}

// NewSessionContext wraps a loaded session.
func NewSessionContext(session *models.Session) *SessionContext {
	base, stop := context.WithCancel(context.Background())
	s := *session
	return &SessionContext{
		code:          session.Code,
		session:       &s,
		transitioning: atomic.NewBool(false),
		tasks:         make(map[TaskKind]task),
		base:          base,
		stop:          stop,
		closed:        atomic.NewBool(false),
		retired:       atomic.NewBool(false),
	}
}

// Code returns the session code.
func (sc *SessionContext) Code() string {
	return sc.code
}

// Session returns a copy of the session snapshot.
func (sc *SessionContext) Session() *models.Session {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.session == nil {
		return nil
	}
	s := *sc.session
	return &s
}

func (sc *SessionContext) setSession(session *models.Session) {
	s := *session
	sc.mu.Lock()
	sc.session = &s
	sc.version++
	sc.mu.Unlock()
}

// sessionVersion counts snapshot replacements.
func (sc *SessionContext) sessionVersion() uint64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.version
}

// acceptSession installs a session read from the store unless the snapshot
// was replaced since version or is newer than the record. It returns the
// previous snapshot.
func (sc *SessionContext) acceptSession(session *models.Session, version uint64) (*models.Session, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.version != version {
		return nil, false
	}
	var prev *models.Session
	if sc.session != nil {
		if session.UpdatedAt.Before(sc.session.UpdatedAt) {
			return nil, false
		}
		p := *sc.session
		prev = &p
	}
	s := *session
	sc.session = &s
	sc.version++
	return prev, true
}

// Roster returns a copy of the roster snapshot.
func (sc *SessionContext) Roster() []models.Player {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return append([]models.Player(nil), sc.roster...)
}

// setRoster replaces the roster and reports whether it changed.
func (sc *SessionContext) setRoster(players []models.Player) bool {
	sig := rosterSignature(players)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.roster = append([]models.Player(nil), players...)
	changed := sig != sc.rosterSig
	sc.rosterSig = sig
	return changed
}

func (sc *SessionContext) updateRosterPlayer(p *models.Player) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := range sc.roster {
		if sc.roster[i].ID == p.ID {
			sc.roster[i] = *p
			return
		}
	}
}

// Player returns one player from the roster snapshot.
func (sc *SessionContext) Player(id string) (models.Player, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	for _, p := range sc.roster {
		if p.ID == id {
			return p, true
		}
	}
	return models.Player{}, false
}

// noteChat advances the newest chat timestamp seen by this context and
// reports whether t was newer.
func (sc *SessionContext) noteChat(t time.Time) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !t.After(sc.lastChat) {
		return false
	}
	sc.lastChat = t
	return true
}

// InFlight reports whether a stage transition is running.
func (sc *SessionContext) InFlight() bool {
	return sc.transitioning.Load()
}

func (sc *SessionContext) toggleFlag(playerID string) *atomic.Bool {
	flag, _ := sc.toggles.LoadOrStore(playerID, atomic.NewBool(false))
	return flag.(*atomic.Bool)
}

// StartTask runs fn on its own goroutine after cancelling the previous task
// of the same kind.
func (sc *SessionContext) StartTask(kind TaskKind, fn func(ctx context.Context)) {
	if sc.closed.Load() || sc.retired.Load() {
		return
	}
	ctx, cancel := context.WithCancel(sc.base)

	sc.taskMu.Lock()
	if prev, ok := sc.tasks[kind]; ok {
		prev.cancel()
	}
	sc.taskSeq++
	id := sc.taskSeq
	sc.tasks[kind] = task{id: id, cancel: cancel}
	sc.taskMu.Unlock()

	go func() {
		defer sc.finishTask(kind, id, cancel)
		fn(ctx)
	}()
}

func (sc *SessionContext) finishTask(kind TaskKind, id uint64, cancel context.CancelFunc) {
	cancel()
	sc.taskMu.Lock()
	defer sc.taskMu.Unlock()
	if cur, ok := sc.tasks[kind]; ok && cur.id == id {
		delete(sc.tasks, kind)
	}
}

// StartTimer runs fn once after d unless the task is replaced or cancelled
// first. fn receives a context that outlives the timer so a callback that
// restarts its own kind is not cut short.
func (sc *SessionContext) StartTimer(kind TaskKind, d time.Duration, fn func(ctx context.Context)) {
	sc.StartTask(kind, func(ctx context.Context) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		fn(sc.base)
	})
}

// StartTicker runs fn every interval until replaced or cancelled.
func (sc *SessionContext) StartTicker(kind TaskKind, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	sc.StartTask(kind, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// CancelTask stops the task of the given kind, if any.
func (sc *SessionContext) CancelTask(kind TaskKind) {
	sc.taskMu.Lock()
	defer sc.taskMu.Unlock()
	if cur, ok := sc.tasks[kind]; ok {
		cur.cancel()
		delete(sc.tasks, kind)
	}
}

// HasTask reports whether a task of the given kind is scheduled.
func (sc *SessionContext) HasTask(kind TaskKind) bool {
	sc.taskMu.Lock()
	defer sc.taskMu.Unlock()
	_, ok := sc.tasks[kind]
	return ok
}

// retire cancels every task and refuses new ones. Calls already running on
// the context keep their base context.
func (sc *SessionContext) retire() {
	if !sc.retired.CompareAndSwap(false, true) {
		return
	}
	sc.taskMu.Lock()
	for kind, cur := range sc.tasks {
		cur.cancel()
		delete(sc.tasks, kind)
	}
	sc.taskMu.Unlock()
	log.Printf("[Scheduler] Session %s finished, background tasks stopped", sc.code)
}

// Retired reports whether the session finished and its tasks were stopped.
func (sc *SessionContext) Retired() bool {
	return sc.retired.Load()
}

// Close cancels every task. The context cannot be reused afterwards.
func (sc *SessionContext) Close() {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}
	sc.taskMu.Lock()
	for kind, cur := range sc.tasks {
		cur.cancel()
		delete(sc.tasks, kind)
	}
	sc.taskMu.Unlock()
	sc.stop()
	log.Printf("[Scheduler] Session %s context closed", sc.code)
}

func rosterSignature(players []models.Player) string {
	b := make([]byte, 0, len(players)*48)
	for _, p := range players {
		b = append(b, p.ID...)
		b = append(b, p.UpdatedAt.Format(time.RFC3339Nano)...)
		b = append(b, '|')
	}
	return string(b)
}

// Registry keys live session contexts by code.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*SessionContext
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*SessionContext)}
}

func (r *Registry) Get(code string) (*SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.sessions[code]
	return sc, ok
}

// PutIfAbsent stores sc unless a context for the code already exists, in
// which case the existing one is returned and sc is closed.
func (r *Registry) PutIfAbsent(sc *SessionContext) *SessionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sc.code]; ok {
		sc.Close()
		return existing
	}
	r.sessions[sc.code] = sc
	return sc
}

// Remove closes and forgets the context for code.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	sc, ok := r.sessions[code]
	delete(r.sessions, code)
	r.mu.Unlock()
	if ok {
		sc.Close()
	}
}

// forget drops sc from the registry without closing it.
func (r *Registry) forget(sc *SessionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sc.code]; ok && cur == sc {
		delete(r.sessions, sc.code)
	}
}

// CloseAll closes every context.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*SessionContext)
	r.mu.Unlock()
	for _, sc := range all {
		sc.Close()
	}
}
