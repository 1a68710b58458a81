package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
	"github.com/yungsuk53-pixel/crime/internal/scenario"
	"github.com/yungsuk53-pixel/crime/internal/storage"
)

const openScenario = "open-table"

// testClock advances a millisecond per reading so record timestamps differ.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (p *recordingPublisher) Publish(ev interfaces.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

// flakyStore fails session updates on demand and can hold session reads.
type flakyStore struct {
	*storage.MemoryStore
	failSessions *atomic.Bool

	mu       sync.Mutex
	listHook func()
}

// holdSessionReads runs hook after each session read, before the result is
// returned. A nil hook clears it.
func (s *flakyStore) holdSessionReads(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listHook = hook
}

func (s *flakyStore) ListSessions(ctx context.Context, opts interfaces.ListOptions) ([]models.Session, error) {
	found, err := s.MemoryStore.ListSessions(ctx, opts)
	s.mu.Lock()
	hook := s.listHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return found, err
}

func (s *flakyStore) UpdateSession(ctx context.Context, id string, fields interfaces.Fields) (*models.Session, error) {
	if s.failSessions.Load() {
		return nil, errors.New("store unavailable")
	}
	return s.MemoryStore.UpdateSession(ctx, id, fields)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *flakyStore
	engine *Engine
	events *recordingPublisher
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	catalog, err := scenario.Builtin()
	if err != nil {
		t.Fatalf("load scenarios: %v", err)
	}
	base, err := catalog.Get("midnight-theater")
	if err != nil {
		t.Fatalf("get scenario: %v", err)
	}
	open := *base
	open.ID = openScenario
	open.PlayerRange = scenario.PlayerRange{Min: 2, Max: 12}
	catalog.Register(&open)

	clock := &testClock{now: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
	store := &flakyStore{
		MemoryStore:  storage.NewMemoryStore().WithClock(clock.Now),
		failSessions: atomic.NewBool(false),
	}
	events := &recordingPublisher{}
	opts := Options{
		Store:        store,
		Scenarios:    catalog,
		Events:       events,
		BotClueDelay: time.Hour,
		Now:          clock.Now,
		Rand:         rand.New(rand.NewSource(7)),
	}
	if configure != nil {
		configure(&opts)
	}
	e := New(opts)
	t.Cleanup(e.Close)
	return &fixture{t: t, ctx: context.Background(), store: store, engine: e, events: events}
}

// lobby creates a session hosted by "Host" with extra players seated.
func (f *fixture) lobby(extra int) *SessionContext {
	f.t.Helper()
	sc, err := f.engine.CreateSession(f.ctx, CreateSessionRequest{HostName: "Host", ScenarioID: openScenario, Owner: "device-1"})
	if err != nil {
		f.t.Fatalf("create session: %v", err)
	}
	for i := 1; i <= extra; i++ {
		if _, err := f.engine.AddPlayer(f.ctx, sc, fmt.Sprintf("Player %d", i)); err != nil {
			f.t.Fatalf("add player %d: %v", i, err)
		}
	}
	return sc
}

func (f *fixture) started(extra int) *SessionContext {
	f.t.Helper()
	sc := f.lobby(extra)
	if _, err := f.engine.StartGame(f.ctx, sc); err != nil {
		f.t.Fatalf("start game: %v", err)
	}
	return sc
}

func (f *fixture) players(code string) []models.Player {
	f.t.Helper()
	players, err := f.store.ListPlayers(f.ctx, interfaces.ListOptions{SessionCode: code})
	if err != nil {
		f.t.Fatalf("list players: %v", err)
	}
	return players
}

func (f *fixture) session(code string) models.Session {
	f.t.Helper()
	found, err := f.store.ListSessions(f.ctx, interfaces.ListOptions{Search: code, Limit: 1})
	if err != nil || len(found) != 1 {
		f.t.Fatalf("load session %s: %v (%d found)", code, err, len(found))
	}
	return found[0]
}

func TestCreateSessionSeatsHost(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(0)

	session := f.session(sc.Code())
	if session.Stage != game.StageLobby || session.Status != game.StatusLobby || session.PlayerCount != 1 {
		t.Fatalf("unexpected new session %+v", session)
	}
	players := f.players(sc.Code())
	if len(players) != 1 || !players[0].IsHost || players[0].Name != "Host" {
		t.Fatalf("expected the host seated, got %+v", players)
	}
	if len(players[0].Pin) != 6 {
		t.Fatalf("expected a 6 digit pin, got %q", players[0].Pin)
	}
	recent, err := f.engine.ResumableSessions(f.ctx, "device-1")
	if err != nil {
		t.Fatalf("resumable sessions: %v", err)
	}
	if len(recent) != 1 || recent[0].Code != sc.Code() || !recent[0].IsHost {
		t.Fatalf("expected the session remembered, got %+v", recent)
	}
}

func TestCreateSessionCustomCode(t *testing.T) {
	f := newFixture(t, nil)
	sc, err := f.engine.CreateSession(f.ctx, CreateSessionRequest{HostName: "Host", ScenarioID: openScenario, CustomCode: "party42"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sc.Code() != "PARTY42" || !sc.Session().CustomCode {
		t.Fatalf("expected custom code PARTY42, got %s", sc.Code())
	}

	_, err = f.engine.CreateSession(f.ctx, CreateSessionRequest{HostName: "Other", ScenarioID: openScenario, CustomCode: "Party42"})
	if CodeOf(err) != CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = f.engine.CreateSession(f.ctx, CreateSessionRequest{HostName: "Other", ScenarioID: openScenario, CustomCode: "no!"})
	if CodeOf(err) != CodePrecondition {
		t.Fatalf("expected precondition for bad code, got %v", err)
	}
	_, err = f.engine.CreateSession(f.ctx, CreateSessionRequest{HostName: "Other", ScenarioID: "missing"})
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not found scenario, got %v", err)
	}
}

func TestStartGameNeedsScenarioMinimum(t *testing.T) {
	f := newFixture(t, nil)
	sc, err := f.engine.CreateSession(f.ctx, CreateSessionRequest{HostName: "Host", ScenarioID: "midnight-theater"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.engine.AddPlayer(f.ctx, sc, "Ada"); err != nil {
		t.Fatalf("add player: %v", err)
	}
	if _, err := f.engine.StartGame(f.ctx, sc); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if got := f.session(sc.Code()); got.Stage != game.StageLobby {
		t.Fatalf("session left the lobby: %s", got.Stage)
	}
}

func TestStartGameAssignsRoles(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(4)

	session := f.session(sc.Code())
	if session.Stage != game.StageBriefing || session.Status != game.StatusInProgress || !session.RolesAssigned {
		t.Fatalf("unexpected session after start %+v", session)
	}
	if session.StageDeadlineAt == nil || !session.AutoStageEnabled {
		t.Fatal("expected the briefing deadline armed")
	}
	if !sc.HasTask(TaskDeadline) {
		t.Fatal("expected a deadline timer")
	}

	counts := map[game.Role]int{}
	for _, p := range f.players(sc.Code()) {
		counts[p.Role]++
		pkg, err := game.ParseCluePackage(p.ClueSummary)
		if err != nil || pkg == nil {
			t.Fatalf("player %s has no clue package: %v", p.Name, err)
		}
		if pkg.Type != p.Role || p.Status != models.PlayerActive || p.ReadyStage != game.StageBriefing {
			t.Fatalf("unexpected player after assignment %+v", p)
		}
	}
	if counts[game.RoleDetective] != 1 || counts[game.RoleCulprit] != 1 || counts[game.RoleSuspect] != 3 {
		t.Fatalf("unexpected role counts %v", counts)
	}

	if _, err := f.engine.StartGame(f.ctx, sc); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected second start to be rejected, got %v", err)
	}
}

func TestReadyQuorumSkipsStage(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(9)
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageClueA); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	var guests []models.Player
	for _, p := range f.players(sc.Code()) {
		if !p.IsHost {
			guests = append(guests, p)
		}
	}
	if len(guests) != 9 {
		t.Fatalf("expected 9 guests, got %d", len(guests))
	}

	for i := 0; i < 5; i++ {
		if _, err := f.engine.ToggleReady(f.ctx, sc, guests[i].ID); err != nil {
			t.Fatalf("toggle ready %d: %v", i, err)
		}
	}
	summary := f.engine.ReadySummary(sc)
	if summary.Ready != 5 || summary.Eligible != 10 || summary.Required != 6 {
		t.Fatalf("unexpected ready summary %+v", summary)
	}
	if got := f.session(sc.Code()).Stage; got != game.StageClueA {
		t.Fatalf("stage moved early to %s", got)
	}

	if _, err := f.engine.ToggleReady(f.ctx, sc, guests[5].ID); err != nil {
		t.Fatalf("toggle ready 6: %v", err)
	}
	if got := f.session(sc.Code()).Stage; got != game.StageDiscussionA {
		t.Fatalf("expected discussion_a after quorum, got %s", got)
	}
	for _, p := range f.players(sc.Code()) {
		if p.StageReady || p.ReadyStage != game.StageDiscussionA {
			t.Fatalf("ready flag of %s not reset: ready=%v stage=%s", p.Name, p.StageReady, p.ReadyStage)
		}
	}
}

func TestToggleReadyTwiceUnreadies(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(4)
	guest := f.players(sc.Code())[1]

	p, err := f.engine.ToggleReady(f.ctx, sc, guest.ID)
	if err != nil || !p.StageReady {
		t.Fatalf("expected ready, got %+v %v", p, err)
	}
	p, err = f.engine.ToggleReady(f.ctx, sc, guest.ID)
	if err != nil || p.StageReady {
		t.Fatalf("expected not ready, got %+v %v", p, err)
	}
}

func TestToggleReadyOutsideEligibleStage(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(2)
	guest := f.players(sc.Code())[1]
	if _, err := f.engine.ToggleReady(f.ctx, sc, guest.ID); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected precondition in lobby, got %v", err)
	}
}

func TestAutoAdvanceWalksTimeline(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(3)

	for _, want := range []game.Stage{
		game.StageClueA,
		game.StageDiscussionA,
		game.StageClueB,
		game.StageDiscussionB,
		game.StageClueC,
		game.StageFinalDiscussion,
		game.StageVoting,
		game.StageResult,
	} {
		got, err := f.engine.AutoAdvance(f.ctx, sc)
		if err != nil {
			t.Fatalf("auto advance to %s: %v", want, err)
		}
		if got.Stage != want {
			t.Fatalf("expected %s, got %s", want, got.Stage)
		}
		status, _ := want.Status()
		if got.Status != status {
			t.Fatalf("expected status %s at %s, got %s", status, want, got.Status)
		}
	}

	final, err := f.engine.AutoAdvance(f.ctx, sc)
	if err != nil || final.Stage != game.StageResult {
		t.Fatalf("expected result to stay put, got %+v %v", final, err)
	}
	if final.StageDeadlineAt != nil || final.AutoStageEnabled {
		t.Fatal("result stage must not carry a deadline")
	}
	if sc.HasTask(TaskDeadline) {
		t.Fatal("deadline timer still armed at result")
	}
}

func TestAutoAdvanceUnknownStage(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	session := f.session(sc.Code())
	if _, err := f.store.UpdateSession(f.ctx, session.ID, interfaces.Fields{"stage": game.StageVerdict}); err != nil {
		t.Fatalf("force verdict: %v", err)
	}
	if _, err := f.engine.RefreshSession(f.ctx, sc); err != nil {
		t.Fatalf("refresh session: %v", err)
	}

	_, err := f.engine.AutoAdvance(f.ctx, sc)
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected unknown stage error, got %v", err)
	}
	if got := f.session(sc.Code()).Stage; got != game.StageVerdict {
		t.Fatalf("verdict session was changed to %s", got)
	}
}

func TestSetStageRejectsUnknownStage(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageVerdict); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected precondition, got %v", err)
	}
}

func TestTransitionStoreFailureKeepsLocalState(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	before := sc.Session()

	f.store.failSessions.Store(true)
	_, err := f.engine.SetStage(f.ctx, sc, game.StageClueA)
	f.store.failSessions.Store(false)
	if CodeOf(err) != CodeStore {
		t.Fatalf("expected store error, got %v", err)
	}
	after := sc.Session()
	if after.Stage != before.Stage || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("local snapshot changed: %s -> %s", before.Stage, after.Stage)
	}
	if sc.InFlight() {
		t.Fatal("in-flight guard left set")
	}
}

func TestTransitionGuardRejectsOverlap(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)

	var inner error
	err := f.engine.guarded(f.ctx, sc, func() error {
		_, inner = f.engine.SetStage(f.ctx, sc, game.StageClueA)
		return nil
	})
	if err != nil {
		t.Fatalf("outer guard: %v", err)
	}
	if !errors.Is(inner, ErrTransitionInFlight) {
		t.Fatalf("expected in-flight error, got %v", inner)
	}
}

func TestVotingAllVotedClosesForCitizens(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(3)
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageClueA); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if _, err := f.engine.BeginVoting(f.ctx, sc); err != nil {
		t.Fatalf("begin voting: %v", err)
	}

	players := f.players(sc.Code())
	var culprit models.Player
	for _, p := range players {
		if p.Role == game.RoleCulprit {
			culprit = p
		}
	}
	for _, p := range players {
		if _, err := f.engine.SubmitVote(f.ctx, sc, p.ID, culprit.ID); err != nil {
			t.Fatalf("vote from %s: %v", p.Name, err)
		}
	}

	session := f.session(sc.Code())
	if session.Stage != game.StageResult || session.Status != game.StatusResult {
		t.Fatalf("expected result after the last vote, got %s/%s", session.Stage, session.Status)
	}
	if session.WinningSide != game.SideCitizens || session.EndedAt == nil {
		t.Fatalf("unexpected outcome %+v", session)
	}
	if !strings.Contains(session.VoteSummary, culprit.Name) {
		t.Fatalf("summary %q misses culprit %s", session.VoteSummary, culprit.Name)
	}
	if f.events.count(interfaces.EventVoteClosed) != 1 {
		t.Fatal("expected one vote_closed event")
	}
}

func TestCloseVotingTieGoesToFirstVoted(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(4)
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageVoting); err != nil {
		t.Fatalf("open voting: %v", err)
	}
	if got := sc.Session().Status; got != game.StatusVoting {
		t.Fatalf("expected voting status, got %s", got)
	}

	players := f.players(sc.Code())
	var culprit, other models.Player
	for _, p := range players {
		switch {
		case p.Role == game.RoleCulprit:
			culprit = p
		case other.ID == "":
			other = p
		}
	}
	// Two votes each; the innocent target is voted for first.
	votes := []string{other.ID, culprit.ID, culprit.ID, other.ID}
	for i, target := range votes {
		if _, err := f.engine.SubmitVote(f.ctx, sc, players[i].ID, target); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	if _, err := f.engine.SubmitVote(f.ctx, sc, players[0].ID, culprit.ID); CodeOf(err) != CodeConflict {
		t.Fatalf("expected double vote conflict, got %v", err)
	}

	session, err := f.engine.CloseVoting(f.ctx, sc)
	if err != nil {
		t.Fatalf("close voting: %v", err)
	}
	if session.WinningSide != game.SideCulprit {
		t.Fatalf("expected the culprit to win the tie, got %q", session.WinningSide)
	}
	if _, err := f.engine.CloseVoting(f.ctx, sc); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected closing twice to fail, got %v", err)
	}
}

func TestSubmitVoteOutsideVoting(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	players := f.players(sc.Code())
	if _, err := f.engine.SubmitVote(f.ctx, sc, players[0].ID, players[1].ID); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected precondition, got %v", err)
	}
}

func TestBeginVotingClearsVotes(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(3)
	players := f.players(sc.Code())
	if _, err := f.store.UpdatePlayer(f.ctx, players[1].ID, interfaces.Fields{"has_voted": true, "vote_target": players[2].ID}); err != nil {
		t.Fatalf("seed vote: %v", err)
	}
	if _, err := f.engine.BeginVoting(f.ctx, sc); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected voting refused from briefing, got %v", err)
	}
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageFinalDiscussion); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if _, err := f.engine.AutoAdvance(f.ctx, sc); err != nil {
		t.Fatalf("auto advance into voting: %v", err)
	}
	for _, p := range f.players(sc.Code()) {
		if p.HasVoted || p.VoteTarget != "" {
			t.Fatalf("vote of %s survived the start of voting", p.Name)
		}
	}
}

func TestEndSessionNowIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)

	first, err := f.engine.EndSessionNow(f.ctx, sc, "")
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if first.Status != game.StatusClosed || first.Stage != game.StageResult || first.VoteSummary != DefaultEndSummary {
		t.Fatalf("unexpected closed session %+v", first)
	}
	second, err := f.engine.EndSessionNow(f.ctx, sc, "again")
	if err != nil {
		t.Fatalf("end session again: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.VoteSummary != DefaultEndSummary {
		t.Fatal("second end changed the session")
	}
	if f.events.count(interfaces.EventSessionClosed) != 1 {
		t.Fatal("expected a single session_closed event")
	}
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageClueA); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session error, got %v", err)
	}

	recent, err := f.engine.ResumableSessions(f.ctx, "device-1")
	if err != nil {
		t.Fatalf("resumable sessions: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("closed session still resumable: %+v", recent)
	}
}

func TestJoin(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(1)

	_, p, err := f.engine.Join(f.ctx, strings.ToLower(sc.Code()), "Grace", "device-2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if p.Status != models.PlayerWaiting || p.IsHost {
		t.Fatalf("unexpected joined player %+v", p)
	}
	_, again, err := f.engine.Join(f.ctx, sc.Code(), "grace", "device-2")
	if err != nil || again.ID != p.ID {
		t.Fatalf("expected rejoin to return the same player, got %+v %v", again, err)
	}
	if got := f.session(sc.Code()).PlayerCount; got != 3 {
		t.Fatalf("expected player_count 3, got %d", got)
	}

	if _, err := f.engine.EndSessionNow(f.ctx, sc, ""); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if _, _, err := f.engine.Join(f.ctx, sc.Code(), "Late", "device-3"); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected late join refused, got %v", err)
	}
	if _, _, err := f.engine.Join(f.ctx, "NOPE99", "Grace", ""); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected unknown code, got %v", err)
	}
}

func TestAddPlayerRules(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(1)
	if _, err := f.engine.AddPlayer(f.ctx, sc, "player 1"); CodeOf(err) != CodeConflict {
		t.Fatalf("expected duplicate name conflict, got %v", err)
	}
	if _, err := f.engine.AddPlayer(f.ctx, sc, "   "); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected empty name rejected, got %v", err)
	}
	if _, err := f.engine.StartGame(f.ctx, sc); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.AddPlayer(f.ctx, sc, "Late"); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected lobby only, got %v", err)
	}
}

func TestAddBotNamingAndIntros(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(1)
	for _, want := range []string{"BOT-01", "BOT-02"} {
		bot, err := f.engine.AddBot(f.ctx, sc)
		if err != nil {
			t.Fatalf("add bot: %v", err)
		}
		if bot.Name != want || !bot.IsBot || bot.Pin != BotPin || bot.Character != BotCharacter {
			t.Fatalf("unexpected bot %+v", bot)
		}
	}
	if _, err := f.engine.StartGame(f.ctx, sc); err != nil {
		t.Fatalf("start: %v", err)
	}
	msgs, err := f.engine.ListChat(f.ctx, sc.Code(), 0)
	if err != nil {
		t.Fatalf("list chat: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected two bot intros, got %d", len(msgs))
	}
	for _, m := range msgs {
		if !strings.HasPrefix(m.PlayerName, "BOT-") || !strings.HasPrefix(m.Message, "I am the ") {
			t.Fatalf("unexpected intro %+v", m)
		}
	}

	summary := f.engine.ReadySummary(sc)
	if summary.Eligible != 2 {
		t.Fatalf("bots must not count toward quorum, got %+v", summary)
	}
}

func TestBotsShareCluesInDiscussion(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BotClueDelay = time.Millisecond })
	sc := f.lobby(1)
	bot, err := f.engine.AddBot(f.ctx, sc)
	if err != nil {
		t.Fatalf("add bot: %v", err)
	}
	if _, err := f.engine.StartGame(f.ctx, sc); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageDiscussionA); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	p, _ := sc.Player(bot.ID)
	pkg, err := game.ParseCluePackage(p.ClueSummary)
	if err != nil {
		t.Fatalf("bot package: %v", err)
	}
	round, _ := pkg.RoundFor(game.StageClueA)
	want := 1 + len(round.Truths) + len(round.Misdirections)

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := f.engine.ListChat(f.ctx, sc.Code(), 0)
		if err != nil {
			t.Fatalf("list chat: %v", err)
		}
		if len(msgs) == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d bot messages, got %d", want, len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResetPlayersAndAssignments(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(3)
	if err := f.engine.ResetAssignments(f.ctx, sc); err != nil {
		t.Fatalf("reset assignments: %v", err)
	}
	if err := f.engine.ResetPlayers(f.ctx, sc); err != nil {
		t.Fatalf("reset players: %v", err)
	}
	if got := f.players(sc.Code()); len(got) != 0 {
		t.Fatalf("expected no players, got %d", len(got))
	}
	session := f.session(sc.Code())
	if session.PlayerCount != 0 || session.RolesAssigned {
		t.Fatalf("unexpected session after reset %+v", session)
	}
}

func TestChangeScenarioClearsRoles(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(4)
	if _, _, err := f.engine.loadRoster(f.ctx, sc); err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if _, err := f.engine.AssignRoles(f.ctx, sc); err != nil {
		t.Fatalf("assign roles: %v", err)
	}
	session, err := f.engine.ChangeScenario(f.ctx, sc, "winter-lodge")
	if err != nil {
		t.Fatalf("change scenario: %v", err)
	}
	if session.ScenarioID != "winter-lodge" || session.RolesAssigned {
		t.Fatalf("unexpected session %+v", session)
	}
	for _, p := range f.players(sc.Code()) {
		if p.Role != game.RoleUnassigned || p.ClueSummary != "" {
			t.Fatalf("assignment of %s survived", p.Name)
		}
	}
}

func TestPlayerViewUnlocksRounds(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(3)

	var suspect, culprit models.Player
	for _, p := range sc.Roster() {
		switch p.Role {
		case game.RoleSuspect:
			suspect = p
		case game.RoleCulprit:
			culprit = p
		}
	}

	view, err := f.engine.PlayerView(sc, suspect.ID)
	if err != nil {
		t.Fatalf("player view: %v", err)
	}
	if len(view.Rounds) != 0 {
		t.Fatalf("expected no rounds at briefing, got %d", len(view.Rounds))
	}
	if _, err := f.engine.SetStage(f.ctx, sc, game.StageClueB); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	view, _ = f.engine.PlayerView(sc, suspect.ID)
	if len(view.Rounds) != 2 {
		t.Fatalf("expected two rounds at clue_b, got %d", len(view.Rounds))
	}
	view, _ = f.engine.PlayerView(sc, culprit.ID)
	if len(view.Rounds) != 3 || view.Package.Master == nil {
		t.Fatalf("culprit should see every round and the master clues, got %+v", view)
	}

	if _, err := f.store.UpdatePlayer(f.ctx, suspect.ID, interfaces.Fields{"clue_summary": "{broken"}); err != nil {
		t.Fatalf("corrupt package: %v", err)
	}
	if _, err := f.engine.RefreshRoster(f.ctx, sc); err != nil {
		t.Fatalf("refresh roster: %v", err)
	}
	view, err = f.engine.PlayerView(sc, suspect.ID)
	if err != nil || view.Package != nil || len(view.Rounds) != 0 {
		t.Fatalf("expected an empty view for a broken package, got %+v %v", view, err)
	}
}

func TestPublicRosterRevealsRolesAtResult(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	for _, p := range f.engine.PublicRoster(sc) {
		if p.Role != "" {
			t.Fatalf("role of %s leaked during play", p.Name)
		}
	}
	if _, err := f.engine.EndSessionNow(f.ctx, sc, ""); err != nil {
		t.Fatalf("end session: %v", err)
	}
	for _, p := range f.engine.PublicRoster(sc) {
		if p.Role == "" || p.Role == game.RoleUnassigned {
			t.Fatalf("role of %s hidden after the result", p.Name)
		}
	}
}

func TestPostChatRoles(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.lobby(1)
	players := f.players(sc.Code())

	msg, err := f.engine.PostChat(f.ctx, sc, players[0].ID, "  welcome  ")
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	if msg.Role != "host" || msg.Message != "welcome" {
		t.Fatalf("unexpected host message %+v", msg)
	}
	msg, err = f.engine.PostChat(f.ctx, sc, players[1].ID, "hi")
	if err != nil || msg.Role != "player" {
		t.Fatalf("unexpected player message %+v %v", msg, err)
	}
	if _, err := f.engine.PostChat(f.ctx, sc, players[1].ID, " "); CodeOf(err) != CodePrecondition {
		t.Fatalf("expected empty message rejected, got %v", err)
	}
	if f.events.count(interfaces.EventChatPosted) != 2 {
		t.Fatal("expected two chat events")
	}
}

func TestEnsureStageScheduleRearmsDeadline(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	session := f.session(sc.Code())
	if _, err := f.store.UpdateSession(f.ctx, session.ID, interfaces.Fields{
		"stage_deadline_at":  nil,
		"auto_stage_enabled": false,
	}); err != nil {
		t.Fatalf("drop deadline: %v", err)
	}
	refreshed, err := f.engine.RefreshSession(f.ctx, sc)
	if err != nil {
		t.Fatalf("refresh session: %v", err)
	}
	if refreshed.StageDeadlineAt == nil || !refreshed.AutoStageEnabled || !sc.HasTask(TaskDeadline) {
		t.Fatalf("deadline not re-armed: %+v", refreshed)
	}
}

func TestDeadlineTimerAdvancesStage(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Timeline = game.NewTimeline(map[game.Stage]time.Duration{game.StageBriefing: time.Millisecond})
		o.Now = time.Now
	})
	sc := f.started(2)

	deadline := time.Now().Add(2 * time.Second)
	for sc.Session().Stage != game.StageClueA {
		if time.Now().After(deadline) {
			t.Fatalf("briefing did not expire, stage %s", sc.Session().Stage)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenSessionResumesFromStore(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)

	other := New(Options{Store: f.store, Scenarios: f.engine.Scenarios(), Rand: rand.New(rand.NewSource(1))})
	t.Cleanup(other.Close)
	resumed, err := other.OpenSession(f.ctx, sc.Code())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if resumed.Session().Stage != game.StageBriefing || len(resumed.Roster()) != 3 {
		t.Fatalf("unexpected resumed context %+v", resumed.Session())
	}
	again, _ := other.OpenSession(f.ctx, sc.Code())
	if again != resumed {
		t.Fatal("expected the registered context to be reused")
	}
}

func TestSessionContextTasksReplaceSameKind(t *testing.T) {
	sc := NewSessionContext(&models.Session{Code: "TASK01"})
	defer sc.Close()

	fired := atomic.NewInt32(0)
	sc.StartTimer(TaskDeadline, 50*time.Millisecond, func(context.Context) { fired.Add(1) })
	sc.StartTimer(TaskDeadline, time.Millisecond, func(context.Context) { fired.Add(10) })

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 10 {
		t.Fatalf("expected only the replacement timer to fire, got %d", got)
	}
	if sc.HasTask(TaskDeadline) {
		t.Fatal("finished timer still registered")
	}

	sc.StartTimer(TaskBotBroadcast, time.Hour, func(context.Context) {})
	sc.Close()
	if sc.HasTask(TaskBotBroadcast) {
		t.Fatal("close left a task behind")
	}
	sc.StartTimer(TaskBotBroadcast, time.Millisecond, func(context.Context) { fired.Add(100) })
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 10 {
		t.Fatal("closed context started a task")
	}
}

func TestSessionPollKeepsCommittedTransition(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)

	read := make(chan struct{})
	release := make(chan struct{})
	f.store.holdSessionReads(func() {
		close(read)
		<-release
	})
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.RefreshSession(f.ctx, sc)
		done <- err
	}()
	<-read
	f.store.holdSessionReads(nil)

	if _, err := f.engine.SetStage(f.ctx, sc, game.StageClueA); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("refresh session: %v", err)
	}
	if got := sc.Session().Stage; got != game.StageClueA {
		t.Fatalf("poll rolled the snapshot back to %s", got)
	}

	if _, err := f.engine.AutoAdvance(f.ctx, sc); err != nil {
		t.Fatalf("auto advance: %v", err)
	}
	if got := f.session(sc.Code()).Stage; got != game.StageDiscussionA {
		t.Fatalf("expected discussion_a in the store, got %s", got)
	}
}

func TestSessionPollSkippedDuringTransition(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)
	session := f.session(sc.Code())
	if _, err := f.store.UpdateSession(f.ctx, session.ID, interfaces.Fields{"stage": game.StageClueB}); err != nil {
		t.Fatalf("write stage: %v", err)
	}

	sc.transitioning.Store(true)
	if _, err := f.engine.RefreshSession(f.ctx, sc); err != nil {
		t.Fatalf("refresh session: %v", err)
	}
	if got := sc.Session().Stage; got != game.StageBriefing {
		t.Fatalf("snapshot replaced during a transition: %s", got)
	}
	if _, err := f.engine.EnsureStageSchedule(f.ctx, sc); CodeOf(err) != CodeInFlight {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	sc.transitioning.Store(false)

	if _, err := f.engine.RefreshSession(f.ctx, sc); err != nil {
		t.Fatalf("refresh session: %v", err)
	}
	if got := sc.Session().Stage; got != game.StageClueB {
		t.Fatalf("expected clue_b after the transition ended, got %s", got)
	}
}

func TestFinishedSessionStopsBackgroundTasks(t *testing.T) {
	pollers := []TaskKind{TaskSessionPoll, TaskRosterPoll, TaskChatPoll, TaskHeartbeat}
	polling := func(o *Options) {
		o.SessionPoll = time.Hour
		o.RosterPoll = time.Hour
		o.ChatPoll = time.Hour
		o.HeartbeatInterval = time.Hour
	}

	tests := []struct {
		name   string
		finish func(f *fixture, sc *SessionContext) error
	}{
		{"ended by host", func(f *fixture, sc *SessionContext) error {
			_, err := f.engine.EndSessionNow(f.ctx, sc, "")
			return err
		}},
		{"voting closed", func(f *fixture, sc *SessionContext) error {
			if _, err := f.engine.BeginVoting(f.ctx, sc); err != nil {
				return err
			}
			_, err := f.engine.CloseVoting(f.ctx, sc)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, polling)
			sc := f.started(2)
			if _, err := f.engine.SetStage(f.ctx, sc, game.StageDiscussionA); err != nil {
				t.Fatalf("set stage: %v", err)
			}
			for _, kind := range append(pollers, TaskDeadline, TaskBotBroadcast) {
				if !sc.HasTask(kind) {
					t.Fatalf("expected %s scheduled before the end", kind)
				}
			}

			if err := tt.finish(f, sc); err != nil {
				t.Fatalf("finish: %v", err)
			}
			for _, kind := range append(pollers, TaskDeadline, TaskBotBroadcast) {
				if sc.HasTask(kind) {
					t.Fatalf("%s still scheduled after the end", kind)
				}
			}
			if !sc.Retired() {
				t.Fatal("expected the context retired")
			}
			if _, ok := f.engine.Registry().Get(sc.Code()); ok {
				t.Fatal("finished session still registered")
			}

			reopened, err := f.engine.OpenSession(f.ctx, sc.Code())
			if err != nil {
				t.Fatalf("open finished session: %v", err)
			}
			if !reopened.Session().IsFinished() || len(reopened.Roster()) != 3 {
				t.Fatalf("unexpected reopened context %+v", reopened.Session())
			}
			for _, kind := range pollers {
				if reopened.HasTask(kind) {
					t.Fatalf("reopened finished session started %s", kind)
				}
			}
			if _, ok := f.engine.Registry().Get(sc.Code()); ok {
				t.Fatal("reopened finished session registered")
			}
		})
	}
}

func TestPlayerViewHidesExposedUntilRoundsUnlock(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.started(2)

	var suspect models.Player
	for _, p := range f.players(sc.Code()) {
		if p.Role != game.RoleCulprit {
			suspect = p
			break
		}
	}
	pkg := &game.CluePackage{
		Type:    game.RoleSuspect,
		Rounds:  []game.ClueRound{{Stage: game.StageClueA, Label: "Clue A", Truths: []string{"the lights failed"}}},
		Exposed: []string{"seen at the stage door"},
	}
	encoded, err := pkg.Encode()
	if err != nil {
		t.Fatalf("encode package: %v", err)
	}
	if _, err := f.store.UpdatePlayer(f.ctx, suspect.ID, interfaces.Fields{"clue_summary": encoded}); err != nil {
		t.Fatalf("write package: %v", err)
	}
	if _, err := f.engine.RefreshRoster(f.ctx, sc); err != nil {
		t.Fatalf("refresh roster: %v", err)
	}

	view, err := f.engine.PlayerView(sc, suspect.ID)
	if err != nil {
		t.Fatalf("player view: %v", err)
	}
	if view.Package == nil || len(view.Package.Exposed) != 0 {
		t.Fatalf("exposed notes shown during the briefing: %+v", view.Package)
	}

	if _, err := f.engine.SetStage(f.ctx, sc, game.StageClueA); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	view, err = f.engine.PlayerView(sc, suspect.ID)
	if err != nil {
		t.Fatalf("player view: %v", err)
	}
	if len(view.Package.Exposed) != 1 || len(view.Rounds) != 1 {
		t.Fatalf("expected exposed notes with the first round, got %+v", view.Package)
	}
}

// guardNarrator records whether any line was narrated while the session's
// transition guard was held.
type guardNarrator struct {
	mu       sync.Mutex
	inFlight func() bool
	lines    int
	guarded  int
}

func (n *guardNarrator) watch(fn func() bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inFlight = fn
}

func (n *guardNarrator) Narrate(_ context.Context, line interfaces.BotLine) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines++
	if n.inFlight != nil && n.inFlight() {
		n.guarded++
	}
	return line.Text, nil
}

func TestBotIntrosPostedOutsideTransitionGuard(t *testing.T) {
	narrator := &guardNarrator{}
	f := newFixture(t, func(o *Options) { o.Narrator = narrator })
	sc := f.lobby(2)
	if _, err := f.engine.AddBot(f.ctx, sc); err != nil {
		t.Fatalf("add bot: %v", err)
	}
	narrator.watch(sc.InFlight)

	if _, err := f.engine.StartGame(f.ctx, sc); err != nil {
		t.Fatalf("start game: %v", err)
	}
	if _, err := f.engine.AssignRoles(f.ctx, sc); err != nil {
		t.Fatalf("assign roles: %v", err)
	}
	narrator.mu.Lock()
	defer narrator.mu.Unlock()
	if narrator.lines != 2 {
		t.Fatalf("expected one intro per deal, got %d", narrator.lines)
	}
	if narrator.guarded != 0 {
		t.Fatalf("%d intros narrated while the guard was held", narrator.guarded)
	}
}
