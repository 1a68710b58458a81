package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

const (
	maxNameLength  = 32
	codeAttempts   = 5
	maxChatLength  = 500
	defaultChatMax = 100
)

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	HostName   string `json:"host_name"`
	ScenarioID string `json:"scenario_id"`
	CustomCode string `json:"custom_code,omitempty"`
	// Owner keys the recent sessions list; empty skips remembering.
	Owner string `json:"owner,omitempty"`
}

// CreateSession opens a lobby with its host seated.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionContext, error) {
	hostName, err := cleanName(req.HostName)
	if err != nil {
		return nil, err
	}
	scn, err := e.scenarios.Get(req.ScenarioID)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "unknown scenario " + req.ScenarioID, Cause: err}
	}

	code, custom, err := e.pickCode(ctx, req.CustomCode)
	if err != nil {
		return nil, err
	}

	now := e.now()
	session := &models.Session{
		Code:           code,
		Stage:          game.StageLobby,
		Status:         game.StatusLobby,
		ScenarioID:     scn.ID,
		HostName:       hostName,
		CustomCode:     custom,
		PlayerCount:    1,
		StageStartedAt: now,
		LastActivity:   now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, storeError("create session", err)
	}
	host := &models.Player{
		SessionCode: code,
		Name:        hostName,
		Pin:         e.newPin(),
		Role:        game.RoleUnassigned,
		Status:      models.PlayerWaiting,
		IsHost:      true,
		ReadyStage:  game.StageLobby,
		LastSeen:    &now,
	}
	if err := e.store.CreatePlayer(ctx, host); err != nil {
		return nil, storeError("seat host", err)
	}
	log.Printf("[Engine] Session %s created by %s with scenario %s", code, hostName, scn.ID)

	e.remember(ctx, req.Owner, session, hostName, true)

	sc := e.registry.PutIfAbsent(NewSessionContext(session))
	if _, _, err := e.loadRoster(ctx, sc); err != nil {
		return nil, err
	}
	e.startPolling(sc)
	return sc, nil
}

func (e *Engine) pickCode(ctx context.Context, custom string) (string, bool, error) {
	if strings.TrimSpace(custom) != "" {
		code, err := game.NormalizeCustomCode(custom)
		if err != nil {
			return "", false, &Error{Code: CodePrecondition, Message: "invalid session code", Cause: err}
		}
		taken, err := e.codeTaken(ctx, code)
		if err != nil {
			return "", false, err
		}
		if taken {
			return "", false, newError(CodeConflict, "session code %s is already in use", code)
		}
		return code, true, nil
	}
	for i := 0; i < codeAttempts; i++ {
		var code string
		e.withRand(func(rng *rand.Rand) { code = game.GenerateCode(rng) })
		taken, err := e.codeTaken(ctx, code)
		if err != nil {
			return "", false, err
		}
		if !taken {
			return code, false, nil
		}
	}
	return "", false, newError(CodeConflict, "could not find a free session code after %d attempts", codeAttempts)
}

func (e *Engine) codeTaken(ctx context.Context, code string) (bool, error) {
	found, err := e.store.ListSessions(ctx, interfaces.ListOptions{Search: code, Limit: 1})
	if err != nil {
		return false, storeError("check session code", err)
	}
	return len(found) > 0, nil
}

func (e *Engine) newPin() string {
	return fmt.Sprintf("%06d", 100000+e.intn(900000))
}

// OpenSession returns the live context for code, loading the session and
// its roster when this server does not hold it yet.
func (e *Engine) OpenSession(ctx context.Context, code string) (*SessionContext, error) {
	code = game.NormalizeCode(code)
	if sc, ok := e.registry.Get(code); ok {
		return sc, nil
	}
	session, err := e.findSession(ctx, code)
	if err != nil {
		return nil, err
	}
	sc := NewSessionContext(session)
	if session.IsFinished() {
		// Finished sessions are served read-only, without tasks.
		sc.retire()
		if _, _, err := e.loadRoster(ctx, sc); err != nil {
			return nil, err
		}
		return sc, nil
	}
	if got := e.registry.PutIfAbsent(sc); got != sc {
		return got, nil
	}
	if _, _, err := e.loadRoster(ctx, sc); err != nil {
		e.registry.Remove(code)
		return nil, err
	}
	if _, err := e.EnsureStageSchedule(ctx, sc); err != nil {
		log.Printf("[Engine] Could not re-arm %s on open: %v", code, err)
	}
	e.armDeadline(sc)
	e.startPolling(sc)
	log.Printf("[Engine] Session %s opened at %s", code, session.Stage)
	return sc, nil
}

// Join seats name in the session, or returns the existing player of that
// name. New players are refused once the session has a result.
func (e *Engine) Join(ctx context.Context, code, name, owner string) (*SessionContext, *models.Player, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, nil, err
	}
	sc, err := e.OpenSession(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	players, _, err := e.loadRoster(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	session := sc.Session()
	for i := range players {
		if strings.EqualFold(players[i].Name, name) {
			e.remember(ctx, owner, session, players[i].Name, players[i].IsHost)
			return sc, &players[i], nil
		}
	}
	if session.IsFinished() {
		return nil, nil, newError(CodePrecondition, "session %s has ended, new players cannot join", sc.code)
	}

	player, err := e.seatPlayer(ctx, sc, name, false)
	if err != nil {
		return nil, nil, err
	}
	e.remember(ctx, owner, session, player.Name, false)
	return sc, player, nil
}

// AddPlayer seats a player from the host console.
func (e *Engine) AddPlayer(ctx context.Context, sc *SessionContext, name string) (*models.Player, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	var out *models.Player
	err = e.guarded(ctx, sc, func() error {
		if err := e.requireLobby(sc); err != nil {
			return err
		}
		if _, _, err := e.loadRoster(ctx, sc); err != nil {
			return err
		}
		out, err = e.seatPlayer(ctx, sc, name, false)
		return err
	})
	return out, err
}

// AddBot seats the next BOT-NN player.
func (e *Engine) AddBot(ctx context.Context, sc *SessionContext) (*models.Player, error) {
	var out *models.Player
	err := e.guarded(ctx, sc, func() error {
		if err := e.requireLobby(sc); err != nil {
			return err
		}
		players, _, err := e.loadRoster(ctx, sc)
		if err != nil {
			return err
		}
		out, err = e.seatPlayer(ctx, sc, nextBotName(players), true)
		return err
	})
	return out, err
}

func nextBotName(players []models.Player) string {
	bots := 0
	for _, p := range players {
		if p.IsBot {
			bots++
		}
	}
	for n := bots + 1; ; n++ {
		name := fmt.Sprintf("BOT-%02d", n)
		if !nameTaken(players, name) {
			return name
		}
	}
}

func nameTaken(players []models.Player, name string) bool {
	for _, p := range players {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

// seatPlayer creates a player record. The roster snapshot must be fresh.
func (e *Engine) seatPlayer(ctx context.Context, sc *SessionContext, name string, bot bool) (*models.Player, error) {
	session := sc.Session()
	roster := sc.Roster()
	if nameTaken(roster, name) {
		return nil, newError(CodeConflict, "%s is already seated", name)
	}
	if scn, err := e.scenarioFor(session); err == nil && scn.PlayerRange.Max > 0 && len(roster) >= scn.PlayerRange.Max {
		return nil, newError(CodePrecondition, "%s seats at most %d players", scn.Title, scn.PlayerRange.Max)
	}

	now := e.now()
	p := &models.Player{
		SessionCode: sc.code,
		Name:        name,
		Role:        game.RoleUnassigned,
		Status:      models.PlayerWaiting,
		IsBot:       bot,
		ReadyStage:  session.Stage,
		LastSeen:    &now,
	}
	if session.Stage != game.StageLobby {
		p.Status = models.PlayerActive
	}
	if bot {
		p.Pin = BotPin
		p.Character = BotCharacter
		p.RoleBriefing = BotRoleBriefing
	} else {
		p.Pin = e.newPin()
	}
	if err := e.store.CreatePlayer(ctx, p); err != nil {
		return nil, storeError("seat player", err)
	}
	if session.Stage == game.StageLobby {
		if err := e.markRolesUnassigned(ctx, sc); err != nil {
			return nil, err
		}
	}
	if _, err := e.RefreshRoster(ctx, sc); err != nil {
		return nil, err
	}
	log.Printf("[Engine] Session %s: seated %s", sc.code, name)
	return p, nil
}

func (e *Engine) requireLobby(sc *SessionContext) error {
	session, err := liveSession(sc)
	if err != nil {
		return err
	}
	if session.Stage != game.StageLobby {
		return newError(CodePrecondition, "players can only be changed in the lobby")
	}
	return nil
}

// ChangeScenario swaps the lobby's scenario and clears dealt roles.
func (e *Engine) ChangeScenario(ctx context.Context, sc *SessionContext, scenarioID string) (*models.Session, error) {
	scn, err := e.scenarios.Get(scenarioID)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "unknown scenario " + scenarioID, Cause: err}
	}
	var out *models.Session
	err = e.guarded(ctx, sc, func() error {
		if err := e.requireLobby(sc); err != nil {
			return err
		}
		session := sc.Session()
		updated, err := e.store.UpdateSession(ctx, session.ID, interfaces.Fields{
			"scenario_id":    scn.ID,
			"roles_assigned": false,
			"last_activity":  e.now(),
		})
		if err != nil {
			return storeError("change scenario", err)
		}
		sc.setSession(updated)
		if err := e.resetAssignments(ctx, sc); err != nil {
			return err
		}
		out = sc.Session()
		return nil
	})
	return out, err
}

// ResetPlayers removes every player from the session.
func (e *Engine) ResetPlayers(ctx context.Context, sc *SessionContext) error {
	return e.guarded(ctx, sc, func() error {
		if _, err := liveSession(sc); err != nil {
			return err
		}
		players, _, err := e.loadRoster(ctx, sc)
		if err != nil {
			return err
		}
		for _, p := range players {
			if err := e.store.RemovePlayer(ctx, p.ID); err != nil {
				return storeError("remove "+p.Name, err)
			}
		}
		updated, err := e.store.UpdateSession(ctx, sc.Session().ID, interfaces.Fields{
			"roles_assigned": false,
			"player_count":   0,
			"last_activity":  e.now(),
		})
		if err != nil {
			return storeError("reset players", err)
		}
		sc.setSession(updated)
		sc.setRoster(nil)
		log.Printf("[Engine] Session %s: removed %d players", sc.code, len(players))
		e.publish(sc, interfaces.EventRosterChanged, nil)
		return nil
	})
}

// ResetAssignments clears every player's role, clues and votes.
func (e *Engine) ResetAssignments(ctx context.Context, sc *SessionContext) error {
	return e.guarded(ctx, sc, func() error {
		if _, err := liveSession(sc); err != nil {
			return err
		}
		return e.resetAssignments(ctx, sc)
	})
}

func (e *Engine) resetAssignments(ctx context.Context, sc *SessionContext) error {
	players, _, err := e.loadRoster(ctx, sc)
	if err != nil {
		return err
	}
	stage := sc.Session().Stage
	for _, p := range players {
		fields := interfaces.Fields{
			"role":         game.RoleUnassigned,
			"clue_summary": "",
			"vote_target":  "",
			"has_voted":    false,
			"stage_ready":  false,
			"ready_stage":  stage,
		}
		if !p.IsBot {
			fields["character"] = ""
			fields["role_briefing"] = ""
		} else {
			fields["character"] = BotCharacter
			fields["role_briefing"] = BotRoleBriefing
		}
		updated, err := e.store.UpdatePlayer(ctx, p.ID, fields)
		if err != nil {
			return storeError("clear assignment of "+p.Name, err)
		}
		sc.updateRosterPlayer(updated)
	}
	session := sc.Session()
	if session.RolesAssigned {
		if err := e.markRolesUnassigned(ctx, sc); err != nil {
			return err
		}
	}
	e.publish(sc, interfaces.EventRosterChanged, nil)
	return nil
}

// Heartbeat marks a player as present.
func (e *Engine) Heartbeat(ctx context.Context, sc *SessionContext, playerID string) (*models.Player, error) {
	session := sc.Session()
	if session == nil {
		return nil, newError(CodeNotFound, "session %s not loaded", sc.code)
	}
	player, ok := sc.Player(playerID)
	if !ok {
		return nil, newError(CodeNotFound, "player %s is not in session %s", playerID, sc.code)
	}
	if session.IsFinished() {
		return &player, nil
	}
	status := models.PlayerActive
	if session.Stage == game.StageLobby {
		status = models.PlayerWaiting
	}
	updated, err := e.store.UpdatePlayer(ctx, playerID, interfaces.Fields{
		"last_seen": e.now(),
		"status":    status,
	})
	if err != nil {
		return nil, storeError("heartbeat", err)
	}
	sc.updateRosterPlayer(updated)
	return updated, nil
}

// RefreshRoster reloads the roster, applies the roster driven moves and
// keeps player_count in sync. It reports whether the roster changed.
func (e *Engine) RefreshRoster(ctx context.Context, sc *SessionContext) (bool, error) {
	players, changed, err := e.loadRoster(ctx, sc)
	if err != nil {
		return false, err
	}
	if _, err := e.OnRosterRefresh(ctx, sc, players); err != nil {
		log.Printf("[Engine] Roster driven move in %s failed: %v", sc.code, err)
	}
	if session := sc.Session(); session != nil && !session.IsFinished() && session.PlayerCount != len(players) {
		updated, err := e.store.UpdateSession(ctx, session.ID, interfaces.Fields{"player_count": len(players)})
		if err != nil {
			return changed, storeError("update player count", err)
		}
		sc.setSession(updated)
	}
	if changed {
		e.publish(sc, interfaces.EventRosterChanged, nil)
	}
	return changed, nil
}

// RefreshSession reloads the session written by other servers and keeps
// the deadline timer aligned with it. It leaves the snapshot alone while a
// transition is running or when the record read is older than the snapshot.
func (e *Engine) RefreshSession(ctx context.Context, sc *SessionContext) (*models.Session, error) {
	if sc.InFlight() {
		return sc.Session(), nil
	}
	version := sc.sessionVersion()
	session, err := e.findSession(ctx, sc.code)
	if err != nil {
		return nil, err
	}
	before, ok := sc.acceptSession(session, version)
	if !ok {
		e.debugf("[Engine] Session %s: stale poll result dropped", sc.code)
		return sc.Session(), nil
	}

	if before != nil && before.Stage != session.Stage {
		e.publish(sc, interfaces.EventStageChanged, StageChange{
			From:       before.Stage,
			To:         session.Stage,
			Label:      session.Stage.Label(),
			Status:     session.Status,
			DeadlineAt: session.StageDeadlineAt,
			Silent:     true,
		})
	}
	if session.IsFinished() {
		e.retire(sc)
		return sc.Session(), nil
	}

	rearmed, err := e.EnsureStageSchedule(ctx, sc)
	if err != nil && CodeOf(err) != CodeInFlight {
		return nil, err
	}
	if !rearmed && (before == nil || !sameDeadline(before.StageDeadlineAt, session.StageDeadlineAt) || before.Stage != session.Stage) {
		e.armDeadline(sc)
	}
	return sc.Session(), nil
}

func sameDeadline(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// PostChat posts a message on behalf of a seated player.
func (e *Engine) PostChat(ctx context.Context, sc *SessionContext, playerID, message string) (*models.ChatMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, newError(CodePrecondition, "message is empty")
	}
	if utf8.RuneCountInString(message) > maxChatLength {
		return nil, newError(CodePrecondition, "message is longer than %d characters", maxChatLength)
	}
	if _, err := liveSession(sc); err != nil {
		return nil, err
	}
	player, ok := sc.Player(playerID)
	if !ok {
		return nil, newError(CodeNotFound, "player %s is not in session %s", playerID, sc.code)
	}
	return e.createChat(ctx, sc, player.Name, chatRole(player), message)
}

// ListChat returns the newest messages of a session, oldest first.
func (e *Engine) ListChat(ctx context.Context, code string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultChatMax
	}
	msgs, err := e.store.ListChatMessages(ctx, interfaces.ListOptions{
		SessionCode: game.NormalizeCode(code),
		Limit:       limit,
	})
	if err != nil {
		return nil, storeError("list chat", err)
	}
	return msgs, nil
}

func (e *Engine) createChat(ctx context.Context, sc *SessionContext, name, role, message string) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		SessionCode: sc.code,
		PlayerName:  name,
		Role:        role,
		Message:     message,
		SentAt:      e.now(),
	}
	if err := e.store.CreateChatMessage(ctx, msg); err != nil {
		return nil, storeError("post chat", err)
	}
	sc.noteChat(msg.SentAt)
	e.publish(sc, interfaces.EventChatPosted, msg)
	return msg, nil
}

func chatRole(p models.Player) string {
	switch {
	case p.IsHost:
		return "host"
	case p.IsBot:
		if p.Character != "" {
			return p.Character
		}
		return p.Role.Label()
	case p.Role != "" && p.Role != game.RoleUnassigned:
		return p.Role.Label()
	default:
		return "player"
	}
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", newError(CodePrecondition, "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", newError(CodePrecondition, "name is longer than %d characters", maxNameLength)
	}
	return name, nil
}
