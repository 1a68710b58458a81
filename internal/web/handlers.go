package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yungsuk53-pixel/crime/internal/engine"
	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handlers struct {
	engine *engine.Engine
	hub    *SessionHub
}

func NewHandlers(eng *engine.Engine, hub *SessionHub) *Handlers {
	return &Handlers{engine: eng, hub: hub}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func NewRouter(eng *engine.Engine, hub *SessionHub) *chi.Mux {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("[HTTP] %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})
	r.Use(corsMiddleware)

	h := NewHandlers(eng, hub)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/scenarios", h.ListScenarios)
		r.Get("/recent", h.RecentSessions)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)

			r.Route("/{code}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/join", h.Join)
				r.Post("/start", h.StartGame)
				r.Post("/stage", h.SetStage)
				r.Post("/voting", h.BeginVoting)
				r.Post("/voting/close", h.CloseVoting)
				r.Post("/end", h.EndSession)
				r.Put("/scenario", h.ChangeScenario)
				r.Delete("/assignments", h.ResetAssignments)

				r.Get("/players", h.ListPlayers)
				r.Post("/players", h.AddPlayer)
				r.Delete("/players", h.ResetPlayers)
				r.Post("/bots", h.AddBot)

				r.Route("/players/{playerID}", func(r chi.Router) {
					r.Get("/view", h.PlayerView)
					r.Post("/ready", h.ToggleReady)
					r.Post("/vote", h.SubmitVote)
					r.Post("/heartbeat", h.Heartbeat)
				})

				r.Get("/chat", h.ListChat)
				r.Post("/chat", h.PostChat)

				r.Get("/events", h.Events)
			})
		})
	})

	return r
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "crime-scene",
	})
}

// sessionView is the shared session payload.
type sessionView struct {
	Session *models.Session       `json:"session"`
	Players []engine.PublicPlayer `json:"players"`
	Ready   game.ReadyTally       `json:"ready"`
}

func (h *Handlers) view(sc *engine.SessionContext) sessionView {
	return sessionView{
		Session: sc.Session(),
		Players: h.engine.PublicRoster(sc),
		Ready:   h.engine.ReadySummary(sc),
	}
}

func (h *Handlers) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Scenarios().List())
}

func (h *Handlers) RecentSessions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner is required"})
		return
	}
	entries, err := h.engine.ResumableSessions(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type createResponse struct {
	sessionView
	Host *models.Player `json:"host"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	sc, err := h.engine.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := createResponse{sessionView: h.view(sc)}
	for _, p := range sc.Roster() {
		if p.IsHost {
			host := p
			resp.Host = &host
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(sc))
}

type joinRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	sc, player, err := h.engine.Join(r.Context(), chi.URLParam(r, "code"), req.Name, req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": sc.Session(),
		"player":  player,
	})
}

func (h *Handlers) StartGame(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return h.engine.StartGame(r.Context(), sc)
	})
}

type stageRequest struct {
	Stage game.Stage `json:"stage"`
}

func (h *Handlers) SetStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !decode(w, r, &req) {
		return
	}
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return h.engine.SetStage(r.Context(), sc, req.Stage)
	})
}

func (h *Handlers) BeginVoting(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return h.engine.BeginVoting(r.Context(), sc)
	})
}

func (h *Handlers) CloseVoting(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return h.engine.CloseVoting(r.Context(), sc)
	})
}

type endRequest struct {
	Summary string `json:"summary"`
}

func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return h.engine.EndSessionNow(r.Context(), sc, req.Summary)
	})
}

type scenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

func (h *Handlers) ChangeScenario(w http.ResponseWriter, r *http.Request) {
	var req scenarioRequest
	if !decode(w, r, &req) {
		return
	}
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return h.engine.ChangeScenario(r.Context(), sc, req.ScenarioID)
	})
}

func (h *Handlers) ResetAssignments(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return sc.Session(), h.engine.ResetAssignments(r.Context(), sc)
	})
}

func (h *Handlers) ResetPlayers(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, func(sc *engine.SessionContext) (*models.Session, error) {
		return sc.Session(), h.engine.ResetPlayers(r.Context(), sc)
	})
}

func (h *Handlers) ListPlayers(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	if _, err := h.engine.RefreshRoster(r.Context(), sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.PublicRoster(sc))
}

type playerRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) AddPlayer(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !decode(w, r, &req) {
		return
	}
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	player, err := h.engine.AddPlayer(r.Context(), sc, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, player)
}

func (h *Handlers) AddBot(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	bot, err := h.engine.AddBot(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func (h *Handlers) PlayerView(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	view, err := h.engine.PlayerView(sc, chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) ToggleReady(w http.ResponseWriter, r *http.Request) {
	h.playerAction(w, r, func(sc *engine.SessionContext, playerID string) (*models.Player, error) {
		return h.engine.ToggleReady(r.Context(), sc, playerID)
	})
}

type voteRequest struct {
	TargetID string `json:"target_id"`
}

func (h *Handlers) SubmitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	h.playerAction(w, r, func(sc *engine.SessionContext, playerID string) (*models.Player, error) {
		return h.engine.SubmitVote(r.Context(), sc, playerID, req.TargetID)
	})
}

func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.playerAction(w, r, func(sc *engine.SessionContext, playerID string) (*models.Player, error) {
		return h.engine.Heartbeat(r.Context(), sc, playerID)
	})
}

func (h *Handlers) ListChat(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive number"})
			return
		}
		limit = n
	}
	msgs, err := h.engine.ListChat(r.Context(), chi.URLParam(r, "code"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type chatRequest struct {
	PlayerID string `json:"player_id"`
	Message  string `json:"message"`
}

func (h *Handlers) PostChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	msg, err := h.engine.PostChat(r.Context(), sc, req.PlayerID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Events upgrades to a WebSocket that streams the session's events.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		Code: sc.Code(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}
	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":         "connected",
		"id":           client.ID,
		"session_code": sc.Code(),
		"payload":      h.view(sc),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

func (h *Handlers) open(w http.ResponseWriter, r *http.Request) (*engine.SessionContext, bool) {
	sc, err := h.engine.OpenSession(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sc, true
}

func (h *Handlers) sessionAction(w http.ResponseWriter, r *http.Request, fn func(*engine.SessionContext) (*models.Session, error)) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	if _, err := fn(sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(sc))
}

func (h *Handlers) playerAction(w http.ResponseWriter, r *http.Request, fn func(*engine.SessionContext, string) (*models.Player, error)) {
	sc, ok := h.open(w, r)
	if !ok {
		return
	}
	player, err := fn(sc, chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

// writeError maps engine error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch engine.CodeOf(err) {
	case engine.CodeNotFound:
		status = http.StatusNotFound
	case engine.CodePrecondition:
		status = http.StatusUnprocessableEntity
	case engine.CodeConflict, engine.CodeInFlight:
		status = http.StatusConflict
	case engine.CodeStore:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[HTTP] Request failed: %v", err)
	}
	body := map[string]string{"error": err.Error()}
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		body["code"] = string(engErr.Code)
	}
	writeJSON(w, status, body)
}
