package models

import (
	"time"

	"github.com/yungsuk53-pixel/crime/internal/game"
)

// Session represents one running crime scene game.
type Session struct {
	ID               string           `gorm:"primaryKey;size:36" json:"id"`
	Code             string           `gorm:"index;size:12" json:"code"`
	Stage            game.Stage       `gorm:"size:32" json:"stage"`
	Status           game.Status      `gorm:"size:16;index" json:"status"`
	ScenarioID       string           `gorm:"size:64" json:"scenario_id"`
	HostName         string           `gorm:"size:64" json:"host_name"`
	CustomCode       bool             `json:"custom_code"`
	PlayerCount      int              `json:"player_count"`
	RolesAssigned    bool             `json:"roles_assigned"`
	StageStartedAt   time.Time        `json:"stage_started_at"`
	StageDeadlineAt  *time.Time       `json:"stage_deadline_at"`
	AutoStageEnabled bool             `json:"auto_stage_enabled"`
	WinningSide      game.WinningSide `gorm:"size:16" json:"winning_side"`
	VoteSummary      string           `gorm:"type:text" json:"vote_summary"`
	StartedAt        *time.Time       `json:"started_at"`
	EndedAt          *time.Time       `json:"ended_at"`
	LastActivity     time.Time        `json:"last_activity"`
	Deleted          bool             `gorm:"index" json:"deleted"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsFinished reports whether the session reached its result or was closed.
func (s *Session) IsFinished() bool {
	return s.Status == game.StatusResult || s.Status == game.StatusClosed || s.Stage == game.StageResult
}

// IsClosed reports whether the host ended the session.
func (s *Session) IsClosed() bool {
	return s.Status == game.StatusClosed
}

// Player represents a participant seated in a session.
type Player struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	SessionCode  string     `gorm:"index;size:12" json:"session_code"`
	Name         string     `gorm:"size:64" json:"name"`
	Pin          string     `gorm:"size:8" json:"pin"`
	Role         game.Role  `gorm:"size:16" json:"role"`
	Character    string     `gorm:"size:128" json:"character"`
	ClueSummary  string     `gorm:"type:text" json:"clue_summary"`
	RoleBriefing string     `gorm:"type:text" json:"role_briefing"`
	Status       string     `gorm:"size:16" json:"status"`
	IsHost       bool       `json:"is_host"`
	IsBot        bool       `json:"is_bot"`
	LastSeen     *time.Time `json:"last_seen"`
	VoteTarget   string     `gorm:"size:36" json:"vote_target"`
	HasVoted     bool       `json:"has_voted"`
	StageReady   bool       `json:"stage_ready"`
	ReadyStage   game.Stage `gorm:"size:32" json:"ready_stage"`
	Deleted      bool       `gorm:"index" json:"deleted"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const (
	PlayerWaiting = "waiting"
	PlayerActive  = "active"
)

// ChatMessage is one line of session chat.
type ChatMessage struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	SessionCode string    `gorm:"index;size:12" json:"session_code"`
	PlayerName  string    `gorm:"size:64" json:"player_name"`
	Role        string    `gorm:"size:32" json:"role"`
	Message     string    `gorm:"type:text" json:"message"`
	SentAt      time.Time `gorm:"index" json:"sent_at"`
	Deleted     bool      `gorm:"index" json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
