package game

import (
	"errors"
	"fmt"
	"math/rand"
)

// Role is a player's secret role.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleDetective  Role = "detective"
	RoleCulprit    Role = "culprit"
	RoleSuspect    Role = "suspect"
)

var roleLabels = map[Role]string{
	RoleUnassigned: "Unassigned",
	RoleDetective:  "Detective",
	RoleCulprit:    "Culprit",
	RoleSuspect:    "Suspect",
}

// Label returns the display label for the role.
func (r Role) Label() string {
	if label, ok := roleLabels[r]; ok {
		return label
	}
	return string(r)
}

var (
	// ErrNotEnoughPlayers is returned when fewer than two players are seated.
	ErrNotEnoughPlayers = errors.New("at least two players are required")
	// ErrMissingPersonas is returned when the scenario lacks a role pool.
	ErrMissingPersonas = errors.New("scenario needs a detective, a culprit and at least one suspect persona")
)

// Persona is a scenario-authored character template.
type Persona struct {
	Name               string        `yaml:"name" json:"name"`
	Title              string        `yaml:"title" json:"title"`
	Briefing           string        `yaml:"briefing" json:"briefing"`
	Summary            string        `yaml:"summary" json:"summary,omitempty"`
	Truths             []string      `yaml:"truths" json:"truths"`
	Misdirections      []string      `yaml:"misdirections" json:"misdirections"`
	Prompts            []string      `yaml:"prompts" json:"prompts"`
	Exposed            []string      `yaml:"exposed" json:"exposed,omitempty"`
	Timeline           []TimelineRef `yaml:"timeline" json:"timeline,omitempty"`
	SuggestedQuestions []string      `yaml:"suggested_questions" json:"suggested_questions,omitempty"`
	KeyConflicts       []string      `yaml:"key_conflicts" json:"key_conflicts,omitempty"`
}

// BriefingText falls back to the summary when no briefing is written.
func (p Persona) BriefingText() string {
	if p.Briefing != "" {
		return p.Briefing
	}
	return p.Summary
}

// Character is the display label stored on the player record.
func (p Persona) Character() string {
	return fmt.Sprintf("%s · %s", p.Name, p.Title)
}

// RoleSet holds the persona pools of a scenario.
type RoleSet struct {
	Detective []Persona `yaml:"detective" json:"detective"`
	Culprit   []Persona `yaml:"culprit" json:"culprit"`
	Suspects  []Persona `yaml:"suspects" json:"suspects"`
}

// Validate reports whether every pool has at least one persona.
func (rs RoleSet) Validate() error {
	if len(rs.Detective) == 0 || len(rs.Culprit) == 0 || len(rs.Suspects) == 0 {
		return ErrMissingPersonas
	}
	return nil
}

// Seat is a player taking part in role assignment.
type Seat struct {
	PlayerID string
	Name     string
	IsBot    bool
}

// Assignment is the outcome for a single seat.
type Assignment struct {
	Seat    Seat
	Role    Role
	Persona Persona
	Package *CluePackage
}

// AssignRoles shuffles the seats and hands out roles: the first seat is
// the detective, the second the culprit, and every other seat a suspect.
// Suspect personas repeat once the pool runs out. The input slice is not
// modified.
func AssignRoles(seats []Seat, roles RoleSet, rng *rand.Rand) ([]Assignment, error) {
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	if len(seats) < 2 {
		return nil, ErrNotEnoughPlayers
	}

	shuffled := make([]Seat, len(seats))
	copy(shuffled, seats)
	Shuffle(shuffled, rng)

	out := make([]Assignment, 0, len(shuffled))
	detective := roles.Detective[0]
	out = append(out, Assignment{
		Seat:    shuffled[0],
		Role:    RoleDetective,
		Persona: detective,
		Package: NewCluePackage(detective, RoleDetective),
	})
	culprit := roles.Culprit[0]
	out = append(out, Assignment{
		Seat:    shuffled[1],
		Role:    RoleCulprit,
		Persona: culprit,
		Package: NewCluePackage(culprit, RoleCulprit),
	})
	for i, seat := range shuffled[2:] {
		persona := roles.Suspects[i%len(roles.Suspects)]
		out = append(out, Assignment{
			Seat:    seat,
			Role:    RoleSuspect,
			Persona: persona,
			Package: NewCluePackage(persona, RoleSuspect),
		})
	}
	return out, nil
}

// Shuffle is an in-place Fisher-Yates shuffle.
func Shuffle[T any](items []T, rng *rand.Rand) {
	for i := len(items) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}
