package game

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MinCluesPerRound is the smallest number of entries a round may show.
const MinCluesPerRound = 2

type roundTemplate struct {
	stage Stage
	label string
}

var roundTemplates = []roundTemplate{
	{stage: StageClueA, label: "Round 1 clues"},
	{stage: StageClueB, label: "Round 2 clues"},
	{stage: StageClueC, label: "Round 3 clues"},
}

// ClueRound is one presentation round of a player's clues.
type ClueRound struct {
	Stage         Stage    `json:"stage"`
	Label         string   `json:"label"`
	Truths        []string `json:"truths"`
	Misdirections []string `json:"misdirections"`
	Prompts       []string `json:"prompts"`
}

// Len returns the number of entries in the round.
func (r ClueRound) Len() int {
	return len(r.Truths) + len(r.Misdirections) + len(r.Prompts)
}

// CluePools are the raw pools a round set is built from.
type CluePools struct {
	Truths        []string
	Misdirections []string
	Prompts       []string
}

type clueOrigin int

const (
	originTruth clueOrigin = iota
	originMisdirection
	originPrompt
)

type clueItem struct {
	origin clueOrigin
	text   string
}

// BuildRounds splits the pools across the three clue stages. Items keep
// their pool order (truths, misdirections, prompts). Rounds that end up
// with fewer than MinCluesPerRound entries are topped up with recap
// prompts, or a placeholder when every pool is empty.
func BuildRounds(pools CluePools) []ClueRound {
	var queue []clueItem
	push := func(origin clueOrigin, list []string) {
		for _, text := range sanitise(list) {
			queue = append(queue, clueItem{origin: origin, text: text})
		}
	}
	push(originTruth, pools.Truths)
	push(originMisdirection, pools.Misdirections)
	push(originPrompt, pools.Prompts)

	rounds := make([]ClueRound, len(roundTemplates))
	for i, tmpl := range roundTemplates {
		rounds[i] = ClueRound{
			Stage:         tmpl.stage,
			Label:         tmpl.label,
			Truths:        []string{},
			Misdirections: []string{},
			Prompts:       []string{},
		}
	}

	base := len(queue) / len(rounds)
	extra := len(queue) % len(rounds)
	next := 0
	for i := range rounds {
		allocation := base
		if i < extra {
			allocation++
		}
		for n := 0; n < allocation && next < len(queue); n++ {
			rounds[i].add(queue[next])
			next++
		}
	}

	for i := range rounds {
		label := rounds[i].Stage.Label()
		for count := rounds[i].Len(); count < MinCluesPerRound; count++ {
			if len(queue) == 0 {
				rounds[i].Prompts = append(rounds[i].Prompts, fmt.Sprintf("%s note: more clues are coming.", label))
				continue
			}
			recap := queue[(i+count)%len(queue)]
			rounds[i].Prompts = append(rounds[i].Prompts, fmt.Sprintf("%s recap: %s", label, recap.text))
		}
	}
	return rounds
}

func (r *ClueRound) add(item clueItem) {
	switch item.origin {
	case originTruth:
		r.Truths = append(r.Truths, item.text)
	case originMisdirection:
		r.Misdirections = append(r.Misdirections, item.text)
	default:
		r.Prompts = append(r.Prompts, item.text)
	}
}

func sanitise(list []string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// PersonaRef is the public face of a persona.
type PersonaRef struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// MasterClues is the culprit's always-visible knowledge.
type MasterClues struct {
	Truths  []string `json:"truths"`
	Exposed []string `json:"exposed"`
}

// CluePackage is the per-player bundle built at role assignment. Type
// discriminates the variant: only culprit packages carry Master, and
// only non-culprit packages carry Exposed.
type CluePackage struct {
	Type               Role          `json:"type"`
	Persona            PersonaRef    `json:"persona"`
	Briefing           string        `json:"briefing"`
	Rounds             []ClueRound   `json:"rounds"`
	Exposed            []string      `json:"exposed,omitempty"`
	Master             *MasterClues  `json:"master,omitempty"`
	Timeline           []TimelineRef `json:"timeline,omitempty"`
	SuggestedQuestions []string      `json:"suggested_questions,omitempty"`
	KeyConflicts       []string      `json:"key_conflicts,omitempty"`
}

// TimelineRef is a timestamped persona memory.
type TimelineRef struct {
	Time        string `json:"time" yaml:"time"`
	Description string `json:"description" yaml:"description"`
}

// NewCluePackage builds the package for a persona playing the given role.
func NewCluePackage(p Persona, role Role) *CluePackage {
	pkg := &CluePackage{
		Type:               role,
		Persona:            PersonaRef{Name: p.Name, Title: p.Title},
		Briefing:           p.BriefingText(),
		Timeline:           p.Timeline,
		SuggestedQuestions: p.SuggestedQuestions,
		KeyConflicts:       p.KeyConflicts,
	}
	if role == RoleCulprit {
		// The culprit never has truths revealed progressively.
		pkg.Rounds = BuildRounds(CluePools{Misdirections: p.Misdirections, Prompts: p.Prompts})
		pkg.Master = &MasterClues{
			Truths:  nonNil(p.Truths),
			Exposed: nonNil(p.Exposed),
		}
		return pkg
	}
	pkg.Rounds = BuildRounds(CluePools{Truths: p.Truths, Misdirections: p.Misdirections, Prompts: p.Prompts})
	if len(p.Exposed) > 0 {
		pkg.Exposed = p.Exposed
	}
	return pkg
}

// UnlockedRounds returns the rounds visible at the given stage.
func (pkg *CluePackage) UnlockedRounds(current Stage) []ClueRound {
	if pkg == nil || len(pkg.Rounds) == 0 {
		return nil
	}
	if pkg.Type == RoleCulprit {
		return pkg.Rounds
	}
	currentIndex := current.Index()
	if currentIndex < 0 {
		return pkg.Rounds
	}
	var out []ClueRound
	for _, round := range pkg.Rounds {
		roundIndex := round.Stage.Index()
		if roundIndex < 0 || roundIndex <= currentIndex {
			out = append(out, round)
		}
	}
	return out
}

// RoundFor returns the round tied to a stage, if any.
func (pkg *CluePackage) RoundFor(stage Stage) (ClueRound, bool) {
	if pkg == nil {
		return ClueRound{}, false
	}
	for _, round := range pkg.Rounds {
		if round.Stage == stage {
			return round, true
		}
	}
	return ClueRound{}, false
}

// Encode serialises the package for the clue_summary column.
func (pkg *CluePackage) Encode() (string, error) {
	data, err := json.Marshal(pkg)
	if err != nil {
		return "", fmt.Errorf("encode clue package: %w", err)
	}
	return string(data), nil
}

// ParseCluePackage decodes a clue_summary value. An empty value yields
// (nil, nil).
func ParseCluePackage(raw string) (*CluePackage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var pkg CluePackage
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return nil, fmt.Errorf("parse clue package: %w", err)
	}
	return &pkg, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
