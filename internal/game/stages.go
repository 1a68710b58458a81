// Package game holds the pure rules of a crime scene session: the stage
// timeline, clue distribution, role assignment, ready quorum and vote tally.
// Nothing in this package touches storage or clocks.
package game

import "time"

// Stage is one named phase of the session timeline.
type Stage string

const (
	StageLobby           Stage = "lobby"
	StageBriefing        Stage = "briefing"
	StageClueA           Stage = "clue_a"
	StageDiscussionA     Stage = "discussion_a"
	StageClueB           Stage = "clue_b"
	StageDiscussionB     Stage = "discussion_b"
	StageClueC           Stage = "clue_c"
	StageFinalDiscussion Stage = "final_discussion"
	StageVoting          Stage = "voting"
	StageResult          Stage = "result"

	// StageVerdict is referenced by older sessions but is not part of the
	// timeline. Sessions that reach it need manual recovery.
	StageVerdict Stage = "verdict"
)

// Status is the display state derived from the stage.
type Status string

const (
	StatusLobby      Status = "lobby"
	StatusInProgress Status = "in_progress"
	StatusVoting     Status = "voting"
	StatusResult     Status = "result"
	StatusClosed     Status = "closed"
)

// StageOrder is the fixed session timeline.
var StageOrder = []Stage{
	StageLobby,
	StageBriefing,
	StageClueA,
	StageDiscussionA,
	StageClueB,
	StageDiscussionB,
	StageClueC,
	StageFinalDiscussion,
	StageVoting,
	StageResult,
}

// DefaultStageDurations are the configured stage lengths.
var DefaultStageDurations = map[Stage]time.Duration{
	StageLobby:           0,
	StageBriefing:        5 * time.Minute,
	StageClueA:           6 * time.Minute,
	StageDiscussionA:     8 * time.Minute,
	StageClueB:           6 * time.Minute,
	StageDiscussionB:     8 * time.Minute,
	StageClueC:           6 * time.Minute,
	StageFinalDiscussion: 9 * time.Minute,
	StageVoting:          3 * time.Minute,
	StageResult:          0,
}

var stageLabels = map[Stage]string{
	StageLobby:           "Lobby",
	StageBriefing:        "Briefing",
	StageClueA:           "First clues",
	StageDiscussionA:     "First discussion",
	StageClueB:           "Second clues",
	StageDiscussionB:     "Second discussion",
	StageClueC:           "Third clues",
	StageFinalDiscussion: "Final discussion",
	StageVoting:          "Final vote",
	StageResult:          "Result",
}

var stageStatus = map[Stage]Status{
	StageLobby:           StatusLobby,
	StageBriefing:        StatusInProgress,
	StageClueA:           StatusInProgress,
	StageDiscussionA:     StatusInProgress,
	StageClueB:           StatusInProgress,
	StageDiscussionB:     StatusInProgress,
	StageClueC:           StatusInProgress,
	StageFinalDiscussion: StatusInProgress,
	StageVoting:          StatusVoting,
	StageResult:          StatusResult,
}

// Label returns the display label, falling back to the raw stage name.
func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	if s == "" {
		return "-"
	}
	return string(s)
}

// Index returns the stage position in StageOrder, or -1.
func (s Stage) Index() int {
	for i, stage := range StageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether the stage is part of the timeline.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the following stage by position. ok is false for the last
// stage and for stages outside the timeline.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// Status returns the status a session shows while in this stage.
func (s Stage) Status() (Status, bool) {
	status, ok := stageStatus[s]
	return status, ok
}

// IsTerminal reports whether the stage ends the timeline.
func (s Stage) IsTerminal() bool {
	return s == StageResult
}

// IsDiscussion reports whether bots should share clues in this stage.
func (s Stage) IsDiscussion() bool {
	return s == StageDiscussionA || s == StageDiscussionB || s == StageFinalDiscussion
}

// IsReadyEligible reports whether players may vote to skip this stage.
func (s Stage) IsReadyEligible() bool {
	i := s.Index()
	return i >= StageBriefing.Index() && i <= StageFinalDiscussion.Index()
}

// CanBeginVoting reports whether voting may be opened from this stage.
func (s Stage) CanBeginVoting() bool {
	i := s.Index()
	return i >= StageClueA.Index() && i <= StageFinalDiscussion.Index()
}

// Timeline maps stages to their durations.
type Timeline map[Stage]time.Duration

// NewTimeline returns the default durations with overrides applied.
func NewTimeline(overrides map[Stage]time.Duration) Timeline {
	t := make(Timeline, len(DefaultStageDurations))
	for stage, d := range DefaultStageDurations {
		t[stage] = d
	}
	for stage, d := range overrides {
		if !stage.Valid() || d < 0 {
			continue
		}
		t[stage] = d
	}
	// Lobby and result never run on a timer.
	t[StageLobby] = 0
	t[StageResult] = 0
	return t
}

// Duration returns the configured duration, zero for unknown stages.
func (t Timeline) Duration(s Stage) time.Duration {
	return t[s]
}
