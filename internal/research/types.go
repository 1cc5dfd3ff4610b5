// Package research implements the pipeline orchestrator: the state machine
// that drives a research session from the raw question through overview,
// search, clarification, planning, the per-point deep research loop, and
// final synthesis, streaming progress events along the way.
package research

import (
	"errors"
	"time"
)

// Phase is the lifecycle state of a Session. Transitions are monotonic
// forward, with two exceptions: planning may repeat (plan revision) and any
// phase may drop into Failed.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSearching    Phase = "searching"
	PhaseClarifying   Phase = "clarifying"
	PhasePlanning     Phase = "planning"
	PhaseResearching  Phase = "researching"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseDone         Phase = "done"
	PhaseCancelled    Phase = "cancelled"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled || p == PhaseFailed
}

var (
	// ErrPlanning means an LLM phase produced zero usable output (no
	// queries, no plan points). Overview failures leave no session behind;
	// plan failures are fatal for the session.
	ErrPlanning = errors.New("planning failed")

	// ErrInvalidPhase means a phase call arrived while the session is in a
	// state that does not accept it. The session is left unchanged.
	ErrInvalidPhase = errors.New("invalid phase for this operation")

	// ErrEmptyInput means a phase received malformed or empty input.
	ErrEmptyInput = errors.New("empty input")

	// ErrNoSources means every fetch in a phase that requires at least one
	// readable source failed.
	ErrNoSources = errors.New("no sources could be fetched")

	// ErrNoCandidates means search produced zero pooled URL candidates.
	ErrNoCandidates = errors.New("no search candidates")
)

// Session is the persisted aggregate for one end-to-end research run. It is
// mutated only by its running pipeline; the store enforces single-writer
// discipline through the revision column.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Query        string    `json:"query"`
	Language     string    `json:"language"`
	AcademicMode bool      `json:"academic_mode"`
	Phase        Phase     `json:"phase"`

	Queries           []string `json:"queries,omitempty"`
	URLs              []string `json:"urls,omitempty"`
	ClarificationText string   `json:"clarification_text,omitempty"`
	ClarifyAnswers    []string `json:"clarify_answers,omitempty"`
	ScrapedSources    int      `json:"scraped_sources"`

	PlanPoints  []string `json:"plan_points,omitempty"`
	PlanVersion int      `json:"plan_version"`

	Dossiers     []Dossier `json:"dossiers,omitempty"`
	KeyLearnings []string  `json:"key_learnings,omitempty"`

	FinalDocument   string         `json:"final_document,omitempty"`
	SourceRegistry  map[int]string `json:"source_registry,omitempty"`
	SourceCounter   int            `json:"source_counter"`
	TotalSources    int            `json:"total_sources"`
	DurationSeconds float64        `json:"duration_seconds"`

	// Revision is the optimistic-concurrency token checked by the store on
	// save. It is not part of the research state proper.
	Revision int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dossier is the researched result, or skip record, for one plan point.
type Dossier struct {
	PointTitle   string   `json:"point_title"`
	PointNumber  int      `json:"point_number"`
	TotalPoints  int      `json:"total_points"`
	PlanVersion  int      `json:"plan_version"`
	Sources      []string `json:"sources,omitempty"`
	KeyLearnings string   `json:"key_learnings,omitempty"`
	FullText     string   `json:"full_text,omitempty"`
	Skipped      bool     `json:"skipped"`
	SkipReason   string   `json:"skip_reason,omitempty"`
}

// EventType discriminates streamed progress events.
type EventType string

const (
	EventStatus         EventType = "status"
	EventSources        EventType = "sources"
	EventPointComplete  EventType = "point_complete"
	EventSynthesisStart EventType = "synthesis_start"
	EventLog            EventType = "log"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event is one streamed progress record. Consumers must skip lines that fail
// to parse rather than aborting the stream.
type Event struct {
	Type    EventType      `json:"type"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
