package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewSession builds a fresh session for one research question. The caller
// sets the initial phase; sessions are only persisted once Overview succeeds.
func NewSession(query, language string, academicMode bool) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		Title:          "New Research",
		Query:          query,
		Language:       language,
		AcademicMode:   academicMode,
		Phase:          PhaseIdle,
		SourceRegistry: map[int]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// EnsurePhase rejects a phase call made from a state that does not accept it.
func (s *Session) EnsurePhase(allowed ...Phase) error {
	for _, p := range allowed {
		if s.Phase == p {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s is in phase %q", ErrInvalidPhase, s.ID, s.Phase)
}

// Touch bumps the last-updated timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// RegisterSources assigns global registry indices to urls, in input order.
// A URL already in the registry keeps its existing index (exact string
// match); new URLs get strictly increasing indices that are never reused.
// Returns the index for each input URL.
func (s *Session) RegisterSources(urls []string) []int {
	if s.SourceRegistry == nil {
		s.SourceRegistry = map[int]string{}
	}
	indices := make([]int, 0, len(urls))
	for _, u := range urls {
		if idx, ok := s.RegistryIndex(u); ok {
			indices = append(indices, idx)
			continue
		}
		s.SourceCounter++
		s.SourceRegistry[s.SourceCounter] = u
		indices = append(indices, s.SourceCounter)
	}
	return indices
}

// RegistryIndex returns the registry index for url, if it was ever
// registered.
func (s *Session) RegistryIndex(url string) (int, bool) {
	for idx, u := range s.SourceRegistry {
		if u == url {
			return idx, true
		}
	}
	return 0, false
}

// SetPlan replaces the plan point list and bumps the plan version. Dossiers
// and learnings produced under the previous version are discarded; the
// source registry is kept so indices are never renumbered.
func (s *Session) SetPlan(points []string) {
	s.PlanVersion++
	s.PlanPoints = points
	s.Dossiers = nil
	s.KeyLearnings = nil
	s.FinalDocument = ""
}

// AddDossier appends a completed or skipped dossier. Key learnings from
// non-skipped dossiers accumulate for the anti-redundancy blocks of later
// points' prompts.
func (s *Session) AddDossier(d Dossier) {
	s.Dossiers = append(s.Dossiers, d)
	if !d.Skipped && d.KeyLearnings != "" {
		s.KeyLearnings = append(s.KeyLearnings, d.KeyLearnings)
	}
}

// ClarifyQuestions extracts the individual question lines from the
// free-form clarification text, for pairing with the user's answers in the
// planning prompt.
func (s *Session) ClarifyQuestions() []string {
	var questions []string
	for _, line := range strings.Split(s.ClarificationText, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if strings.HasSuffix(line, "?") {
			questions = append(questions, line)
		}
	}
	return questions
}
