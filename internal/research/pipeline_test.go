package research

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/llm"
	fetchmodels "github.com/mohammad-safakhou/deepscout/tools/web_fetch/models"
	searchmodels "github.com/mohammad-safakhou/deepscout/tools/web_search/models"
)

var pointLineRe = regexp.MustCompile(`## Current Research Point\n(.+)`)

func promptPoint(user string) string {
	if m := pointLineRe.FindStringSubmatch(user); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// fakeLLM dispatches on the system prompt of each phase and answers in the
// marker formats the parsers expect.
type fakeLLM struct {
	mu           sync.Mutex
	overviewResp string
	planResp     string
	dossierFails map[string]int // point title -> failures left to inject
	synthesisErr error
	dossierCalls int
}

func (f *fakeLLM) Complete(_ context.Context, system, user string, _ llm.CallConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(system, "analyze user research requests"):
		if f.overviewResp != "" {
			return f.overviewResp, nil
		}
		return "=== SESSION TITLE ===\nHousing Research\n\n=== QUERIES ===\nquery 1: remote work housing prices 2024\nquery 2: urban migration post-pandemic", nil
	case strings.Contains(system, "select URLs"):
		// degenerate selection, pipeline falls back to first-N pooled
		return "nothing to select", nil
	case strings.Contains(system, "clarifying follow-up questions"):
		return "Great topic! 1. Which region should I focus on?", nil
	case strings.Contains(system, "reproducible research plans"):
		if f.planResp != "" {
			return f.planResp, nil
		}
		return "(1) Point one\n\n(2) Point two\n\n(3) Point three", nil
	case strings.Contains(system, "ONE research point"):
		point := promptPoint(user)
		return fmt.Sprintf("=== THINKING ===\nneed data\n\n=== QUERIES ===\nquery 1: about %s", point), nil
	case strings.Contains(system, "comprehensive dossier"):
		f.dossierCalls++
		point := promptPoint(user)
		if n := f.dossierFails[point]; n > 0 {
			f.dossierFails[point] = n - 1
			return "", fmt.Errorf("model overloaded")
		}
		return fmt.Sprintf("# %s\n\nFindings [1].\n\n=== KEY LEARNINGS ===\n- learned about %s [1]\n=== END KEY LEARNINGS ===", point, point), nil
	case strings.Contains(system, "senior research writer"):
		if f.synthesisErr != nil {
			return "", f.synthesisErr
		}
		return "# Final Report\n\nEverything [1].\n\n=== SOURCES ===\n[1] https://example.com\n=== END SOURCES ===\n\n=== END REPORT ===", nil
	}
	return "", fmt.Errorf("unexpected system prompt: %.40s", system)
}

type fakeSearcher struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, q string) ([]searchmodels.Result, error)
	calls []string
}

func (f *fakeSearcher) Search(ctx context.Context, q string, k int) ([]searchmodels.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, q)
	}
	return defaultResults(q), nil
}

// Every query yields two query-specific URLs plus one URL shared across all
// queries, so registry index reuse is exercised on every run.
func defaultResults(q string) []searchmodels.Result {
	slug := strings.ReplaceAll(q, " ", "-")
	return []searchmodels.Result{
		{Title: q + " A", URL: "https://example.com/" + slug + "/1", Snippet: "snippet"},
		{Title: q + " B", URL: "https://example.com/" + slug + "/2", Snippet: "snippet"},
		{Title: "shared", URL: "https://shared.example.com/common", Snippet: "snippet"},
	}
}

type fakeFetcher struct {
	fail func(url string) bool
}

func (f *fakeFetcher) Exec(_ context.Context, url string) (fetchmodels.Result, error) {
	if f.fail != nil && f.fail(url) {
		return fetchmodels.Result{URL: url, Status: 599}, nil
	}
	return fetchmodels.Result{URL: url, Title: "page", Text: "content of " + url, Status: 200}, nil
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	creates  int
	saves    int
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]Session{}}
}

func (m *memStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := s
	return &cp, nil
}

func (m *memStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) phase(id string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Phase
}

func (m *memStore) dossierCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[id].Dossiers)
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			WorkTimeout:  5 * time.Second,
			FinalTimeout: 5 * time.Second,
			WorkTokens:   1000,
			FinalTokens:  2000,
		},
		Search:   config.SearchConfig{ResultsPerQuery: 5},
		Fetch:    config.FetchConfig{MaxChars: 10000, MaxConcurrent: 4},
		Research: config.ResearchConfig{MaxClarifyURLs: 15, MaxPickURLs: 20},
	}
}

func testOpts() ModelOptions {
	return ModelOptions{Provider: llm.OpenAI, WorkModel: "work-model", FinalModel: "final-model", APIKey: "key"}
}

func newTestPipeline(llmP llm.Provider, searcher *fakeSearcher, fetcher *fakeFetcher, store *memStore) *Pipeline {
	return NewPipeline(testConfig(), llmP, searcher, fetcher, store, nil)
}

func researchingSession(points ...string) *Session {
	s := NewSession("Impact of remote work on urban housing prices", "en", false)
	s.Phase = PhaseResearching
	s.PlanPoints = points
	s.PlanVersion = 1
	return s
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestDeepResearchEventOrder(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two", "Point three")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatalf("DeepResearch: %v", err)
	}
	events := collect(t, ch)

	var pointNumbers []int
	sawSynthesisStart := false
	for _, ev := range events {
		switch ev.Type {
		case EventPointComplete:
			if sawSynthesisStart {
				t.Fatalf("point_complete after synthesis_start")
			}
			pointNumbers = append(pointNumbers, ev.Data["point_number"].(int))
		case EventSynthesisStart:
			sawSynthesisStart = true
		}
	}
	if len(pointNumbers) != 3 {
		t.Fatalf("expected 3 point_complete events, got %d", len(pointNumbers))
	}
	for i, n := range pointNumbers {
		if n != i+1 {
			t.Fatalf("point_complete out of order: %v", pointNumbers)
		}
	}
	if !sawSynthesisStart {
		t.Fatalf("no synthesis_start event")
	}

	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("terminal event: got %s", last.Type)
	}
	if last.Data["cancelled"].(bool) {
		t.Fatalf("done event marked cancelled")
	}
	if doc := last.Data["final_document"].(string); doc == "" {
		t.Fatalf("empty final_document")
	}
	if ts := last.Data["total_sources"].(int); ts < 1 {
		t.Fatalf("total_sources = %d", ts)
	}
	if got := store.phase(s.ID); got != PhaseDone {
		t.Fatalf("persisted phase: got %s", got)
	}
}

func TestSourceRegistryContiguous(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two", "Point three")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)

	if len(s.SourceRegistry) == 0 {
		t.Fatalf("empty registry")
	}
	for i := 1; i <= len(s.SourceRegistry); i++ {
		if _, ok := s.SourceRegistry[i]; !ok {
			t.Fatalf("registry has a gap at index %d (size %d)", i, len(s.SourceRegistry))
		}
	}
	// the shared URL is fetched for every point but registered once
	shared := 0
	for _, u := range s.SourceRegistry {
		if u == "https://shared.example.com/common" {
			shared++
		}
	}
	if shared != 1 {
		t.Fatalf("shared url registered %d times", shared)
	}
}

func TestAllFetchesFailForPointSkips(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	// every URL surfaced for point one fails, including the shared one
	searcher := &fakeSearcher{fn: func(_ context.Context, q string) ([]searchmodels.Result, error) {
		slug := strings.ReplaceAll(q, " ", "-")
		return []searchmodels.Result{
			{Title: q, URL: "https://example.com/" + slug + "/1"},
			{Title: q, URL: "https://example.com/" + slug + "/2"},
		}, nil
	}}
	fetcher := &fakeFetcher{fail: func(url string) bool {
		return strings.Contains(url, "Point-one")
	}}
	p := newTestPipeline(&fakeLLM{}, searcher, fetcher, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if len(s.Dossiers) != 2 {
		t.Fatalf("expected 2 dossiers, got %d", len(s.Dossiers))
	}
	first := s.Dossiers[0]
	if !first.Skipped || first.SkipReason != "no accessible sources" {
		t.Fatalf("point one: skipped=%v reason=%q", first.Skipped, first.SkipReason)
	}
	if second := s.Dossiers[1]; second.Skipped {
		t.Fatalf("point two should not be skipped: %q", second.SkipReason)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("one bad point aborted the run")
	}
}

func TestNoSearchResultsSkipsPoint(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	searcher := &fakeSearcher{fn: func(_ context.Context, q string) ([]searchmodels.Result, error) {
		if strings.Contains(q, "Point one") {
			return nil, nil
		}
		return defaultResults(q), nil
	}}
	p := newTestPipeline(&fakeLLM{}, searcher, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	completes := eventsOfType(events, EventPointComplete)
	if len(completes) != 2 {
		t.Fatalf("expected 2 point_complete events, got %d", len(completes))
	}
	first := completes[0]
	if skipped := first.Data["skipped"].(bool); !skipped {
		t.Fatalf("point one not skipped")
	}
	if reason := first.Data["skip_reason"].(string); reason == "" {
		t.Fatalf("empty skip_reason")
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("loop did not continue past the dry point")
	}
}

func TestHungSearchTimesOutAndSkipsPoint(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	// point one's search engine never answers; only the per-call deadline
	// can unblock it
	searcher := &fakeSearcher{fn: func(c context.Context, q string) ([]searchmodels.Result, error) {
		if strings.Contains(q, "Point one") {
			<-c.Done()
			return nil, c.Err()
		}
		return defaultResults(q), nil
	}}
	cfg := testConfig()
	cfg.Search.Timeout = 20 * time.Millisecond
	p := NewPipeline(cfg, &fakeLLM{}, searcher, &fakeFetcher{}, store, nil)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if len(s.Dossiers) != 2 {
		t.Fatalf("expected 2 dossiers, got %d", len(s.Dossiers))
	}
	first := s.Dossiers[0]
	if !first.Skipped || first.SkipReason != "no search results" {
		t.Fatalf("point one: skipped=%v reason=%q", first.Skipped, first.SkipReason)
	}
	if second := s.Dossiers[1]; second.Skipped {
		t.Fatalf("point two should not be skipped: %q", second.SkipReason)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("hung search engine aborted the run")
	}
}

func TestDossierRetriesOnceThenRecovers(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	llmP := &fakeLLM{dossierFails: map[string]int{"Point one": 1}}
	p := newTestPipeline(llmP, &fakeSearcher{}, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	collect(t, ch)

	if llmP.dossierCalls != 2 {
		t.Fatalf("expected 2 dossier attempts, got %d", llmP.dossierCalls)
	}
	if s.Dossiers[0].Skipped {
		t.Fatalf("point skipped despite successful retry: %q", s.Dossiers[0].SkipReason)
	}
}

func TestDossierFailsTwiceThenSkips(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	llmP := &fakeLLM{dossierFails: map[string]int{"Point one": 2}}
	p := newTestPipeline(llmP, &fakeSearcher{}, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	first := s.Dossiers[0]
	if !first.Skipped || first.SkipReason != "synthesis failed" {
		t.Fatalf("point one: skipped=%v reason=%q", first.Skipped, first.SkipReason)
	}
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("synthesis failure for one point aborted the run")
	}
}

func TestCancellationKeepsCompletedPoints(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two", "Point three", "Point four", "Point five", "Point six")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// point four's search blocks until the context is cancelled, pinning
	// the producer while the consumer cancels after three completions
	searcher := &fakeSearcher{fn: func(c context.Context, q string) ([]searchmodels.Result, error) {
		if strings.Contains(q, "Point four") {
			<-c.Done()
			return nil, c.Err()
		}
		return defaultResults(q), nil
	}}
	p := newTestPipeline(&fakeLLM{}, searcher, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(ctx, s, testOpts())
	if err != nil {
		t.Fatal(err)
	}

	completed := 0
	var events []Event
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == EventPointComplete {
			completed++
			if completed == 3 {
				cancel()
			}
		}
	}

	if completed != 3 {
		t.Fatalf("expected 3 completed points before cancel, got %d", completed)
	}
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("terminal event: got %s", last.Type)
	}
	if !last.Data["cancelled"].(bool) {
		t.Fatalf("done event not marked cancelled")
	}
	if got := store.phase(s.ID); got != PhaseCancelled {
		t.Fatalf("persisted phase: got %s, want cancelled", got)
	}
	if n := store.dossierCount(s.ID); n != 3 {
		t.Fatalf("persisted dossiers: got %d, want 3", n)
	}
}

func TestSynthesisFailureIsFatalButKeepsPointEvents(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two", "Point three")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	llmP := &fakeLLM{synthesisErr: errors.New("provider down")}
	p := newTestPipeline(llmP, &fakeSearcher{}, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if n := len(eventsOfType(events, EventPointComplete)); n != 3 {
		t.Fatalf("expected 3 point_complete events before the failure, got %d", n)
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event: got %s", last.Type)
	}
	if got := store.phase(s.ID); got != PhaseFailed {
		t.Fatalf("persisted phase: got %s, want failed", got)
	}
}

func TestOverviewWithoutQueriesCreatesNoSession(t *testing.T) {
	store := newMemStore()
	llmP := &fakeLLM{overviewResp: "I cannot produce queries for this."}
	p := newTestPipeline(llmP, &fakeSearcher{}, &fakeFetcher{}, store)

	_, err := p.Overview(context.Background(), "some question", "en", false, testOpts())
	if !errors.Is(err, ErrPlanning) {
		t.Fatalf("expected ErrPlanning, got %v", err)
	}
	if store.creates != 0 {
		t.Fatalf("session was created despite overview failure")
	}
}

func TestOverviewEmptyQuestionRejected(t *testing.T) {
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, newMemStore())
	if _, err := p.Overview(context.Background(), "   ", "en", false, testOpts()); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestSearchAndPickFallsBackToPooled(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, store)

	s, err := p.Overview(context.Background(), "Impact of remote work on urban housing prices", "en", false, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	urls, err := p.SearchAndPick(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) == 0 {
		t.Fatalf("no urls selected")
	}
	seen := map[string]bool{}
	for _, u := range urls {
		if seen[u] {
			t.Fatalf("duplicate url in selection: %s", u)
		}
		seen[u] = true
	}
	if s.Phase != PhaseClarifying {
		t.Fatalf("phase after pick: %s", s.Phase)
	}
}

func TestClarifyAllFetchesFail(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{fail: func(string) bool { return true }}
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, fetcher, store)

	s := NewSession("q", "en", false)
	s.Phase = PhaseClarifying
	s.URLs = []string{"https://a.example.com", "https://b.example.com"}
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	_, _, err := p.Clarify(context.Background(), s, nil, testOpts())
	if !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
	if s.Phase != PhaseClarifying {
		t.Fatalf("phase changed on failed clarify: %s", s.Phase)
	}
}

func TestPlanRevisionBumpsVersionAndClearsDossiers(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, store)

	s := NewSession("q", "en", false)
	s.Phase = PhasePlanning
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	points, _, err := p.Plan(context.Background(), s, nil, false, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	if s.PlanVersion != 1 || len(points) != 3 {
		t.Fatalf("first plan: version=%d points=%d", s.PlanVersion, len(points))
	}

	s.AddDossier(Dossier{PointTitle: "stale", PointNumber: 1, TotalPoints: 3, PlanVersion: 1, KeyLearnings: "x", FullText: "y"})
	if _, _, err := p.Plan(context.Background(), s, []string{"narrow it to Europe"}, false, testOpts()); err != nil {
		t.Fatal(err)
	}
	if s.PlanVersion != 2 {
		t.Fatalf("plan version after revision: %d", s.PlanVersion)
	}
	if len(s.Dossiers) != 0 || len(s.KeyLearnings) != 0 {
		t.Fatalf("stale dossiers survived the revision")
	}
}

func TestPlanWithoutPointsIsFatal(t *testing.T) {
	store := newMemStore()
	llmP := &fakeLLM{planResp: "no numbered points in here"}
	p := newTestPipeline(llmP, &fakeSearcher{}, &fakeFetcher{}, store)

	s := NewSession("q", "en", false)
	s.Phase = PhasePlanning
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	_, _, err := p.Plan(context.Background(), s, nil, false, testOpts())
	if !errors.Is(err, ErrPlanning) {
		t.Fatalf("expected ErrPlanning, got %v", err)
	}
	if s.Phase != PhaseFailed {
		t.Fatalf("phase after fatal plan failure: %s", s.Phase)
	}
}

func TestPlanFailurePersistsWhenRequestContextDies(t *testing.T) {
	store := newMemStore()
	llmP := &fakeLLM{planResp: "no numbered points in here"}
	p := newTestPipeline(llmP, &fakeSearcher{}, &fakeFetcher{}, store)

	s := NewSession("q", "en", false)
	s.Phase = PhasePlanning
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	// the client disconnects right as the plan call fails
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.Plan(ctx, s, nil, false, testOpts())
	if !errors.Is(err, ErrPlanning) {
		t.Fatalf("expected ErrPlanning, got %v", err)
	}
	if got := store.phase(s.ID); got != PhaseFailed {
		t.Fatalf("persisted phase: got %s, want failed", got)
	}
}

func TestPhaseGuards(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, store)

	s := NewSession("q", "en", false)
	s.Phase = PhaseSearching
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if _, _, err := p.Plan(context.Background(), s, nil, false, testOpts()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("Plan from searching: %v", err)
	}
	if _, err := p.DeepResearch(context.Background(), s, testOpts()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("DeepResearch from searching: %v", err)
	}
	if _, _, err := p.Clarify(context.Background(), s, []string{"https://x"}, testOpts()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("Clarify from searching: %v", err)
	}
}

func TestSaveFailureAbortsRun(t *testing.T) {
	store := newMemStore()
	s := researchingSession("Point one", "Point two")
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	store.saveErr = errors.New("revision conflict")
	p := newTestPipeline(&fakeLLM{}, &fakeSearcher{}, &fakeFetcher{}, store)

	ch, err := p.DeepResearch(context.Background(), s, testOpts())
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event after save conflict: %s", last.Type)
	}
	if n := len(eventsOfType(events, EventPointComplete)); n != 0 {
		t.Fatalf("point_complete emitted for unpersisted point")
	}
}
