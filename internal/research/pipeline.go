package research

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/llm"
	"github.com/mohammad-safakhou/deepscout/internal/prompts"
	web_fetch "github.com/mohammad-safakhou/deepscout/tools/web_fetch"
	fetchmodels "github.com/mohammad-safakhou/deepscout/tools/web_fetch/models"
	web_search "github.com/mohammad-safakhou/deepscout/tools/web_search"
	searchmodels "github.com/mohammad-safakhou/deepscout/tools/web_search/models"
)

// Store is the session persistence the pipeline requires. Save must reject
// concurrent writers for the same session instead of last-write-wins.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
}

// ModelOptions routes completion calls. Provider, models and key arrive per
// request; there is no process-wide current provider.
type ModelOptions struct {
	Provider   llm.ProviderName
	WorkModel  string
	FinalModel string
	APIKey     string
}

var pipelineTracer trace.Tracer = otel.Tracer("deepscout/internal/research")

// Extra attempts for a failed per-point dossier completion. Fixed policy,
// not configurable.
const dossierRetries = 1

// Pipeline sequences the research phases for one session at a time and
// streams progress from the deep research loop.
type Pipeline struct {
	cfg      *config.Config
	llm      llm.Provider
	searcher web_search.WebSearcher
	fetcher  web_fetch.WebFetcher
	store    Store
	logger   *log.Logger
}

func NewPipeline(cfg *config.Config, provider llm.Provider, searcher web_search.WebSearcher, fetcher web_fetch.WebFetcher, store Store, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags)
	}
	return &Pipeline{
		cfg:      cfg,
		llm:      provider,
		searcher: searcher,
		fetcher:  fetcher,
		store:    store,
		logger:   logger,
	}
}

// Overview turns the raw question into a session title and search queries.
// The session is only created, and persisted, when at least one query
// parses; a zero-query response leaves nothing behind.
func (p *Pipeline) Overview(ctx context.Context, question, language string, academicMode bool, opts ModelOptions) (*Session, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question", ErrEmptyInput)
	}
	ctx, span := pipelineTracer.Start(ctx, "research.overview")
	defer span.End()

	system, user := prompts.BuildOverview(question, language)
	resp, err := p.llm.Complete(ctx, system, user, p.workCall(opts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("overview completion: %w", err)
	}
	title, queries := prompts.ParseOverview(resp)
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: overview produced no search queries", ErrPlanning)
	}

	s := NewSession(question, language, academicMode)
	s.Title = title
	s.Queries = queries
	s.Phase = PhaseSearching
	if err := p.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	p.logger.Printf("session %s created: %q (%d queries)", s.ID, s.Title, len(queries))
	return s, nil
}

// SearchAndPick runs every overview query through the search engine, pools
// and de-duplicates the candidates, and asks the work model to select a
// bounded subset. A degenerate selection falls back to the first pooled
// candidates rather than failing.
func (p *Pipeline) SearchAndPick(ctx context.Context, s *Session, opts ModelOptions) ([]string, error) {
	if err := s.EnsurePhase(PhaseSearching); err != nil {
		return nil, err
	}
	ctx, span := pipelineTracer.Start(ctx, "research.search_and_pick",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	resultsByQuery, pooled := p.runSearches(ctx, s.Queries, nil)
	if len(pooled) == 0 {
		return nil, fmt.Errorf("%w: %d queries returned nothing", ErrNoCandidates, len(s.Queries))
	}

	picked := firstN(pooled, p.cfg.Research.MaxPickURLs)
	system, user := prompts.BuildPickURLs(s.Query, "Initial overview of the task", "", FormatSearchResults(s.Queries, resultsByQuery), nil)
	if resp, err := p.llm.Complete(ctx, system, user, p.workCall(opts)); err != nil {
		p.logger.Printf("session %s: url selection failed, keeping first %d candidates: %v", s.ID, len(picked), err)
	} else if sel := keepKnown(prompts.ParsePickURLs(resp, p.cfg.Research.MaxPickURLs), pooled); len(sel) > 0 {
		picked = sel
	}

	s.URLs = picked
	s.Phase = PhaseClarifying
	s.Touch()
	if err := p.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return picked, nil
}

// Clarify fetches the selected URLs and asks the work model for clarifying
// questions. Individual fetch failures just drop the URL; the phase fails
// only when every fetch fails. Empty clarification text means no questions
// are needed.
func (p *Pipeline) Clarify(ctx context.Context, s *Session, urls []string, opts ModelOptions) (string, int, error) {
	if err := s.EnsurePhase(PhaseClarifying); err != nil {
		return "", 0, err
	}
	if len(urls) == 0 {
		urls = s.URLs
	}
	if len(urls) == 0 {
		return "", 0, fmt.Errorf("%w: no urls to clarify from", ErrEmptyInput)
	}
	urls = firstN(urls, p.cfg.Research.MaxClarifyURLs)

	ctx, span := pipelineTracer.Start(ctx, "research.clarify",
		trace.WithAttributes(attribute.String("session.id", s.ID), attribute.Int("urls", len(urls))))
	defer span.End()

	pages := web_fetch.FetchAll(ctx, p.fetcher, urls, p.batchOpts())
	ok := okPages(pages)
	if len(ok) == 0 {
		err := fmt.Errorf("%w: all %d fetches failed", ErrNoSources, len(urls))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", 0, err
	}

	content := FormatScrapedContent(ok, SequentialIndices(len(ok)), p.cfg.Fetch.MaxChars)
	system, user := prompts.BuildClarify(s.Query, content)
	resp, err := p.llm.Complete(ctx, system, user, p.workCall(opts))
	if err != nil {
		return "", 0, fmt.Errorf("clarify completion: %w", err)
	}

	s.ClarificationText = strings.TrimSpace(resp)
	s.ScrapedSources = len(ok)
	s.Phase = PhasePlanning
	s.Touch()
	if err := p.store.Save(ctx, s); err != nil {
		return "", 0, fmt.Errorf("save session: %w", err)
	}
	return s.ClarificationText, len(ok), nil
}

// Plan builds the research plan from the clarification answers. Calling it
// again before the deep loop starts is a plan revision: the version bumps
// and dossiers from the previous plan are discarded. Zero parsed points is
// fatal for the session.
func (p *Pipeline) Plan(ctx context.Context, s *Session, answers []string, academicMode bool, opts ModelOptions) ([]string, string, error) {
	if err := s.EnsurePhase(PhasePlanning, PhaseResearching); err != nil {
		return nil, "", err
	}
	ctx, span := pipelineTracer.Start(ctx, "research.plan",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	system, user := prompts.BuildPlan(s.Query, s.ClarifyQuestions(), answers, academicMode, s.Language)
	resp, err := p.llm.Complete(ctx, system, user, p.workCall(opts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(s)
		return nil, "", fmt.Errorf("plan completion: %w", err)
	}
	points := prompts.ParsePlanPoints(resp)
	if len(points) == 0 {
		p.fail(s)
		return nil, "", fmt.Errorf("%w: plan produced no points", ErrPlanning)
	}

	s.AcademicMode = academicMode
	s.ClarifyAnswers = answers
	s.SetPlan(points)
	s.Phase = PhaseResearching
	s.Touch()
	if err := p.store.Save(ctx, s); err != nil {
		return nil, "", fmt.Errorf("save session: %w", err)
	}
	p.logger.Printf("session %s: plan v%d with %d points", s.ID, s.PlanVersion, len(points))
	return points, prompts.FormatPlan(points), nil
}

// DeepResearch runs the sequential per-point loop and final synthesis,
// emitting progress events on the returned channel. The channel is closed
// after the terminal done or error event; the caller must drain it.
// Cancellation of ctx is observed between points and turns completed work
// into a terminal cancelled session, never discarding it.
func (p *Pipeline) DeepResearch(ctx context.Context, s *Session, opts ModelOptions) (<-chan Event, error) {
	if err := s.EnsurePhase(PhaseResearching); err != nil {
		return nil, err
	}
	if len(s.PlanPoints) == 0 {
		return nil, fmt.Errorf("%w: session has no plan points", ErrEmptyInput)
	}
	ch := make(chan Event, 16)
	go p.runDeepResearch(ctx, s, opts, ch)
	return ch, nil
}

func (p *Pipeline) runDeepResearch(ctx context.Context, s *Session, opts ModelOptions, ch chan<- Event) {
	defer close(ch)
	ctx, span := pipelineTracer.Start(ctx, "research.deep",
		trace.WithAttributes(attribute.String("session.id", s.ID), attribute.Int("plan.points", len(s.PlanPoints))))
	defer span.End()

	start := time.Now()
	total := len(s.PlanPoints)
	ch <- Event{Type: EventStatus, Message: fmt.Sprintf("starting deep research: %d points", total),
		Data: map[string]any{"phase": string(PhaseResearching), "total_points": total}}

	for i, point := range s.PlanPoints {
		if ctx.Err() != nil {
			p.finishCancelled(s, start, ch)
			return
		}
		ch <- Event{Type: EventStatus, Message: fmt.Sprintf("researching point %d/%d", i+1, total),
			Data: map[string]any{"point_number": i + 1, "total_points": total, "point_title": point}}

		d := p.researchPoint(ctx, s, i, point, opts, ch)
		if ctx.Err() != nil && d.Skipped {
			// the point was aborted by cancellation, not genuinely skipped
			p.finishCancelled(s, start, ch)
			return
		}

		s.AddDossier(d)
		s.Touch()
		if err := p.save(s); err != nil {
			ch <- Event{Type: EventError, Message: fmt.Sprintf("failed to persist session: %v", err)}
			return
		}
		ch <- pointCompleteEvent(d)
	}

	s.Phase = PhaseSynthesizing
	s.Touch()
	if err := p.save(s); err != nil {
		ch <- Event{Type: EventError, Message: fmt.Sprintf("failed to persist session: %v", err)}
		return
	}
	ch <- Event{Type: EventSynthesisStart, Message: "creating final document",
		Data: map[string]any{"estimated_seconds": synthesisEstimate(s.Dossiers), "total_points": total}}

	doc, err := p.synthesize(ctx, s, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.Phase = PhaseFailed
		s.Touch()
		if serr := p.save(s); serr != nil {
			p.logger.Printf("session %s: save after synthesis failure: %v", s.ID, serr)
		}
		ch <- Event{Type: EventError, Message: fmt.Sprintf("final synthesis failed: %v", err)}
		return
	}
	if unknown := UnknownCitations(doc, s.SourceRegistry); len(unknown) > 0 {
		ch <- Event{Type: EventLog, Message: fmt.Sprintf("final document cites %d indices missing from the source registry", len(unknown))}
	}

	s.FinalDocument = doc
	s.TotalSources = len(s.SourceRegistry)
	s.DurationSeconds = time.Since(start).Seconds()
	s.Phase = PhaseDone
	s.Touch()
	if err := p.save(s); err != nil {
		ch <- Event{Type: EventError, Message: fmt.Sprintf("failed to persist session: %v", err)}
		return
	}
	p.logger.Printf("session %s: done in %.1fs, %d sources", s.ID, s.DurationSeconds, s.TotalSources)
	ch <- doneEvent(s, false)
}

// researchPoint executes one plan point: targeted queries, search, URL
// selection, bounded-concurrency fetch, then dossier synthesis with one
// retry. Every failure mode degrades into a skipped dossier; it never
// aborts the loop.
func (p *Pipeline) researchPoint(ctx context.Context, s *Session, i int, point string, opts ModelOptions, ch chan<- Event) Dossier {
	ctx, span := pipelineTracer.Start(ctx, "research.point",
		trace.WithAttributes(attribute.Int("point.number", i+1)))
	defer span.End()

	d := Dossier{
		PointTitle:  point,
		PointNumber: i + 1,
		TotalPoints: len(s.PlanPoints),
		PlanVersion: s.PlanVersion,
	}

	thinking, queries := "", []string{point}
	system, user := prompts.BuildThink(s.Query, point, s.KeyLearnings, s.Language)
	if resp, err := p.llm.Complete(ctx, system, user, p.workCall(opts)); err != nil {
		ch <- logEvent(fmt.Sprintf("think step failed for point %d, searching the point title directly: %v", i+1, err))
	} else if th, qs := prompts.ParseThink(resp); len(qs) > 0 {
		thinking, queries = th, qs
	}

	resultsByQuery, pooled := p.runSearches(ctx, queries, ch)
	if len(pooled) == 0 {
		d.Skipped = true
		d.SkipReason = "no search results"
		return d
	}

	picked := firstN(pooled, p.cfg.Research.MaxPickURLs)
	system, user = prompts.BuildPickURLs(s.Query, point, thinking, FormatSearchResults(queries, resultsByQuery), s.KeyLearnings)
	if resp, err := p.llm.Complete(ctx, system, user, p.workCall(opts)); err != nil {
		ch <- logEvent(fmt.Sprintf("url selection failed for point %d, keeping first %d candidates: %v", i+1, len(picked), err))
	} else if sel := keepKnown(prompts.ParsePickURLs(resp, p.cfg.Research.MaxPickURLs), pooled); len(sel) > 0 {
		picked = sel
	}

	pages := web_fetch.FetchAll(ctx, p.fetcher, picked, p.batchOpts())
	ok := okPages(pages)
	if len(ok) == 0 {
		d.Skipped = true
		d.SkipReason = "no accessible sources"
		return d
	}

	urls := make([]string, len(ok))
	for j, pg := range ok {
		urls[j] = pg.URL
	}
	before := s.SourceCounter
	indices := s.RegisterSources(urls)
	if fresh := newSources(urls, indices, before); len(fresh) > 0 {
		ch <- Event{Type: EventSources, Message: fmt.Sprintf("%d new sources for point %d", len(fresh), i+1),
			Data: map[string]any{"sources": fresh}}
	}
	d.Sources = urls

	content := FormatScrapedContent(ok, indices, p.cfg.Fetch.MaxChars)
	system, user = prompts.BuildDossier(s.Query, point, thinking, content, s.AcademicMode, s.Language)
	var resp string
	var err error
	for attempt := 0; attempt <= dossierRetries; attempt++ {
		resp, err = p.llm.Complete(ctx, system, user, p.workCall(opts))
		if err == nil {
			break
		}
		if attempt < dossierRetries {
			ch <- logEvent(fmt.Sprintf("dossier synthesis failed for point %d, retrying: %v", i+1, err))
		}
	}
	if err != nil {
		span.RecordError(err)
		d.Skipped = true
		d.SkipReason = "synthesis failed"
		return d
	}

	d.FullText, d.KeyLearnings = prompts.ParseDossier(resp)
	if d.KeyLearnings == "" {
		// the model ignored the learnings block; keep the invariant that a
		// non-skipped dossier always carries learnings
		d.KeyLearnings = truncate(d.FullText, 500)
	}
	return d
}

func (p *Pipeline) synthesize(ctx context.Context, s *Session, opts ModelOptions) (string, error) {
	var dossiers []string
	for _, d := range s.Dossiers {
		if !d.Skipped {
			dossiers = append(dossiers, d.FullText)
		}
	}
	if len(dossiers) == 0 {
		return "", fmt.Errorf("%w: every plan point was skipped", ErrNoSources)
	}
	system, user := prompts.BuildFinalSynthesis(s.Query, s.PlanPoints, dossiers, s.SourceRegistry, s.AcademicMode, s.Language)
	resp, err := p.llm.Complete(ctx, system, user, p.finalCall(opts))
	if err != nil {
		return "", err
	}
	report, _ := prompts.ParseFinalSynthesis(resp)
	report = strings.TrimSpace(report)
	report = strings.TrimSuffix(report, "=== END REPORT ===")
	return strings.TrimSpace(report), nil
}

// runSearches executes the queries in order with a politeness delay between
// them, pooling URLs de-duplicated by exact string match. Search failures
// degrade to empty result sets; ch may be nil when no stream is open.
func (p *Pipeline) runSearches(ctx context.Context, queries []string, ch chan<- Event) ([][]searchmodels.Result, []string) {
	resultsByQuery := make([][]searchmodels.Result, 0, len(queries))
	seen := map[string]bool{}
	var pooled []string
	for qi, q := range queries {
		if qi > 0 {
			p.pause(ctx, p.cfg.Search.QueryDelay)
		}
		results, err := p.search(ctx, q)
		if err != nil {
			p.logger.Printf("search %q failed: %v", q, err)
			if ch != nil {
				ch <- logEvent(fmt.Sprintf("search failed for %q: %v", q, err))
			}
			results = nil
		}
		resultsByQuery = append(resultsByQuery, results)
		for _, r := range results {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			pooled = append(pooled, r.URL)
		}
	}
	return resultsByQuery, pooled
}

// search runs one engine query under its own deadline, so a hung engine
// degrades into an empty result set instead of pinning the phase.
func (p *Pipeline) search(ctx context.Context, q string) ([]searchmodels.Result, error) {
	if t := p.cfg.Search.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return p.searcher.Search(ctx, q, p.cfg.Search.ResultsPerQuery)
}

func (p *Pipeline) finishCancelled(s *Session, start time.Time, ch chan<- Event) {
	s.Phase = PhaseCancelled
	s.TotalSources = len(s.SourceRegistry)
	s.DurationSeconds = time.Since(start).Seconds()
	s.Touch()
	if err := p.save(s); err != nil {
		p.logger.Printf("session %s: save after cancel: %v", s.ID, err)
	}
	p.logger.Printf("session %s: cancelled after %d of %d points", s.ID, len(s.Dossiers), len(s.PlanPoints))
	ch <- doneEvent(s, true)
}

func (p *Pipeline) fail(s *Session) {
	s.Phase = PhaseFailed
	s.Touch()
	if err := p.save(s); err != nil {
		p.logger.Printf("session %s: save after failure: %v", s.ID, err)
	}
}

// save runs on a fresh context so a cancelled run can still persist its
// completed work.
func (p *Pipeline) save(s *Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return p.store.Save(ctx, s)
}

func (p *Pipeline) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pipeline) workCall(opts ModelOptions) llm.CallConfig {
	return llm.CallConfig{
		Provider:  opts.Provider,
		Model:     opts.WorkModel,
		APIKey:    opts.APIKey,
		MaxTokens: p.cfg.LLM.WorkTokens,
		Timeout:   p.cfg.LLM.WorkTimeout,
	}
}

func (p *Pipeline) finalCall(opts ModelOptions) llm.CallConfig {
	model := opts.FinalModel
	if model == "" {
		model = opts.WorkModel
	}
	return llm.CallConfig{
		Provider:  opts.Provider,
		Model:     model,
		APIKey:    opts.APIKey,
		MaxTokens: p.cfg.LLM.FinalTokens,
		Timeout:   p.cfg.LLM.FinalTimeout,
	}
}

func (p *Pipeline) batchOpts() web_fetch.BatchOptions {
	return web_fetch.BatchOptions{
		MaxInFlight: p.cfg.Fetch.MaxConcurrent,
		Retries:     p.cfg.Fetch.Retries,
	}
}

func pointCompleteEvent(d Dossier) Event {
	data := map[string]any{
		"point_title":  d.PointTitle,
		"point_number": d.PointNumber,
		"total_points": d.TotalPoints,
		"skipped":      d.Skipped,
	}
	msg := fmt.Sprintf("point %d/%d complete", d.PointNumber, d.TotalPoints)
	if d.Skipped {
		data["skip_reason"] = d.SkipReason
		msg = fmt.Sprintf("point %d/%d skipped: %s", d.PointNumber, d.TotalPoints, d.SkipReason)
	} else {
		data["key_learnings"] = d.KeyLearnings
		data["dossier_full"] = d.FullText
		data["sources"] = d.Sources
	}
	return Event{Type: EventPointComplete, Message: msg, Data: data}
}

func doneEvent(s *Session, cancelled bool) Event {
	msg := "research complete"
	if cancelled {
		msg = "research cancelled"
	}
	return Event{Type: EventDone, Message: msg, Data: map[string]any{
		"final_document":   s.FinalDocument,
		"source_registry":  s.SourceRegistry,
		"total_points":     len(s.PlanPoints),
		"total_sources":    s.TotalSources,
		"duration_seconds": s.DurationSeconds,
		"cancelled":        cancelled,
	}}
}

func logEvent(msg string) Event {
	return Event{Type: EventLog, Message: msg}
}

func synthesisEstimate(dossiers []Dossier) int {
	n := 0
	for _, d := range dossiers {
		if !d.Skipped {
			n++
		}
	}
	return 30 + 15*n
}

func okPages(pages []fetchmodels.Result) []fetchmodels.Result {
	var ok []fetchmodels.Result
	for _, pg := range pages {
		if pg.OK() {
			ok = append(ok, pg)
		}
	}
	return ok
}

func firstN(items []string, n int) []string {
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	out := make([]string, n)
	copy(out, items[:n])
	return out
}

// keepKnown filters selection down to URLs that actually appeared in the
// pool, guarding against invented URLs.
func keepKnown(selection, pool []string) []string {
	known := make(map[string]bool, len(pool))
	for _, u := range pool {
		known[u] = true
	}
	var out []string
	for _, u := range selection {
		if known[u] {
			out = append(out, u)
		}
	}
	return out
}

// newSources returns the urls whose registry index was assigned after
// `before`, i.e. first seen in this registration.
func newSources(urls []string, indices []int, before int) []string {
	var fresh []string
	for j, idx := range indices {
		if idx > before {
			fresh = append(fresh, urls[j])
		}
	}
	return fresh
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
