package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepscout/internal/llm"
	"github.com/mohammad-safakhou/deepscout/internal/research"
	"github.com/mohammad-safakhou/deepscout/internal/store"
)

var researchTracer trace.Tracer = otel.Tracer("deepscout/internal/server/research")

// ResearchPipeline is the orchestrator surface the handlers drive.
type ResearchPipeline interface {
	Overview(ctx context.Context, question, language string, academicMode bool, opts research.ModelOptions) (*research.Session, error)
	SearchAndPick(ctx context.Context, s *research.Session, opts research.ModelOptions) ([]string, error)
	Clarify(ctx context.Context, s *research.Session, urls []string, opts research.ModelOptions) (string, int, error)
	Plan(ctx context.Context, s *research.Session, answers []string, academicMode bool, opts research.ModelOptions) ([]string, string, error)
	DeepResearch(ctx context.Context, s *research.Session, opts research.ModelOptions) (<-chan research.Event, error)
}

// SessionStore is the session query surface the handlers need beyond what
// the pipeline persists itself.
type SessionStore interface {
	Get(ctx context.Context, id string) (*research.Session, error)
	List(ctx context.Context) ([]store.SessionSummary, error)
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
}

type ResearchHandler struct {
	Pipeline ResearchPipeline
	Store    SessionStore
	Lock     *RunLock
	Reports  *ReportIndex
	Logger   *log.Logger
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/overview", h.overview)
	g.POST("/search", h.search)
	g.POST("/clarify", h.clarify)
	g.POST("/plan", h.plan)
	g.POST("/deep", h.deep)
	g.GET("/sessions", h.listSessions)
	g.GET("/sessions/:id", h.getSession)
	g.PATCH("/sessions/:id", h.renameSession)
	g.DELETE("/sessions/:id", h.deleteSession)
	g.GET("/reports/search", h.searchReports)
}

// modelRequest carries per-request completion routing, shared by every
// phase endpoint.
type modelRequest struct {
	Provider   string `json:"provider"`
	WorkModel  string `json:"work_model"`
	FinalModel string `json:"final_model"`
	APIKey     string `json:"api_key"`
}

func (r modelRequest) options() research.ModelOptions {
	return research.ModelOptions{
		Provider:   llm.ProviderName(r.Provider),
		WorkModel:  r.WorkModel,
		FinalModel: r.FinalModel,
		APIKey:     r.APIKey,
	}
}

// httpError maps pipeline and store errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, research.ErrEmptyInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, research.ErrInvalidPhase), errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, research.ErrPlanning):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, research.ErrNoSources), errors.Is(err, research.ErrNoCandidates):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *ResearchHandler) loadSession(c echo.Context, id string) (*research.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "session_id required")
	}
	s, err := h.Store.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	return s, nil
}

func (h *ResearchHandler) overview(c echo.Context) error {
	defer observePhase("overview", time.Now())
	var req struct {
		modelRequest
		Message      string `json:"message"`
		Language     string `json:"language"`
		AcademicMode bool   `json:"academic_mode"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx, span := researchTracer.Start(c.Request().Context(), "ResearchHandler.overview")
	defer span.End()

	s, err := h.Pipeline.Overview(ctx, req.Message, req.Language, req.AcademicMode, req.options())
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	span.SetAttributes(attribute.String("session.id", s.ID))
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": s.ID,
		"title":      s.Title,
		"queries":    s.Queries,
	})
}

func (h *ResearchHandler) search(c echo.Context) error {
	defer observePhase("search", time.Now())
	var req struct {
		modelRequest
		SessionID string `json:"session_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.loadSession(c, req.SessionID)
	if err != nil {
		return err
	}
	urls, err := h.Pipeline.SearchAndPick(c.Request().Context(), s, req.options())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": s.ID, "urls": urls})
}

func (h *ResearchHandler) clarify(c echo.Context) error {
	defer observePhase("clarify", time.Now())
	var req struct {
		modelRequest
		SessionID string   `json:"session_id"`
		URLs      []string `json:"urls"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.loadSession(c, req.SessionID)
	if err != nil {
		return err
	}
	clarification, scraped, err := h.Pipeline.Clarify(c.Request().Context(), s, req.URLs, req.options())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":    s.ID,
		"clarification": clarification,
		"scraped_count": scraped,
	})
}

func (h *ResearchHandler) plan(c echo.Context) error {
	defer observePhase("plan", time.Now())
	var req struct {
		modelRequest
		SessionID            string   `json:"session_id"`
		ClarificationAnswers []string `json:"clarification_answers"`
		AcademicMode         bool     `json:"academic_mode"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.loadSession(c, req.SessionID)
	if err != nil {
		return err
	}
	points, planText, err := h.Pipeline.Plan(c.Request().Context(), s, req.ClarificationAnswers, req.AcademicMode, req.options())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":   s.ID,
		"plan_points":  points,
		"plan_text":    planText,
		"plan_version": s.PlanVersion,
	})
}

// deep streams the per-point research loop as NDJSON. The response stays
// open until the terminal done or error event; client disconnect cancels
// the request context, which the pipeline observes between points.
func (h *ResearchHandler) deep(c echo.Context) error {
	start := time.Now()
	var req struct {
		modelRequest
		SessionID string `json:"session_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.loadSession(c, req.SessionID)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	release, ok, err := h.Lock.Acquire(ctx, s.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusLocked, "a research run is already active for this session")
	}
	defer release()

	events, err := h.Pipeline.DeepResearch(ctx, s, req.options())
	if err != nil {
		return httpError(err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.WriteHeader(http.StatusOK)
	enc := NewStreamEncoder(resp)

	outcome := "failed"
	for ev := range events {
		switch ev.Type {
		case research.EventDone:
			outcome = "done"
			if cancelled, _ := ev.Data["cancelled"].(bool); cancelled {
				outcome = "cancelled"
			}
		case research.EventError:
			outcome = "failed"
		}
		if err := enc.Encode(ev); err != nil {
			// client is gone; keep draining so the pipeline can finish
			// persisting and close the channel
			h.Logger.Printf("session %s: stream write failed: %v", s.ID, err)
			for range events {
			}
			break
		}
	}

	deepRunsTotal.WithLabelValues(outcome).Inc()
	observePhase("deep", start)
	if outcome == "done" && h.Reports != nil {
		if err := h.Reports.Add(s); err != nil {
			h.Logger.Printf("session %s: report indexing failed: %v", s.ID, err)
		}
	}
	return nil
}

func (h *ResearchHandler) listSessions(c echo.Context) error {
	sessions, err := h.Store.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if sessions == nil {
		sessions = []store.SessionSummary{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *ResearchHandler) getSession(c echo.Context) error {
	s, err := h.loadSession(c, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

func (h *ResearchHandler) renameSession(c echo.Context) error {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	if err := h.Store.Rename(c.Request().Context(), c.Param("id"), req.Title); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "title": req.Title})
}

func (h *ResearchHandler) deleteSession(c echo.Context) error {
	if err := h.Store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ResearchHandler) searchReports(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k := 5
	if val := c.QueryParam("k"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			k = n
		}
	}
	hits, err := h.Reports.Search(q, k)
	if err != nil {
		return httpError(err)
	}
	if hits == nil {
		hits = []ReportHit{}
	}
	return c.JSON(http.StatusOK, map[string]any{"query": q, "hits": hits})
}
