package server

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/deepscout/internal/research"
	"github.com/mohammad-safakhou/deepscout/internal/store"
)

type reportDoc struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Query     string `json:"query"`
	Document  string `json:"document"`
}

// ReportIndex is a memory-only BM25 index over the final documents of
// completed sessions. It is rebuilt from the store on boot and fed as runs
// finish; losing it costs nothing but a warm-up.
type ReportIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]reportDoc
}

func NewReportIndex() (*ReportIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &ReportIndex{index: index, meta: map[string]reportDoc{}}, nil
}

// Add indexes a session's final document. Sessions without one are ignored.
func (r *ReportIndex) Add(s *research.Session) error {
	if s == nil || s.FinalDocument == "" {
		return nil
	}
	doc := reportDoc{SessionID: s.ID, Title: s.Title, Query: s.Query, Document: s.FinalDocument}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[s.ID] = doc
	return r.index.Index(s.ID, doc)
}

// Warm loads every completed session's report into the index.
func (r *ReportIndex) Warm(ctx context.Context, st *store.Store) error {
	summaries, err := st.List(ctx)
	if err != nil {
		return err
	}
	for _, sum := range summaries {
		if research.Phase(sum.Phase) != research.PhaseDone {
			continue
		}
		s, err := st.Get(ctx, sum.ID)
		if err != nil {
			return err
		}
		if err := r.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// ReportHit is one report search result.
type ReportHit struct {
	SessionID string  `json:"session_id"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// Search runs a BM25 query over the indexed reports.
func (r *ReportIndex) Search(q string, k int) ([]ReportHit, error) {
	if k <= 0 {
		k = 5
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := r.index.Search(req)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ReportHit
	for i, hit := range res.Hits {
		doc := r.meta[hit.ID]
		out = append(out, ReportHit{
			SessionID: hit.ID,
			Title:     doc.Title,
			Snippet:   snippet(doc.Document),
			Score:     hit.Score,
			Rank:      i + 1,
		})
	}
	return out, nil
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 240 {
		text = text[:240] + "..."
	}
	return text
}
