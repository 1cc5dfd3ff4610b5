package research

import (
	"fmt"
	"strings"

	fetchmodels "github.com/mohammad-safakhou/deepscout/tools/web_fetch/models"
	searchmodels "github.com/mohammad-safakhou/deepscout/tools/web_search/models"
)

// FormatSearchResults renders pooled search results for the pick-urls
// prompt, ordered by query then rank. resultsByQuery is parallel to queries.
func FormatSearchResults(queries []string, resultsByQuery [][]searchmodels.Result) string {
	var b strings.Builder
	for qi, q := range queries {
		if qi > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### Query: %s\n", q)
		if len(resultsByQuery[qi]) == 0 {
			b.WriteString("(no results)\n")
			continue
		}
		for ri, r := range resultsByQuery[qi] {
			fmt.Fprintf(&b, "%d. %s\n   %s\n", ri+1, r.Title, r.URL)
			if r.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", r.Snippet)
			}
		}
	}
	return b.String()
}

// FormatScrapedContent renders fetched pages for a synthesis prompt, each
// labelled with its citation index so the model cites stable source numbers.
// indices is parallel to pages; maxCharsPerPage <= 0 disables truncation.
func FormatScrapedContent(pages []fetchmodels.Result, indices []int, maxCharsPerPage int) string {
	var b strings.Builder
	for i, page := range pages {
		text := page.Text
		if maxCharsPerPage > 0 && len(text) > maxCharsPerPage {
			text = text[:maxCharsPerPage] + "\n[... truncated ...]"
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== SOURCE [%d]: %s ===\n%s", indices[i], page.URL, text)
	}
	return b.String()
}

// SequentialIndices returns 1..n, for phases that label pages without
// registering them in the global registry.
func SequentialIndices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i + 1
	}
	return indices
}
