package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

const overviewSystemPrompt = `You analyze user research requests and generate search queries.

OUTPUT FORMAT:
=== SESSION TITLE ===
[2-5 word title for this research]

=== QUERIES ===
query 1: [search query]
query 2: [search query]
query 3: [search query]
query 4: [search query]
query 5: [search query]

Generate 5-10 diverse search queries to gather initial information.

CRITICAL: Respond in the SAME LANGUAGE as the user's query.`

// BuildOverview renders the overview prompt for the raw user question.
func BuildOverview(userQuery, language string) (system, user string) {
	return overviewSystemPrompt + languageLine(language), fmt.Sprintf("Research request: %s", userQuery)
}

var (
	titleRe = regexp.MustCompile(`=== SESSION TITLE ===\s*\n(.+)`)
	queryRe = regexp.MustCompile(`(?i)query \d+:\s*(.+)`)
)

// ParseOverview extracts the session title and search queries from the
// overview response. An empty query list means the response was unusable.
func ParseOverview(response string) (title string, queries []string) {
	title = "New Research"
	if m := titleRe.FindStringSubmatch(response); m != nil {
		title = strings.TrimSpace(m[1])
	}
	for _, m := range queryRe.FindAllStringSubmatch(response, -1) {
		if q := strings.TrimSpace(m[1]); q != "" {
			queries = append(queries, q)
		}
	}
	return title, queries
}
