package prompts

import (
	"fmt"
	"strings"
)

const maxURLLength = 2048

const pickURLsSystemPrompt = `You select URLs from search results.

RULE 1: NO ANALYSIS. NO EXPLANATION. ONLY URLS.
RULE 2: Start IMMEDIATELY with "=== SELECTED ===" - NO text before!
RULE 3: Each line: "url N: https://..." - nothing else.
RULE 4: Select 10-20 URLs based on result quality.

DIVERSIFICATION (MANDATORY):
Select URLs from DIFFERENT perspectives - primary sources, community
discussion, practical guides, critical comparisons, recent coverage.
Not 15x the same site, not 15x the same angle.

SOURCE QUALITY:
High: official docs, papers, repos, expert writing.
Medium: substantial community threads, tutorials.
Avoid: SEO spam, paywalled stubs, aggregators with no original content.`

// BuildPickURLs renders the URL-selection prompt over formatted search
// results. previousLearnings feeds the anti-redundancy block when later
// research points pick sources.
func BuildPickURLs(userQuery, currentPoint, thinking, searchResults string, previousLearnings []string) (system, user string) {
	var learningsBlock string
	if len(previousLearnings) > 0 {
		var parts []string
		for i, l := range previousLearnings {
			parts = append(parts, fmt.Sprintf("**Dossier %d:**\n%s", i+1, l))
		}
		learningsBlock = fmt.Sprintf(`
## PREVIOUS FINDINGS (from earlier dossiers)

Select URLs that provide NEW information, not the same again.
Avoid duplicates of already scraped URLs.

%s
`, strings.Join(parts, "\n\n---\n"))
	}

	user = fmt.Sprintf(`# CONTEXT

## Main Task
%s

## Current Research Point
%s

## Your Thoughts (from previous step)
%s
%s
---

# SEARCH RESULTS

%s

---

# TASK

Select 10-20 URLs based on quality and relevance. NO ANALYSIS. NO EXPLANATION. ONLY URLS.

CRITICAL: Start IMMEDIATELY with "=== SELECTED ===" - NO text before!

=== SELECTED ===
url 1: https://example.com/1
url 2: https://example.com/2
...
url N: https://example.com/N
`, userQuery, currentPoint, thinking, learningsBlock, searchResults)

	return pickURLsSystemPrompt, user
}

// ParsePickURLs extracts selected URLs from a pick-urls response. Lines that
// do not follow the "url N: https://..." shape are skipped; the result is
// capped at max entries.
func ParsePickURLs(response string, max int) []string {
	if max <= 0 {
		max = 20
	}
	if len(response) > 100_000 {
		response = response[:100_000]
	}

	var urls []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "url") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		u := strings.TrimSpace(line[idx+1:])
		if len(u) > maxURLLength || !strings.HasPrefix(u, "http") {
			continue
		}
		urls = append(urls, u)
		if len(urls) >= max {
			break
		}
	}
	return urls
}
