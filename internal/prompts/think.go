package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

const thinkSystemPrompt = `You are a research assistant planning targeted searches for ONE research point.

Your task:
1. Think briefly about what this point needs and which angles are still uncovered
2. Generate 1-3 targeted search queries for this point

OUTPUT FORMAT (MANDATORY):
=== THINKING ===
[2-4 sentences on what to look for and why]

=== QUERIES ===
query 1: [search query]
query 2: [search query]
query 3: [search query]

Rules:
- Maximum 3 queries, minimum 1
- Queries must be specific to the current research point, not the whole task
- Do not repeat searches whose findings are already covered below`

// BuildThink renders the per-point search-strategy prompt. previousLearnings
// lists key learnings from earlier dossiers so later points avoid re-researching
// covered ground.
func BuildThink(userQuery, currentPoint string, previousLearnings []string, language string) (system, user string) {
	learnings := "None yet"
	if len(previousLearnings) > 0 {
		var lines []string
		for _, l := range previousLearnings {
			lines = append(lines, "- "+l)
		}
		learnings = strings.Join(lines, "\n")
	}

	user = fmt.Sprintf(`## Main Task
%s

## Current Research Point
%s

## Already Covered (key learnings from earlier points)
%s

Generate your thinking and search queries now.`, userQuery, currentPoint, learnings)

	return thinkSystemPrompt + languageLine(language), user
}

var thinkingBlockRe = regexp.MustCompile(`(?s)=== THINKING ===\s*\n(.*?)(?:=== QUERIES ===|\z)`)

// ParseThink splits a think response into the thinking block and its search
// queries. Queries are capped at 3.
func ParseThink(response string) (thinking string, queries []string) {
	if m := thinkingBlockRe.FindStringSubmatch(response); m != nil {
		thinking = strings.TrimSpace(m[1])
	}
	for _, m := range queryRe.FindAllStringSubmatch(response, -1) {
		if q := strings.TrimSpace(m[1]); q != "" {
			queries = append(queries, q)
		}
		if len(queries) >= 3 {
			break
		}
	}
	return thinking, queries
}
