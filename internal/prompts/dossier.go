package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

const dossierSystemPrompt = `You are a research analyst creating a comprehensive dossier on a specific topic.

Synthesize the provided source materials into a well-structured dossier that
addresses the research point thoroughly.

OUTPUT FORMAT (Markdown):
# [Topic Title]

## Key Findings
[The most important discoveries]

## Detailed Analysis
[In-depth analysis with proper structure]

## Evidence & Sources
[Key quotes and data points, cited as [N] using the source numbers provided]

## Implications
[What this means for the overall research question]

=== KEY LEARNINGS ===
[3-6 bullet points of the most important takeaways, each citing sources as [N]]
=== END KEY LEARNINGS ===

Guidelines:
- Cite sources throughout using the [N] numbers of the provided pages
- Synthesize information, don't just list it
- Highlight agreements and contradictions between sources
- If information is missing or uncertain, acknowledge it`

const academicDossierAddendum = `

ACADEMIC MODE ENABLED:
- Grade evidence strength per claim
- Separate primary findings from commentary
- Prefer peer-reviewed material when weighing conflicts
`

// BuildDossier renders the per-point synthesis prompt over fetched source
// text.
func BuildDossier(userQuery, currentPoint, thinking, scrapedContent string, academicMode bool, language string) (system, user string) {
	user = fmt.Sprintf(`## Main Task
%s

## Current Research Point
%s

## Research Strategy
%s

---

# SOURCE MATERIAL

%s

---

Write the complete dossier in Markdown, ending with the KEY LEARNINGS block.`,
		userQuery, currentPoint, thinking, scrapedContent)

	system = dossierSystemPrompt + languageLine(language)
	if academicMode {
		system += academicDossierAddendum
	}
	return system, user
}

var keyLearningsRe = regexp.MustCompile(`(?s)=== KEY LEARNINGS ===\s*\n(.*?)\n?=== END KEY LEARNINGS ===`)

// ParseDossier splits a dossier response into the dossier body and the key
// learnings block. The learnings block is removed from the body; a response
// without the block yields empty learnings.
func ParseDossier(response string) (dossierText, keyLearnings string) {
	if m := keyLearningsRe.FindStringSubmatch(response); m != nil {
		keyLearnings = strings.TrimSpace(m[1])
		response = keyLearningsRe.ReplaceAllString(response, "")
	}
	return strings.TrimSpace(response), keyLearnings
}
