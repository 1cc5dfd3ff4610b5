package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const synthesisSystemPrompt = `You are a senior research writer producing the final report from completed research dossiers.

Your task is to merge all dossiers into ONE coherent, long-form, cited document
that answers the original task.

RULES (MANDATORY):
1. Use ONLY material from the dossiers; do not invent facts.
2. Keep the [N] citation numbers EXACTLY as they appear in the dossiers - they
   are global source numbers and must not be renumbered.
3. Structure the report with clear sections following the research plan.
4. At the end, list every cited source:

=== SOURCES ===
[1] url
[2] url
...
=== END SOURCES ===

5. END MARKER MANDATORY: At the end ALWAYS output "=== END REPORT ===".`

const academicSynthesisAddendum = `

ACADEMIC MODE ENABLED:
- Open with an abstract and methodology note
- Grade evidence strength where dossiers conflict
- Use formal register throughout
`

// BuildFinalSynthesis renders the synthesis prompt over all completed
// dossiers. Skipped points are omitted by the caller.
func BuildFinalSynthesis(userQuery string, planPoints []string, dossiers []string, sources map[int]string, academicMode bool, language string) (system, user string) {
	var planLines []string
	for i, p := range planPoints {
		planLines = append(planLines, fmt.Sprintf("%d. %s", i+1, p))
	}

	var dossierParts []string
	for i, d := range dossiers {
		dossierParts = append(dossierParts, fmt.Sprintf("=== DOSSIER %d ===\n\n%s", i+1, d))
	}

	var sourceLines []string
	for _, idx := range sortedKeys(sources) {
		sourceLines = append(sourceLines, fmt.Sprintf("[%d] %s", idx, sources[idx]))
	}

	user = fmt.Sprintf(`ORIGINAL TASK:
%s

COMPLETED RESEARCH PLAN:
%s

GLOBAL SOURCE REGISTRY (use these exact numbers):
%s

INDIVIDUAL DOSSIERS:

%s

Now create the comprehensive final document following the structure specified.`,
		userQuery,
		strings.Join(planLines, "\n"),
		strings.Join(sourceLines, "\n"),
		strings.Join(dossierParts, "\n\n"))

	system = synthesisSystemPrompt + languageLine(language)
	if academicMode {
		system += academicSynthesisAddendum
	}
	return system, user
}

var (
	sourcesBlockRe = regexp.MustCompile(`(?s)=== SOURCES ===\n(.+?)\n=== END SOURCES ===`)
	sourceLineRe   = regexp.MustCompile(`\[(\d+)\]\s+(.+)`)
)

// ParseFinalSynthesis returns the report text and the source list the model
// echoed back. The report keeps its sources block; the returned map is for
// cross-checking against the session registry.
func ParseFinalSynthesis(response string) (report string, citations map[int]string) {
	citations = map[int]string{}
	if m := sourcesBlockRe.FindStringSubmatch(response); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if lm := sourceLineRe.FindStringSubmatch(line); lm != nil {
				if n, err := strconv.Atoi(lm[1]); err == nil {
					citations[n] = strings.TrimSpace(lm[2])
				}
			}
		}
	}
	return response, citations
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
