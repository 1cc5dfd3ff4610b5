package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

const planSystemPrompt = `You are a research expert who creates deep, reproducible research plans.

YOUR GOAL:
Create a research plan so concrete that another researcher can execute it 1:1
(including search strings, filters, expected deliverables).

HARD RULES (MANDATORY):
- Output consists ONLY of numbered points: (1), (2), (3) ...
- Between EVERY point: an EMPTY LINE.
- Each point begins with a verb (Search, Research, Identify, Check, Investigate, Compare, Extract, Validate ...).
- No introduction, no meta-explanation, no conclusion outside the points.
- At least 5 points; more if thematically necessary.
- NO scope drift: keep time windows and platforms exactly as specified.

QUALITY (MANDATORY) - each point contains:
a) **Goal** (1 sentence)
b) **Search Queries**: at least 2 concrete search queries
c) **Filters/Constraints**: time period, platform, language, etc.
d) **Output**: what artifact is produced
e) **Validation** (1 sentence): how relevance/quality is checked

CRITICAL: Your research plan must ALWAYS be in the SAME LANGUAGE as the user's query.`

const academicPlanAddendum = `

ACADEMIC MODE ENABLED:
- Include methodology considerations
- Plan for literature review sections
- Consider theoretical frameworks
- Include citation and source verification steps
- Focus on peer-reviewed sources when available
`

// BuildPlan renders the planning prompt from the user query and any
// clarification Q/A pairs. Academic mode appends the stricter structure
// requirements.
func BuildPlan(userQuery string, questions, answers []string, academicMode bool, language string) (system, user string) {
	var clarification string
	switch {
	case len(questions) > 0 && len(answers) > 0:
		var pairs []string
		n := len(questions)
		if len(answers) < n {
			n = len(answers)
		}
		for i := 0; i < n; i++ {
			pairs = append(pairs, fmt.Sprintf("**Q%d:** %s\n**A%d:** %s", i+1, questions[i], i+1, answers[i]))
		}
		clarification = "## Clarification Q&A\n\n" + strings.Join(pairs, "\n") + "\n"
	case len(answers) > 0:
		var lines []string
		for _, a := range answers {
			lines = append(lines, "- "+a)
		}
		clarification = "## User's Additional Context\n\n" + strings.Join(lines, "\n") + "\n"
	}

	user = fmt.Sprintf(`# CONTEXT

## User Query
%s

%s
---

# TASK

Create a deep research plan (at least 5 points) based on the context above.
Each point must be numbered (1), (2), (3) etc. with an empty line between points.
`, userQuery, clarification)

	system = planSystemPrompt + languageLine(language)
	if academicMode {
		system += academicPlanAddendum
	}
	return system, user
}

var (
	parenPointRe = regexp.MustCompile(`(?s)\((\d+)\)\s*(.+?)(?:\n\(\d+\)|\n\n|\z)`)
	numberedRe   = regexp.MustCompile(`^\d+\.\s*(.+)$`)
)

// ParsePlanPoints parses numbered plan points from LLM output. The primary
// format is "(1) ...", with a plain "1. ..." numbered-list fallback.
func ParsePlanPoints(text string) []string {
	var points []string
	rest := text
	for {
		loc := parenPointRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		content := rest[loc[4]:loc[5]]
		if clean := strings.Join(strings.Fields(content), " "); clean != "" {
			points = append(points, clean)
		}
		// resume at the end of the captured content so the next "(N)"
		// delimiter is seen again
		rest = rest[loc[5]:]
	}

	if len(points) == 0 {
		for _, line := range strings.Split(text, "\n") {
			if m := numberedRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
				if p := strings.TrimSpace(m[1]); p != "" {
					points = append(points, p)
				}
			}
		}
	}
	return points
}

// FormatPlan renders plan points for user display.
func FormatPlan(points []string) string {
	if len(points) == 0 {
		return "No plan created."
	}
	var lines []string
	for i, p := range points {
		lines = append(lines, fmt.Sprintf("(%d) %s", i+1, p))
	}
	return strings.Join(lines, "\n\n")
}
