package prompts

import "fmt"

const clarifySystemPrompt = `You are a research assistant. The user has given a research task.

You have just performed an initial overview search and found and read the following pages.

Your task now:
1. Understand what the user really wants
2. Consider whether you have enough information to start
3. If necessary: Ask up to 5 clarifying follow-up questions

RULE 1: ALWAYS begin positively and encouragingly.
RULE 2: ONLY ask questions if truly necessary. Maximum 5 questions, numbered.
RULE 3: If NO questions are needed, say you can start right away.

CRITICAL: Respond in the SAME LANGUAGE as the user's task.`

// BuildClarify renders the clarification prompt over the scraped overview
// sources.
func BuildClarify(userQuery, scrapedContent string) (system, user string) {
	user = fmt.Sprintf(`=== USER TASK ===
%s

=== FOUND INFORMATION ===
%s

CRITICAL: Your response must ALWAYS be in the SAME LANGUAGE as the user's task above.

Your response:`, userQuery, scrapedContent)
	return clarifySystemPrompt, user
}
