// Package prompts renders the fixed prompt templates for each pipeline phase
// and parses the marker-format responses the templates demand. Builders are
// pure: phase inputs in, system/user prompt pair out.
package prompts

import "fmt"

// languageLine returns the language instruction appended to system prompts
// for non-English sessions.
func languageLine(language string) string {
	if language == "" || language == "en" {
		return ""
	}
	return fmt.Sprintf("\nCRITICAL - LANGUAGE: Respond in %s.\n", language)
}
