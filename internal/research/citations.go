package research

import (
	"regexp"
	"sort"
	"strconv"
)

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// ExtractCitations returns the distinct [N] citation indices appearing in
// text, in ascending order. Used to cross-check a document's citations
// against the session's source registry.
func ExtractCitations(text string) []int {
	seen := map[int]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			seen[n] = true
		}
	}
	indices := make([]int, 0, len(seen))
	for n := range seen {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices
}

// UnknownCitations returns the citation indices in text that have no entry
// in the registry. Dangling citations are surfaced as log events, never as
// failures.
func UnknownCitations(text string, registry map[int]string) []int {
	var unknown []int
	for _, n := range ExtractCitations(text) {
		if _, ok := registry[n]; !ok {
			unknown = append(unknown, n)
		}
	}
	return unknown
}
