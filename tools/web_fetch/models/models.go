package models

// Result is the cleaned content of one fetched page.
type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Status   int    `json:"status"`
	RenderMS int    `json:"render_ms"`
}

// OK reports whether the fetch produced usable text.
func (r Result) OK() bool {
	return r.Status == 200 && r.Text != ""
}
