package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mohammad-safakhou/deepscout/internal/research"
)

// StreamEncoder serializes progress events as NDJSON, one line per event,
// flushed immediately so the client sees progress while the pipeline runs.
// The sequence is finite and non-restartable; a reconnecting client polls
// the persisted session instead of resuming the byte stream.
type StreamEncoder struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func NewStreamEncoder(w io.Writer) *StreamEncoder {
	e := &StreamEncoder{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes one event line and flushes it.
func (e *StreamEncoder) Encode(ev research.Event) error {
	if err := e.enc.Encode(ev); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
