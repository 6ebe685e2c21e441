package events

import (
	"encoding/json"
	"io"
	"sync"
)

// JSONLEmitter writes each event as one JSON line. Write errors are kept and
// reported by Err; later events are still attempted.
type JSONLEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

// NewJSONLEmitter creates an emitter writing to w.
func NewJSONLEmitter(w io.Writer) *JSONLEmitter {
	return &JSONLEmitter{enc: json.NewEncoder(w)}
}

// Emit implements Emitter.
func (j *JSONLEmitter) Emit(e *Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(e); err != nil && j.err == nil {
		j.err = err
	}
}

// Err returns the first write error.
func (j *JSONLEmitter) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
