// Package speech provides wake-word, speech-to-text and text-to-speech
// adapters for voice sessions.
package speech

import (
	"fmt"
	"io"
	"sync"
)

// Transcript is one recognition result. Partial results may be revised;
// only Final results are acted on.
type Transcript struct {
	Text  string
	Final bool
}

// WriterPrinter delivers text answers to a writer.
type WriterPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewWriterPrinter creates a printer that writes "prefix text" lines to w.
func NewWriterPrinter(w io.Writer, prefix string) *WriterPrinter {
	return &WriterPrinter{w: w, prefix: prefix}
}

// Print writes one answer.
func (p *WriterPrinter) Print(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, "%s%s\n", p.prefix, text)
}
