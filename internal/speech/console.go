package speech

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// DefaultWakeWords are the console lines accepted as a wake word. The empty
// string means a bare Enter wakes the assistant.
var DefaultWakeWords = []string{"", "wake", "jarvis", "hey aida", "aida"}

// ErrListening is returned when Listen is called while another listen is
// active.
var ErrListening = errors.New("speech: already listening")

// Console stands in for a microphone: each input line is either a wake word
// (while waiting) or a final transcript (while listening).
type Console struct {
	wake  chan struct{}
	words map[string]bool

	mu     sync.Mutex
	active chan Transcript
	stop   func() bool
	done   chan struct{}
	err    error
}

// NewConsole starts reading lines from r. Reading stops at EOF, after which
// the Wake channel is closed.
func NewConsole(r io.Reader, wakeWords ...string) *Console {
	if len(wakeWords) == 0 {
		wakeWords = DefaultWakeWords
	}
	c := &Console{
		wake:  make(chan struct{}, 1),
		words: make(map[string]bool, len(wakeWords)),
		done:  make(chan struct{}),
	}
	for _, w := range wakeWords {
		c.words[normalizeWake(w)] = true
	}
	go c.read(r)
	return c
}

func normalizeWake(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ",.!?")
}

func (c *Console) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		c.mu.Lock()
		if c.active != nil {
			c.active <- Transcript{Text: strings.TrimSpace(line), Final: true}
			close(c.active)
			c.active = nil
			c.stop()
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()
		if c.words[normalizeWake(line)] {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
	c.mu.Lock()
	c.err = sc.Err()
	if c.active != nil {
		close(c.active)
		c.active = nil
		c.stop()
	}
	c.mu.Unlock()
	close(c.done)
	close(c.wake)
}

// Wake implements the wake-word detector. The channel closes at EOF.
func (c *Console) Wake() <-chan struct{} { return c.wake }

// Listen returns a channel that receives the next line as a final
// transcript and is then closed. It is closed without a value when ctx ends
// or input is exhausted.
func (c *Console) Listen(ctx context.Context) (<-chan Transcript, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil, io.EOF
	default:
	}
	if c.active != nil {
		return nil, ErrListening
	}
	ch := make(chan Transcript, 1)
	c.active = ch
	c.stop = context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active == ch {
			close(ch)
			c.active = nil
		}
	})
	return ch, nil
}

// Done is closed when input is exhausted.
func (c *Console) Done() <-chan struct{} { return c.done }

// Err returns the read error, if any, once Done is closed.
func (c *Console) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
