package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestEventBuilders(t *testing.T) {
	e := New(ModeTransition, "sess_1").WithCorrelation("corr").WithData("from", "idle").WithData("to", "processing")
	if e.Type != ModeTransition || e.SessionID != "sess_1" || e.CorrelationID != "corr" {
		t.Fatalf("event = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	data, err := e.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "mode.transition" || decoded["data"].(map[string]interface{})["to"] != "processing" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := &CollectorEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := TurnCompleted
			if i%2 == 0 {
				typ = TurnFailed
			}
			c.Emit(New(typ, "s"))
		}(i)
	}
	wg.Wait()
	if len(c.Events()) != 20 || len(c.OfType(TurnFailed)) != 10 {
		t.Fatalf("collected %d events, %d failures", len(c.Events()), len(c.OfType(TurnFailed)))
	}
}

func TestMultiAndLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := &CollectorEmitter{}
	Multi{c, nil, LogEmitter{Logger: logger}, NoopEmitter{}}.Emit(New(SessionEnded, "s9").WithData("reason", "idle"))

	if len(c.Events()) != 1 {
		t.Fatal("collector missed event")
	}
	out := buf.String()
	if !strings.Contains(out, "event=session.ended") || !strings.Contains(out, "reason=idle") {
		t.Errorf("log output = %q", out)
	}
}

func TestJSONLEmitter(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSONLEmitter(&buf)
	j.Emit(New(SessionOpened, "a"))
	j.Emit(New(SessionEnded, "a"))
	if err := j.Err(); err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(&buf)
	var types []string
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		types = append(types, string(e.Type))
	}
	if strings.Join(types, ",") != "session.opened,session.ended" {
		t.Errorf("types = %v", types)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

var _ io.Writer = failWriter{}

func TestJSONLEmitterKeepsFirstError(t *testing.T) {
	j := NewJSONLEmitter(failWriter{})
	j.Emit(New(SessionOpened, "a"))
	if j.Err() == nil {
		t.Fatal("expected write error")
	}
}
