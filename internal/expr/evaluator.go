package expr

import (
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"github.com/expr-lang/expr"
)

// NewEnv fills Env from one finished exchange.
func NewEnv(utterance, answer string, toolCalls int, fallback bool) Env {
	return Env{
		Utterance:    utterance,
		Answer:       answer,
		UtteranceLen: utf8.RuneCountInString(utterance),
		AnswerLen:    utf8.RuneCountInString(answer),
		ToolCalls:    toolCalls,
		Fallback:     fallback,
	}
}

// Eval runs the program against env.
func (p *Program) Eval(env Env) (bool, error) {
	if p == nil || p.program == nil {
		return false, fmt.Errorf("expr: nil program")
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.Source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expr: %q returned %T, expected bool", p.Source, out)
	}
	return b, nil
}

// Policy holds the active salience program and can be swapped while in use,
// e.g. on config reload.
type Policy struct {
	current atomic.Pointer[Program]
}

// NewPolicy compiles source, falling back to DefaultSalience when empty.
func NewPolicy(source string) (*Policy, error) {
	p := &Policy{}
	if source == "" {
		source = DefaultSalience
	}
	if err := p.Set(source); err != nil {
		return nil, err
	}
	return p, nil
}

// Set replaces the active program. On error the previous one stays active.
func (p *Policy) Set(source string) error {
	prog, err := Compile(source)
	if err != nil {
		return err
	}
	p.current.Store(prog)
	return nil
}

// Source returns the active expression.
func (p *Policy) Source() string {
	if prog := p.current.Load(); prog != nil {
		return prog.Source
	}
	return ""
}

// Salient reports whether env should be remembered. A nil policy or an
// evaluation error means no.
func (p *Policy) Salient(env Env) (bool, error) {
	if p == nil {
		return false, nil
	}
	prog := p.current.Load()
	if prog == nil {
		return false, nil
	}
	return prog.Eval(env)
}
