// Package expr compiles and evaluates the boolean policies that decide which
// exchanges are worth remembering.
package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultSalience stores substantive answers that were not fallbacks.
const DefaultSalience = "answer_len >= 40 && !fallback"

// Env is the data a salience expression can read.
type Env struct {
	Utterance    string `expr:"utterance"`
	Answer       string `expr:"answer"`
	UtteranceLen int    `expr:"utterance_len"`
	AnswerLen    int    `expr:"answer_len"`
	ToolCalls    int    `expr:"tool_calls"`
	Fallback     bool   `expr:"fallback"`
}

// Program is a compiled, type-checked salience expression.
type Program struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env and requires a boolean result.
func Compile(source string) (*Program, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("expr: empty expression")
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", source, err)
	}
	return &Program{Source: source, program: program}, nil
}

// MustCompile is Compile for expressions known at build time.
func MustCompile(source string) *Program {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}
