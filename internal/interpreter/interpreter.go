package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/reasoner"
)

// SessionContext is the slice of session state the interpreter cares about.
type SessionContext struct {
	Persona string
	Mode    string
	Context map[string]interface{}
}

// Interpreter turns a raw user message into a structured goal.
type Interpreter struct {
	reasoner reasoner.Reasoner
	logger   *log.Logger
}

// New creates an interpreter instance.
func New(r reasoner.Reasoner) *Interpreter {
	return &Interpreter{
		reasoner: r,
		logger:   log.New(log.Writer(), "[INTERPRETER] ", log.LstdFlags),
	}
}

// Interpret asks the reasoner for {goal, constraints, success_criteria}.
// A malformed response degrades to a goal equal to the raw message; only a
// reasoner transport failure is returned as an error.
func (i *Interpreter) Interpret(ctx context.Context, message string, sess SessionContext) (planner.Goal, error) {
	prompt := i.buildPrompt(message, sess)

	response, err := i.reasoner.Generate(ctx, prompt, reasoner.Options{Temperature: 0.2, MaxTokens: 800})
	if err != nil {
		return planner.Goal{}, fmt.Errorf("generate interpretation: %w", err)
	}

	goal, ok := i.parseResponse(response)
	if !ok {
		i.logger.Printf("interpretation parse failed, using raw message as goal")
		return FallbackGoal(message), nil
	}
	return goal, nil
}

// FallbackGoal is the degenerate goal used when interpretation output is
// unusable.
func FallbackGoal(message string) planner.Goal {
	return planner.Goal{
		Text:            message,
		SuccessCriteria: []string{"Task completed successfully"},
	}
}

func (i *Interpreter) buildPrompt(message string, sess SessionContext) string {
	var b strings.Builder
	b.WriteString("You interpret a user's request into a structured goal.\n\n")
	if sess.Persona != "" {
		fmt.Fprintf(&b, "PERSONA: %s\n", sess.Persona)
	}
	if sess.Mode != "" {
		fmt.Fprintf(&b, "MODE: %s\n", sess.Mode)
	}
	if len(sess.Context) > 0 {
		if data, err := json.Marshal(sess.Context); err == nil {
			fmt.Fprintf(&b, "SESSION CONTEXT: %s\n", data)
		}
	}
	fmt.Fprintf(&b, "\nUSER MESSAGE: %s\n", message)
	b.WriteString(`
OUTPUT FORMAT (JSON):
{
  "goal": "what the user wants, in one sentence",
  "constraints": {"key": "value"},
  "success_criteria": ["observable condition 1", "observable condition 2"]
}

Respond with the JSON object only.`)
	return b.String()
}

func (i *Interpreter) parseResponse(response string) (planner.Goal, bool) {
	raw, ok := reasoner.ExtractJSON(response)
	if !ok {
		return planner.Goal{}, false
	}
	var goal planner.Goal
	if err := json.Unmarshal([]byte(raw), &goal); err != nil {
		return planner.Goal{}, false
	}
	if strings.TrimSpace(goal.Text) == "" {
		return planner.Goal{}, false
	}
	if len(goal.SuccessCriteria) == 0 {
		goal.SuccessCriteria = []string{"Task completed successfully"}
	}
	return goal, true
}
