package simulation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"cloudguardian/internal/domain"
)

// Parameters are the named arguments of one action instance
type Parameters map[string]string

func (p Parameters) clone() Parameters {
	c := make(Parameters, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Transition records one applied action. Action is the dispatched kind and
// ActionID the IAM action it exercised. Created holds the identifier of the
// node the action produced, if any; replays reuse it instead of asking the
// provider again. Source and Target are the snapshots on either side of the step.
type Transition struct {
	Entity        string     `json:"entity"`
	Action        string     `json:"action"`
	ActionID      string     `json:"action_id,omitempty"`
	Parameters    Parameters `json:"parameters"`
	Created       string     `json:"created,omitempty"`
	SourceVersion int        `json:"source_version"`
	TargetVersion int        `json:"target_version"`

	Source *State `json:"-"`
	Target *State `json:"-"`
}

// Trace is the append-only log of a simulation run
type Trace struct {
	ID          uuid.UUID    `json:"id"`
	Transitions []Transition `json:"transitions"`
}

// NewTrace starts an empty trace with a fresh id
func NewTrace() *Trace {
	return &Trace{ID: uuid.New(), Transitions: make([]Transition, 0)}
}

func (t *Trace) append(tr Transition) {
	t.Transitions = append(t.Transitions, tr)
}

// Copy returns a trace that shares no slices or parameter maps with t. The
// state snapshots are immutable and stay shared.
func (t *Trace) Copy() *Trace {
	c := &Trace{ID: t.ID, Transitions: make([]Transition, len(t.Transitions))}
	for i, tr := range t.Transitions {
		tr.Parameters = tr.Parameters.clone()
		c.Transitions[i] = tr
	}
	return c
}

// Len returns the number of transitions
func (t *Trace) Len() int {
	return len(t.Transitions)
}

// SaveTrace writes the trace as indented JSON
func SaveTrace(path string, trace *Trace) error {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace %s: %w", path, err)
	}
	return nil
}

// LoadTrace reads a trace written by SaveTrace
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace %s: %w", path, err)
	}
	var trace Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, &domain.MalformedInputError{Field: "trace", Message: fmt.Sprintf("cannot decode %s", path), Err: err}
	}
	for i, tr := range trace.Transitions {
		if tr.Entity == "" || tr.Action == "" {
			return nil, &domain.MalformedInputError{Field: "transitions", Message: fmt.Sprintf("transition %d lacks entity or action", i)}
		}
	}
	return &trace, nil
}
