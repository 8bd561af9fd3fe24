package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ObjectiveType discriminates the objective variants a campaign may carry.
type ObjectiveType string

const (
	// ObjectiveMaxRuntime bounds how long a task group may run.
	ObjectiveMaxRuntime ObjectiveType = "max_runtime"
	// ObjectiveUpperLimit completes a group early once a variable exceeds a target.
	ObjectiveUpperLimit ObjectiveType = "upper_limit"
	// ObjectiveRange completes a group early once a variable enters a target band.
	ObjectiveRange ObjectiveType = "range"
	// ObjectiveIterate caps how many times a group's tasks repeat.
	ObjectiveIterate ObjectiveType = "iterate"
	// ObjectiveAssert completes a group early when a boolean variable matches.
	ObjectiveAssert ObjectiveType = "assert"
)

// Target bounds inherited from the upstream campaign format.
const (
	upperLimitMaxTarget = 20
	rangeMinTarget      = 1.62
	rangeMaxTarget      = 3.14
)

// Objective is a declarative constraint on a campaign, task group, or task.
// One variant applies per objective, selected by Type; fields that do not
// belong to the variant stay zero. Target is polymorphic across variants
// (integer for upper_limit, number for range, boolean for assert) and is
// read through the TargetInt/TargetFloat/TargetBool accessors.
type Objective struct {
	ID         string        `json:"id"`
	Type       ObjectiveType `json:"type"`
	Var        string        `json:"var,omitempty"`
	Target     any           `json:"target,omitempty"`
	MaxTime    Duration      `json:"max_time,omitempty"`
	Iterations int           `json:"iterations,omitempty"`
	TaskGroup  string        `json:"task_group,omitempty"`
}

// Validate reports every problem with the objective, one string per problem.
func (o *Objective) Validate() []string {
	var errs []string
	if o.ID == "" {
		errs = append(errs, "objective id must not be empty")
	}
	switch o.Type {
	case ObjectiveMaxRuntime:
		if o.MaxTime <= 0 {
			errs = append(errs, fmt.Sprintf("objective %s: max_time must be a positive duration", o.ID))
		}
	case ObjectiveUpperLimit:
		if o.Var == "" {
			errs = append(errs, fmt.Sprintf("objective %s: var must not be empty", o.ID))
		}
		n, ok := targetNumber(o.Target)
		switch {
		case !ok || n != math.Trunc(n):
			errs = append(errs, fmt.Sprintf("objective %s: upper_limit target must be an integer", o.ID))
		case n <= 0 || n > upperLimitMaxTarget:
			errs = append(errs, fmt.Sprintf("objective %s: upper_limit target must be in (0, %d]", o.ID, upperLimitMaxTarget))
		}
	case ObjectiveRange:
		if o.Var == "" {
			errs = append(errs, fmt.Sprintf("objective %s: var must not be empty", o.ID))
		}
		n, ok := targetNumber(o.Target)
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("objective %s: range target must be a number", o.ID))
		case n <= rangeMinTarget || n >= rangeMaxTarget:
			errs = append(errs, fmt.Sprintf("objective %s: range target must be in (%v, %v)", o.ID, rangeMinTarget, rangeMaxTarget))
		}
	case ObjectiveIterate:
		if o.Iterations <= 0 {
			errs = append(errs, fmt.Sprintf("objective %s: iterations must be positive", o.ID))
		}
	case ObjectiveAssert:
		if o.Var == "" {
			errs = append(errs, fmt.Sprintf("objective %s: var must not be empty", o.ID))
		}
		if _, ok := o.Target.(bool); !ok {
			errs = append(errs, fmt.Sprintf("objective %s: assert target must be a boolean", o.ID))
		}
	default:
		errs = append(errs, fmt.Sprintf("objective %s: unknown type %q", o.ID, o.Type))
	}
	return errs
}

// TargetInt returns the integer target of an upper_limit objective.
func (o *Objective) TargetInt() int {
	n, _ := targetNumber(o.Target)
	return int(n)
}

// TargetFloat returns the numeric target of a range objective.
func (o *Objective) TargetFloat() float64 {
	n, _ := targetNumber(o.Target)
	return n
}

// TargetBool returns the boolean target of an assert objective.
func (o *Objective) TargetBool() bool {
	b, _ := o.Target.(bool)
	return b
}

// targetNumber widens the numeric representations JSON decoding and Go
// literals produce into a float64.
func targetNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Duration is a time.Duration that encodes to JSON as a Go duration string
// such as "90s" or "1h30m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a Go duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
