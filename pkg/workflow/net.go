package workflow

import (
	"errors"
	"fmt"
)

// Firing errors. Fire wraps both with the transition name, so callers can
// match with errors.Is and still log something readable.
var (
	// ErrNoSuchTransition reports a Fire call naming a transition the net
	// does not contain.
	ErrNoSuchTransition = errors.New("transition does not exist in the net")
	// ErrNotEnabled reports a Fire call on a transition whose input places
	// are not all marked.
	ErrNotEnabled = errors.New("transition is not enabled")
)

// Transition is one named transition with unit-weight arcs. A place listed
// in both Inputs and Outputs forms a read arc: firing consumes the token
// and immediately reproduces it, leaving the count unchanged.
type Transition struct {
	Name    string
	Inputs  []string
	Outputs []string
}

// Net is a marked place/transition net. All arcs carry unit weight and a
// marking maps each place to a non-negative token count. A Net is not safe
// for concurrent use; the orchestrator serializes access per campaign.
type Net struct {
	name    string
	order   []string
	trans   map[string]Transition
	places  []string
	marking map[string]int
}

// NewNet returns an empty net with the given name.
func NewNet(name string) *Net {
	return &Net{
		name:    name,
		trans:   make(map[string]Transition),
		marking: make(map[string]int),
	}
}

// Name returns the net name.
func (n *Net) Name() string { return n.name }

// AddPlace registers a place holding the given number of tokens. Adding a
// place that already exists leaves its marking unchanged.
func (n *Net) AddPlace(name string, tokens int) {
	if _, ok := n.marking[name]; ok {
		return
	}
	n.places = append(n.places, name)
	n.marking[name] = tokens
}

// HasPlace reports whether the named place exists.
func (n *Net) HasPlace(name string) bool {
	_, ok := n.marking[name]
	return ok
}

// Places returns the place names in insertion order.
func (n *Net) Places() []string {
	out := make([]string, len(n.places))
	copy(out, n.places)
	return out
}

// AddTransition registers a transition. The name must be unused and every
// arc endpoint must name an existing place.
func (n *Net) AddTransition(t Transition) error {
	if _, ok := n.trans[t.Name]; ok {
		return fmt.Errorf("transition %q already exists", t.Name)
	}
	for _, p := range t.Inputs {
		if !n.HasPlace(p) {
			return fmt.Errorf("transition %q consumes from unknown place %q", t.Name, p)
		}
	}
	for _, p := range t.Outputs {
		if !n.HasPlace(p) {
			return fmt.Errorf("transition %q produces into unknown place %q", t.Name, p)
		}
	}
	n.trans[t.Name] = t
	n.order = append(n.order, t.Name)
	return nil
}

// Transition returns the named transition and whether it exists.
func (n *Net) Transition(name string) (Transition, bool) {
	t, ok := n.trans[name]
	return t, ok
}

// Transitions returns all transition names in insertion order.
func (n *Net) Transitions() []string {
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out
}

// Marking returns a copy of the current marking, keyed by place name.
func (n *Net) Marking() map[string]int {
	out := make(map[string]int, len(n.marking))
	for place, count := range n.marking {
		out[place] = count
	}
	return out
}

// Tokens returns the token count of one place. Unknown places hold zero.
func (n *Net) Tokens(place string) int { return n.marking[place] }

// Enabled reports whether the named transition can fire on the current
// marking. Unknown transitions are never enabled.
func (n *Net) Enabled(name string) bool {
	t, ok := n.trans[name]
	return ok && n.enabled(t)
}

// enabled checks that every input place holds at least as many tokens as
// the transition consumes from it. An input listed twice needs two tokens.
func (n *Net) enabled(t Transition) bool {
	need := make(map[string]int, len(t.Inputs))
	for _, p := range t.Inputs {
		need[p]++
	}
	for place, count := range need {
		if n.marking[place] < count {
			return false
		}
	}
	return true
}

// EnabledTransitions returns the names of all currently enabled transitions
// in insertion order.
func (n *Net) EnabledTransitions() []string {
	var out []string
	for _, name := range n.order {
		if n.enabled(n.trans[name]) {
			out = append(out, name)
		}
	}
	return out
}

// Fire applies one firing of the named transition: one token leaves every
// input place and one arrives in every output place. The marking changes
// only when the transition exists and is enabled; a failed Fire leaves the
// net exactly as it was.
func (n *Net) Fire(name string) error {
	t, ok := n.trans[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchTransition, name)
	}
	if !n.enabled(t) {
		return fmt.Errorf("%w: %q", ErrNotEnabled, name)
	}
	for _, p := range t.Inputs {
		n.marking[p]--
	}
	for _, p := range t.Outputs {
		n.marking[p]++
	}
	return nil
}
