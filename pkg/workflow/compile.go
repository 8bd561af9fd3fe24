// Package workflow compiles campaigns into Petri nets and drives them. A
// campaign's task groups and tasks become places and transitions wired so
// that dependency order, group completion, and campaign finalization are
// structural properties of the net rather than orchestrator bookkeeping.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/sciops/campaignd/pkg/models"
)

// ErrCycleDetected reports a campaign whose group dependencies loop back on
// themselves. Compile wraps it with the group the walk started from.
var ErrCycleDetected = errors.New("circular dependency detected in task groups")

// Shared places every compiled net carries.
const (
	// PlaceReady holds the single start token. Activating the first
	// independent group consumes it for good.
	PlaceReady = "Ready"
	// PlaceComplete receives the final token when the campaign finalizes.
	PlaceComplete = "Complete"
)

// FinalizeTransition is the name of the single transition that closes a
// campaign once every task group has completed.
const FinalizeTransition = "finalize_campaign"

// ActivateTransition returns the name of the transition that starts a group.
func ActivateTransition(groupID string) string { return "activate_" + groupID }

// CompleteTransition returns the name of the transition that closes a group.
func CompleteTransition(groupID string) string { return "complete_" + groupID }

// TaskTransition returns the name of the transition that fires one task.
func TaskTransition(groupID, taskID string) string {
	return fmt.Sprintf("task_%s_%s", groupID, taskID)
}

// GroupPendingPlace returns the place marked while a group is activated and
// its tasks may fire.
func GroupPendingPlace(groupID string) string { return "tg_" + groupID + "_pending" }

// GroupRunningPlace returns the group's running place. The standard arc set
// never marks it; it exists so markings expose a slot for every group state.
func GroupRunningPlace(groupID string) string { return "tg_" + groupID + "_running" }

// GroupCompletePlace returns the place marked once a group has completed.
// Dependent groups observe it through read arcs; finalization consumes it.
func GroupCompletePlace(groupID string) string { return "tg_" + groupID + "_complete" }

// TaskCompletePlace returns the place marked once a task has fired.
func TaskCompletePlace(groupID, taskID string) string {
	return fmt.Sprintf("task_%s_%s_complete", groupID, taskID)
}

// TransitionKind classifies the transitions a compiled net contains.
type TransitionKind string

const (
	KindActivate TransitionKind = "activate"
	KindComplete TransitionKind = "complete"
	KindTask     TransitionKind = "task"
	KindFinalize TransitionKind = "finalize"
)

// FiredTransition identifies what a transition name stands for. TaskID is
// set only for KindTask; GroupID is empty for KindFinalize.
type FiredTransition struct {
	Kind    TransitionKind
	GroupID string
	TaskID  string
}

// TopicPair holds the broker topics tied to one transition: Publish carries
// the announcement when the transition fires, Subscribe names the topic the
// answering message is expected on.
type TopicPair struct {
	Publish   string
	Subscribe string
}

// RuntimeBound is a max_runtime objective flattened for the reducer.
type RuntimeBound struct {
	ID        string
	MaxTime   time.Duration
	TaskGroup string
}

// IterationBound is an iterate objective flattened for the reducer.
type IterationBound struct {
	ID         string
	Iterations int
}

// Threshold is an upper_limit, range, or assert objective flattened for the
// reducer. Target keeps the variant's native type: integer, number, or bool.
type Threshold struct {
	ID        string
	Type      models.ObjectiveType
	Var       string
	Target    any
	TaskGroup string
}

// ObjectiveSet groups the advisory objectives attached to one task group or
// to the campaign itself. The net does not encode these; the reducer reads
// them when deciding whether a group may complete early.
type ObjectiveSet struct {
	MaxRuntimes []RuntimeBound
	Iterations  []IterationBound
	Thresholds  []Threshold
}

// Empty reports whether the set carries no objectives at all.
func (s ObjectiveSet) Empty() bool {
	return len(s.MaxRuntimes) == 0 && len(s.Iterations) == 0 && len(s.Thresholds) == 0
}

// Compiled is one campaign's executable workflow: the marked net plus the
// compile-time metadata the orchestrator and reducer consult while driving
// it.
type Compiled struct {
	Net *Net

	// Messaging maps transition names to the broker topics announcing them.
	// Activation and completion transitions get per-group topics; the
	// finalize transition gets the campaign-level pair.
	Messaging map[string]TopicPair

	// GroupObjectives holds each group's advisory objectives, keyed by
	// group id. Every declared group has an entry, possibly empty.
	GroupObjectives map[string]ObjectiveSet

	// CampaignObjectives holds the campaign-level advisory objectives.
	CampaignObjectives ObjectiveSet

	// Warnings lists non-fatal oddities found during compilation, such as
	// dependencies on groups the campaign never declares.
	Warnings []string

	transitions map[string]FiredTransition
}

// Resolve maps a transition name back to the group and task it stands for.
// Names are resolved against the compiled campaign rather than parsed, so
// ids containing underscores cannot be misread.
func (c *Compiled) Resolve(name string) (FiredTransition, bool) {
	ft, ok := c.transitions[name]
	return ft, ok
}

// Compile builds the Petri net for a campaign.
//
// Places are Ready, Complete, and per group g: tg_g_pending, tg_g_running,
// tg_g_complete, plus task_g_t_complete per task. Transitions are
// activate_g, complete_g, task_g_t, and finalize_campaign. Group and task
// dependencies become read arcs, so firing preserves the observed tokens
// and sibling groups can wait on the same dependency. The initial marking
// holds a single token in Ready.
//
// A dependency naming a group or task the campaign never declares is not
// an error: the arc wires to a completion place nothing ever marks, which
// leaves the dependent transition unreachable, and a warning is recorded
// on the result.
func Compile(campaign models.Campaign) (*Compiled, error) {
	groups := make(map[string]models.TaskGroup, len(campaign.TaskGroups))
	for _, g := range campaign.TaskGroups {
		if _, ok := groups[g.ID]; ok {
			return nil, fmt.Errorf("duplicate task group id %q", g.ID)
		}
		groups[g.ID] = g
		seen := make(map[string]bool, len(g.Tasks))
		for _, t := range g.Tasks {
			if seen[t.ID] {
				return nil, fmt.Errorf("task group %q: duplicate task id %q", g.ID, t.ID)
			}
			seen[t.ID] = true
		}
	}
	if err := detectCycles(campaign.TaskGroups, groups); err != nil {
		return nil, err
	}

	c := &Compiled{
		Net:             NewNet("Campaign_" + campaign.ID),
		Messaging:       make(map[string]TopicPair, 2*len(campaign.TaskGroups)+1),
		GroupObjectives: make(map[string]ObjectiveSet, len(campaign.TaskGroups)),
		transitions:     make(map[string]FiredTransition, len(campaign.TaskGroups)),
	}

	c.Net.AddPlace(PlaceReady, 1)
	for _, g := range campaign.TaskGroups {
		c.Net.AddPlace(GroupPendingPlace(g.ID), 0)
		c.Net.AddPlace(GroupRunningPlace(g.ID), 0)
		c.Net.AddPlace(GroupCompletePlace(g.ID), 0)
		for _, t := range g.Tasks {
			c.Net.AddPlace(TaskCompletePlace(g.ID, t.ID), 0)
		}
	}
	c.Net.AddPlace(PlaceComplete, 0)

	for _, g := range campaign.TaskGroups {
		if err := c.addGroup(g, groups); err != nil {
			return nil, err
		}
	}

	finalize := Transition{Name: FinalizeTransition, Outputs: []string{PlaceComplete}}
	for _, g := range campaign.TaskGroups {
		finalize.Inputs = append(finalize.Inputs, GroupCompletePlace(g.ID))
	}
	if err := c.Net.AddTransition(finalize); err != nil {
		return nil, err
	}
	c.transitions[FinalizeTransition] = FiredTransition{Kind: KindFinalize}

	for _, g := range campaign.TaskGroups {
		base := fmt.Sprintf("campaign/%s/task_group/%s", campaign.ID, g.ID)
		c.Messaging[ActivateTransition(g.ID)] = TopicPair{
			Publish:   base + "/start",
			Subscribe: base + "/started",
		}
		c.Messaging[CompleteTransition(g.ID)] = TopicPair{
			Publish:   base + "/complete",
			Subscribe: base + "/completed",
		}
		c.GroupObjectives[g.ID] = groupObjectiveSet(g)
	}
	c.Messaging[FinalizeTransition] = TopicPair{
		Publish:   fmt.Sprintf("campaign/%s/finalize", campaign.ID),
		Subscribe: fmt.Sprintf("campaign/%s/finalized", campaign.ID),
	}
	c.CampaignObjectives = campaignObjectiveSet(campaign.Objectives)

	return c, nil
}

// addGroup wires one task group's activation, task, and completion
// transitions into the net.
func (c *Compiled) addGroup(g models.TaskGroup, groups map[string]models.TaskGroup) error {
	pending := GroupPendingPlace(g.ID)
	complete := GroupCompletePlace(g.ID)

	activate := Transition{Name: ActivateTransition(g.ID), Outputs: []string{pending}}
	if len(g.GroupDependencies) == 0 {
		activate.Inputs = []string{PlaceReady}
	} else {
		for _, dep := range g.GroupDependencies {
			depComplete := GroupCompletePlace(dep)
			if _, ok := groups[dep]; !ok {
				c.Warnings = append(c.Warnings,
					fmt.Sprintf("task group %q depends on undeclared group %q", g.ID, dep))
				c.Net.AddPlace(depComplete, 0)
			}
			activate.Inputs = append(activate.Inputs, depComplete)
			activate.Outputs = append(activate.Outputs, depComplete)
		}
	}
	if err := c.Net.AddTransition(activate); err != nil {
		return err
	}
	c.transitions[activate.Name] = FiredTransition{Kind: KindActivate, GroupID: g.ID}

	groupComplete := Transition{Name: CompleteTransition(g.ID), Inputs: []string{pending}, Outputs: []string{complete}}
	for _, t := range g.Tasks {
		groupComplete.Inputs = append(groupComplete.Inputs, TaskCompletePlace(g.ID, t.ID))
	}

	for _, t := range g.Tasks {
		task := Transition{
			Name:    TaskTransition(g.ID, t.ID),
			Inputs:  []string{pending},
			Outputs: []string{pending},
		}
		for _, dep := range t.TaskDependencies {
			depComplete := TaskCompletePlace(g.ID, dep)
			if !c.Net.HasPlace(depComplete) {
				c.Warnings = append(c.Warnings,
					fmt.Sprintf("task %q in group %q depends on undeclared task %q", t.ID, g.ID, dep))
				c.Net.AddPlace(depComplete, 0)
			}
			task.Inputs = append(task.Inputs, depComplete)
			task.Outputs = append(task.Outputs, depComplete)
		}
		task.Outputs = append(task.Outputs, TaskCompletePlace(g.ID, t.ID))
		if err := c.Net.AddTransition(task); err != nil {
			return err
		}
		c.transitions[task.Name] = FiredTransition{Kind: KindTask, GroupID: g.ID, TaskID: t.ID}
	}

	if err := c.Net.AddTransition(groupComplete); err != nil {
		return err
	}
	c.transitions[groupComplete.Name] = FiredTransition{Kind: KindComplete, GroupID: g.ID}
	return nil
}

// detectCycles walks group dependencies depth-first with a recursion stack.
// Dependencies on undeclared groups terminate a path rather than failing
// it, matching the arc construction that leaves such groups unreachable.
func detectCycles(order []models.TaskGroup, groups map[string]models.TaskGroup) error {
	visited := make(map[string]bool, len(order))
	stack := make(map[string]bool, len(order))

	var walk func(id string) bool
	walk = func(id string) bool {
		visited[id] = true
		stack[id] = true
		g, ok := groups[id]
		if !ok {
			delete(stack, id)
			return false
		}
		for _, dep := range g.GroupDependencies {
			if !visited[dep] {
				if walk(dep) {
					return true
				}
			} else if stack[dep] {
				return true
			}
		}
		delete(stack, id)
		return false
	}

	for _, g := range order {
		if !visited[g.ID] && walk(g.ID) {
			return fmt.Errorf("%w involving %q", ErrCycleDetected, g.ID)
		}
	}
	return nil
}

// groupObjectiveSet flattens a group's objectives. Only runtime and
// iteration bounds apply at group level; threshold variants ride on the
// campaign.
func groupObjectiveSet(g models.TaskGroup) ObjectiveSet {
	var set ObjectiveSet
	for _, o := range g.Objectives {
		switch o.Type {
		case models.ObjectiveMaxRuntime:
			set.MaxRuntimes = append(set.MaxRuntimes, RuntimeBound{
				ID:        o.ID,
				MaxTime:   o.MaxTime.Std(),
				TaskGroup: o.TaskGroup,
			})
		case models.ObjectiveIterate:
			set.Iterations = append(set.Iterations, IterationBound{
				ID:         o.ID,
				Iterations: o.Iterations,
			})
		}
	}
	return set
}

// campaignObjectiveSet flattens the campaign-level objectives: runtime
// bounds plus the threshold variants (upper_limit, range, assert).
func campaignObjectiveSet(objectives []models.Objective) ObjectiveSet {
	var set ObjectiveSet
	for _, o := range objectives {
		switch o.Type {
		case models.ObjectiveMaxRuntime:
			set.MaxRuntimes = append(set.MaxRuntimes, RuntimeBound{
				ID:        o.ID,
				MaxTime:   o.MaxTime.Std(),
				TaskGroup: o.TaskGroup,
			})
		case models.ObjectiveUpperLimit, models.ObjectiveRange, models.ObjectiveAssert:
			set.Thresholds = append(set.Thresholds, Threshold{
				ID:        o.ID,
				Type:      o.Type,
				Var:       o.Var,
				Target:    o.Target,
				TaskGroup: o.TaskGroup,
			})
		}
	}
	return set
}
