// Package models holds the campaign data model: the submitted campaign
// description, its execution-state counterpart stored in snapshots, the
// append-only event record, and the upstream ICMP document shapes.
package models

import (
	"fmt"

	"github.com/sciops/campaignd/pkg/schema"
)

// Value binds an input or output slot to a campaign variable.
type Value struct {
	ID  string `json:"id"`
	Var string `json:"var"`
}

// Input is one typed input for a task or campaign. Schema must itself be a
// valid JSON Schema (draft 2020-12) and at least one value binding is
// required.
type Input struct {
	Schema map[string]any `json:"schema"`
	Values []Value        `json:"values"`
}

// Output is one typed output for a task or campaign, same shape as Input.
type Output struct {
	Schema map[string]any `json:"schema"`
	Values []Value        `json:"values"`
}

// Task is a single unit of work dispatched to one remote capability.
// Exactly one of OperationID and EventName must be set: an operation is a
// request/response invocation, an event name subscribes the task to a
// capability's event stream.
type Task struct {
	ID               string      `json:"id"`
	Hierarchy        string      `json:"hierarchy"`
	Capability       string      `json:"capability"`
	OperationID      string      `json:"operation_id,omitempty"`
	EventName        string      `json:"event_name,omitempty"`
	Input            *Input      `json:"input,omitempty"`
	Output           *Output     `json:"output,omitempty"`
	TaskDependencies []string    `json:"task_dependencies,omitempty"`
	TaskObjectives   []Objective `json:"task_objectives,omitempty"`
	// Metadata carries broker dispatch parameters (topic, headers,
	// payload) for this task, overriding campaign-level metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskGroup is a set of tasks executed together, with dependencies on other
// groups and optional early-completion objectives.
type TaskGroup struct {
	ID                string      `json:"id"`
	GroupDependencies []string    `json:"group_dependencies,omitempty"`
	Tasks             []Task      `json:"tasks"`
	Objectives        []Objective `json:"objectives,omitempty"`
}

// Campaign is the submitted description of a workflow: a DAG of task
// groups, each group a DAG of tasks. Immutable once submitted.
type Campaign struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	User        string      `json:"user"`
	Description string      `json:"description"`
	TaskGroups  []TaskGroup `json:"task_groups"`
	Objectives  []Objective `json:"objectives,omitempty"`
	Inputs      []Input     `json:"inputs,omitempty"`
	Outputs     []Output    `json:"outputs,omitempty"`
	// Metadata holds campaign-wide broker dispatch parameters. A nested
	// "steps" map keyed by task id overrides it per step; a task's own
	// Metadata overrides both.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate reports every problem with the campaign, one string per problem.
// An empty result means the campaign is structurally sound; dependency
// cycles between groups are caught at workflow compile time, not here.
func (c *Campaign) Validate() []string {
	var errs []string
	if c.ID == "" {
		errs = append(errs, "campaign id must not be empty")
	}
	seenGroups := make(map[string]bool, len(c.TaskGroups))
	for _, g := range c.TaskGroups {
		if g.ID == "" {
			errs = append(errs, "task group id must not be empty")
		} else if seenGroups[g.ID] {
			errs = append(errs, fmt.Sprintf("duplicate task group id %q", g.ID))
		}
		seenGroups[g.ID] = true
		errs = append(errs, g.validate()...)
	}
	for _, o := range c.Objectives {
		errs = append(errs, o.Validate()...)
	}
	for i, in := range c.Inputs {
		errs = append(errs, validateIO(fmt.Sprintf("campaign input %d", i), in.Schema, in.Values)...)
	}
	for i, out := range c.Outputs {
		errs = append(errs, validateIO(fmt.Sprintf("campaign output %d", i), out.Schema, out.Values)...)
	}
	return errs
}

func (g *TaskGroup) validate() []string {
	var errs []string
	seenTasks := make(map[string]bool, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("task group %s: task id must not be empty", g.ID))
		} else if seenTasks[t.ID] {
			errs = append(errs, fmt.Sprintf("task group %s: duplicate task id %q", g.ID, t.ID))
		}
		seenTasks[t.ID] = true
		errs = append(errs, t.validate()...)
	}
	for _, o := range g.Objectives {
		errs = append(errs, o.Validate()...)
	}
	return errs
}

func (t *Task) validate() []string {
	var errs []string
	if (t.OperationID == "") == (t.EventName == "") {
		errs = append(errs, fmt.Sprintf("task %s needs to define exactly one of operation_id or event_name", t.ID))
	}
	if t.Input != nil {
		errs = append(errs, validateIO(fmt.Sprintf("task %s input", t.ID), t.Input.Schema, t.Input.Values)...)
	}
	if t.Output != nil {
		errs = append(errs, validateIO(fmt.Sprintf("task %s output", t.ID), t.Output.Schema, t.Output.Values)...)
	}
	for _, o := range t.TaskObjectives {
		errs = append(errs, o.Validate()...)
	}
	return errs
}

func validateIO(label string, schemaDoc map[string]any, values []Value) []string {
	var errs []string
	if len(values) == 0 {
		errs = append(errs, label+": values must not be empty")
	}
	for _, e := range schema.ValidateSchema(schemaDoc) {
		errs = append(errs, label+" schema: "+e)
	}
	return errs
}
