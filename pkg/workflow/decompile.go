package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sciops/campaignd/pkg/models"
)

// Decompile reconstructs a campaign from a compiled net. Nets do not carry
// task details, so the original campaign supplies identity and task bodies;
// group dependencies are read back from the activation arcs and objectives
// from the compile metadata when given (nil falls back to the original's
// group objectives).
//
// The net must contain the Ready and Complete places plus the pending and
// complete places of every group the original declares, otherwise an error
// names what is missing.
func Decompile(net *Net, original models.Campaign, objectives map[string]ObjectiveSet) (models.Campaign, error) {
	if net == nil {
		return models.Campaign{}, fmt.Errorf("net must not be nil")
	}
	if err := validateNetShape(net, original); err != nil {
		return models.Campaign{}, err
	}

	groups := make([]models.TaskGroup, 0, len(original.TaskGroups))
	for _, g := range original.TaskGroups {
		rebuilt := models.TaskGroup{
			ID:                g.ID,
			GroupDependencies: extractDependencies(net, g.ID),
			Tasks:             g.Tasks,
			Objectives:        g.Objectives,
		}
		if set, ok := objectives[g.ID]; ok && !set.Empty() {
			rebuilt.Objectives = reconstructObjectives(set)
		}
		groups = append(groups, rebuilt)
	}

	return models.Campaign{
		ID:          original.ID,
		Name:        original.Name,
		User:        original.User,
		Description: original.Description,
		TaskGroups:  groups,
		Objectives:  original.Objectives,
		Inputs:      original.Inputs,
		Outputs:     original.Outputs,
		Metadata:    original.Metadata,
	}, nil
}

// validateNetShape checks the net for the places every compiled campaign
// carries.
func validateNetShape(net *Net, original models.Campaign) error {
	var missing []string
	for _, p := range []string{PlaceReady, PlaceComplete} {
		if !net.HasPlace(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required places: %v", missing)
	}
	for _, g := range original.TaskGroups {
		missing = missing[:0]
		for _, p := range []string{GroupPendingPlace(g.ID), GroupCompletePlace(g.ID)} {
			if !net.HasPlace(p) {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("missing required places for task group %s: %v", g.ID, missing)
		}
	}
	return nil
}

// extractDependencies reads a group's dependencies back off its activation
// transition: every input place of the form tg_<dep>_complete names one.
// A group with no activation transition has none.
func extractDependencies(net *Net, groupID string) []string {
	activate, ok := net.Transition(ActivateTransition(groupID))
	if !ok {
		return nil
	}
	var deps []string
	for _, place := range activate.Inputs {
		dep, ok := strings.CutPrefix(place, "tg_")
		if !ok {
			continue
		}
		dep, ok = strings.CutSuffix(dep, "_complete")
		if !ok {
			continue
		}
		deps = append(deps, dep)
	}
	return deps
}

// reconstructObjectives turns compile metadata back into model objectives.
// Only runtime and iteration bounds survive compilation at group level, so
// only those come back.
func reconstructObjectives(set ObjectiveSet) []models.Objective {
	var out []models.Objective
	for _, b := range set.MaxRuntimes {
		out = append(out, models.Objective{
			ID:        b.ID,
			Type:      models.ObjectiveMaxRuntime,
			MaxTime:   models.Duration(b.MaxTime),
			TaskGroup: b.TaskGroup,
		})
	}
	for _, b := range set.Iterations {
		out = append(out, models.Objective{
			ID:         b.ID,
			Type:       models.ObjectiveIterate,
			Iterations: b.Iterations,
		})
	}
	return out
}
