package models

// ExecutionStatus tracks where a campaign element is in its lifecycle.
type ExecutionStatus string

const (
	StatusQueued   ExecutionStatus = "queued"
	StatusRunning  ExecutionStatus = "running"
	StatusComplete ExecutionStatus = "complete"
	StatusError    ExecutionStatus = "error"
)

// ObjectiveState is an objective plus its execution status.
type ObjectiveState struct {
	Objective
	Status ExecutionStatus `json:"status"`
}

// TaskState is a task plus its execution status.
type TaskState struct {
	Task
	Status ExecutionStatus `json:"status"`
}

// TaskGroupState mirrors TaskGroup with stateful tasks and objectives.
type TaskGroupState struct {
	ID                string           `json:"id"`
	GroupDependencies []string         `json:"group_dependencies,omitempty"`
	Tasks             []TaskState      `json:"tasks"`
	Objectives        []ObjectiveState `json:"objectives,omitempty"`
	Status            ExecutionStatus  `json:"status"`
}

// CampaignState is the reduced view of a campaign carried in snapshots:
// the campaign description plus per-task, per-group, and campaign-level
// execution statuses, and the step the orchestrator is waiting on.
type CampaignState struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	User        string           `json:"user"`
	Description string           `json:"description"`
	TaskGroups  []TaskGroupState `json:"task_groups"`
	Objectives  []ObjectiveState `json:"objectives,omitempty"`
	Inputs      []Input          `json:"inputs,omitempty"`
	Outputs     []Output         `json:"outputs,omitempty"`
	Status      ExecutionStatus  `json:"status"`
	ActiveStep  string           `json:"active_step,omitempty"`
}

// NewCampaignState builds the snapshot state for a campaign with every
// element at the given status.
func NewCampaignState(c Campaign, status ExecutionStatus) CampaignState {
	groups := make([]TaskGroupState, 0, len(c.TaskGroups))
	for _, g := range c.TaskGroups {
		tasks := make([]TaskState, 0, len(g.Tasks))
		for _, t := range g.Tasks {
			tasks = append(tasks, TaskState{Task: t, Status: status})
		}
		objectives := make([]ObjectiveState, 0, len(g.Objectives))
		for _, o := range g.Objectives {
			objectives = append(objectives, ObjectiveState{Objective: o, Status: status})
		}
		groups = append(groups, TaskGroupState{
			ID:                g.ID,
			GroupDependencies: g.GroupDependencies,
			Tasks:             tasks,
			Objectives:        objectives,
			Status:            status,
		})
	}
	objectives := make([]ObjectiveState, 0, len(c.Objectives))
	for _, o := range c.Objectives {
		objectives = append(objectives, ObjectiveState{Objective: o, Status: status})
	}
	return CampaignState{
		ID:          c.ID,
		Name:        c.Name,
		User:        c.User,
		Description: c.Description,
		TaskGroups:  groups,
		Objectives:  objectives,
		Inputs:      c.Inputs,
		Outputs:     c.Outputs,
		Status:      status,
	}
}

// TaskGroup returns the group with the given id, or nil.
func (s *CampaignState) TaskGroup(id string) *TaskGroupState {
	for i := range s.TaskGroups {
		if s.TaskGroups[i].ID == id {
			return &s.TaskGroups[i]
		}
	}
	return nil
}

// SetTaskGroupStatus updates one group's status, reporting whether the
// group exists.
func (s *CampaignState) SetTaskGroupStatus(groupID string, status ExecutionStatus) bool {
	g := s.TaskGroup(groupID)
	if g == nil {
		return false
	}
	g.Status = status
	return true
}

// SetTaskStatus updates one task's status, reporting whether the task
// exists within the named group.
func (s *CampaignState) SetTaskStatus(groupID, taskID string, status ExecutionStatus) bool {
	g := s.TaskGroup(groupID)
	if g == nil {
		return false
	}
	for i := range g.Tasks {
		if g.Tasks[i].ID == taskID {
			g.Tasks[i].Status = status
			return true
		}
	}
	return false
}

// SetObjectiveStatus updates one group objective's status, reporting
// whether the objective exists within the named group.
func (s *CampaignState) SetObjectiveStatus(groupID, objectiveID string, status ExecutionStatus) bool {
	g := s.TaskGroup(groupID)
	if g == nil {
		return false
	}
	for i := range g.Objectives {
		if g.Objectives[i].ID == objectiveID {
			g.Objectives[i].Status = status
			return true
		}
	}
	return false
}
