// Package taskops implements the Asana task operations shared by the
// individual actions: creation with duplicate detection, commenting,
// subtasks, and project membership.
package taskops

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/duckduckgo/github-asana-sync/internal/asana"
)

// NoTask is the task ID reported when a section lookup finds no match.
const NoTask = "0"

// Asana is the task API surface the service needs.
type Asana interface {
	CreateTask(ctx context.Context, t asana.NewTask) (asana.Task, error)
	GetTask(ctx context.Context, taskID string) (asana.Task, error)
	UpdateTask(ctx context.Context, taskID string, u asana.TaskUpdate) (asana.Task, error)
	SetParent(ctx context.Context, taskID, parentID string) error
	AddProjectForTask(ctx context.Context, taskID, projectID string, appendLast bool) error
	AddTaskToSection(ctx context.Context, sectionID, taskID string) error
	TasksForSection(ctx context.Context, sectionID string) ([]asana.Task, error)
	Subtasks(ctx context.Context, taskID string) ([]asana.Task, error)
	TasksForProject(ctx context.Context, projectID string) ([]asana.Task, error)
	CreateStory(ctx context.Context, taskID, text string, pinned bool) (asana.Story, error)
	StoriesForTask(ctx context.Context, taskID string) ([]asana.Story, error)
}

// Service wraps an Asana client with the action-level task operations.
type Service struct {
	asana Asana
}

// New creates a Service backed by the given Asana client.
func New(a Asana) *Service {
	return &Service{asana: a}
}

// Descriptor holds the parameters for creating a task.
type Descriptor struct {
	Name         string
	Notes        string
	ProjectID    string
	SectionID    string
	Assignee     string
	Tags         []string
	Followers    []string
	CustomFields map[string]any
}

// CreateTask creates a task in the descriptor's project. When a section is
// given, a task with the same name already present in that section is reused
// instead: its ID is returned with duplicate=true and nothing is created.
func (s *Service) CreateTask(ctx context.Context, d Descriptor) (string, bool, error) {
	log := clog.FromContext(ctx)

	if d.SectionID != "" {
		existing, err := s.FindTaskInSection(ctx, d.SectionID, d.Name)
		if err != nil {
			return "", false, err
		}
		if existing != NoTask {
			log.InfoContextf(ctx, "task %q already exists in section %s as %s", d.Name, d.SectionID, existing)
			return existing, true, nil
		}
	}

	nt := asana.NewTask{
		Name:         d.Name,
		Notes:        d.Notes,
		Assignee:     d.Assignee,
		Tags:         d.Tags,
		Followers:    d.Followers,
		CustomFields: d.CustomFields,
	}
	if d.SectionID != "" {
		nt.Memberships = []asana.NewMembership{{Project: d.ProjectID, Section: d.SectionID}}
	} else {
		nt.Projects = []string{d.ProjectID}
	}

	task, err := s.asana.CreateTask(ctx, nt)
	if err != nil {
		return "", false, err
	}
	log.InfoContextf(ctx, "created task %s in project %s", task.GID, d.ProjectID)
	return task.GID, false, nil
}

// CreateSubtask creates a task and attaches it to parentID as a subtask.
func (s *Service) CreateSubtask(ctx context.Context, parentID string, d Descriptor) (string, error) {
	id, _, err := s.CreateTask(ctx, d)
	if err != nil {
		return "", err
	}
	if err := s.asana.SetParent(ctx, id, parentID); err != nil {
		return "", err
	}
	return id, nil
}

// CreateStory adds a comment story to a task. Failures are logged and
// reported as a nil story so callers can continue.
func (s *Service) CreateStory(ctx context.Context, taskID, text string, pinned bool) *asana.Story {
	story, err := s.asana.CreateStory(ctx, taskID, text, pinned)
	if err != nil {
		clog.FromContext(ctx).WarnContextf(ctx, "creating story on task %s: %v", taskID, err)
		return nil
	}
	return &story
}

// UpdateTask applies a partial update and reports whether it succeeded.
func (s *Service) UpdateTask(ctx context.Context, taskID string, u asana.TaskUpdate) bool {
	if _, err := s.asana.UpdateTask(ctx, taskID, u); err != nil {
		clog.FromContext(ctx).ErrorContextf(ctx, "updating task %s: %v", taskID, err)
		return false
	}
	return true
}

// AddTaskToProject adds a task to a project and, when sectionID is set,
// moves it into that section. Reports whether both steps succeeded.
func (s *Service) AddTaskToProject(ctx context.Context, taskID, projectID, sectionID string) bool {
	log := clog.FromContext(ctx)
	if err := s.asana.AddProjectForTask(ctx, taskID, projectID, sectionID == ""); err != nil {
		log.ErrorContextf(ctx, "adding task %s to project %s: %v", taskID, projectID, err)
		return false
	}
	if sectionID != "" {
		if err := s.asana.AddTaskToSection(ctx, sectionID, taskID); err != nil {
			log.ErrorContextf(ctx, "moving task %s to section %s: %v", taskID, sectionID, err)
			return false
		}
	}
	return true
}

// FindTaskInSection looks up a task by exact name in a section. Returns
// NoTask when no task matches.
func (s *Service) FindTaskInSection(ctx context.Context, sectionID, name string) (string, error) {
	tasks, err := s.asana.TasksForSection(ctx, sectionID)
	if err != nil {
		return "", fmt.Errorf("searching section %s for %q: %w", sectionID, name, err)
	}
	for _, t := range tasks {
		if t.Name == name {
			return t.GID, nil
		}
	}
	return NoTask, nil
}

// SubtasksForTask lists the subtasks of a task.
func (s *Service) SubtasksForTask(ctx context.Context, taskID string) ([]asana.Task, error) {
	return s.asana.Subtasks(ctx, taskID)
}

// SetParent makes taskID a subtask of parentID.
func (s *Service) SetParent(ctx context.Context, taskID, parentID string) error {
	return s.asana.SetParent(ctx, taskID, parentID)
}

// TasksForProject lists the tasks in a project.
func (s *Service) TasksForProject(ctx context.Context, projectID string) ([]asana.Task, error) {
	return s.asana.TasksForProject(ctx, projectID)
}

// StoriesForTask lists the comment stories on a task.
func (s *Service) StoriesForTask(ctx context.Context, taskID string) ([]asana.Story, error) {
	return s.asana.StoriesForTask(ctx, taskID)
}

// TaskPermalink returns the task's permanent URL.
func (s *Service) TaskPermalink(ctx context.Context, taskID string) (string, error) {
	task, err := s.asana.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.PermalinkURL, nil
}

// IsInNoAutocloseProjects reports whether the task belongs to any of the
// given projects. A failed membership lookup is treated as not a member so
// that autoclose proceeds.
func (s *Service) IsInNoAutocloseProjects(ctx context.Context, taskID string, projects map[string]struct{}) bool {
	if len(projects) == 0 {
		return false
	}
	task, err := s.asana.GetTask(ctx, taskID)
	if err != nil {
		clog.FromContext(ctx).WarnContextf(ctx, "checking project memberships of task %s: %v", taskID, err)
		return false
	}
	for _, m := range task.Memberships {
		if _, ok := projects[m.Project.GID]; ok {
			return true
		}
	}
	return false
}

// PostCommentToTasks posts the same comment to every task. All tasks are
// attempted; the return value is false when any of them failed.
func (s *Service) PostCommentToTasks(ctx context.Context, taskIDs []string, text string, pinned bool) bool {
	ok := true
	for _, id := range taskIDs {
		if _, err := s.asana.CreateStory(ctx, id, text, pinned); err != nil {
			clog.FromContext(ctx).ErrorContextf(ctx, "posting comment to task %s: %v", id, err)
			ok = false
		}
	}
	return ok
}
