package asana

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Task is the subset of Asana task fields this action reads.
type Task struct {
	GID          string       `json:"gid"`
	Name         string       `json:"name"`
	Notes        string       `json:"notes"`
	Completed    bool         `json:"completed"`
	PermalinkURL string       `json:"permalink_url"`
	Memberships  []Membership `json:"memberships"`
}

// Membership associates a task with a (project, section) pair.
type Membership struct {
	Project Named `json:"project"`
	Section Named `json:"section"`
}

// Named is a gid+name resource reference.
type Named struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// NewTask holds the parameters for task creation.
type NewTask struct {
	Name         string          `json:"name"`
	Notes        string          `json:"notes,omitempty"`
	Projects     []string        `json:"projects,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Followers    []string        `json:"followers,omitempty"`
	Assignee     string          `json:"assignee,omitempty"`
	CustomFields map[string]any  `json:"custom_fields,omitempty"`
	Memberships  []NewMembership `json:"memberships,omitempty"`
}

// NewMembership binds a created task to a section within a project.
type NewMembership struct {
	Project string `json:"project"`
	Section string `json:"section"`
}

// TaskUpdate is a partial task update; nil fields are left unchanged.
type TaskUpdate struct {
	Name         *string        `json:"name,omitempty"`
	Notes        *string        `json:"notes,omitempty"`
	Completed    *bool          `json:"completed,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

const taskOptFields = "name,notes,completed,permalink_url,memberships.project.gid,memberships.section.gid"

// CreateTask creates a task and returns it.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/tasks", t, &task); err != nil {
		return Task{}, fmt.Errorf("creating task: %w", err)
	}
	return task, nil
}

// GetTask fetches a task including its permalink and project memberships.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	path := "/tasks/" + url.PathEscape(taskID) + "?opt_fields=" + url.QueryEscape(taskOptFields)
	if err := c.do(ctx, http.MethodGet, path, nil, &task); err != nil {
		return Task{}, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	return task, nil
}

// UpdateTask applies a partial update to a task.
func (c *Client) UpdateTask(ctx context.Context, taskID string, u TaskUpdate) (Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskID), u, &task); err != nil {
		return Task{}, fmt.Errorf("updating task %s: %w", taskID, err)
	}
	return task, nil
}

// SetParent makes taskID a subtask of parentID.
func (c *Client) SetParent(ctx context.Context, taskID, parentID string) error {
	body := map[string]any{"parent": parentID}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/setParent", body, nil); err != nil {
		return fmt.Errorf("setting parent of task %s to %s: %w", taskID, parentID, err)
	}
	return nil
}

// AddProjectForTask adds the task to a project. When appendLast is true the
// membership is appended at the end of the project (insert_after: null).
func (c *Client) AddProjectForTask(ctx context.Context, taskID, projectID string, appendLast bool) error {
	body := map[string]any{"project": projectID}
	if appendLast {
		body["insert_after"] = nil
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/addProject", body, nil); err != nil {
		return fmt.Errorf("adding task %s to project %s: %w", taskID, projectID, err)
	}
	return nil
}

// AddTaskToSection moves the task into the given section.
func (c *Client) AddTaskToSection(ctx context.Context, sectionID, taskID string) error {
	body := map[string]any{"task": taskID}
	if err := c.do(ctx, http.MethodPost, "/sections/"+url.PathEscape(sectionID)+"/addTask", body, nil); err != nil {
		return fmt.Errorf("adding task %s to section %s: %w", taskID, sectionID, err)
	}
	return nil
}

// TasksForSection lists the tasks in a section. Only the first page returned
// by the API is scanned; very large sections are not paginated through.
func (c *Client) TasksForSection(ctx context.Context, sectionID string) ([]Task, error) {
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/sections/"+url.PathEscape(sectionID)+"/tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("listing tasks in section %s: %w", sectionID, err)
	}
	return tasks, nil
}

// Subtasks lists the subtasks of a task.
func (c *Client) Subtasks(ctx context.Context, taskID string) ([]Task, error) {
	var tasks []Task
	path := "/tasks/" + url.PathEscape(taskID) + "/subtasks?opt_fields=" + url.QueryEscape("name,notes,completed")
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, fmt.Errorf("listing subtasks of task %s: %w", taskID, err)
	}
	return tasks, nil
}

// TasksForProject lists the tasks in a project.
func (c *Client) TasksForProject(ctx context.Context, projectID string) ([]Task, error) {
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("listing tasks in project %s: %w", projectID, err)
	}
	return tasks, nil
}
