// Package prsync drives the pull-request lifecycle sync: one Asana task per
// PR, one review subtask per reviewer, updated as reviews come in and
// resolved when the PR closes.
package prsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v68/github"

	"github.com/duckduckgo/github-asana-sync/internal/asana"
	"github.com/duckduckgo/github-asana-sync/internal/event"
	"github.com/duckduckgo/github-asana-sync/internal/github"
	"github.com/duckduckgo/github-asana-sync/internal/taskops"
	"github.com/duckduckgo/github-asana-sync/internal/taskref"
)

// Task name templates.
const (
	prTaskPrefix           = "Pull Request: "
	reviewSubtaskPrefix    = "Review Request: "
	changesRequestedPrefix = "Changes Requested: "
	commentedPrefix        = "Commented: "
	notesPrelude           = "Description: "
	linkStoryPrelude       = "Link to Pull Request: "
	reviewerNotesPrefix    = "Reviewer: @"
)

// Tasks is the task-operation surface the orchestrator needs.
type Tasks interface {
	CreateTask(ctx context.Context, d taskops.Descriptor) (string, bool, error)
	CreateSubtask(ctx context.Context, parentID string, d taskops.Descriptor) (string, error)
	CreateStory(ctx context.Context, taskID, text string, pinned bool) *asana.Story
	UpdateTask(ctx context.Context, taskID string, u asana.TaskUpdate) bool
	SetParent(ctx context.Context, taskID, parentID string) error
	SubtasksForTask(ctx context.Context, taskID string) ([]asana.Task, error)
	TasksForProject(ctx context.Context, projectID string) ([]asana.Task, error)
	StoriesForTask(ctx context.Context, taskID string) ([]asana.Story, error)
	IsInNoAutocloseProjects(ctx context.Context, taskID string, projects map[string]struct{}) bool
}

// Reviews fetches submitted reviews for a pull request.
type Reviews interface {
	ListReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error)
}

// Config wires the orchestrator's collaborators and task parameters.
type Config struct {
	Tasks   Tasks
	Reviews Reviews

	ProjectID    string
	SectionID    string
	Tags         []string
	Followers    []string
	Assignee     string
	CustomFields map[string]any

	// TriggerPhrase gates which Asana URLs in the PR body become the
	// parent task link.
	TriggerPhrase string

	// PRStateField is the custom field GID the final PR state is written
	// to on close. Empty disables the write.
	PRStateField string

	// NoAutoclose holds project GIDs whose subtasks are never completed
	// automatically.
	NoAutoclose map[string]struct{}
}

// SubtaskResult records one created or updated review subtask.
type SubtaskResult struct {
	Reviewer string
	TaskID   string
}

// Result is the outcome of one sync invocation. Failures accumulate; a
// failed subtask never aborts the remaining ones.
type Result struct {
	TaskID       string
	ParentTaskID string
	Duplicate    bool
	Subtasks     []SubtaskResult
	Skipped      []string
	Failures     []error
}

// Orchestrator applies pull-request lifecycle events to Asana.
type Orchestrator struct {
	cfg Config
}

// New creates an Orchestrator from the given config.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Sync dispatches a webhook payload to the handler for its event and action.
// Events this orchestrator does not handle produce an empty result.
func (o *Orchestrator) Sync(ctx context.Context, p *event.Payload) (*Result, error) {
	log := clog.FromContext(ctx)

	switch p.Name {
	case "pull_request":
		if p.PullRequest == nil {
			return nil, fmt.Errorf("pull_request event without a pull request")
		}
		switch p.Action {
		case "opened":
			return o.HandleOpened(ctx, p.PullRequest)
		case "edited":
			return o.HandleEdited(ctx, p.PullRequest)
		case "closed":
			return o.HandleClosed(ctx, p.Repo.GetOwner().GetLogin(), p.Repo.GetName(), p.PullRequest)
		case "review_requested", "assigned":
			// The PR task is reused via the section duplicate check,
			// review subtasks are created anew.
			return o.HandleOpened(ctx, p.PullRequest)
		}
		log.InfoContextf(ctx, "ignoring pull_request action %q", p.Action)
		return &Result{}, nil

	case "pull_request_review":
		if p.Action != "submitted" {
			log.InfoContextf(ctx, "ignoring pull_request_review action %q", p.Action)
			return &Result{}, nil
		}
		if p.PullRequest == nil || p.Review == nil {
			return nil, fmt.Errorf("pull_request_review event missing pull request or review")
		}
		return o.HandleReviewSubmitted(ctx, p.PullRequest, p.Review)
	}

	log.InfoContextf(ctx, "ignoring event %q", p.Name)
	return &Result{}, nil
}

// HandleOpened creates the PR task, links it under the first referenced
// Asana task from the body, and creates one review subtask per unique
// reviewer or assignee login.
func (o *Orchestrator) HandleOpened(ctx context.Context, pr *gh.PullRequest) (*Result, error) {
	log := clog.FromContext(ctx)
	res := &Result{}

	taskID, dup, err := o.cfg.Tasks.CreateTask(ctx, taskops.Descriptor{
		Name:         prTaskPrefix + pr.GetTitle(),
		Notes:        notesPrelude + pr.GetBody(),
		ProjectID:    o.cfg.ProjectID,
		SectionID:    o.cfg.SectionID,
		Assignee:     o.cfg.Assignee,
		Tags:         o.cfg.Tags,
		Followers:    o.cfg.Followers,
		CustomFields: o.cfg.CustomFields,
	})
	if err != nil {
		return nil, fmt.Errorf("creating task for PR #%d: %w", pr.GetNumber(), err)
	}
	res.TaskID = taskID
	res.Duplicate = dup

	if !dup {
		o.cfg.Tasks.CreateStory(ctx, taskID, linkStoryPrelude+pr.GetHTMLURL(), true)
	}

	if refs := taskref.FindTaskReferences(ctx, pr.GetBody(), o.cfg.TriggerPhrase, ""); len(refs) > 0 {
		parent := refs[0].TaskID
		if err := o.cfg.Tasks.SetParent(ctx, taskID, parent); err != nil {
			log.WarnContextf(ctx, "linking task %s under %s: %v", taskID, parent, err)
			res.Failures = append(res.Failures, err)
		} else {
			res.ParentTaskID = parent
		}
	}

	o.createReviewSubtasks(ctx, taskID, pr, res)
	return res, nil
}

// createReviewSubtasks creates one subtask per unique reviewer among the
// PR's requested reviewers, assignees, and requested teams (keyed by team
// slug). Failures are collected, never fatal.
func (o *Orchestrator) createReviewSubtasks(ctx context.Context, prTaskID string, pr *gh.PullRequest, res *Result) {
	log := clog.FromContext(ctx)

	seen := map[string]struct{}{}
	var logins []string
	add := func(login string) {
		if login == "" {
			return
		}
		if _, ok := seen[login]; !ok {
			seen[login] = struct{}{}
			logins = append(logins, login)
		}
	}
	for _, u := range pr.RequestedReviewers {
		add(u.GetLogin())
	}
	for _, u := range pr.Assignees {
		add(u.GetLogin())
	}
	for _, t := range pr.RequestedTeams {
		add(t.GetSlug())
	}

	for _, login := range logins {
		d := taskops.Descriptor{
			Name:      reviewSubtaskPrefix + pr.GetTitle(),
			Notes:     reviewerNotesPrefix + login + "\n" + pr.GetHTMLURL(),
			ProjectID: o.cfg.ProjectID,
		}
		subID, err := o.cfg.Tasks.CreateSubtask(ctx, prTaskID, d)
		if err != nil {
			log.ErrorContextf(ctx, "creating review subtask for @%s: %v", login, err)
			res.Failures = append(res.Failures, err)
			continue
		}
		o.cfg.Tasks.CreateStory(ctx, subID, "@"+login+" please review "+pr.GetHTMLURL(), false)
		res.Subtasks = append(res.Subtasks, SubtaskResult{Reviewer: login, TaskID: subID})
	}
}

// HandleEdited re-syncs the PR task's name and notes from the current title
// and body.
func (o *Orchestrator) HandleEdited(ctx context.Context, pr *gh.PullRequest) (*Result, error) {
	res := &Result{}

	taskID, err := o.findTaskByPRURL(ctx, pr.GetHTMLURL())
	if err != nil {
		return nil, err
	}
	if taskID == taskops.NoTask {
		clog.FromContext(ctx).WarnContextf(ctx, "no task found for %s", pr.GetHTMLURL())
		return res, nil
	}
	res.TaskID = taskID

	name := prTaskPrefix + pr.GetTitle()
	notes := notesPrelude + pr.GetBody()
	if !o.cfg.Tasks.UpdateTask(ctx, taskID, asana.TaskUpdate{Name: &name, Notes: &notes}) {
		res.Failures = append(res.Failures, fmt.Errorf("updating task %s", taskID))
	}
	return res, nil
}

// HandleClosed writes the PR's final state into the configured custom field
// and completes the open review subtasks, skipping any that live in a
// no-autoclose project.
func (o *Orchestrator) HandleClosed(ctx context.Context, owner, repo string, pr *gh.PullRequest) (*Result, error) {
	log := clog.FromContext(ctx)
	res := &Result{}

	taskID, err := o.findTaskByPRURL(ctx, pr.GetHTMLURL())
	if err != nil {
		return nil, err
	}
	if taskID == taskops.NoTask {
		log.WarnContextf(ctx, "no task found for %s", pr.GetHTMLURL())
		return res, nil
	}
	res.TaskID = taskID

	state, err := o.finalState(ctx, owner, repo, pr)
	if err != nil {
		// State resolution needs the review list; without it the PR is
		// still open, so record it as such.
		log.WarnContextf(ctx, "resolving final state of PR #%d: %v", pr.GetNumber(), err)
		state = "Open"
	}

	if o.cfg.PRStateField != "" {
		if !o.cfg.Tasks.UpdateTask(ctx, taskID, asana.TaskUpdate{
			CustomFields: map[string]any{o.cfg.PRStateField: state},
		}) {
			res.Failures = append(res.Failures, fmt.Errorf("writing state %q to task %s", state, taskID))
		}
	}

	subs, err := o.cfg.Tasks.SubtasksForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks of %s: %w", taskID, err)
	}
	completed := true
	for _, sub := range subs {
		if sub.Completed {
			continue
		}
		if o.cfg.Tasks.IsInNoAutocloseProjects(ctx, sub.GID, o.cfg.NoAutoclose) {
			log.InfoContextf(ctx, "skipping autoclose of subtask %s", sub.GID)
			res.Skipped = append(res.Skipped, sub.GID)
			continue
		}
		if !o.cfg.Tasks.UpdateTask(ctx, sub.GID, asana.TaskUpdate{Completed: &completed}) {
			res.Failures = append(res.Failures, fmt.Errorf("completing subtask %s", sub.GID))
		}
	}
	return res, nil
}

// finalState resolves the state recorded on the task when the PR closes.
func (o *Orchestrator) finalState(ctx context.Context, owner, repo string, pr *gh.PullRequest) (string, error) {
	if pr.GetMerged() {
		return "Merged", nil
	}
	if pr.GetState() == "closed" {
		return "Closed", nil
	}
	reviews, err := o.cfg.Reviews.ListReviews(ctx, owner, repo, pr.GetNumber())
	if err != nil {
		return "", err
	}
	for _, r := range reviews {
		if strings.EqualFold(r.State, "approved") {
			return "Approved", nil
		}
	}
	if pr.GetDraft() {
		return "Draft", nil
	}
	return "Open", nil
}

// HandleReviewSubmitted updates the reviewer's subtask for the submitted
// review: approvals complete it, change requests and comments rename it.
func (o *Orchestrator) HandleReviewSubmitted(ctx context.Context, pr *gh.PullRequest, review *gh.PullRequestReview) (*Result, error) {
	log := clog.FromContext(ctx)
	res := &Result{}

	taskID, err := o.findTaskByPRURL(ctx, pr.GetHTMLURL())
	if err != nil {
		return nil, err
	}
	if taskID == taskops.NoTask {
		log.WarnContextf(ctx, "no task found for %s", pr.GetHTMLURL())
		return res, nil
	}
	res.TaskID = taskID

	subs, err := o.cfg.Tasks.SubtasksForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks of %s: %w", taskID, err)
	}

	login := review.GetUser().GetLogin()
	sub := matchReviewerSubtask(subs, login)
	if sub == nil {
		log.WarnContextf(ctx, "no review subtask for @%s on task %s", login, taskID)
		return res, nil
	}
	res.Subtasks = append(res.Subtasks, SubtaskResult{Reviewer: login, TaskID: sub.GID})

	switch strings.ToLower(review.GetState()) {
	case "approved":
		if o.cfg.Tasks.IsInNoAutocloseProjects(ctx, sub.GID, o.cfg.NoAutoclose) {
			log.InfoContextf(ctx, "skipping autoclose of subtask %s", sub.GID)
			res.Skipped = append(res.Skipped, sub.GID)
		} else {
			completed := true
			if !o.cfg.Tasks.UpdateTask(ctx, sub.GID, asana.TaskUpdate{Completed: &completed}) {
				res.Failures = append(res.Failures, fmt.Errorf("completing subtask %s", sub.GID))
			}
		}
		o.cfg.Tasks.CreateStory(ctx, sub.GID, "@"+login+" approved this pull request", false)

	case "changes_requested":
		o.renameAndComment(ctx, res, sub, changesRequestedPrefix+pr.GetTitle(),
			"@"+login+" requested changes")

	case "commented":
		o.renameAndComment(ctx, res, sub, commentedPrefix+pr.GetTitle(),
			"@"+login+" commented")

	default:
		log.InfoContextf(ctx, "ignoring review state %q", review.GetState())
	}
	return res, nil
}

func (o *Orchestrator) renameAndComment(ctx context.Context, res *Result, sub *asana.Task, name, comment string) {
	if !o.cfg.Tasks.UpdateTask(ctx, sub.GID, asana.TaskUpdate{Name: &name}) {
		res.Failures = append(res.Failures, fmt.Errorf("renaming subtask %s", sub.GID))
	}
	o.cfg.Tasks.CreateStory(ctx, sub.GID, comment, false)
}

// matchReviewerSubtask finds the reviewer's subtask by its name template and
// the reviewer's login in the notes. The login is the only link between a
// review and its subtask; replacing it with a structured field only needs to
// touch this function.
func matchReviewerSubtask(subs []asana.Task, login string) *asana.Task {
	for i, s := range subs {
		if !strings.Contains(s.Name, reviewSubtaskPrefix) &&
			!strings.Contains(s.Name, changesRequestedPrefix) &&
			!strings.Contains(s.Name, commentedPrefix) {
			continue
		}
		if strings.Contains(s.Notes, "@"+login) {
			return &subs[i]
		}
	}
	return nil
}

// findTaskByPRURL scans the project's tasks for one whose comment history
// mentions the PR URL. Linear over tasks and their stories.
func (o *Orchestrator) findTaskByPRURL(ctx context.Context, url string) (string, error) {
	tasks, err := o.cfg.Tasks.TasksForProject(ctx, o.cfg.ProjectID)
	if err != nil {
		return "", fmt.Errorf("listing tasks in project %s: %w", o.cfg.ProjectID, err)
	}
	for _, t := range tasks {
		stories, err := o.cfg.Tasks.StoriesForTask(ctx, t.GID)
		if err != nil {
			clog.FromContext(ctx).WarnContextf(ctx, "listing stories of task %s: %v", t.GID, err)
			continue
		}
		for _, s := range stories {
			if strings.Contains(s.Text, url) {
				return t.GID, nil
			}
		}
	}
	return taskops.NoTask, nil
}
