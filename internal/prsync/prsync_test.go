package prsync

import (
	"context"
	"errors"
	"strings"
	"testing"

	gh "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckduckgo/github-asana-sync/internal/asana"
	"github.com/duckduckgo/github-asana-sync/internal/event"
	"github.com/duckduckgo/github-asana-sync/internal/github"
	"github.com/duckduckgo/github-asana-sync/internal/taskops"
)

// fakeTasks records calls and serves canned task data.
type fakeTasks struct {
	nextID int

	created     []taskops.Descriptor
	subtasks    []taskops.Descriptor
	stories     map[string][]string
	parents     map[string]string
	updates     map[string][]asana.TaskUpdate
	existing    map[string]string // section dedup: name -> gid
	projTasks   []asana.Task
	taskStories map[string][]asana.Story
	subsOf      map[string][]asana.Task
	noAutoclose map[string]bool

	subtaskErrFor string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		stories:     map[string][]string{},
		parents:     map[string]string{},
		updates:     map[string][]asana.TaskUpdate{},
		existing:    map[string]string{},
		taskStories: map[string][]asana.Story{},
		subsOf:      map[string][]asana.Task{},
		noAutoclose: map[string]bool{},
	}
}

func (f *fakeTasks) CreateTask(_ context.Context, d taskops.Descriptor) (string, bool, error) {
	if d.SectionID != "" {
		if id, ok := f.existing[d.Name]; ok {
			return id, true, nil
		}
	}
	f.nextID++
	f.created = append(f.created, d)
	return gid(f.nextID), false, nil
}

func (f *fakeTasks) CreateSubtask(_ context.Context, parentID string, d taskops.Descriptor) (string, error) {
	if f.subtaskErrFor != "" && strings.Contains(d.Notes, "@"+f.subtaskErrFor) {
		return "", errors.New("asana rejected the subtask")
	}
	f.nextID++
	id := gid(f.nextID)
	f.subtasks = append(f.subtasks, d)
	f.parents[id] = parentID
	return id, nil
}

func (f *fakeTasks) CreateStory(_ context.Context, taskID, text string, pinned bool) *asana.Story {
	f.stories[taskID] = append(f.stories[taskID], text)
	return &asana.Story{GID: "story", Text: text, IsPinned: pinned}
}

func (f *fakeTasks) UpdateTask(_ context.Context, taskID string, u asana.TaskUpdate) bool {
	f.updates[taskID] = append(f.updates[taskID], u)
	return true
}

func (f *fakeTasks) SetParent(_ context.Context, taskID, parentID string) error {
	f.parents[taskID] = parentID
	return nil
}

func (f *fakeTasks) SubtasksForTask(_ context.Context, taskID string) ([]asana.Task, error) {
	return f.subsOf[taskID], nil
}

func (f *fakeTasks) TasksForProject(_ context.Context, _ string) ([]asana.Task, error) {
	return f.projTasks, nil
}

func (f *fakeTasks) StoriesForTask(_ context.Context, taskID string) ([]asana.Story, error) {
	return f.taskStories[taskID], nil
}

func (f *fakeTasks) IsInNoAutocloseProjects(_ context.Context, taskID string, _ map[string]struct{}) bool {
	return f.noAutoclose[taskID]
}

type fakeReviews struct {
	reviews []github.Review
	err     error
}

func (f *fakeReviews) ListReviews(context.Context, string, string, int) ([]github.Review, error) {
	return f.reviews, f.err
}

func gid(n int) string {
	return "task-" + string(rune('0'+n))
}

func prFixture() *gh.PullRequest {
	return &gh.PullRequest{
		Number:  gh.Ptr(42),
		Title:   gh.Ptr("Add feature"),
		Body:    gh.Ptr("Just a PR"),
		HTMLURL: gh.Ptr("https://github.com/acme/widgets/pull/42"),
		State:   gh.Ptr("open"),
		RequestedReviewers: []*gh.User{
			{Login: gh.Ptr("alice")},
			{Login: gh.Ptr("bob")},
		},
		Assignees: []*gh.User{
			{Login: gh.Ptr("alice")}, // also a reviewer
			{Login: gh.Ptr("carol")},
		},
	}
}

func TestHandleOpened_NoReference(t *testing.T) {
	tasks := newFakeTasks()
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	res, err := o.HandleOpened(context.Background(), prFixture())
	require.NoError(t, err)

	assert.Equal(t, "task-1", res.TaskID)
	assert.False(t, res.Duplicate)
	assert.Empty(t, res.ParentTaskID, "no reference in body, no parent link")

	require.Len(t, tasks.created, 1)
	assert.Equal(t, "Pull Request: Add feature", tasks.created[0].Name)
	assert.Equal(t, "Description: Just a PR", tasks.created[0].Notes)

	// alice appears as both reviewer and assignee but gets one subtask.
	require.Len(t, res.Subtasks, 3)
	reviewers := []string{res.Subtasks[0].Reviewer, res.Subtasks[1].Reviewer, res.Subtasks[2].Reviewer}
	assert.Equal(t, []string{"alice", "bob", "carol"}, reviewers)

	// Every subtask hangs off the PR task.
	for _, s := range res.Subtasks {
		assert.Equal(t, "task-1", tasks.parents[s.TaskID])
	}

	// The PR task got its pinned link comment.
	require.NotEmpty(t, tasks.stories["task-1"])
	assert.Contains(t, tasks.stories["task-1"][0], "Link to Pull Request: https://github.com/acme/widgets/pull/42")
}

func TestHandleOpened_RequestedTeamsGetSubtasks(t *testing.T) {
	tasks := newFakeTasks()
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	pr := prFixture()
	pr.RequestedReviewers = nil
	pr.Assignees = nil
	pr.RequestedTeams = []*gh.Team{
		{Slug: gh.Ptr("platform-team")},
		{Slug: gh.Ptr("security-team")},
	}

	res, err := o.HandleOpened(context.Background(), pr)
	require.NoError(t, err)

	require.Len(t, res.Subtasks, 2)
	assert.Equal(t, "platform-team", res.Subtasks[0].Reviewer)
	assert.Equal(t, "security-team", res.Subtasks[1].Reviewer)
	for _, s := range res.Subtasks {
		assert.Equal(t, "task-1", tasks.parents[s.TaskID])
	}
	require.Len(t, tasks.subtasks, 2)
	assert.Contains(t, tasks.subtasks[0].Notes, "Reviewer: @platform-team")
}

func TestHandleOpened_LinksParentFromBody(t *testing.T) {
	tasks := newFakeTasks()
	o := New(Config{Tasks: tasks, ProjectID: "p1", TriggerPhrase: "Closes"})

	pr := prFixture()
	pr.Body = gh.Ptr("Closes https://app.asana.com/0/1111/2222")
	pr.RequestedReviewers = nil
	pr.Assignees = nil

	res, err := o.HandleOpened(context.Background(), pr)
	require.NoError(t, err)

	assert.Equal(t, "2222", res.ParentTaskID)
	assert.Equal(t, "2222", tasks.parents["task-1"])
}

func TestHandleOpened_DuplicateSkipsLinkStory(t *testing.T) {
	tasks := newFakeTasks()
	tasks.existing["Pull Request: Add feature"] = "task-9"
	o := New(Config{Tasks: tasks, ProjectID: "p1", SectionID: "s1"})

	pr := prFixture()
	pr.RequestedReviewers = nil
	pr.Assignees = nil

	res, err := o.HandleOpened(context.Background(), pr)
	require.NoError(t, err)

	assert.Equal(t, "task-9", res.TaskID)
	assert.True(t, res.Duplicate)
	assert.Empty(t, tasks.stories["task-9"], "existing task keeps its original link comment")
}

func TestHandleOpened_SubtaskFailureContinues(t *testing.T) {
	tasks := newFakeTasks()
	tasks.subtaskErrFor = "bob"
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	res, err := o.HandleOpened(context.Background(), prFixture())
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	require.Len(t, res.Subtasks, 2, "alice and carol still get subtasks")
	assert.Equal(t, "alice", res.Subtasks[0].Reviewer)
	assert.Equal(t, "carol", res.Subtasks[1].Reviewer)
}

func TestHandleEdited_UpdatesNameAndNotes(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-other"}, {GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	pr := prFixture()
	pr.Title = gh.Ptr("Add feature (v2)")
	pr.Body = gh.Ptr("Updated body")

	res, err := o.HandleEdited(context.Background(), pr)
	require.NoError(t, err)

	assert.Equal(t, "t-pr", res.TaskID)
	require.Len(t, tasks.updates["t-pr"], 1)
	u := tasks.updates["t-pr"][0]
	require.NotNil(t, u.Name)
	assert.Equal(t, "Pull Request: Add feature (v2)", *u.Name)
	require.NotNil(t, u.Notes)
	assert.Equal(t, "Description: Updated body", *u.Notes)
}

func TestHandleEdited_TaskNotFound(t *testing.T) {
	tasks := newFakeTasks()
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	res, err := o.HandleEdited(context.Background(), prFixture())
	require.NoError(t, err)
	assert.Empty(t, res.TaskID)
	assert.Empty(t, tasks.updates)
}

func TestHandleClosed_MergedCompletesSubtasks(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	tasks.subsOf["t-pr"] = []asana.Task{
		{GID: "sub-1", Name: "Review Request: Add feature", Notes: "Reviewer: @alice"},
		{GID: "sub-2", Name: "Review Request: Add feature", Notes: "Reviewer: @bob", Completed: true},
	}
	o := New(Config{Tasks: tasks, Reviews: &fakeReviews{}, ProjectID: "p1", PRStateField: "field-1"})

	pr := prFixture()
	pr.State = gh.Ptr("closed")
	pr.Merged = gh.Ptr(true)

	res, err := o.HandleClosed(context.Background(), "acme", "widgets", pr)
	require.NoError(t, err)

	assert.Equal(t, "t-pr", res.TaskID)
	assert.Empty(t, res.Failures)

	// State write on the PR task.
	require.Len(t, tasks.updates["t-pr"], 1)
	assert.Equal(t, "Merged", tasks.updates["t-pr"][0].CustomFields["field-1"])

	// Only the open subtask gets completed.
	require.Len(t, tasks.updates["sub-1"], 1)
	require.NotNil(t, tasks.updates["sub-1"][0].Completed)
	assert.True(t, *tasks.updates["sub-1"][0].Completed)
	assert.Empty(t, tasks.updates["sub-2"])
}

func TestHandleClosed_NoAutocloseSkips(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	tasks.subsOf["t-pr"] = []asana.Task{
		{GID: "sub-keep", Name: "Review Request: Add feature", Notes: "Reviewer: @alice"},
	}
	tasks.noAutoclose["sub-keep"] = true
	o := New(Config{
		Tasks:       tasks,
		Reviews:     &fakeReviews{},
		ProjectID:   "p1",
		NoAutoclose: map[string]struct{}{"p-keep": {}},
	})

	pr := prFixture()
	pr.State = gh.Ptr("closed")
	pr.Merged = gh.Ptr(true)

	res, err := o.HandleClosed(context.Background(), "acme", "widgets", pr)
	require.NoError(t, err)

	assert.Equal(t, []string{"sub-keep"}, res.Skipped)
	assert.Empty(t, tasks.updates["sub-keep"], "no-autoclose subtask must stay untouched")
}

func TestHandleClosed_ApprovedStateFromReviews(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	reviews := &fakeReviews{reviews: []github.Review{
		{State: "COMMENTED", User: "bob"},
		{State: "APPROVED", User: "alice"},
	}}
	o := New(Config{Tasks: tasks, Reviews: reviews, ProjectID: "p1", PRStateField: "field-1"})

	res, err := o.HandleClosed(context.Background(), "acme", "widgets", prFixture())
	require.NoError(t, err)
	require.Empty(t, res.Failures)

	require.Len(t, tasks.updates["t-pr"], 1)
	assert.Equal(t, "Approved", tasks.updates["t-pr"][0].CustomFields["field-1"])
}

func TestHandleReviewSubmitted_ApprovedCompletes(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	tasks.subsOf["t-pr"] = []asana.Task{
		{GID: "sub-bob", Name: "Review Request: Add feature", Notes: "Reviewer: @bob"},
		{GID: "sub-alice", Name: "Review Request: Add feature", Notes: "Reviewer: @alice"},
	}
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	review := &gh.PullRequestReview{
		State: gh.Ptr("approved"),
		User:  &gh.User{Login: gh.Ptr("alice")},
	}
	res, err := o.HandleReviewSubmitted(context.Background(), prFixture(), review)
	require.NoError(t, err)

	require.Len(t, res.Subtasks, 1)
	assert.Equal(t, "sub-alice", res.Subtasks[0].TaskID)

	require.Len(t, tasks.updates["sub-alice"], 1)
	require.NotNil(t, tasks.updates["sub-alice"][0].Completed)
	assert.True(t, *tasks.updates["sub-alice"][0].Completed)
	assert.Empty(t, tasks.updates["sub-bob"])
	require.NotEmpty(t, tasks.stories["sub-alice"])
	assert.Contains(t, tasks.stories["sub-alice"][0], "@alice approved")
}

func TestHandleReviewSubmitted_ApprovedNoAutocloseSkips(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	tasks.subsOf["t-pr"] = []asana.Task{
		{GID: "sub-alice", Name: "Review Request: Add feature", Notes: "Reviewer: @alice"},
	}
	tasks.noAutoclose["sub-alice"] = true
	o := New(Config{Tasks: tasks, ProjectID: "p1", NoAutoclose: map[string]struct{}{"p-keep": {}}})

	review := &gh.PullRequestReview{
		State: gh.Ptr("approved"),
		User:  &gh.User{Login: gh.Ptr("alice")},
	}
	res, err := o.HandleReviewSubmitted(context.Background(), prFixture(), review)
	require.NoError(t, err)

	assert.Equal(t, []string{"sub-alice"}, res.Skipped)
	assert.Empty(t, tasks.updates["sub-alice"], "subtask must remain incomplete")
}

func TestHandleReviewSubmitted_ChangesRequestedRenames(t *testing.T) {
	tasks := newFakeTasks()
	tasks.projTasks = []asana.Task{{GID: "t-pr"}}
	tasks.taskStories["t-pr"] = []asana.Story{
		{Text: "Link to Pull Request: https://github.com/acme/widgets/pull/42"},
	}
	tasks.subsOf["t-pr"] = []asana.Task{
		{GID: "sub-alice", Name: "Review Request: Add feature", Notes: "Reviewer: @alice"},
	}
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	review := &gh.PullRequestReview{
		State: gh.Ptr("changes_requested"),
		User:  &gh.User{Login: gh.Ptr("alice")},
	}
	_, err := o.HandleReviewSubmitted(context.Background(), prFixture(), review)
	require.NoError(t, err)

	require.Len(t, tasks.updates["sub-alice"], 1)
	u := tasks.updates["sub-alice"][0]
	require.NotNil(t, u.Name)
	assert.Equal(t, "Changes Requested: Add feature", *u.Name)
	assert.Nil(t, u.Completed, "changes_requested must not complete the subtask")
}

func TestSync_DispatchesOnEvent(t *testing.T) {
	tasks := newFakeTasks()
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	p := &event.Payload{
		Name:        "pull_request",
		Action:      "opened",
		PullRequest: prFixture(),
	}
	res, err := o.Sync(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.TaskID)
}

func TestSync_IgnoresUnknownAction(t *testing.T) {
	tasks := newFakeTasks()
	o := New(Config{Tasks: tasks, ProjectID: "p1"})

	p := &event.Payload{
		Name:        "pull_request",
		Action:      "labeled",
		PullRequest: prFixture(),
	}
	res, err := o.Sync(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, res.TaskID)
	assert.Empty(t, tasks.created)
}

func TestRepeatedReviewRequestDuplicatesSubtasks(t *testing.T) {
	t.Skip("repeated review_requested events create additional subtasks; " +
		"subtask creation is intentionally not deduplicated against earlier runs")
}
