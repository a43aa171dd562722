// Package actions dispatches the `action` input to its handler and binds
// handler parameters to the host runtime's inputs and outputs.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v68/github"

	"github.com/duckduckgo/github-asana-sync/internal/asana"
	"github.com/duckduckgo/github-asana-sync/internal/event"
	"github.com/duckduckgo/github-asana-sync/internal/github"
	"github.com/duckduckgo/github-asana-sync/internal/mattermost"
	"github.com/duckduckgo/github-asana-sync/internal/prsync"
	"github.com/duckduckgo/github-asana-sync/internal/taskops"
	"github.com/duckduckgo/github-asana-sync/internal/taskref"
	"github.com/duckduckgo/github-asana-sync/internal/usermap"
)

// Runtime is the host's input/output binding. *githubactions.Action
// satisfies it.
type Runtime interface {
	GetInput(name string) string
	SetOutput(name, value string)
}

// Tasks is the task-operation surface the handlers use.
type Tasks interface {
	CreateTask(ctx context.Context, d taskops.Descriptor) (string, bool, error)
	CreateStory(ctx context.Context, taskID, text string, pinned bool) *asana.Story
	UpdateTask(ctx context.Context, taskID string, u asana.TaskUpdate) bool
	SetParent(ctx context.Context, taskID, parentID string) error
	AddTaskToProject(ctx context.Context, taskID, projectID, sectionID string) bool
	PostCommentToTasks(ctx context.Context, taskIDs []string, text string, pinned bool) bool
	TaskPermalink(ctx context.Context, taskID string) (string, error)
}

// GitHub is the repository API surface the handlers use.
type GitHub interface {
	LatestReleaseTag(ctx context.Context, owner, repo string) (string, error)
	FetchPR(ctx context.Context, owner, repo string, number int) (github.PR, error)
	UpdatePRBody(ctx context.Context, owner, repo string, number int, body string) error
	FileContent(ctx context.Context, owner, repo, path string) ([]byte, error)
}

// Mattermost posts messages to channels.
type Mattermost interface {
	ChannelByName(ctx context.Context, teamID, name string) (mattermost.Channel, error)
	CreatePost(ctx context.Context, channelID, message string) (mattermost.Post, error)
}

// Env carries the collaborators a handler may need. Fields unused by the
// selected handler may be nil.
type Env struct {
	Runtime    Runtime
	Tasks      Tasks
	GitHub     GitHub
	Mattermost Mattermost
	Event      *event.Payload

	// SyncTasks and Reviews feed the asana-pr-sync orchestrator; main
	// points SyncTasks and Tasks at the same service.
	SyncTasks prsync.Tasks
	Reviews   prsync.Reviews

	// NoAutoclose holds the project GIDs from NO_AUTOCLOSE_PROJECTS.
	NoAutoclose map[string]struct{}
}

// Handler is one dispatchable operation.
type Handler func(ctx context.Context, env *Env) error

var handlers = map[string]Handler{
	"create-asana-issue-task":  createIssueTask,
	"notify-pr-approved":       notifyPRApproved,
	"notify-pr-merged":         notifyPRMerged,
	"check-pr-membership":      checkPRMembership,
	"add-asana-comment":        addCommentToPRTask,
	"add-task-asana-project":   addTaskToAsanaProject,
	"create-asana-pr-task":     createPullRequestTask,
	"create-pr-task":           createPullRequestTask,
	"get-latest-repo-release":  getLatestRepositoryRelease,
	"create-asana-task":        createAsanaTask,
	"add-task-pr-description":  addTaskPRDescription,
	"get-asana-user-id":        getAsanaUserID,
	"find-asana-task-id":       findAsanaTaskID,
	"find-asana-task-ids":      findAsanaTaskIDs,
	"post-comment-asana-task":  postCommentAsanaTask,
	"send-mattermost-message":  sendMattermostMessage,
	"get-asana-task-permalink": getAsanaTaskPermalink,
	"mark-asana-task-complete": markAsanaTaskComplete,
	"asana-pr-sync":            asanaPRSync,
}

// Run dispatches on the `action` input. An unknown action fails without
// side effects.
func Run(ctx context.Context, env *Env) error {
	name, err := requireInput(env.Runtime, "action")
	if err != nil {
		return err
	}
	h, ok := handlers[name]
	if !ok {
		return fmt.Errorf("unexpected action %s", name)
	}
	clog.FromContext(ctx).InfoContextf(ctx, "calling %s", name)
	return h(ctx, env)
}

func pullRequest(env *Env) (*gh.PullRequest, error) {
	if env.Event == nil || env.Event.PullRequest == nil {
		return nil, errors.New("no pull request in the event payload")
	}
	return env.Event.PullRequest, nil
}

func issue(env *Env) (*gh.Issue, error) {
	if env.Event == nil || env.Event.Issue == nil {
		return nil, errors.New("no issue in the event payload")
	}
	return env.Event.Issue, nil
}

// findTasks extracts the referenced Asana task IDs from the PR body, gated
// by the trigger-phrase input and filtered by the asana-project input.
func findTasks(ctx context.Context, env *Env) ([]string, error) {
	pr, err := pullRequest(env)
	if err != nil {
		return nil, err
	}
	refs := taskref.FindTaskReferences(ctx, pr.GetBody(),
		env.Runtime.GetInput("trigger-phrase"), env.Runtime.GetInput("asana-project"))
	return taskref.TaskIDs(refs), nil
}

func createIssueTask(ctx context.Context, env *Env) error {
	iss, err := issue(env)
	if err != nil {
		return err
	}
	projectID, err := requireInput(env.Runtime, "asana-project")
	if err != nil {
		return err
	}

	taskID, _, err := env.Tasks.CreateTask(ctx, taskops.Descriptor{
		Name:      "Github Issue: " + iss.GetTitle(),
		Notes:     "Description: " + iss.GetBody(),
		ProjectID: projectID,
	})
	if err != nil {
		return err
	}
	env.Tasks.CreateStory(ctx, taskID, "Link to Issue: "+iss.GetHTMLURL(), true)
	return nil
}

func notifyPRApproved(ctx context.Context, env *Env) error {
	pr, err := pullRequest(env)
	if err != nil {
		return err
	}
	taskIDs, err := findTasks(ctx, env)
	if err != nil {
		return err
	}
	for _, id := range taskIDs {
		env.Tasks.CreateStory(ctx, id, "PR: "+pr.GetHTMLURL()+" has been approved", false)
	}
	return nil
}

func notifyPRMerged(ctx context.Context, env *Env) error {
	taskIDs, err := findTasks(ctx, env)
	if err != nil {
		return err
	}
	completed := boolInput(env.Runtime, "is-complete")
	for _, id := range taskIDs {
		clog.FromContext(ctx).InfoContextf(ctx, "marking task %s completed=%t", id, completed)
		env.Tasks.UpdateTask(ctx, id, asana.TaskUpdate{Completed: &completed})
	}
	return nil
}

func checkPRMembership(_ context.Context, env *Env) error {
	pr, err := pullRequest(env)
	if err != nil {
		return err
	}
	org := pr.GetBase().GetRepo().GetOwner().GetLogin()
	head := pr.GetHead().GetUser().GetLogin()
	env.Runtime.SetOutput("external", strconv.FormatBool(head != org))
	return nil
}

func addCommentToPRTask(ctx context.Context, env *Env) error {
	pr, err := pullRequest(env)
	if err != nil {
		return err
	}
	taskIDs, err := findTasks(ctx, env)
	if err != nil {
		return err
	}
	pinned := boolInput(env.Runtime, "is-pinned")
	for _, id := range taskIDs {
		env.Tasks.CreateStory(ctx, id, "PR: "+pr.GetHTMLURL(), pinned)
	}
	return nil
}

func addTaskToAsanaProject(ctx context.Context, env *Env) error {
	projectID, err := requireInput(env.Runtime, "asana-project")
	if err != nil {
		return err
	}
	sectionID := env.Runtime.GetInput("asana-section")
	taskIDs := csvInput(env.Runtime, "asana-task-id")
	if len(taskIDs) == 0 {
		return errors.New("No valid task IDs provided")
	}
	for _, id := range taskIDs {
		env.Tasks.AddTaskToProject(ctx, id, projectID, sectionID)
	}
	return nil
}

func createPullRequestTask(ctx context.Context, env *Env) error {
	pr, err := pullRequest(env)
	if err != nil {
		return err
	}
	projectID, err := requireInput(env.Runtime, "asana-project")
	if err != nil {
		return err
	}
	customFields := customFieldsInput(ctx, env.Runtime, "asana-task-custom-fields")

	taskID, dup, err := env.Tasks.CreateTask(ctx, taskops.Descriptor{
		Name:         "Community Pull Request: " + pr.GetTitle(),
		Notes:        "Description: " + pr.GetBody(),
		ProjectID:    projectID,
		SectionID:    env.Runtime.GetInput("asana-section"),
		Assignee:     env.Runtime.GetInput("asana-task-assignee"),
		Tags:         csvInput(env.Runtime, "asana-tags"),
		Followers:    csvInput(env.Runtime, "asana-collaborators"),
		CustomFields: customFields,
	})
	if err != nil {
		return err
	}
	if !dup {
		env.Tasks.CreateStory(ctx, taskID, "Link to Pull Request: "+pr.GetHTMLURL(), true)
	}
	env.Runtime.SetOutput("asanaTaskId", taskID)

	refs := taskref.FindTaskReferences(ctx, pr.GetBody(), env.Runtime.GetInput("trigger-phrase"), "")
	if len(refs) > 0 {
		parent := refs[0].TaskID
		if err := env.Tasks.SetParent(ctx, taskID, parent); err != nil {
			clog.FromContext(ctx).WarnContextf(ctx, "linking task %s under %s: %v", taskID, parent, err)
		} else {
			env.Runtime.SetOutput("parentTaskId", parent)
		}
	}
	return nil
}

func getLatestRepositoryRelease(ctx context.Context, env *Env) error {
	org, err := requireInput(env.Runtime, "github-org")
	if err != nil {
		return err
	}
	repo, err := requireInput(env.Runtime, "github-repository")
	if err != nil {
		return err
	}
	tag, err := env.GitHub.LatestReleaseTag(ctx, org, repo)
	if err != nil {
		return fmt.Errorf("can't find latest version for %s: %w", repo, err)
	}
	env.Runtime.SetOutput("version", tag)
	return nil
}

func createAsanaTask(ctx context.Context, env *Env) error {
	projectID, err := requireInput(env.Runtime, "asana-project")
	if err != nil {
		return err
	}
	name, err := requireInput(env.Runtime, "asana-task-name")
	if err != nil {
		return err
	}
	notes, err := requireInput(env.Runtime, "asana-task-description")
	if err != nil {
		return err
	}

	taskID, dup, err := env.Tasks.CreateTask(ctx, taskops.Descriptor{
		Name:      name,
		Notes:     notes,
		ProjectID: projectID,
		SectionID: env.Runtime.GetInput("asana-section"),
		Tags:      csvInput(env.Runtime, "asana-tags"),
		Followers: csvInput(env.Runtime, "asana-collaborators"),
	})
	if err != nil {
		return err
	}
	env.Runtime.SetOutput("taskId", taskID)
	env.Runtime.SetOutput("duplicate", strconv.FormatBool(dup))
	return nil
}

func addTaskPRDescription(ctx context.Context, env *Env) error {
	org, err := requireInput(env.Runtime, "github-org")
	if err != nil {
		return err
	}
	repo, err := requireInput(env.Runtime, "github-repository")
	if err != nil {
		return err
	}
	prInput, err := requireInput(env.Runtime, "github-pr")
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(prInput)
	if err != nil {
		return fmt.Errorf("parsing input github-pr: %w", err)
	}
	projectID, err := requireInput(env.Runtime, "asana-project")
	if err != nil {
		return err
	}
	taskID, err := requireInput(env.Runtime, "asana-task-id")
	if err != nil {
		return err
	}

	pr, err := env.GitHub.FetchPR(ctx, org, repo, number)
	if err != nil {
		return err
	}
	taskURL := fmt.Sprintf("Task/Issue URL: https://app.asana.com/0/%s/%s/f", projectID, taskID)
	updated := taskURL + " \n\n ----- \n" + pr.Body
	return env.GitHub.UpdatePRBody(ctx, org, repo, number, updated)
}

func getAsanaUserID(ctx context.Context, env *Env) error {
	login := env.Runtime.GetInput("github-username")
	if login == "" {
		pr, err := pullRequest(env)
		if err != nil {
			return err
		}
		login = pr.GetUser().GetLogin()
	}

	data, err := env.GitHub.FileContent(ctx, usermap.DefaultOwner, usermap.DefaultRepo, usermap.FileName)
	if err != nil {
		return err
	}
	m, err := usermap.Parse(data)
	if err != nil {
		return err
	}
	id, err := m.AsanaUserID(login)
	if err != nil {
		return fmt.Errorf("user %s not found in user map", login)
	}
	env.Runtime.SetOutput("asanaUserId", id)
	return nil
}

func findAsanaTaskID(ctx context.Context, env *Env) error {
	taskIDs, err := findTasks(ctx, env)
	if err != nil {
		return err
	}
	if len(taskIDs) == 0 {
		return errors.New("can't find an Asana task with the expected prefix")
	}
	env.Runtime.SetOutput("asanaTaskId", taskIDs[0])
	return nil
}

func findAsanaTaskIDs(ctx context.Context, env *Env) error {
	taskIDs, err := findTasks(ctx, env)
	if err != nil {
		return err
	}
	if len(taskIDs) == 0 {
		return errors.New("can't find any Asana tasks with the expected prefix")
	}
	env.Runtime.SetOutput("asanaTaskIds", strings.Join(taskIDs, ","))
	return nil
}

func postCommentAsanaTask(ctx context.Context, env *Env) error {
	taskIDs := csvInput(env.Runtime, "asana-task-id")
	if len(taskIDs) == 0 {
		return errors.New("No valid task IDs provided")
	}
	text := env.Runtime.GetInput("asana-task-comment")
	pinned := boolInput(env.Runtime, "asana-task-comment-pinned")

	if !env.Tasks.PostCommentToTasks(ctx, taskIDs, text, pinned) {
		return errors.New("failed to post comments to one or more Asana tasks")
	}
	return nil
}

func sendMattermostMessage(ctx context.Context, env *Env) error {
	name, err := requireInput(env.Runtime, "mattermost-channel-name")
	if err != nil {
		return err
	}
	teamID, err := requireInput(env.Runtime, "mattermost-team-id")
	if err != nil {
		return err
	}
	message := env.Runtime.GetInput("mattermost-message")

	channel, err := env.Mattermost.ChannelByName(ctx, teamID, name)
	if errors.Is(err, mattermost.ErrChannelNotFound) {
		return fmt.Errorf("channel %q not found", name)
	}
	if err != nil {
		return err
	}
	if _, err := env.Mattermost.CreatePost(ctx, channel.ID, message); err != nil {
		return fmt.Errorf("sending message to channel %q: %w", name, err)
	}
	return nil
}

func getAsanaTaskPermalink(ctx context.Context, env *Env) error {
	taskID, err := requireInput(env.Runtime, "asana-task-id")
	if err != nil {
		return err
	}
	permalink, err := env.Tasks.TaskPermalink(ctx, taskID)
	if err != nil {
		return err
	}
	env.Runtime.SetOutput("asanaTaskPermalink", permalink)
	return nil
}

func markAsanaTaskComplete(ctx context.Context, env *Env) error {
	taskIDs := csvInput(env.Runtime, "asana-task-id")
	if len(taskIDs) == 0 {
		return errors.New("No valid task IDs provided")
	}
	completed := boolInput(env.Runtime, "is-complete")
	for _, id := range taskIDs {
		env.Tasks.UpdateTask(ctx, id, asana.TaskUpdate{Completed: &completed})
	}
	return nil
}

func asanaPRSync(ctx context.Context, env *Env) error {
	projectID, err := requireInput(env.Runtime, "asana-project")
	if err != nil {
		return err
	}
	customFields := customFieldsInput(ctx, env.Runtime, "asana-task-custom-fields")
	if env.Event == nil {
		return errors.New("no event payload to sync from")
	}

	o := prsync.New(prsync.Config{
		Tasks:         env.SyncTasks,
		Reviews:       env.Reviews,
		ProjectID:     projectID,
		SectionID:     env.Runtime.GetInput("asana-section"),
		Tags:          csvInput(env.Runtime, "asana-tags"),
		Followers:     csvInput(env.Runtime, "asana-collaborators"),
		Assignee:      env.Runtime.GetInput("asana-task-assignee"),
		CustomFields:  customFields,
		TriggerPhrase: env.Runtime.GetInput("trigger-phrase"),
		PRStateField:  env.Runtime.GetInput("asana-pr-state-field"),
		NoAutoclose:   env.NoAutoclose,
	})
	res, err := o.Sync(ctx, env.Event)
	if err != nil {
		return err
	}

	if res.TaskID != "" {
		env.Runtime.SetOutput("asanaTaskId", res.TaskID)
	}
	if res.ParentTaskID != "" {
		env.Runtime.SetOutput("parentTaskId", res.ParentTaskID)
	}
	if len(res.Failures) > 0 {
		return errors.Join(res.Failures...)
	}
	return nil
}
