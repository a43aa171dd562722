// Package event loads and decodes GitHub Actions webhook payloads.
package event

import (
	"encoding/json"
	"fmt"
	"os"

	gh "github.com/google/go-github/v68/github"
)

// Payload is the decoded webhook event the action was triggered with.
// Fields not present in the event are nil.
type Payload struct {
	Name              string
	Action            string
	PullRequest       *gh.PullRequest
	Issue             *gh.Issue
	Review            *gh.PullRequestReview
	RequestedReviewer *gh.User
	RequestedTeam     *gh.Team
	Assignee          *gh.User
	Repo              *gh.Repository
	Sender            *gh.User
}

// raw mirrors the webhook JSON shape.
type raw struct {
	Action            string                `json:"action"`
	PullRequest       *gh.PullRequest       `json:"pull_request"`
	Issue             *gh.Issue             `json:"issue"`
	Review            *gh.PullRequestReview `json:"review"`
	RequestedReviewer *gh.User              `json:"requested_reviewer"`
	RequestedTeam     *gh.Team              `json:"requested_team"`
	Assignee          *gh.User              `json:"assignee"`
	Repo              *gh.Repository        `json:"repository"`
	Sender            *gh.User              `json:"sender"`
}

// Load reads and parses the event payload file GitHub writes for the run.
func Load(path, name string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading event payload %s: %w", path, err)
	}
	return Parse(data, name)
}

// Parse decodes a webhook payload. name is the event name from
// GITHUB_EVENT_NAME (e.g. "pull_request", "issues").
func Parse(data []byte, name string) (*Payload, error) {
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing event payload: %w", err)
	}
	return &Payload{
		Name:              name,
		Action:            r.Action,
		PullRequest:       r.PullRequest,
		Issue:             r.Issue,
		Review:            r.Review,
		RequestedReviewer: r.RequestedReviewer,
		RequestedTeam:     r.RequestedTeam,
		Assignee:          r.Assignee,
		Repo:              r.Repo,
		Sender:            r.Sender,
	}, nil
}
