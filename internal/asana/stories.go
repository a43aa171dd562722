package asana

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Story is an Asana comment/activity entry on a task.
type Story struct {
	GID      string `json:"gid"`
	Text     string `json:"text"`
	IsPinned bool   `json:"is_pinned"`
}

// CreateStory posts a comment on a task and returns it.
func (c *Client) CreateStory(ctx context.Context, taskID, text string, pinned bool) (Story, error) {
	body := map[string]any{"text": text, "is_pinned": pinned}
	var story Story
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/stories", body, &story); err != nil {
		return Story{}, fmt.Errorf("creating story on task %s: %w", taskID, err)
	}
	return story, nil
}

// StoriesForTask lists the stories attached to a task.
func (c *Client) StoriesForTask(ctx context.Context, taskID string) ([]Story, error) {
	var stories []Story
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/stories", nil, &stories); err != nil {
		return nil, fmt.Errorf("listing stories of task %s: %w", taskID, err)
	}
	return stories, nil
}
