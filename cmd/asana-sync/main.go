// Command asana-sync is the GitHub Action entrypoint. It reads the host
// runtime's inputs, builds the API clients, and dispatches the requested
// action.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-githubactions"

	"github.com/duckduckgo/github-asana-sync/internal/actions"
	"github.com/duckduckgo/github-asana-sync/internal/asana"
	"github.com/duckduckgo/github-asana-sync/internal/event"
	ghclient "github.com/duckduckgo/github-asana-sync/internal/github"
	"github.com/duckduckgo/github-asana-sync/internal/mattermost"
	"github.com/duckduckgo/github-asana-sync/internal/taskops"
)

type config struct {
	EventPath     string   `env:"GITHUB_EVENT_PATH"`
	EventName     string   `env:"GITHUB_EVENT_NAME"`
	MattermostURL string   `env:"MATTERMOST_URL, default=https://chat.duckduckgo.com"`
	NoAutoclose   []string `env:"NO_AUTOCLOSE_PROJECTS"`

	GithubAppClientID       string `env:"GITHUB_APP_CLIENT_ID"`
	GithubAppInstallationID int64  `env:"GITHUB_APP_INSTALLATION_ID"`
	GithubAppPrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH"`
}

func main() {
	act := githubactions.New()
	if err := run(context.Background(), act); err != nil {
		act.Fatalf("%v", err)
	}
}

func run(ctx context.Context, act *githubactions.Action) error {
	logger := clog.New(slog.Default().Handler()).With("run_id", uuid.NewString())
	ctx = clog.WithLogger(ctx, logger)

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	var payload *event.Payload
	if cfg.EventPath != "" {
		p, err := event.Load(cfg.EventPath, cfg.EventName)
		if err != nil {
			// Not every action needs the event; handlers that do will
			// fail with a specific message.
			logger.WarnContextf(ctx, "loading event payload: %v", err)
		} else {
			payload = p
		}
	}

	asanaClient := asana.New(act.GetInput("asana-pat"))
	tasks := taskops.New(asanaClient)

	var ghOpts []ghclient.Option
	if cfg.GithubAppClientID != "" && cfg.GithubAppPrivateKeyPath != "" {
		ghOpts = append(ghOpts, ghclient.WithAppAuth(ghclient.AppCredentials{
			ClientID:       cfg.GithubAppClientID,
			InstallationID: cfg.GithubAppInstallationID,
			PrivateKeyPath: cfg.GithubAppPrivateKeyPath,
		}))
	}
	gh, err := ghclient.New(act.GetInput("github-pat"), ghOpts...)
	if err != nil {
		return fmt.Errorf("building GitHub client: %w", err)
	}

	mm := mattermost.New(cfg.MattermostURL, act.GetInput("mattermost-token"))

	noAutoclose := map[string]struct{}{}
	for _, id := range cfg.NoAutoclose {
		if id != "" {
			noAutoclose[id] = struct{}{}
		}
	}

	env := &actions.Env{
		Runtime:     act,
		Tasks:       tasks,
		GitHub:      gh,
		Mattermost:  mm,
		Event:       payload,
		SyncTasks:   tasks,
		Reviews:     gh,
		NoAutoclose: noAutoclose,
	}
	return actions.Run(ctx, env)
}
