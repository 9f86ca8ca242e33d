package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/scanline/log"
)

const (
	postAttempts = 3
	requestLimit = 10 * time.Second
)

// retryDelay is the first backoff delay between attempts.
var retryDelay = 500 * time.Millisecond

// The hook command is nested like so:
//
//	scanline hook --[flags] [hook]
func Command() *cli.Command {
	return &cli.Command{
		Name:  "hook",
		Usage: "run git hooks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "runner",
				Usage: "base url of the pipeline runner",
				Value: "http://localhost:6555",
			},
			&cli.StringFlag{
				Name:  "repo-url",
				Usage: "clone url the runner checks the repository out from",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "post-receive",
				Usage:  "sends a post-receive hook to the runner (waits for stdin)",
				Action: postReceive,
			},
		},
	}
}

func postReceive(ctx context.Context, cmd *cli.Command) error {
	repoURL := cmd.String("repo-url")
	if repoURL == "" {
		// git runs hooks from inside the bare repository
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("no --repo-url and no working directory: %w", err)
		}
		repoURL = wd
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}

	return Post(ctx, http.DefaultClient, cmd.String("runner"), repoURL, payload, cmd.Root().Writer)
}

type triggered struct {
	Pipeline  string `json:"pipeline"`
	Workflow  string `json:"workflow"`
	Ref       string `json:"ref"`
	Duplicate bool   `json:"duplicate"`
}

// Post sends a post-receive payload to the runner and reports the started
// pipelines to out. Server errors and transport failures are retried;
// client errors are not.
func Post(ctx context.Context, client *http.Client, runnerURL, repoURL string, payload []byte, out io.Writer) error {
	l := log.FromContext(ctx).With("component", "hook")
	endpoint := strings.TrimSuffix(runnerURL, "/") + "/hooks/push"

	var results []triggered
	err := retry.Do(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, requestLimit)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("X-Repo-Url", repoURL)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&results)
		case resp.StatusCode >= 500:
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		default:
			return retry.Unrecoverable(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}
	},
		retry.Context(ctx),
		retry.Attempts(postAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("posting to runner failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.Duplicate {
			fmt.Fprintf(out, "scanline: %s already ran for %s (pipeline %s)\n", r.Workflow, r.Ref, r.Pipeline)
			continue
		}
		fmt.Fprintf(out, "scanline: started %s for %s (pipeline %s)\n", r.Workflow, r.Ref, r.Pipeline)
	}
	return nil
}
