package docker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"tangled.sh/tangled.sh/scanline/runner/engine"
	"tangled.sh/tangled.sh/scanline/workflow"
)

const (
	pollDelay    = 250 * time.Millisecond
	pollMaxDelay = 2 * time.Second
)

// wait sleeps for the configured duration. With a readiness URL it instead
// polls the URL until it answers 200, giving up once the duration elapses.
func (e *Engine) wait(ctx context.Context, opts workflow.WaitOpts, out stepOutput) error {
	d := opts.Duration.Std()

	if opts.Ready == "" {
		fmt.Fprintf(out.stdout, "waiting %s\n", d)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return engine.ErrTimedOut
		case <-t.C:
			return nil
		}
	}

	fmt.Fprintf(out.stdout, "polling %s for up to %s\n", opts.Ready, d)

	readyCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := retry.Do(func() error {
		return checkReady(readyCtx, e.httpClient(), opts.Ready)
	},
		retry.Context(readyCtx),
		retry.Attempts(0),
		retry.Delay(pollDelay),
		retry.MaxDelay(pollMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			fmt.Fprintf(out.stdout, "attempt %d: %v\n", n+1, err)
		}),
	)
	if err == nil {
		fmt.Fprintf(out.stdout, "%s is ready\n", opts.Ready)
		return nil
	}

	if ctx.Err() != nil {
		return engine.ErrTimedOut
	}
	return fmt.Errorf("%w: %s did not answer 200 within %s: %w", engine.ErrNotReady, opts.Ready, d, err)
}

func checkReady(ctx context.Context, c *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) httpClient() *http.Client {
	if e.readyClient != nil {
		return e.readyClient
	}
	return http.DefaultClient
}
