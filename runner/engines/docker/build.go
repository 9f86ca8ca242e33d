package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dustin/go-humanize"
	"github.com/moby/go-archive"

	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

func dockerfileOrDefault(opts *workflow.ImageOpts) string {
	if opts == nil || opts.Dockerfile == "" {
		return "Dockerfile"
	}
	return opts.Dockerfile
}

func contextOrDefault(opts *workflow.ImageOpts) string {
	if opts == nil || opts.Context == "" {
		return "."
	}
	return opts.Context
}

// buildContext resolves the build context and dockerfile of opts inside
// the workspace. Both must stay within it.
func buildContext(workspace string, opts workflow.ImageOpts) (dir string, dockerfile string, err error) {
	dir, err = securejoin.SecureJoin(workspace, contextOrDefault(&opts))
	if err != nil {
		return "", "", fmt.Errorf("resolving build context: %w", err)
	}

	df, err := securejoin.SecureJoin(workspace, dockerfileOrDefault(&opts))
	if err != nil {
		return "", "", fmt.Errorf("resolving dockerfile: %w", err)
	}
	if _, err := os.Stat(df); err != nil {
		return "", "", fmt.Errorf("dockerfile: %w", err)
	}

	// the daemon wants the dockerfile relative to the context root
	dockerfile, err = filepath.Rel(dir, df)
	if err != nil || !filepath.IsLocal(dockerfile) {
		return "", "", fmt.Errorf("dockerfile %s is outside the build context %s", dockerfileOrDefault(&opts), contextOrDefault(&opts))
	}

	return dir, filepath.ToSlash(dockerfile), nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

func (e *Engine) buildImage(ctx context.Context, wid models.WorkflowId, state *workflowState, opts workflow.ImageOpts, out stepOutput) error {
	dir, dockerfile, err := buildContext(state.workspace, opts)
	if err != nil {
		return err
	}

	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: []string{".git"},
	})
	if err != nil {
		return fmt.Errorf("archiving build context: %w", err)
	}
	defer tar.Close()
	body := &countingReader{r: tar}

	resp, err := e.docker.ImageBuild(ctx, body, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			"sh.scanline.workflow": wid.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", opts.Tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out.stdout, 0, false, nil); err != nil {
		return fmt.Errorf("building image %s: %w", opts.Tag, err)
	}
	e.l.Info("built image", "workflow", wid, "tag", opts.Tag, "context_size", humanize.Bytes(body.n))

	if !e.cfg.Pipelines.KeepImages {
		e.registerCleanup(wid, func(ctx context.Context) error {
			_, err := e.docker.ImageRemove(ctx, opts.Tag, image.RemoveOptions{
				Force:         true,
				PruneChildren: true,
			})
			if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
				return err
			}
			return nil
		})
	}

	return nil
}
