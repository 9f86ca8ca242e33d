package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"

	"tangled.sh/tangled.sh/scanline/runner/engine"
	"tangled.sh/tangled.sh/scanline/runner/models"
)

type stepOutput struct {
	stdout io.Writer
	stderr io.Writer
}

func newStepOutput(wfLogger *models.WorkflowLogger, idx int) stepOutput {
	if wfLogger == nil {
		return stepOutput{io.Discard, io.Discard}
	}
	return stepOutput{
		stdout: wfLogger.DataWriter(idx, "stdout"),
		stderr: wfLogger.DataWriter(idx, "stderr"),
	}
}

type containerSpec struct {
	step  string
	image string
	cmd   []string
	env   EnvVars
	// mount the workflow workspace at workspaceDir
	workspace string
	// mount this volume at cacheDir
	cacheVolume string
	// join another container's network namespace instead of the workflow network
	joinContainer string
}

// runContainer runs spec to completion, streaming its output, and returns
// the final container state. The container is always removed.
func (e *Engine) runContainer(ctx context.Context, wid models.WorkflowId, spec containerSpec, out stepOutput) (*container.State, error) {
	cfg := &container.Config{
		Image:    spec.image,
		Cmd:      spec.cmd,
		Tty:      false,
		Hostname: "scanline",
		Env:      spec.env.Slice(),
	}
	hostConfig := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}
	if spec.workspace != "" {
		cfg.WorkingDir = workspaceDir
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.workspace,
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		}
	}
	if spec.cacheVolume != "" {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: spec.cacheVolume,
			Target: cacheDir,
		})
	}
	if spec.joinContainer != "" {
		hostConfig.NetworkMode = container.NetworkMode("container:" + spec.joinContainer)
	}

	resp, err := e.docker.ContainerCreate(ctx, cfg, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		if err := e.DestroyStep(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to destroy step container", "container", resp.ID, "error", err)
		}
	}()

	if spec.joinContainer == "" {
		err = e.docker.NetworkConnect(ctx, networkName(wid), resp.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("connecting network: %w", err)
		}
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	e.l.Info("started container", "name", resp.ID, "step", spec.step)

	var state *container.State
	g := errgroup.Group{}
	g.Go(func() error {
		var err error
		state, err = e.WaitStep(ctx, resp.ID)
		return err
	})
	g.Go(func() error {
		return e.tailStep(ctx, resp.ID, out)
	})
	err = g.Wait()

	if ctx.Err() != nil {
		e.l.Warn("step timed out; killing container", "container", resp.ID, "step", spec.step)
		return nil, engine.ErrTimedOut
	}
	if err != nil {
		return nil, err
	}

	return state, nil
}

// exitError maps a finished container state to a step error.
func exitError(state *container.State) error {
	if state.ExitCode == 0 {
		return nil
	}
	if state.OOMKilled {
		return &engine.StepError{ExitCode: int64(state.ExitCode), Err: engine.ErrOOMKilled}
	}
	return &engine.StepError{ExitCode: int64(state.ExitCode), Err: engine.ErrWorkflowFailed}
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Info("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, containerID string, out stepOutput) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(out.stdout, out.stderr, logs)
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

// pullImage pulls ref and writes the progress to out.
func (e *Engine) pullImage(ctx context.Context, ref string, out io.Writer) error {
	reader, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		e.l.Error("image pull failed", "image", ref, "error", err)
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, out, 0, false, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// ensureImage pulls ref only when the daemon does not have it yet, so that
// images built earlier in the workflow are used as is.
func (e *Engine) ensureImage(ctx context.Context, ref string, out io.Writer) error {
	_, err := e.docker.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return e.pullImage(ctx, ref, out)
}

func isErrContainerNotFoundOrNotRunning(err error) bool {
	if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return true
	}
	// podman does not map these to typed errors
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	return err != nil && (strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
