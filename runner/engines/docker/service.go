package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

// startService launches opts.Image in the background on the workflow
// network. The container lives until the workflow is destroyed.
func (e *Engine) startService(ctx context.Context, wid models.WorkflowId, state *workflowState, opts workflow.ServiceOpts, out stepOutput) error {
	if err := e.ensureImage(ctx, opts.Image, out.stdout); err != nil {
		return err
	}

	exposed, bindings, err := nat.ParsePortSpecs(opts.Ports)
	if err != nil {
		return fmt.Errorf("parsing ports: %w", err)
	}

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:        opts.Image,
		Env:          ConstructEnvs(opts.Environment).Slice(),
		ExposedPorts: exposed,
		Labels: map[string]string{
			"sh.scanline.workflow": wid.String(),
		},
	}, &container.HostConfig{
		PortBindings: bindings,
		CapDrop:      []string{"ALL"},
		SecurityOpt:  []string{"no-new-privileges"},
	}, nil, nil, serviceName(wid))
	if err != nil {
		return fmt.Errorf("creating service container: %w", err)
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return e.DestroyStep(ctx, resp.ID)
	})

	err = e.docker.NetworkConnect(ctx, networkName(wid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("starting service container: %w", err)
	}

	info, err := e.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return err
	}
	if info.State == nil || !info.State.Running {
		code := int64(-1)
		if info.State != nil {
			code = int64(info.State.ExitCode)
		}
		return fmt.Errorf("service %s exited right after start (exit code %d)", opts.Image, code)
	}

	state.serviceID = resp.ID
	fmt.Fprintf(out.stdout, "started %s as %s (%v)\n", opts.Image, serviceName(wid), opts.Ports)
	e.l.Info("started service", "workflow", wid, "image", opts.Image, "container", resp.ID)

	return nil
}
