package docker

import (
	"context"
	"fmt"
	"maps"

	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

func (e *Engine) setupRuntime(ctx context.Context, state *workflowState, opts workflow.RuntimeOpts, out stepOutput) error {
	ref := opts.ImageRef()
	if err := e.pullImage(ctx, ref, out.stdout); err != nil {
		return err
	}

	state.runtimeImage = ref
	return nil
}

// runCommand runs a shell command in the runtime image with the workspace
// mounted as its working directory.
func (e *Engine) runCommand(ctx context.Context, wid models.WorkflowId, state *workflowState, step Step, out stepOutput) error {
	if state.runtimeImage == "" {
		return fmt.Errorf("no runtime set up before %q", step.name)
	}

	envs := stepEnvs(runEnv(state.env), step.environment)
	e.l.Debug("envs for step", "step", step.name, "envs", envs.Slice())

	st, err := e.runContainer(ctx, wid, containerSpec{
		step:        step.name,
		image:       state.runtimeImage,
		cmd:         []string{"sh", "-c", step.command},
		env:         envs,
		workspace:   state.workspace,
		cacheVolume: state.cacheVolume,
	}, out)
	if err != nil {
		return err
	}

	if err := exitError(st); err != nil {
		e.l.Error("step failed", "workflow_id", wid.String(), "step", step.name, "error", st.Error, "exit_code", st.ExitCode, "oom_killed", st.OOMKilled)
		return err
	}
	return nil
}

// runEnv points HOME and the Go module cache at the cache volume, so what
// one run step downloads is still there for the next. Workflow variables
// take precedence.
func runEnv(workflowEnv map[string]string) map[string]string {
	env := map[string]string{
		"HOME":       cacheDir,
		"GOMODCACHE": cacheDir + "/go/pkg/mod",
	}
	maps.Copy(env, workflowEnv)
	return env
}
