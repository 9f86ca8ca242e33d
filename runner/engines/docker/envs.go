package docker

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts an environment map into a docker-friendly
// []string{"KEY=value", ...} slice, sorted by key.
func ConstructEnvs(envs map[string]string) EnvVars {
	var dockerEnvs EnvVars
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		dockerEnvs.AddEnv(k, envs[k])
	}
	return dockerEnvs
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// stepEnvs layers step variables over workflow variables.
func stepEnvs(workflowEnv, stepEnv map[string]string) EnvVars {
	merged := make(map[string]string, len(workflowEnv)+len(stepEnv))
	maps.Copy(merged, workflowEnv)
	maps.Copy(merged, stepEnv)
	return ConstructEnvs(merged)
}
