package workflow

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	TriggerKindPush   string = "push"
	TriggerKindManual string = "manual"
)

// Trigger describes what caused a pipeline run.
type Trigger struct {
	Kind    string `json:"kind"`
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref"`
	OldSha  string `json:"old_sha,omitempty"`
	NewSha  string `json:"new_sha,omitempty"`
}

// IsDeletion reports whether the trigger is a push that removed its ref.
func (t Trigger) IsDeletion() bool {
	return t.Kind == TriggerKindPush && t.NewSha != "" && strings.Trim(t.NewSha, "0") == ""
}

// Branch is the short branch name of the trigger ref, or "" for non-branch refs.
func (t Trigger) Branch() string {
	ref := plumbing.ReferenceName(t.Ref)
	if ref.IsBranch() {
		return ref.Short()
	}
	return ""
}
