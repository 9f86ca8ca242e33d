package models

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

type PipelineId string

func NewPipelineId() PipelineId {
	return PipelineId(uuid.NewString())
}

func ParsePipelineId(s string) (PipelineId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid pipeline id %q: %w", s, err)
	}
	return PipelineId(id.String()), nil
}

func (p PipelineId) String() string {
	return string(p)
}

type WorkflowId struct {
	PipelineId PipelineId
	Name       string
}

// String is safe to use as a file name and as part of docker object names.
func (wid WorkflowId) String() string {
	return fmt.Sprintf("%s-%s", wid.PipelineId, normalize(wid.Name))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}

type StatusKind string

var (
	// step status
	StatusKindPending StatusKind = "pending"
	StatusKindRunning StatusKind = "running"

	// step and pipeline status
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSuccess   StatusKind = "success"

	StartStates [2]StatusKind = [2]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates [4]StatusKind = [4]StatusKind{
		StatusKindCancelled,
		StatusKindFailed,
		StatusKindSuccess,
		StatusKindTimeout,
	}
)

func (s StatusKind) String() string {
	return string(s)
}

func (s StatusKind) IsStart() bool {
	return slices.Contains(StartStates[:], s)
}

func (s StatusKind) IsFinish() bool {
	return slices.Contains(FinishStates[:], s)
}
