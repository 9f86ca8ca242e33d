package models

import (
	"time"

	"tangled.sh/tangled.sh/scanline/workflow"
)

type LogKind string

const (
	// step output
	LogKindData LogKind = "data"
	// step boundaries and results
	LogKindControl LogKind = "control"
)

type StepStatus string

const (
	StepStatusStart   StepStatus = "start"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
)

type LogLine struct {
	Kind    LogKind   `json:"kind"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
	StepId  int       `json:"step_id"`

	// only on data lines
	Stream string `json:"stream,omitempty"`

	// only on control lines
	StepStatus  StepStatus        `json:"status,omitempty"`
	StepKind    workflow.StepKind `json:"step_kind,omitempty"`
	StepCommand string            `json:"step_command,omitempty"`
	// set when a failed step did not halt the workflow
	Masked bool `json:"masked,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, step Step, status StepStatus) LogLine {
	return LogLine{
		Kind:        LogKindControl,
		Time:        time.Now(),
		Content:     step.Name(),
		StepId:      idx,
		StepStatus:  status,
		StepKind:    step.Kind(),
		StepCommand: step.Command(),
	}
}
