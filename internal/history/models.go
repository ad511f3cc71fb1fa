package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a recorded build.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Build is the persistent record of one pipeline run.
type Build struct {
	BuildID   string    `json:"build_id"`
	GraphHash string    `json:"graph_hash"`
	StartTime time.Time `json:"start_time"`
	// Target is the last stage the run was asked to reach.
	Target string `json:"target"`
	Status Status `json:"status"`
	// Fingerprint is the relocation fingerprint of the shaded archive,
	// empty when the shade stage did not complete.
	Fingerprint string `json:"fingerprint,omitempty"`
	// TraceDigest identifies the canonical build trace.
	TraceDigest string `json:"trace_digest,omitempty"`
	// Stages maps stage name to its terminal state.
	Stages          map[string]string `json:"stages,omitempty"`
	PreviousBuildID *string           `json:"previous_build_id"`
}

func (b Build) Validate() error {
	var errs []error
	if strings.TrimSpace(b.BuildID) == "" {
		errs = append(errs, errors.New("build_id is required"))
	}
	if strings.TrimSpace(b.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if b.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch b.Status {
	case StatusRunning, StatusSucceeded, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", b.Status))
	}
	if b.PreviousBuildID != nil && strings.TrimSpace(*b.PreviousBuildID) == "" {
		errs = append(errs, errors.New("previous_build_id must not be empty when provided"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfig FailureClass = "config"
	FailureClassGraph  FailureClass = "graph"
	FailureClassStage  FailureClass = "stage"
	FailureClassSystem FailureClass = "system"
)

// Failure is a recorded build termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        *string      `json:"stage,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfig, FailureClassGraph, FailureClassStage, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
