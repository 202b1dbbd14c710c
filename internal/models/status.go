package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCode is returned when a persisted short-code or name does not map to any known value
var ErrUnknownCode = errors.New("unknown code")

// JobStatus is the status of a job run as recorded in the job log
type JobStatus string

const (
	JobRunning JobStatus = "RUNNING"
	JobFail    JobStatus = "FAIL"
	JobSucceed JobStatus = "SUCCEED"
	JobAborted JobStatus = "ABORTED"
	JobIgnore  JobStatus = "IGNORE"
)

var jobStatusCodes = map[JobStatus]string{
	JobRunning: "r",
	JobFail:    "f",
	JobSucceed: "s",
	JobAborted: "d",
	JobIgnore:  "i",
}

// Code returns the single character representation stored in the database
func (s JobStatus) Code() string {
	return jobStatusCodes[s]
}

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal is true for every status other than RUNNING
func (s JobStatus) IsTerminal() bool {
	_, ok := jobStatusCodes[s]
	return ok && s != JobRunning
}

// ParseJobStatusCode decodes a database code into a JobStatus
func ParseJobStatusCode(code string) (JobStatus, error) {
	for status, c := range jobStatusCodes {
		if c == code {
			return status, nil
		}
	}
	return "", fmt.Errorf("job status %q: %w", code, ErrUnknownCode)
}

// ParseJobStatusName decodes a status name such as "FAIL" (case-insensitive)
func ParseJobStatusName(name string) (JobStatus, error) {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := jobStatusCodes[status]; !ok {
		return "", fmt.Errorf("job status name %q: %w", name, ErrUnknownCode)
	}
	return status, nil
}

// StepStatus is the status of a single step run as recorded in the step log
type StepStatus string

const (
	StepRunning StepStatus = "RUNNING"
	StepFail    StepStatus = "FAIL"
	StepSucceed StepStatus = "SUCCEED"
	StepAborted StepStatus = "ABORTED"
	StepIgnore  StepStatus = "IGNORE"
)

var stepStatusCodes = map[StepStatus]string{
	StepRunning: "r",
	StepFail:    "f",
	StepSucceed: "s",
	StepAborted: "d",
	StepIgnore:  "i",
}

func (s StepStatus) Code() string {
	return stepStatusCodes[s]
}

func (s StepStatus) String() string {
	return string(s)
}

func (s StepStatus) IsTerminal() bool {
	_, ok := stepStatusCodes[s]
	return ok && s != StepRunning
}

func ParseStepStatusCode(code string) (StepStatus, error) {
	for status, c := range stepStatusCodes {
		if c == code {
			return status, nil
		}
	}
	return "", fmt.Errorf("step status %q: %w", code, ErrUnknownCode)
}

func ParseStepStatusName(name string) (StepStatus, error) {
	status := StepStatus(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := stepStatusCodes[status]; !ok {
		return "", fmt.Errorf("step status name %q: %w", name, ErrUnknownCode)
	}
	return status, nil
}

// StepKind determines how a step's code is executed
type StepKind string

const (
	KindSQL   StepKind = "SQL"
	KindBatch StepKind = "BATCH"
)

func (k StepKind) Code() string {
	switch k {
	case KindSQL:
		return "s"
	case KindBatch:
		return "b"
	}
	return ""
}

func ParseStepKindCode(code string) (StepKind, error) {
	switch code {
	case "s":
		return KindSQL, nil
	case "b":
		return KindBatch, nil
	}
	return "", fmt.Errorf("step kind %q: %w", code, ErrUnknownCode)
}

// OnError is the error policy of a step. It maps a failed execution to the step's final status.
type OnError string

const (
	OnErrorFail    OnError = "FAIL"
	OnErrorSucceed OnError = "SUCCEED"
	OnErrorIgnore  OnError = "IGNORE"
)

func (o OnError) Code() string {
	switch o {
	case OnErrorFail:
		return "f"
	case OnErrorSucceed:
		return "s"
	case OnErrorIgnore:
		return "i"
	}
	return ""
}

// StepStatus returns the status a failed step ends up with under this policy
func (o OnError) StepStatus() StepStatus {
	switch o {
	case OnErrorSucceed:
		return StepSucceed
	case OnErrorIgnore:
		return StepIgnore
	default:
		return StepFail
	}
}

func ParseOnErrorCode(code string) (OnError, error) {
	switch code {
	case "f":
		return OnErrorFail, nil
	case "s":
		return OnErrorSucceed, nil
	case "i":
		return OnErrorIgnore, nil
	}
	return "", fmt.Errorf("on error %q: %w", code, ErrUnknownCode)
}
