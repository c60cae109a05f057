package gpu

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by this module wraps exactly one of these.
var (
	ErrInvalidHandle      = errors.New("invalid handle")
	ErrAllocation         = errors.New("allocation failure")
	ErrCompile            = errors.New("compile failure")
	ErrIncludeResolution  = errors.New("include resolution failure")
	ErrDispatch           = errors.New("dispatch failure")
	ErrTimingUnavailable  = errors.New("gpu timing unavailable")
	ErrBackendUnavailable = errors.New("backend not available")
	ErrUnknownKernel      = errors.New("unknown kernel")
)

// CompileError carries the backend diagnostic for a rejected kernel.
type CompileError struct {
	Entry      string
	Precision  Precision
	Diagnostic string
	Err        error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile %s (%s): %s", e.Entry, e.Precision, e.Diagnostic)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompileError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCompile, e.Err}
	}
	return []error{ErrCompile}
}

// Stage names a step of the dispatch protocol.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageKernel    Stage = "kernel"
	StageArguments Stage = "stage-args"
	StageLaunch    Stage = "launch"
)

// StageError reports which dispatch stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
