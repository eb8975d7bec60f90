// Package sandbox is the boundary to the external code executor.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"judgecore/internal/judge/model"
)

// ExecuteRequest runs one program against one stdin.
type ExecuteRequest struct {
	Language string
	Code     string
	Stdin    string
	Limits   model.Limits
}

// ExecuteResult is what the executor observed. It carries no verdict.
type ExecuteResult struct {
	CompileFailed bool
	CompileOutput string

	Stdout     string
	Stderr     string
	ExitStatus int
	Signalled  bool

	TimeUsedMs   int64
	MemoryUsedKB int64

	// Limit flags reported by the executor itself.
	TimeExceeded   bool
	MemoryExceeded bool
	OutputExceeded bool
}

// Executor runs untrusted code.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// Fault is a transient infrastructure failure. The request may succeed if retried.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "sandbox " + f.Op + " failed"
	}
	return fmt.Sprintf("sandbox %s failed: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err is, or wraps, a *Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
