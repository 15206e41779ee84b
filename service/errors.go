package service

import (
	"errors"
	"fmt"
)

// Synchronous controller errors. Handlers map these onto HTTP codes.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	ErrDispatch      = errors.New("dispatch failed")
)

// ExecutionError categories. Transient categories are retried with backoff
// inside the worker; everything else marks the stage failed and waits for an
// explicit retry.
const (
	ErrCategoryTimeout     = "timeout"
	ErrCategoryNetwork     = "network"
	ErrCategoryValidation  = "validation"
	ErrCategoryMissingData = "missing_data"
	ErrCategoryGeneration  = "generation"
)

// ExecutionError is raised inside a worker job.
type ExecutionError struct {
	Category string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error should be auto-retried.
func (e *ExecutionError) Transient() bool {
	switch e.Category {
	case ErrCategoryTimeout, ErrCategoryNetwork:
		return true
	}
	return false
}

func NewExecutionError(category string, err error) *ExecutionError {
	return &ExecutionError{Category: category, Err: err}
}
