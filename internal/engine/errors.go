package engine

import "errors"

// ErrNotFound indicates the requested container resource was not found.
var ErrNotFound = errors.New("engine: resource not found")

// ErrCommandFailed indicates an in-container command exited non-zero.
var ErrCommandFailed = errors.New("engine: command failed")
