package repository

import "errors"

// ErrNotFound indicates an environment record was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists indicates an insert collided with an existing id.
var ErrAlreadyExists = errors.New("repository: already exists")

// ErrInvalidArgument flags rejected input.
var ErrInvalidArgument = errors.New("repository: invalid argument")
