package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the entity failed validation.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a concurrent writer claimed the same unique key.
var ErrConflict = errors.New("repository: conflict")
