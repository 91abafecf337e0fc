package davserver

import "errors"

// Typed errors the verb handlers raise; writeError maps each to the status
// code spec.md §7 assigns it.
var (
	ErrNotFound      = errors.New("davserver: resource not found")
	ErrAlreadyExists = errors.New("davserver: resource already exists")
	ErrIsDirectory   = errors.New("davserver: target is a directory")
	ErrInvalidInput  = errors.New("davserver: invalid request")
)
