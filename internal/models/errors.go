package models

import "github.com/pkg/errors"

// Error kinds shared by all packages. Callers wrap these with context and test
// for them with errors.Is.
var (
	// ErrValidation marks malformed input detected at a boundary, before any
	// output is written.
	ErrValidation = errors.New("validation error")

	// ErrUnsupportedInput marks well-formed input this tool cannot handle,
	// e.g. more than six channels.
	ErrUnsupportedInput = errors.New("unsupported input")
)
