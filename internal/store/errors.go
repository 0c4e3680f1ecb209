package store

import "errors"

// Sentinel errors shared by all store implementations. Callers match
// these with errors.Is to translate into API responses.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobDisabled   = errors.New("job is disabled")
	ErrBuildNotFound = errors.New("build not found")
	ErrAgentNotFound = errors.New("agent not found")
)
