package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrPersist indicates the execution store rejected a write. The
	// in-memory record remains valid and is still returned to the caller.
	ErrPersist = errors.New("registry: persist execution")

	// ErrUnknownFormat indicates a report or export format other than
	// text, json or csv.
	ErrUnknownFormat = errors.New("registry: unknown format")

	// ErrFinished indicates output or completion was recorded for an
	// execution that already reached a terminal status.
	ErrFinished = errors.New("registry: execution already finished")
)
