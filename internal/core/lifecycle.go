package core

import "context"

// Provisioner is implemented by modules that need setup after creation.
// This is where modules resolve the services they depend on and register
// the ones they offer.
type Provisioner interface {
	Provision(ctx *AppContext) error
}

// Validator is implemented by modules that can verify their configuration
// is complete and correct. Called after Provision().
// Validate should be read-only: no side effects.
type Validator interface {
	Validate() error
}

// Starter is implemented by modules that need to start background work
// (goroutines, listeners, timers). Called after every module is
// provisioned and validated.
type Starter interface {
	Start() error
}

// Stopper is implemented by modules that need to clean up resources.
// Called during shutdown in reverse order of Start().
type Stopper interface {
	Stop(ctx context.Context) error
}

// Reloader is implemented by modules that re-read their configuration on
// SIGHUP.
type Reloader interface {
	Reload(ctx context.Context) error
}
