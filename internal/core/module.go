package core

// ModuleID names a module, namespaced by dots (e.g. "jobs.manager").
type ModuleID string

// ModuleInfo describes a module.
type ModuleInfo struct {
	ID ModuleID
}

// Module is a unit of the daemon with a managed lifecycle. Behavior is
// opted into by also implementing the interfaces in lifecycle.go.
type Module interface {
	ModuleInfo() ModuleInfo
}
