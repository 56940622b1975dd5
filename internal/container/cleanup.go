package container

import (
	"sync"

	"github.com/docker/go-units"
)

// ParseMemoryLimit converts a human-readable memory limit ("512m",
// "2g") to bytes. An empty limit means unlimited (0).
func ParseMemoryLimit(limit string) (int64, error) {
	if limit == "" {
		return 0, nil
	}
	return units.RAMInBytes(limit)
}

// CleanupSet is the emergency-cleanup registry: every started container
// registers a force-stop here in case its auto-remove never fires (e.g.
// the daemon dies mid-run, or the harness crashes before a clean stop).
// RunAll is invoked from the orchestrator's shutdown path, including the
// signal-handler route.
type CleanupSet struct {
	mu  sync.Mutex
	fns map[string]func()
}

// NewCleanupSet creates an empty CleanupSet.
func NewCleanupSet() *CleanupSet {
	return &CleanupSet{fns: make(map[string]func())}
}

// Register adds a cleanup function under name, replacing any previous
// registration for the same name.
func (c *CleanupSet) Register(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[name] = fn
}

// Forget drops the registration for name, typically after a clean exit.
func (c *CleanupSet) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fns, name)
}

// Len reports how many registrations are outstanding.
func (c *CleanupSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

// RunAll invokes and removes every registered cleanup function.
func (c *CleanupSet) RunAll() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.fns = make(map[string]func())
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
