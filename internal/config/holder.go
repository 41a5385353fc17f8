package config

import "sync"

// Holder provides thread-safe access to the effective configuration. The
// server reads through one Holder, so a SIGHUP reload updates every reader
// at once.
type Holder struct {
	mu       sync.RWMutex
	resolved *Resolved
}

// NewHolder creates a Holder with the initial configuration.
func NewHolder(r *Resolved) *Holder {
	return &Holder{resolved: r}
}

// Config returns the current snapshot. Callers must not modify it.
func (h *Holder) Config() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.resolved
}

// Path returns the config file the snapshot was read from.
func (h *Holder) Path() string {
	return h.Config().Path
}

// Update replaces the snapshot.
func (h *Holder) Update(r *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.resolved = r
}
