// Package panel is the backend of the sidebar control UI. It keeps a polled
// copy of the mode flag, so changes made elsewhere (command palette, MCP
// tools) show up within one poll interval, and serves the panel's actions
// over HTTP.
package panel

import (
	"context"
	"log"
	"sync"
	"time"

	"viewonly-guard/internal/host"
	"viewonly-guard/internal/mode"
)

// DefaultPollInterval matches the control UI refresh rate.
const DefaultPollInterval = time.Second

// Backend is the shim-side API the panel mutates preferences through.
type Backend interface {
	PreferenceValues() map[string]bool
	SetPreference(key string, v bool) error
	Shortcuts() []host.Shortcut
}

// State is what the panel renders.
type State struct {
	Active      bool            `json:"active"`
	Preferences map[string]bool `json:"preferences"`
	Shortcuts   []host.Shortcut `json:"shortcuts,omitempty"`
	SyncedAt    time.Time       `json:"synced_at"`
}

// Panel polls a control surface and exposes the panel actions.
type Panel struct {
	spec    host.PanelSpec
	surface host.ControlSurface
	backend Backend
	every   time.Duration

	mu       sync.RWMutex
	active   bool
	syncedAt time.Time
}

// New builds a panel. A non-positive interval uses DefaultPollInterval.
func New(spec host.PanelSpec, surface host.ControlSurface, backend Backend, every time.Duration) *Panel {
	if every <= 0 {
		every = DefaultPollInterval
	}
	p := &Panel{spec: spec, surface: surface, backend: backend, every: every}
	p.Sync()
	return p
}

// Run polls until ctx is done. Transitions pushed on changes show up
// immediately; polling still catches any the channel dropped. changes may
// be nil.
func (p *Panel) Run(ctx context.Context, changes <-chan mode.StateChange) {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			p.record(c.Active)
		case <-ticker.C:
			p.Sync()
		}
	}
}

// Sync reads the flag once and reports whether it changed since the last
// read.
func (p *Panel) Sync() bool {
	active := p.surface.IsActive()
	return p.record(active)
}

func (p *Panel) record(active bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.active != active && !p.syncedAt.IsZero()
	p.active = active
	p.syncedAt = time.Now()
	if changed {
		log.Printf("panel: view-only is now %v", active)
	}
	return changed
}

// Toggle flips the mode through the control surface.
func (p *Panel) Toggle() bool {
	active := p.surface.Toggle()
	p.record(active)
	return active
}

// Snapshot returns the last polled state with current preferences.
func (p *Panel) Snapshot() State {
	p.mu.RLock()
	st := State{Active: p.active, SyncedAt: p.syncedAt}
	p.mu.RUnlock()

	st.Preferences = p.backend.PreferenceValues()
	st.Shortcuts = p.backend.Shortcuts()
	return st
}
