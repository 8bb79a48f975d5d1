// Package ops implements the kill-switch status surface: the in-memory
// per-venue enable/disable, live-data-disable, and read-only toggles
// exposed through the orchestrator's health report (SPEC_FULL supplemental
// feature), plus the on-disk kill-switch file check from spec §4.9/§6.
// Adapted from cryptorun's internal/ops.SwitchManager, narrowed from its
// provider+scanner+venue three-way split down to the single "venue" axis
// this core actually has, since there is no separate provider or scanner
// concept here.
package ops

import (
	"sync"
	"time"
)

// SwitchManager tracks the mutable emergency/venue toggles surfaced by the
// orchestrator's health report. It holds no file state; the on-disk kill
// switch is checked separately by CheckKillSwitchFile.
type SwitchManager struct {
	mu sync.RWMutex

	disableLiveData bool
	readOnlyMode    bool
	venueEnabled    map[string]bool
	lastUpdated     map[string]time.Time
}

// NewSwitchManager starts a manager with every configured venue enabled.
func NewSwitchManager(venues []string) *SwitchManager {
	m := &SwitchManager{
		venueEnabled: make(map[string]bool, len(venues)),
		lastUpdated:  make(map[string]time.Time),
	}
	for _, v := range venues {
		m.venueEnabled[v] = true
	}
	return m
}

// Status is the JSON-serializable snapshot embedded in the health report.
type Status struct {
	DisableLiveData bool                  `json:"disable_live_data"`
	ReadOnlyMode    bool                  `json:"read_only_mode"`
	Venues          map[string]VenueState `json:"venues"`
	CheckedAt       time.Time             `json:"checked_at"`
}

// VenueState is one venue's toggle state.
type VenueState struct {
	Enabled     bool      `json:"enabled"`
	LastUpdated time.Time `json:"last_updated"`
}

// Status returns a point-in-time snapshot of every switch.
func (m *SwitchManager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	venues := make(map[string]VenueState, len(m.venueEnabled))
	for name, enabled := range m.venueEnabled {
		venues[name] = VenueState{Enabled: enabled, LastUpdated: m.lastUpdated["venue:"+name]}
	}
	return Status{
		DisableLiveData: m.disableLiveData,
		ReadOnlyMode:    m.readOnlyMode,
		Venues:          venues,
		CheckedAt:       time.Now(),
	}
}

// IsLiveDataEnabled reports whether the live-data emergency switch allows
// adapters to run.
func (m *SwitchManager) IsLiveDataEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.disableLiveData
}

// IsReadOnlyMode reports whether the read-only switch is on. While it is,
// the orchestrator skips candle writer batches; event-sink inserts and
// replay cursor commits are not suppressed.
func (m *SwitchManager) IsReadOnlyMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnlyMode
}

// IsVenueEnabled reports whether venue may run its live-stream and backfill
// tasks. An unknown venue is treated as disabled.
func (m *SwitchManager) IsVenueEnabled(venue string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.venueEnabled[venue]
}

// SetLiveDataDisabled toggles the global live-data emergency switch.
func (m *SwitchManager) SetLiveDataDisabled(disabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableLiveData = disabled
	m.lastUpdated["live_data"] = time.Now()
}

// SetReadOnlyMode toggles the global read-only switch.
func (m *SwitchManager) SetReadOnlyMode(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnlyMode = enabled
	m.lastUpdated["read_only"] = time.Now()
}

// SetVenueEnabled toggles a single venue's switch.
func (m *SwitchManager) SetVenueEnabled(venue string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueEnabled[venue] = enabled
	m.lastUpdated["venue:"+venue] = time.Now()
}

// EnabledVenues returns every venue currently switched on.
func (m *SwitchManager) EnabledVenues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, enabled := range m.venueEnabled {
		if enabled {
			out = append(out, name)
		}
	}
	return out
}
