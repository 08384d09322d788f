package models

import (
	"fmt"
)

// ============================================================================
// Mapping Status
// ============================================================================

// MappingStatus tracks one connection through the swap lifecycle.
// State machine:
//
//	pending → matched → ready → swapping → success
//	                                 ↓
//	                               error
//
//	success/error re-enter ready when the user picks a target again;
//	clearing the target from any non-swapping state returns to pending.
type MappingStatus string

const (
	MappingStatusPending  MappingStatus = "pending"
	MappingStatusMatched  MappingStatus = "matched"
	MappingStatusReady    MappingStatus = "ready"
	MappingStatusSwapping MappingStatus = "swapping"
	MappingStatusSuccess  MappingStatus = "success"
	MappingStatusError    MappingStatus = "error"
)

// ValidMappingStatuses contains all valid status values.
var ValidMappingStatuses = []MappingStatus{
	MappingStatusPending,
	MappingStatusMatched,
	MappingStatusReady,
	MappingStatusSwapping,
	MappingStatusSuccess,
	MappingStatusError,
}

// IsValidMappingStatus checks if the given status is valid.
func IsValidMappingStatus(s MappingStatus) bool {
	for _, v := range ValidMappingStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the two end states of a swap attempt.
// Terminal here does not mean final for the mapping: re-selecting a target
// moves it back to ready.
func (s MappingStatus) IsTerminal() bool {
	return s == MappingStatusSuccess || s == MappingStatusError
}

// CanTransitionTo returns true if moving from this status to target is valid.
func (s MappingStatus) CanTransitionTo(target MappingStatus) bool {
	switch s {
	case MappingStatusPending:
		return target == MappingStatusMatched || target == MappingStatusReady
	case MappingStatusMatched:
		return target == MappingStatusReady || target == MappingStatusPending
	case MappingStatusReady:
		return target == MappingStatusSwapping || target == MappingStatusPending ||
			target == MappingStatusReady
	case MappingStatusSwapping:
		return target == MappingStatusSuccess || target == MappingStatusError
	case MappingStatusSuccess, MappingStatusError:
		return target == MappingStatusReady || target == MappingStatusPending
	default:
		return false
	}
}

// ============================================================================
// Connection Mapping
// ============================================================================

// ConnectionMapping pairs one detected source connection with zero or one
// chosen target. Mappings are created per connection at detection time and
// discarded on disconnect; they are the unit the swap engine, presets, and
// the history ledger all operate on.
type ConnectionMapping struct {
	Source      *DataSourceConnection `json:"source"`
	Target      *SwapTarget           `json:"target,omitempty"`
	Status      MappingStatus         `json:"status"`
	AutoMatched bool                  `json:"auto_matched"`

	// OriginalServer/OriginalDatabase capture the pre-swap endpoint the first
	// time the mapping is swapped, so history and rollback still know where
	// the connection started after repeated swaps.
	OriginalServer   string `json:"original_server,omitempty"`
	OriginalDatabase string `json:"original_database,omitempty"`
}

// NewConnectionMapping creates a mapping in the pending state.
func NewConnectionMapping(source *DataSourceConnection) *ConnectionMapping {
	return &ConnectionMapping{
		Source: source,
		Status: MappingStatusPending,
	}
}

// MarkMatched flags the mapping as auto-matched before a target is attached.
// The matcher calls this when it finds a name-similar local model; attaching
// the suggested target then promotes the mapping to ready.
func (m *ConnectionMapping) MarkMatched() error {
	if !m.Status.CanTransitionTo(MappingStatusMatched) {
		return fmt.Errorf("mark matched on %q: cannot move from %s to %s",
			m.Source.Name, m.Status, MappingStatusMatched)
	}
	m.Status = MappingStatusMatched
	m.AutoMatched = true
	return nil
}

// SetTarget attaches a target and confirms the mapping as ready.
// autoMatched records whether the target came from the local-model matcher
// rather than an explicit user choice.
func (m *ConnectionMapping) SetTarget(target *SwapTarget, autoMatched bool) error {
	if target == nil {
		return fmt.Errorf("set target on %q: target is nil", m.Source.Name)
	}
	if !m.Status.CanTransitionTo(MappingStatusReady) {
		return fmt.Errorf("set target on %q: cannot move from %s to %s",
			m.Source.Name, m.Status, MappingStatusReady)
	}
	m.Target = target
	m.Status = MappingStatusReady
	m.AutoMatched = autoMatched
	return nil
}

// ClearTarget removes the target and returns the mapping to pending.
func (m *ConnectionMapping) ClearTarget() error {
	if m.Status == MappingStatusSwapping {
		return fmt.Errorf("clear target on %q: swap in flight", m.Source.Name)
	}
	m.Target = nil
	m.AutoMatched = false
	m.Status = MappingStatusPending
	return nil
}

// BeginSwap moves the mapping into the in-flight state and captures the
// original endpoint if this is the first swap.
func (m *ConnectionMapping) BeginSwap() error {
	if m.Target == nil {
		return fmt.Errorf("begin swap on %q: no target", m.Source.Name)
	}
	if !m.Status.CanTransitionTo(MappingStatusSwapping) {
		return fmt.Errorf("begin swap on %q: cannot move from %s to %s",
			m.Source.Name, m.Status, MappingStatusSwapping)
	}
	if m.OriginalServer == "" && m.OriginalDatabase == "" {
		m.OriginalServer = m.Source.Server
		m.OriginalDatabase = m.Source.Database
	}
	m.Status = MappingStatusSwapping
	return nil
}

// CompleteSwap records the outcome of an in-flight swap.
func (m *ConnectionMapping) CompleteSwap(success bool) error {
	next := MappingStatusSuccess
	if !success {
		next = MappingStatusError
	}
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("complete swap on %q: cannot move from %s to %s",
			m.Source.Name, m.Status, next)
	}
	m.Status = next
	return nil
}

// HasTarget reports whether a target has been assigned.
func (m *ConnectionMapping) HasTarget() bool {
	return m.Target != nil
}

// IsSelfSwap reports whether the assigned target points back at the
// connection's current endpoint.
func (m *ConnectionMapping) IsSelfSwap() bool {
	return m.Target != nil && m.Target.SameEndpoint(m.Source.Server, m.Source.Database)
}
