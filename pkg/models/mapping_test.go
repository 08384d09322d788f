package models

import "testing"

func testConnection(name string) *DataSourceConnection {
	return &DataSourceConnection{
		Name:           name,
		ConnectionType: ConnectionTypeLive,
		Server:         "localhost:51542",
		Database:       "guid-db",
		IsSwappable:    true,
	}
}

func testTarget(server, database string) *SwapTarget {
	return &SwapTarget{
		TargetType: TargetTypeLocal,
		Server:     server,
		Database:   database,
	}
}

func TestMappingStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    MappingStatus
		to      MappingStatus
		allowed bool
	}{
		{MappingStatusPending, MappingStatusMatched, true},
		{MappingStatusPending, MappingStatusReady, true},
		{MappingStatusPending, MappingStatusSwapping, false},
		{MappingStatusMatched, MappingStatusReady, true},
		{MappingStatusMatched, MappingStatusPending, true},
		{MappingStatusReady, MappingStatusSwapping, true},
		{MappingStatusReady, MappingStatusPending, true},
		{MappingStatusReady, MappingStatusReady, true},
		{MappingStatusReady, MappingStatusSuccess, false},
		{MappingStatusSwapping, MappingStatusSuccess, true},
		{MappingStatusSwapping, MappingStatusError, true},
		{MappingStatusSwapping, MappingStatusPending, false},
		{MappingStatusSuccess, MappingStatusReady, true},
		{MappingStatusError, MappingStatusReady, true},
		{MappingStatusSuccess, MappingStatusSwapping, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestConnectionMapping_SetTargetPromotesToReady(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if m.Status != MappingStatusPending {
		t.Fatalf("new mapping status = %s, want %s", m.Status, MappingStatusPending)
	}

	if err := m.SetTarget(testTarget("localhost:55001", "model-a"), false); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if m.Status != MappingStatusReady {
		t.Errorf("status after SetTarget = %s, want %s", m.Status, MappingStatusReady)
	}
	if m.AutoMatched {
		t.Error("AutoMatched = true for a user-chosen target")
	}
}

func TestConnectionMapping_AutoMatchFlow(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))

	if err := m.MarkMatched(); err != nil {
		t.Fatalf("MarkMatched() error = %v", err)
	}
	if m.Status != MappingStatusMatched {
		t.Fatalf("status after MarkMatched = %s, want %s", m.Status, MappingStatusMatched)
	}

	if err := m.SetTarget(testTarget("localhost:55001", "model-a"), true); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if m.Status != MappingStatusReady {
		t.Errorf("status = %s, want %s", m.Status, MappingStatusReady)
	}
	if !m.AutoMatched {
		t.Error("AutoMatched = false after auto-match")
	}
}

func TestConnectionMapping_BeginSwapCapturesOriginalOnce(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if err := m.SetTarget(testTarget("localhost:55001", "model-a"), false); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}

	if err := m.BeginSwap(); err != nil {
		t.Fatalf("BeginSwap() error = %v", err)
	}
	if m.OriginalServer != "localhost:51542" || m.OriginalDatabase != "guid-db" {
		t.Errorf("original endpoint = %s/%s, want localhost:51542/guid-db",
			m.OriginalServer, m.OriginalDatabase)
	}
	if err := m.CompleteSwap(true); err != nil {
		t.Fatalf("CompleteSwap() error = %v", err)
	}

	// A second swap must not overwrite the captured original even though the
	// source snapshot still shows the pre-first-swap endpoint.
	m.Source.Server = "localhost:55001"
	m.Source.Database = "model-a"
	if err := m.SetTarget(testTarget("localhost:55002", "model-b"), false); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := m.BeginSwap(); err != nil {
		t.Fatalf("second BeginSwap() error = %v", err)
	}
	if m.OriginalServer != "localhost:51542" {
		t.Errorf("OriginalServer after second swap = %s, want localhost:51542", m.OriginalServer)
	}
}

func TestConnectionMapping_BeginSwapWithoutTarget(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if err := m.BeginSwap(); err == nil {
		t.Error("BeginSwap() with no target: expected error")
	}
}

func TestConnectionMapping_ClearTarget(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if err := m.SetTarget(testTarget("localhost:55001", "model-a"), true); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}

	if err := m.ClearTarget(); err != nil {
		t.Fatalf("ClearTarget() error = %v", err)
	}
	if m.Status != MappingStatusPending || m.Target != nil || m.AutoMatched {
		t.Errorf("after ClearTarget: status=%s target=%v autoMatched=%v, want pending/nil/false",
			m.Status, m.Target, m.AutoMatched)
	}
}

func TestConnectionMapping_ClearTargetWhileSwapping(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if err := m.SetTarget(testTarget("localhost:55001", "model-a"), false); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := m.BeginSwap(); err != nil {
		t.Fatalf("BeginSwap() error = %v", err)
	}

	if err := m.ClearTarget(); err == nil {
		t.Error("ClearTarget() during swap: expected error")
	}
}

func TestConnectionMapping_RetryAfterError(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if err := m.SetTarget(testTarget("localhost:55001", "model-a"), false); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := m.BeginSwap(); err != nil {
		t.Fatalf("BeginSwap() error = %v", err)
	}
	if err := m.CompleteSwap(false); err != nil {
		t.Fatalf("CompleteSwap(false) error = %v", err)
	}
	if m.Status != MappingStatusError {
		t.Fatalf("status = %s, want %s", m.Status, MappingStatusError)
	}

	// Re-selecting a target re-arms the mapping.
	if err := m.SetTarget(testTarget("localhost:55002", "model-b"), false); err != nil {
		t.Fatalf("SetTarget() after error = %v", err)
	}
	if m.Status != MappingStatusReady {
		t.Errorf("status = %s, want %s", m.Status, MappingStatusReady)
	}
}

func TestConnectionMapping_IsSelfSwap(t *testing.T) {
	m := NewConnectionMapping(testConnection("Sales"))
	if err := m.SetTarget(testTarget("LOCALHOST:51542", "GUID-DB"), false); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if !m.IsSelfSwap() {
		t.Error("IsSelfSwap() = false for case-insensitively equal endpoint")
	}
}
