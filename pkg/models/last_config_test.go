package models

import "testing"

func TestParseWorkspaceFromServerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"powerbi://api.powerbi.com/v1.0/myorg/Finance", "Finance"},
		{"powerbi://api.powerbi.com/v1.0/myorg/Sales%20Team", "Sales Team"},
		{"powerbi://api.powerbi.com/v1.0/myorg/Finance/extra", "Finance"},
		{"POWERBI://api.powerbi.com/v1.0/MyOrg/Finance", "Finance"},
		{"localhost:51542", ""},
		{"powerbi://api.powerbi.com/v1.0/", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ParseWorkspaceFromServerURL(tt.in); got != tt.want {
			t.Errorf("ParseWorkspaceFromServerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSavedConnection_ToSwapTarget_SwapBack(t *testing.T) {
	sc := &SavedConnection{
		ConnectionName:  "Sales",
		Server:          "powerbi://api.powerbi.com/v1.0/myorg/Finance",
		Database:        "Quarterly",
		SourceIsCloud:   true,
		SourceDatasetID: "abc-123",
	}

	target := sc.ToSwapTarget()
	if target.TargetType != TargetTypeCloud {
		t.Errorf("TargetType = %s, want %s", target.TargetType, TargetTypeCloud)
	}
	if target.CloudConnectionType != CloudConnectionPBISemanticModel {
		t.Errorf("CloudConnectionType = %s, want %s",
			target.CloudConnectionType, CloudConnectionPBISemanticModel)
	}
	if target.WorkspaceName != "Finance" {
		t.Errorf("WorkspaceName = %q, want Finance (recovered from URL)", target.WorkspaceName)
	}
	if target.DatasetID != "abc-123" {
		t.Errorf("DatasetID = %q, want abc-123", target.DatasetID)
	}
}

func TestSavedConnection_ToSwapTarget_Local(t *testing.T) {
	sc := &SavedConnection{
		ConnectionName: "Sales",
		Server:         "localhost:51542",
		Database:       "guid-db",
	}

	target := sc.ToSwapTarget()
	if target.TargetType != TargetTypeLocal {
		t.Errorf("TargetType = %s, want %s", target.TargetType, TargetTypeLocal)
	}
	if target.CloudConnectionType != "" {
		t.Errorf("CloudConnectionType = %q, want empty for local", target.CloudConnectionType)
	}
}

func TestLastConfig_FindConnection(t *testing.T) {
	lc := &LastConfig{
		ModelHash: "h1",
		Connections: []*SavedConnection{
			{ConnectionName: "A"},
			{ConnectionName: "B"},
		},
	}

	if c := lc.FindConnection("B"); c == nil {
		t.Error("FindConnection(B) = nil")
	}
	if c := lc.FindConnection("C"); c != nil {
		t.Error("FindConnection(C) != nil")
	}
}

func TestKindOfTarget(t *testing.T) {
	tests := []struct {
		name   string
		target *SwapTarget
		want   SourceKind
	}{
		{"local", &SwapTarget{TargetType: TargetTypeLocal}, SourceKindLocal},
		{"cloud semantic model", &SwapTarget{
			TargetType:          TargetTypeCloud,
			CloudConnectionType: CloudConnectionPBISemanticModel,
		}, SourceKindCloud},
		{"cloud xmla", &SwapTarget{
			TargetType:          TargetTypeCloud,
			CloudConnectionType: CloudConnectionAASXMLA,
		}, SourceKindXMLA},
		{"nil", nil, SourceKindLocal},
	}

	for _, tt := range tests {
		if got := KindOfTarget(tt.target); got != tt.want {
			t.Errorf("%s: KindOfTarget() = %s, want %s", tt.name, got, tt.want)
		}
	}
}
