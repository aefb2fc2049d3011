package migrate

import (
	"context"
	"testing"
)

func TestProjectCode(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want string
	}{
		{"Web", 1, "WEB"},
		{"Mobile App 2024", 2, "MOBILEAPP2"},
		{"2024 Launch", 3, "LAUNCH"},
		{"--aPi--", 4, "API"},
		{"X", 5, "P5"},
		{"日本語", 77, "P77"},
		{"", 1234567890123, "P123456789"},
	}
	for _, tt := range tests {
		if got := projectCode(tt.name, tt.id); got != tt.want {
			t.Errorf("projectCode(%q, %d) = %q, want %q", tt.name, tt.id, got, tt.want)
		}
	}
}

func TestImportProjectsRecordsMappings(t *testing.T) {
	source := sourceEndpoints{
		"get_projects": `{"projects": [
			{"id": 1, "name": "Web", "suite_mode": 1, "announcement": "Customer portal"},
			{"id": 2, "name": "API", "suite_mode": 3}
		]}`,
	}
	target := newTargetFake()
	eng, _ := newTestEngine(t, source, target)

	done, err := eng.importProjects(context.Background())
	if err != nil {
		t.Fatalf("importProjects() error: %v", err)
	}
	if done {
		t.Fatal("done = true, want false outside dry runs")
	}

	if len(eng.Store.Projects) != 2 {
		t.Fatalf("len(Projects) = %d, want 2", len(eng.Store.Projects))
	}
	web := eng.Store.Projects[0]
	if web.Code != "WEB" || web.TestRailID != 1 || web.SuiteMode != 1 {
		t.Errorf("project[0] = %+v", web)
	}
	if eng.Store.ProjectMap[2] != "API" {
		t.Errorf("ProjectMap[2] = %q, want API", eng.Store.ProjectMap[2])
	}
	if eng.Store.Suites["API"] == nil {
		t.Error("per-project suite map not initialized")
	}
	if calls := target.callsTo("POST", "/v1/project"); len(calls) != 2 {
		t.Errorf("got %d project creates, want 2", len(calls))
	}
}
