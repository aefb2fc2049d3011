package migrate

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"testing"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/testrail"
)

func TestParseItems(t *testing.T) {
	tests := []struct {
		name  string
		items string
		want  []enumItem
	}{
		{
			name:  "plain lines",
			items: "1, Minor\n2, Major",
			want:  []enumItem{{"1", "Minor"}, {"2", "Major"}},
		},
		{
			name:  "comma inside label",
			items: "1, Severity, high\n2, Low",
			want:  []enumItem{{"1", "Severity, high"}, {"2", "Low"}},
		},
		{
			name:  "lines without separator skipped",
			items: "garbage\n1, Minor\n\n , Empty key",
			want:  []enumItem{{"1", "Minor"}},
		},
		{
			name:  "empty blob",
			items: "",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseItems(tt.items); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseItems(%q) = %v, want %v", tt.items, got, tt.want)
			}
		})
	}
}

func TestMaxValueID(t *testing.T) {
	if got := maxValueID(nil); got != 0 {
		t.Errorf("maxValueID(nil) = %d, want 0", got)
	}
	values := []qase.FieldValue{{ID: 3, Title: "a"}, {ID: 12, Title: "b"}, {ID: 5, Title: "c"}}
	if got := maxValueID(values); got != 12 {
		t.Errorf("maxValueID = %d, want 12", got)
	}
}

func TestMatchExistingField(t *testing.T) {
	existing := []qase.CustomField{
		{ID: 1, Title: "Severity", Type: "text"},
		{ID: 2, Title: "Severity", Type: "Selectbox"},
		{ID: 3, Title: "Owner", Type: "user"},
	}

	got := matchExistingField(existing, "Severity", mapping.FieldTypeDropdown)
	if got == nil || got.ID != 2 {
		t.Errorf("dropdown match = %+v, want field 2", got)
	}
	got = matchExistingField(existing, "Severity", mapping.FieldTypeText)
	if got == nil || got.ID != 1 {
		t.Errorf("text match = %+v, want field 1", got)
	}
	if got := matchExistingField(existing, "Missing", mapping.FieldTypeText); got != nil {
		t.Errorf("unexpected match %+v", got)
	}
	if got := matchExistingField(existing, "Owner", mapping.FieldTypeDropdown); got != nil {
		t.Errorf("type mismatch matched %+v", got)
	}
}

func TestFieldsToImport(t *testing.T) {
	fields := []testrail.CaseField{
		{Name: "severity", SystemName: "custom_severity"},
		{Name: "title", SystemName: "title"},
		{Name: "preconds", SystemName: "custom_preconds"},
	}

	e, _ := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	got := e.fieldsToImport(fields)
	want := map[string]bool{"severity": true, "preconds": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fieldsToImport = %v, want %v", got, want)
	}

	e.Config.Tests.Fields = []string{"severity"}
	got = e.fieldsToImport(fields)
	want = map[string]bool{"severity": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("configured fieldsToImport = %v, want %v", got, want)
	}
}

func TestBuildFieldCreate(t *testing.T) {
	f := testrail.CaseField{
		ID:     10,
		TypeID: mapping.FieldTypeDropdown,
		Name:   "severity",
		Label:  "Severity",
	}
	cfg := testrail.FieldConfig{
		Options: testrail.FieldOptions{
			IsRequired:   true,
			DefaultValue: "1",
			Items:        "1, Minor\n2, Major\n3, Minor",
		},
	}

	create, items, qaseValues := buildFieldCreate(f, cfg, "Severity", true, nil)
	if create.Title != "Severity" || create.Type != 3 {
		t.Errorf("create = %+v, want selectbox Severity", create)
	}
	if !create.IsRequired || create.DefaultValue != "1" {
		t.Errorf("options not carried: %+v", create)
	}
	if !create.IsEnabledForAllProjects || create.ProjectsCodes != nil {
		t.Errorf("global scoping wrong: %+v", create)
	}
	// Duplicate labels collapse into one value; ids count from 1.
	wantValues := []qase.FieldValue{{ID: 1, Title: "Minor"}, {ID: 2, Title: "Major"}}
	if !reflect.DeepEqual(create.Value, wantValues) {
		t.Errorf("values = %v, want %v", create.Value, wantValues)
	}
	wantItems := map[string]string{"1": "Minor", "2": "Major", "3": "Minor"}
	if !reflect.DeepEqual(items, wantItems) {
		t.Errorf("items = %v, want %v", items, wantItems)
	}
	wantQase := map[int64]string{1: "Minor", 2: "Major"}
	if !reflect.DeepEqual(qaseValues, wantQase) {
		t.Errorf("qase values = %v, want %v", qaseValues, wantQase)
	}

	create, _, _ = buildFieldCreate(f, cfg, "Severity WEB", false, []string{"WEB"})
	if create.IsEnabledForAllProjects {
		t.Errorf("scoped create enabled for all projects")
	}
	if !reflect.DeepEqual(create.ProjectsCodes, []string{"WEB"}) {
		t.Errorf("codes = %v, want [WEB]", create.ProjectsCodes)
	}
}

func TestBuildTRKeyMapping(t *testing.T) {
	e, warnings := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	items := map[string]string{"1": "Minor", "2": " Major ", "3": "Ghost"}
	qaseValues := map[int64]string{10: "Minor ", 11: "Major"}

	got := e.buildTRKeyMapping("Severity", items, qaseValues)
	want := map[string]int64{"1": 10, "2": 11}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mapping = %v, want %v", got, want)
	}
	if !warnings.contains(`No match found for value "Ghost"`) {
		t.Errorf("missing unmatched warning, got %v", warnings.all())
	}
}

func TestCreateCustomFieldGlobal(t *testing.T) {
	target := newTargetFake()
	target.respond("POST", "/v1/custom_field", `{"status": true, "result": {"id": 42}}`)
	e, _ := newTestEngine(t, sourceEndpoints{}, target)

	f := testrail.CaseField{
		ID:     10,
		TypeID: mapping.FieldTypeDropdown,
		Name:   "severity",
		Label:  "Severity",
		Configs: []testrail.FieldConfig{{
			Context: testrail.FieldContext{IsGlobal: true},
			Options: testrail.FieldOptions{Items: "1, Minor"},
		}},
	}
	e.createCustomField(context.Background(), f)

	calls := target.callsTo(http.MethodPost, "/v1/custom_field")
	if len(calls) != 1 {
		t.Fatalf("creates = %d, want 1", len(calls))
	}
	field, ok := e.Store.Fields["severity"]
	if !ok {
		t.Fatal("field not recorded")
	}
	if field.QaseID != 42 || field.ProjectCode != "" {
		t.Errorf("recorded field = %+v", field)
	}
	if got := field.TRKeyToQaseID["1"]; got != 1 {
		t.Errorf("key mapping = %v", field.TRKeyToQaseID)
	}
}

func TestCreateCustomFieldPerProjectVariants(t *testing.T) {
	target := newTargetFake()
	e, _ := newTestEngine(t, sourceEndpoints{}, target)
	e.Store.ProjectMap[1] = "WEB"
	e.Store.ProjectMap[2] = "API"

	f := testrail.CaseField{
		ID:     10,
		TypeID: mapping.FieldTypeDropdown,
		Name:   "severity",
		Label:  "Severity",
		Configs: []testrail.FieldConfig{
			{
				Context: testrail.FieldContext{ProjectIDs: []int64{1}},
				Options: testrail.FieldOptions{Items: "1, Minor"},
			},
			{
				Context: testrail.FieldContext{ProjectIDs: []int64{2, 3}},
				Options: testrail.FieldOptions{Items: "1, Low\n2, High"},
			},
		},
	}
	e.createCustomField(context.Background(), f)

	calls := target.callsTo(http.MethodPost, "/v1/custom_field")
	if len(calls) != 2 {
		t.Fatalf("creates = %d, want 2 (unmapped project 3 skipped)", len(calls))
	}
	var first, second qase.CustomFieldCreate
	if err := json.Unmarshal(calls[0].Body, &first); err != nil {
		t.Fatalf("decode first create: %v", err)
	}
	if err := json.Unmarshal(calls[1].Body, &second); err != nil {
		t.Fatalf("decode second create: %v", err)
	}
	if first.Title != "Severity WEB" || !reflect.DeepEqual(first.ProjectsCodes, []string{"WEB"}) {
		t.Errorf("first create = %+v", first)
	}
	if second.Title != "Severity API" || !reflect.DeepEqual(second.ProjectsCodes, []string{"API"}) {
		t.Errorf("second create = %+v", second)
	}

	web, ok := e.Store.Fields["severity_WEB"]
	if !ok || web.ProjectCode != "WEB" {
		t.Errorf("WEB variant = %+v", web)
	}
	api, ok := e.Store.Fields["severity_API"]
	if !ok || api.ProjectCode != "API" {
		t.Errorf("API variant = %+v", api)
	}
	if len(api.Items) != 2 {
		t.Errorf("API items = %v, want the second config's items", api.Items)
	}
}

func TestCreateCustomFieldWithoutConfigs(t *testing.T) {
	target := newTargetFake()
	e, warnings := newTestEngine(t, sourceEndpoints{}, target)

	e.createCustomField(context.Background(), testrail.CaseField{Label: "Empty"})
	if calls := target.callsTo(http.MethodPost, "/v1/custom_field"); len(calls) != 0 {
		t.Errorf("creates = %d, want 0", len(calls))
	}
	if !warnings.contains("has no configs") {
		t.Errorf("missing warning, got %v", warnings.all())
	}
}

// Appended enum values may be renumbered by the server, so the key
// mapping must come from the refreshed field, not the update payload.
func TestAdoptExistingFieldAppendsValues(t *testing.T) {
	target := newTargetFake()
	target.respond("GET", "/v1/custom_field/7",
		`{"status": true, "result": {"id": 7, "title": "Severity", "type": "selectbox",
		  "value": [{"id": 1, "title": "Minor"}, {"id": 5, "title": "Major"}]}}`)
	e, _ := newTestEngine(t, sourceEndpoints{}, target)

	f := testrail.CaseField{
		ID:     10,
		TypeID: mapping.FieldTypeDropdown,
		Name:   "severity",
		Label:  "Severity",
		Configs: []testrail.FieldConfig{{
			Context: testrail.FieldContext{IsGlobal: true},
			Options: testrail.FieldOptions{Items: "1, Minor\n2, Major"},
		}},
	}
	qf := &qase.CustomField{
		ID:                      7,
		Title:                   "Severity",
		Type:                    "selectbox",
		Value:                   qase.FieldValues{{ID: 1, Title: "Minor"}},
		IsEnabledForAllProjects: true,
	}
	e.adoptExistingField(context.Background(), f, qf)

	updates := target.callsTo(http.MethodPatch, "/v1/custom_field/7")
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	var upd qase.CustomFieldUpdate
	if err := json.Unmarshal(updates[0].Body, &upd); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	wantValues := []qase.FieldValue{{ID: 1, Title: "Minor"}, {ID: 2, Title: "Major"}}
	if !reflect.DeepEqual(upd.Value, wantValues) {
		t.Errorf("update values = %v, want %v", upd.Value, wantValues)
	}
	if !upd.IsEnabledForAllProjects {
		t.Errorf("update dropped the all-projects flag")
	}

	field, ok := e.Store.Fields["severity"]
	if !ok {
		t.Fatal("field not recorded")
	}
	if field.QaseID != 7 {
		t.Errorf("field id = %d, want 7", field.QaseID)
	}
	want := map[string]int64{"1": 1, "2": 5}
	if !reflect.DeepEqual(field.TRKeyToQaseID, want) {
		t.Errorf("key mapping = %v, want server ids %v", field.TRKeyToQaseID, want)
	}
}

// A failed refresh keeps the locally assigned ids and still records
// the field.
func TestAdoptExistingFieldRefreshFailure(t *testing.T) {
	target := newTargetFake()
	target.respondError("GET", "/v1/custom_field/7", http.StatusNotFound,
		`{"status": false, "errorMessage": "Not found"}`)
	e, warnings := newTestEngine(t, sourceEndpoints{}, target)

	f := testrail.CaseField{
		ID:     10,
		TypeID: mapping.FieldTypeDropdown,
		Name:   "severity",
		Label:  "Severity",
		Configs: []testrail.FieldConfig{{
			Context: testrail.FieldContext{IsGlobal: true},
			Options: testrail.FieldOptions{Items: "1, Minor\n2, Major"},
		}},
	}
	qf := &qase.CustomField{
		ID:                      7,
		Title:                   "Severity",
		Type:                    "selectbox",
		Value:                   qase.FieldValues{{ID: 1, Title: "Minor"}},
		IsEnabledForAllProjects: true,
	}
	e.adoptExistingField(context.Background(), f, qf)

	if !warnings.contains("Failed to refresh field Severity") {
		t.Errorf("missing refresh warning, got %v", warnings.all())
	}
	field, ok := e.Store.Fields["severity"]
	if !ok {
		t.Fatal("field not recorded despite refresh failure")
	}
	want := map[string]int64{"1": 1, "2": 2}
	if !reflect.DeepEqual(field.TRKeyToQaseID, want) {
		t.Errorf("key mapping = %v, want local ids %v", field.TRKeyToQaseID, want)
	}
}

func TestAdoptExistingFieldAppendsProjects(t *testing.T) {
	target := newTargetFake()
	e, _ := newTestEngine(t, sourceEndpoints{}, target)
	e.Store.ProjectMap[1] = "WEB"
	e.Store.ProjectMap[2] = "API"

	f := testrail.CaseField{
		ID:     11,
		TypeID: mapping.FieldTypeText,
		Name:   "notes",
		Label:  "Notes",
		Configs: []testrail.FieldConfig{{
			Context: testrail.FieldContext{ProjectIDs: []int64{1, 2}},
		}},
	}
	qf := &qase.CustomField{
		ID:            8,
		Title:         "Notes",
		Type:          "text",
		ProjectsCodes: []string{"WEB"},
	}
	e.adoptExistingField(context.Background(), f, qf)

	updates := target.callsTo(http.MethodPatch, "/v1/custom_field/8")
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	var upd qase.CustomFieldUpdate
	if err := json.Unmarshal(updates[0].Body, &upd); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if !reflect.DeepEqual(upd.ProjectsCodes, []string{"WEB", "API"}) {
		t.Errorf("codes = %v, want [WEB API]", upd.ProjectsCodes)
	}
}

func TestAdoptExistingFieldUpToDate(t *testing.T) {
	target := newTargetFake()
	e, _ := newTestEngine(t, sourceEndpoints{}, target)

	f := testrail.CaseField{
		ID:     10,
		TypeID: mapping.FieldTypeDropdown,
		Name:   "severity",
		Label:  "Severity",
		Configs: []testrail.FieldConfig{{
			Context: testrail.FieldContext{IsGlobal: true},
			Options: testrail.FieldOptions{Items: "1, Minor"},
		}},
	}
	qf := &qase.CustomField{
		ID:                      7,
		Title:                   "Severity",
		Type:                    "selectbox",
		Value:                   qase.FieldValues{{ID: 4, Title: "Minor"}},
		IsEnabledForAllProjects: true,
	}
	e.adoptExistingField(context.Background(), f, qf)

	if calls := target.callsTo(http.MethodPatch, "/v1/custom_field/7"); len(calls) != 0 {
		t.Errorf("updates = %d, want 0", len(calls))
	}
	field := e.Store.Fields["severity"]
	if field == nil || field.TRKeyToQaseID["1"] != 4 {
		t.Errorf("field = %+v, want key 1 mapped to 4", field)
	}
}

func TestEnsureSyntheticField(t *testing.T) {
	target := newTargetFake()
	target.respond("POST", "/v1/custom_field", `{"status": true, "result": {"id": 33}}`)
	e, _ := newTestEngine(t, sourceEndpoints{}, target)

	existing := []qase.CustomField{{ID: 12, Title: "Estimate", Type: "string"}}
	id, err := e.ensureSyntheticField(context.Background(), existing, "Estimate", 1)
	if err != nil {
		t.Fatalf("ensureSyntheticField() error = %v", err)
	}
	if id != 12 {
		t.Errorf("id = %d, want existing 12", id)
	}
	if calls := target.callsTo(http.MethodPost, "/v1/custom_field"); len(calls) != 0 {
		t.Errorf("creates = %d, want 0", len(calls))
	}

	id, err = e.ensureSyntheticField(context.Background(), existing, "Refs", 7)
	if err != nil {
		t.Fatalf("ensureSyntheticField() error = %v", err)
	}
	if id != 33 {
		t.Errorf("id = %d, want created 33", id)
	}
	calls := target.callsTo(http.MethodPost, "/v1/custom_field")
	if len(calls) != 1 {
		t.Fatalf("creates = %d, want 1", len(calls))
	}
	var create qase.CustomFieldCreate
	if err := json.Unmarshal(calls[0].Body, &create); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if create.Title != "Refs" || create.Type != 7 || !create.IsEnabledForAllProjects {
		t.Errorf("create = %+v", create)
	}
}

func TestBuildPriorityMap(t *testing.T) {
	src := sourceEndpoints{
		"get_priorities": `[{"id": 1, "name": "High"}, {"id": 9, "name": "Critical"}]`,
	}
	e, _ := newTestEngine(t, src, newTargetFake())
	sys := &qase.SystemField{
		Slug: "priority",
		Options: []qase.SystemFieldOption{
			{ID: 3, Title: "High", Slug: "high"},
			{ID: 2, Title: "Medium", Slug: "medium"},
		},
	}
	if err := e.buildPriorityMap(context.Background(), sys); err != nil {
		t.Fatalf("buildPriorityMap() error = %v", err)
	}
	if e.Store.DefaultPriority != 3 {
		t.Errorf("default priority = %d, want 3", e.Store.DefaultPriority)
	}
	want := map[int64]int64{1: 3, 9: 3}
	if !reflect.DeepEqual(e.Store.Priorities, want) {
		t.Errorf("priorities = %v, want %v", e.Store.Priorities, want)
	}
}

func TestBuildTypeMap(t *testing.T) {
	src := sourceEndpoints{
		"get_case_types": `[{"id": 1, "name": "functional"}, {"id": 2, "name": "Other"}]`,
	}
	e, _ := newTestEngine(t, src, newTargetFake())
	sys := &qase.SystemField{
		Slug:    "type",
		Options: []qase.SystemFieldOption{{ID: 4, Title: "Functional", Slug: "functional"}},
	}
	if err := e.buildTypeMap(context.Background(), sys); err != nil {
		t.Fatalf("buildTypeMap() error = %v", err)
	}
	want := map[int64]int64{1: 4}
	if !reflect.DeepEqual(e.Store.Types, want) {
		t.Errorf("types = %v, want %v", e.Store.Types, want)
	}
}

func TestBuildResultStatusMap(t *testing.T) {
	src := sourceEndpoints{
		"get_statuses": `[{"id": 5, "label": "FAILED"}, {"id": 7, "label": "Custom"}]`,
	}
	e, _ := newTestEngine(t, src, newTargetFake())
	sys := &qase.SystemField{
		Slug:    "result_status",
		Options: []qase.SystemFieldOption{{ID: 2, Title: "Failed", Slug: "failed"}},
	}
	if err := e.buildResultStatusMap(context.Background(), sys); err != nil {
		t.Fatalf("buildResultStatusMap() error = %v", err)
	}
	want := map[int64]string{5: "failed"}
	if !reflect.DeepEqual(e.Store.ResultStatuses, want) {
		t.Errorf("result statuses = %v, want %v", e.Store.ResultStatuses, want)
	}
}

// The workflow status endpoint only exists on newer installs, so a
// failed fetch must not abort the reconciliation.
func TestBuildCaseStatusMapFetchFailureIsSoft(t *testing.T) {
	e, warnings := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	sys := &qase.SystemField{Slug: "status"}

	if err := e.buildCaseStatusMap(context.Background(), sys); err != nil {
		t.Fatalf("buildCaseStatusMap() error = %v", err)
	}
	if !warnings.contains("Case statuses unavailable") {
		t.Errorf("missing degradation warning, got %v", warnings.all())
	}
	if len(e.Store.CaseStatuses) != 0 {
		t.Errorf("case statuses = %v, want empty", e.Store.CaseStatuses)
	}
}

func TestBuildCaseStatusMap(t *testing.T) {
	src := sourceEndpoints{
		"get_case_statuses": `{"case_statuses": [{"case_status_id": 8, "name": "Draft"}]}`,
	}
	e, _ := newTestEngine(t, src, newTargetFake())
	sys := &qase.SystemField{
		Slug:    "status",
		Options: []qase.SystemFieldOption{{ID: 6, Title: "Draft", Slug: "draft"}},
	}
	if err := e.buildCaseStatusMap(context.Background(), sys); err != nil {
		t.Fatalf("buildCaseStatusMap() error = %v", err)
	}
	want := map[int64]int64{8: 6}
	if !reflect.DeepEqual(e.Store.CaseStatuses, want) {
		t.Errorf("case statuses = %v, want %v", e.Store.CaseStatuses, want)
	}
}

func TestReconcileFieldsRegistersStepContainers(t *testing.T) {
	src := sourceEndpoints{
		"get_case_fields": `[{"id": 1, "type_id": 10, "name": "steps_separated",
			"system_name": "custom_steps_separated", "label": "Steps", "is_active": true, "configs": []}]`,
		"get_case_types":    `[]`,
		"get_priorities":    `[]`,
		"get_statuses":      `[]`,
		"get_case_statuses": `{"case_statuses": []}`,
	}
	target := newTargetFake()
	target.respond("GET", "/v1/system_field", `{"status": true, "result": []}`)
	e, _ := newTestEngine(t, src, target)

	if err := e.reconcileFields(context.Background()); err != nil {
		t.Fatalf("reconcileFields() error = %v", err)
	}
	if !e.Store.IsStepField("steps_separated") {
		t.Errorf("step container not registered")
	}
	if e.Store.EstimateFieldID == 0 {
		t.Errorf("estimate field not ensured")
	}
	// The container itself has no field equivalent.
	if _, ok := e.Store.Fields["steps_separated"]; ok {
		t.Errorf("step container created as a custom field")
	}
}
