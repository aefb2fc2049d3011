package qase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(Config{
		APIToken: "token-123",
		Host:     "qase.io",
		SSL:      true,
	}, nil)
	c.apiV1 = srv.URL + "/v1"
	c.apiV2 = srv.URL + "/v2"
	c.scimURL = srv.URL + "/scim/v2"
	c.backoffFactor = time.Millisecond
	return c
}

func TestClientSetsMigrationHeaders(t *testing.T) {
	var gotToken, gotMigration string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Token")
		gotMigration = r.Header.Get("X-Qase-Migration")
		fmt.Fprint(w, `{"status": true, "result": {"entities": []}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.GetAuthors(context.Background()); err != nil {
		t.Fatalf("GetAuthors() error = %v", err)
	}
	if gotToken != "token-123" {
		t.Errorf("Token header = %q, want %q", gotToken, "token-123")
	}
	if gotMigration != "true" {
		t.Errorf("X-Qase-Migration header = %q, want %q", gotMigration, "true")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status": true, "result": [{"slug": "priority", "options": []}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	fields, err := c.GetSystemFields(context.Background())
	if err != nil {
		t.Fatalf("GetSystemFields() error = %v", err)
	}
	if len(fields) != 1 || fields[0].Slug != "priority" {
		t.Errorf("GetSystemFields() = %+v, want one priority field", fields)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestCreateProjectExistingCodeIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"status": false, "errorMessage": "Data is invalid.", "errorFields": [{"field": "code", "error": "Project with the same code already exists."}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CreateProject(context.Background(), &ProjectCreate{
		Title:  "Demo",
		Code:   "DEMO",
		Access: "all",
	})
	if err != nil {
		t.Errorf("CreateProject() error = %v, want nil for existing code", err)
	}
}

func TestCreateProjectOtherErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"status": false, "errorMessage": "Data is invalid.", "errorFields": [{"field": "code", "error": "Project code is too long."}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CreateProject(context.Background(), &ProjectCreate{Title: "Demo", Code: "TOOLONGCODE", Access: "all"})
	if err == nil {
		t.Fatal("CreateProject() error = nil, want validation error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("CreateProject() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestGetAuthorsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "user" {
			t.Errorf("type param = %q, want user", r.URL.Query().Get("type"))
		}
		offset := r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		if offset == "0" {
			entities := make([]string, 0, 100)
			for i := 1; i <= 100; i++ {
				entities = append(entities, fmt.Sprintf(`{"author_id": %d, "email": "u%d@example.com"}`, i, i))
			}
			fmt.Fprintf(w, `{"status": true, "result": {"entities": [%s]}}`, strings.Join(entities, ","))
			return
		}
		fmt.Fprint(w, `{"status": true, "result": {"entities": [{"author_id": 101, "email": "last@example.com"}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	authors, err := c.GetAuthors(context.Background())
	if err != nil {
		t.Fatalf("GetAuthors() error = %v", err)
	}
	if len(authors) != 101 {
		t.Errorf("len(authors) = %d, want 101", len(authors))
	}
	if authors[100].Email != "last@example.com" {
		t.Errorf("last author email = %q, want last@example.com", authors[100].Email)
	}
}

func TestFieldValuesUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"array", `[{"id": 1, "title": "Low"}, {"id": 2, "title": "High"}]`, 2},
		{"encoded string", `"[{\"id\":1,\"title\":\"Low\"}]"`, 1},
		{"empty string", `""`, 0},
		{"null", `null`, 0},
		{"unparseable string", `"not json"`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v FieldValues
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
			}
			if len(v) != tt.want {
				t.Errorf("len = %d, want %d", len(v), tt.want)
			}
		})
	}
}

func TestCustomFieldTypeIsSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": true, "result": {"id": 12, "title": "Severity", "type": "selectbox", "value": "[{\"id\":1,\"title\":\"Minor\"}]", "is_enabled_for_all_projects": false, "projects_codes": ["DEMO"]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	field, err := c.GetCustomField(context.Background(), 12)
	if err != nil {
		t.Fatalf("GetCustomField() error = %v", err)
	}
	if field.Type != "selectbox" {
		t.Errorf("Type = %q, want selectbox", field.Type)
	}
	if len(field.Value) != 1 || field.Value[0].Title != "Minor" {
		t.Errorf("Value = %+v, want one Minor entry", field.Value)
	}
	if len(field.ProjectsCodes) != 1 || field.ProjectsCodes[0] != "DEMO" {
		t.Errorf("ProjectsCodes = %v, want [DEMO]", field.ProjectsCodes)
	}
}

func TestUploadAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		file, header, err := r.FormFile("file[]")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		if header.Filename != "shot.png" {
			t.Errorf("filename = %q, want shot.png", header.Filename)
		}
		fmt.Fprint(w, `{"status": true, "result": [{"hash": "abc123", "url": "https://files/abc123", "filename": "shot.png"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	att, err := c.UploadAttachment(context.Background(), "DEMO", "shot.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("UploadAttachment() error = %v", err)
	}
	if att.Hash != "abc123" || att.URL != "https://files/abc123" {
		t.Errorf("attachment = %+v, want hash abc123", att)
	}
}

func TestUploadAttachmentTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		fmt.Fprint(w, `<html>413 Request Entity Too Large</html>`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	att, err := c.UploadAttachment(context.Background(), "DEMO", "big.zip", make([]byte, 64))
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("UploadAttachment() error = %v, want ErrAttachmentTooLarge", err)
	}
	if att != nil {
		t.Errorf("attachment = %+v, want nil", att)
	}
}

func TestCreateResultsV2EmptyBody(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var payload struct {
			Results []ResultCreateV2 `json:"results"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if len(payload.Results) != 1 || payload.Results[0].TestopsID != 42 {
			t.Errorf("results = %+v, want one with testops_id 42", payload.Results)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CreateResultsV2(context.Background(), "DEMO", 5, []ResultCreateV2{{
		Title:     "Test result for case 9",
		TestopsID: 42,
		Execution: ResultExecution{Status: "passed", Duration: 30000},
	}})
	if err != nil {
		t.Fatalf("CreateResultsV2() error = %v", err)
	}
	if gotPath != "/v2/DEMO/runs/5/results" {
		t.Errorf("path = %q, want /v2/DEMO/runs/5/results", gotPath)
	}
}

func TestGetTestCasesAlternateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": true, "result": {"total": 2, "cases": [{"id": 1, "title": "Login"}, {"id": 2, "title": "Logout"}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	cases, err := c.GetTestCases(context.Background(), "DEMO")
	if err != nil {
		t.Fatalf("GetTestCases() error = %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("len(cases) = %d, want 2", len(cases))
	}
	if cases[1].Title != "Logout" {
		t.Errorf("cases[1].Title = %q, want Logout", cases[1].Title)
	}
	if len(cases[0].Raw) == 0 {
		t.Error("cases[0].Raw is empty, want raw JSON preserved")
	}
}

func TestGetTestCaseNestedCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/case/DEMO/7" {
			t.Errorf("path = %q, want /v1/case/DEMO/7", r.URL.Path)
		}
		fmt.Fprint(w, `{"status": true, "result": {"case": {"id": 7, "title": "Nested", "custom_fields": [{"field_id": 3, "value": "15"}]}}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	tc, err := c.GetTestCase(context.Background(), "DEMO", 7)
	if err != nil {
		t.Fatalf("GetTestCase() error = %v", err)
	}
	if tc.ID != 7 || tc.Title != "Nested" {
		t.Errorf("case = %+v, want id 7 title Nested", tc)
	}
	if !strings.Contains(string(tc.Raw), "custom_fields") {
		t.Errorf("Raw = %s, want custom_fields preserved", tc.Raw)
	}
}

func TestGetRunResultsPassesRunFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("run") != "11" {
			t.Errorf("run param = %q, want 11", r.URL.Query().Get("run"))
		}
		fmt.Fprint(w, `{"status": true, "result": {"total": 1, "entities": [{"hash": "h1", "case_id": 3, "status": "failed", "time_ms": 1200, "comment": "boom"}]}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	results, err := c.GetRunResults(context.Background(), "PB", 11)
	if err != nil {
		t.Fatalf("GetRunResults() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Status != "failed" || results[0].CaseID != 3 {
		t.Errorf("result = %+v, want failed case 3", results[0])
	}
}

func TestCreateSCIMUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scim/v2/Users" {
			t.Errorf("path = %q, want /scim/v2/Users", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer scim-tok" {
			t.Errorf("Authorization = %q, want Bearer scim-tok", got)
		}
		var payload SCIMUserCreate
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if payload.UserName != "new@example.com" {
			t.Errorf("userName = %q, want new@example.com", payload.UserName)
		}
		if len(payload.Schemas) != 1 || payload.Schemas[0] != scimUserSchema {
			t.Errorf("schemas = %v, want [%s]", payload.Schemas, scimUserSchema)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "8823", "userName": "new@example.com"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.scimToken = "scim-tok"
	id, err := c.CreateSCIMUser(context.Background(), "new@example.com", "New", "User", true)
	if err != nil {
		t.Fatalf("CreateSCIMUser() error = %v", err)
	}
	if id != "8823" {
		t.Errorf("id = %q, want 8823", id)
	}
}

func TestCreateSCIMUserConflictIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"detail": "User already exists in the organization"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.scimToken = "scim-tok"
	id, err := c.CreateSCIMUser(context.Background(), "dup@example.com", "Dup", "User", true)
	if err != nil {
		t.Fatalf("CreateSCIMUser() error = %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty for an existing user", id)
	}
}

func TestAuthorUserID(t *testing.T) {
	tests := []struct {
		name   string
		author Author
		want   int64
	}{
		{"author_id wins", Author{AuthorID: 5, ID: 9}, 5},
		{"falls back to id", Author{ID: 9}, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.author.UserID(); got != tt.want {
				t.Errorf("UserID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBulkLimit(t *testing.T) {
	regular := New(Config{Host: "qase.io", SSL: true}, nil)
	if got := regular.BulkLimit(); got != 100 {
		t.Errorf("BulkLimit() = %d, want 100", got)
	}
	enterprise := New(Config{Host: "corp.example.com", SSL: true, Enterprise: true}, nil)
	if got := enterprise.BulkLimit(); got != 20 {
		t.Errorf("enterprise BulkLimit() = %d, want 20", got)
	}
	if got := enterprise.apiV1; got != "https://api-corp.example.com/v1" {
		t.Errorf("enterprise apiV1 = %q, want https://api-corp.example.com/v1", got)
	}
}
