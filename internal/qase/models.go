package qase

import (
	"encoding/json"
)

// Custom field type codes accepted by the create endpoint. The read
// endpoints report the type as a slug string instead; see
// mapping.QaseFieldTypes for the slug to code table.
const (
	FieldTypeNumber      = 0
	FieldTypeString      = 1
	FieldTypeText        = 2
	FieldTypeSelectbox   = 3
	FieldTypeCheckbox    = 4
	FieldTypeRadio       = 5
	FieldTypeMultiselect = 6
	FieldTypeURL         = 7
	FieldTypeUser        = 8
	FieldTypeDatetime    = 9
)

// FieldEntityCase scopes a custom field to test cases.
const FieldEntityCase = 0

// Author is one workspace member from the authors endpoint.
type Author struct {
	AuthorID int64  `json:"author_id"`
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// UserID returns the id usable as author_id on created entities.
func (a Author) UserID() int64 {
	if a.AuthorID != 0 {
		return a.AuthorID
	}
	return a.ID
}

// FieldValue is one selectable value of an enum custom field.
type FieldValue struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// FieldValues is the value list of an enum custom field. The read
// endpoints return it either as a JSON array or as a JSON-encoded
// string; both decode to the same slice. Unparseable payloads decode
// to an empty list rather than failing the whole field.
type FieldValues []FieldValue

func (v *FieldValues) UnmarshalJSON(data []byte) error {
	*v = nil
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		var list []FieldValue
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil
		}
		*v = list
		return nil
	}
	var list []FieldValue
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*v = list
	return nil
}

// CustomField is a case custom field as reported by the read
// endpoints. Type is a slug string ("selectbox", "text", ...).
type CustomField struct {
	ID                      int64       `json:"id"`
	Title                   string      `json:"title"`
	Entity                  string      `json:"entity"`
	Type                    string      `json:"type"`
	Value                   FieldValues `json:"value"`
	IsRequired              bool        `json:"is_required"`
	IsVisible               bool        `json:"is_visible"`
	IsFilterable            bool        `json:"is_filterable"`
	IsEnabledForAllProjects bool        `json:"is_enabled_for_all_projects"`
	ProjectsCodes           []string    `json:"projects_codes"`
	DefaultValue            string      `json:"default_value"`
}

// CustomFieldCreate is the payload for creating a custom field. Here
// Type is the numeric code, not the slug.
type CustomFieldCreate struct {
	Title                   string       `json:"title"`
	Entity                  int          `json:"entity"`
	Type                    int          `json:"type"`
	Value                   []FieldValue `json:"value"`
	IsFilterable            bool         `json:"is_filterable"`
	IsVisible               bool         `json:"is_visible"`
	IsRequired              bool         `json:"is_required"`
	DefaultValue            string       `json:"default_value,omitempty"`
	IsEnabledForAllProjects bool         `json:"is_enabled_for_all_projects"`
	ProjectsCodes           []string     `json:"projects_codes,omitempty"`
}

// CustomFieldUpdate is the payload for updating a custom field. The
// update endpoint is full-replacement for these properties, so callers
// must copy the unchanged ones from the existing field. Value must be
// non-nil or the API rejects the request.
type CustomFieldUpdate struct {
	Title                   string       `json:"title"`
	Type                    string       `json:"type,omitempty"`
	Value                   []FieldValue `json:"value"`
	IsEnabledForAllProjects bool         `json:"is_enabled_for_all_projects"`
	ProjectsCodes           []string     `json:"projects_codes,omitempty"`
}

// SystemField is a built-in field (priority, type, status, ...) with
// its selectable options.
type SystemField struct {
	Slug    string              `json:"slug"`
	Title   string              `json:"title"`
	Options []SystemFieldOption `json:"options"`
}

// SystemFieldOption is one selectable value of a system field.
type SystemFieldOption struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

// ProjectCreate is the payload for creating a project.
type ProjectCreate struct {
	Title       string           `json:"title"`
	Code        string           `json:"code"`
	Description string           `json:"description"`
	Settings    *ProjectSettings `json:"settings,omitempty"`
	Access      string           `json:"access"`
	Group       string           `json:"group,omitempty"`
}

// ProjectSettings carries the subset of project settings the importer
// cares about.
type ProjectSettings struct {
	Runs RunSettings `json:"runs"`
}

// RunSettings controls run behavior on the created project.
type RunSettings struct {
	AutoComplete bool `json:"auto_complete"`
}

// SuiteCreate is the payload for creating a suite.
type SuiteCreate struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Preconditions string `json:"preconditions"`
	ParentID      int64  `json:"parent_id,omitempty"`
}

// MilestoneCreate is the payload for creating a milestone.
type MilestoneCreate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     int64  `json:"due_date,omitempty"`
}

// SharedStepItem is one step of a shared step sequence.
type SharedStepItem struct {
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result"`
}

// CaseStep is one step of a case payload.
type CaseStep struct {
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result,omitempty"`
	Data           string `json:"data,omitempty"`
	Position       int    `json:"position"`
}

// CasePayload is one case in a bulk create request. CustomField maps
// the target field id (as a decimal string) to the rendered value.
type CasePayload struct {
	ID            int64             `json:"id"`
	Title         string            `json:"title"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	AuthorID      int64             `json:"author_id"`
	Preconditions string            `json:"preconditions,omitempty"`
	Steps         []CaseStep        `json:"steps"`
	Attachments   []string          `json:"attachments"`
	IsFlaky       int               `json:"is_flaky"`
	Priority      int64             `json:"priority,omitempty"`
	Type          int64             `json:"type,omitempty"`
	SuiteID       int64             `json:"suite_id,omitempty"`
	MilestoneID   int64             `json:"milestone_id,omitempty"`
	CustomField   map[string]string `json:"custom_field"`
}

// RunCreate is the payload for creating a run. Times are rendered
// "YYYY-MM-DD HH:MM:SS".
type RunCreate struct {
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	StartTime      string  `json:"start_time"`
	EndTime        string  `json:"end_time,omitempty"`
	AuthorID       int64   `json:"author_id"`
	Configurations []int64 `json:"configurations,omitempty"`
	MilestoneID    int64   `json:"milestone_id,omitempty"`
	Cases          []int64 `json:"cases,omitempty"`
}

// ResultItem is one result in a v1 bulk request.
type ResultItem struct {
	CaseID      int64        `json:"case_id"`
	Status      string       `json:"status"`
	TimeMS      int64        `json:"time_ms"`
	Comment     string       `json:"comment"`
	Attachments []string     `json:"attachments,omitempty"`
	StartTime   int64        `json:"start_time,omitempty"`
	Steps       []ResultStep `json:"steps,omitempty"`
}

// ResultStep is one step outcome in a v1 result.
type ResultStep struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// ResultCreateV2 is one result in a v2 bulk request.
type ResultCreateV2 struct {
	Title       string          `json:"title"`
	TestopsID   int64           `json:"testops_id"`
	Execution   ResultExecution `json:"execution"`
	Message     string          `json:"message,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Steps       []ResultStepV2  `json:"steps,omitempty"`
}

// ResultExecution carries timing and status of a v2 result.
type ResultExecution struct {
	Status    string `json:"status"`
	Duration  int64  `json:"duration"`
	StartTime int64  `json:"start_time,omitempty"`
	EndTime   int64  `json:"end_time,omitempty"`
}

// ResultStepV2 is one step outcome in a v2 result.
type ResultStepV2 struct {
	Data      ResultStepData      `json:"data"`
	Execution ResultStepExecution `json:"execution"`
}

// ResultStepData describes what the step did.
type ResultStepData struct {
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// ResultStepExecution describes how the step went.
type ResultStepExecution struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// Attachment is one uploaded file as returned by the upload endpoint.
type Attachment struct {
	Hash     string `json:"hash"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// TestCase is a case from the case read endpoints. Raw keeps the full
// response object: the custom-field container shows up in several
// shapes depending on instance version, and callers resolve it
// themselves.
type TestCase struct {
	ID    int64           `json:"id"`
	Title string          `json:"title"`
	Raw   json.RawMessage `json:"-"`
}

func (c *TestCase) UnmarshalJSON(data []byte) error {
	type plain TestCase
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// RunResult is one recorded result from the result read endpoint.
// Attachments stays raw so it can be replayed into a create request
// unchanged.
type RunResult struct {
	Hash        string          `json:"hash"`
	CaseID      int64           `json:"case_id"`
	Status      string          `json:"status"`
	Time        int64           `json:"time"`
	TimeMS      int64           `json:"time_ms"`
	Comment     string          `json:"comment"`
	Stacktrace  string          `json:"stacktrace"`
	Attachments json.RawMessage `json:"attachments"`
}

// ResultCreate is the payload for posting a single result to a run.
type ResultCreate struct {
	CaseID      int64           `json:"case_id"`
	Status      string          `json:"status"`
	Time        int64           `json:"time"`
	TimeMS      int64           `json:"time_ms,omitempty"`
	Comment     string          `json:"comment"`
	Stacktrace  string          `json:"stacktrace,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}
