package testrail

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Project is a TestRail project. SuiteMode 1 means a single implicit
// suite; modes 2 and 3 carry explicit suites.
type Project struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Announcement     string `json:"announcement"`
	ShowAnnouncement bool   `json:"show_announcement"`
	SuiteMode        int64  `json:"suite_mode"`
	IsCompleted      bool   `json:"is_completed"`
	URL              string `json:"url"`
}

type Suite struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsMaster    bool   `json:"is_master"`
	IsBaseline  bool   `json:"is_baseline"`
	IsCompleted bool   `json:"is_completed"`
}

type Section struct {
	ID          int64  `json:"id"`
	SuiteID     int64  `json:"suite_id"`
	ParentID    int64  `json:"parent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Depth       int64  `json:"depth"`
}

// Case is a TestRail test case. User-defined fields arrive as
// top-level custom_* keys in the JSON; UnmarshalJSON collects them
// into Custom with the prefix stripped and null values dropped, so a
// key's presence means the case has a value for it.
type Case struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	SectionID   int64  `json:"section_id"`
	SuiteID     int64  `json:"suite_id"`
	TemplateID  int64  `json:"template_id"`
	TypeID      int64  `json:"type_id"`
	PriorityID  int64  `json:"priority_id"`
	MilestoneID int64  `json:"milestone_id"`
	Refs        string `json:"refs"`
	Estimate    string `json:"estimate"`
	CreatedBy   int64  `json:"created_by"`
	CreatedOn   int64  `json:"created_on"`
	UpdatedBy   int64  `json:"updated_by"`
	UpdatedOn   int64  `json:"updated_on"`

	Custom map[string]any `json:"-"`
}

func (c *Case) UnmarshalJSON(data []byte) error {
	type plain Case
	var p plain
	custom, err := unmarshalCustom(data, &p)
	if err != nil {
		return err
	}
	p.Custom = custom
	*c = Case(p)
	return nil
}

// CasePage is one page of get_cases. Size counts this page, not the
// total; a page shorter than the requested limit ends the scan.
type CasePage struct {
	Offset int64  `json:"offset"`
	Limit  int64  `json:"limit"`
	Size   int64  `json:"size"`
	Cases  []Case `json:"cases"`
}

type CaseType struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

type Priority struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Priority  int64  `json:"priority"`
	IsDefault bool   `json:"is_default"`
}

// Status is a test result status (get_statuses).
type Status struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Label      string `json:"label"`
	IsSystem   bool   `json:"is_system"`
	IsUntested bool   `json:"is_untested"`
	IsFinal    bool   `json:"is_final"`
}

// CaseStatus is a case workflow status (get_case_statuses, 7.3+).
type CaseStatus struct {
	CaseStatusID int64  `json:"case_status_id"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
	IsDefault    bool   `json:"is_default"`
	IsApproved   bool   `json:"is_approved"`
}

// FieldContext binds a field config to projects. IsGlobal true means
// the config applies everywhere and ProjectIDs is empty.
type FieldContext struct {
	IsGlobal   bool    `json:"is_global"`
	ProjectIDs []int64 `json:"project_ids"`
}

// FieldOptions is the options blob of a field config. For enum types
// Items holds one "<key>,<label>" pair per line.
type FieldOptions struct {
	IsRequired   bool   `json:"is_required"`
	DefaultValue string `json:"default_value"`
	Items        string `json:"items"`
	Format       string `json:"format"`
}

type FieldConfig struct {
	ID      string       `json:"id"`
	Context FieldContext `json:"context"`
	Options FieldOptions `json:"options"`
}

// CaseField is a custom field definition (get_case_fields). A field
// has one config per project scope it is bound to.
type CaseField struct {
	ID          int64         `json:"id"`
	TypeID      int64         `json:"type_id"`
	Name        string        `json:"name"`
	SystemName  string        `json:"system_name"`
	Label       string        `json:"label"`
	Description string        `json:"description"`
	IsActive    bool          `json:"is_active"`
	Configs     []FieldConfig `json:"configs"`
}

type Milestone struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	ParentID    int64  `json:"parent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Refs        string `json:"refs"`
	DueOn       int64  `json:"due_on"`
	StartOn     int64  `json:"start_on"`
	StartedOn   int64  `json:"started_on"`
	CompletedOn int64  `json:"completed_on"`
	IsCompleted bool   `json:"is_completed"`
	IsStarted   bool   `json:"is_started"`
}

// ConfigGroup is a configuration group (browser, OS, ...) holding the
// individual configurations a run can reference.
type ConfigGroup struct {
	ID        int64           `json:"id"`
	ProjectID int64           `json:"project_id"`
	Name      string          `json:"name"`
	Configs   []Configuration `json:"configs"`
}

// Configuration is one entry of a group, e.g. "Chrome" under
// "Browsers". Config is taken by the client settings struct.
type Configuration struct {
	ID      int64  `json:"id"`
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}

// SharedStep is a reusable step sequence (get_shared_steps).
type SharedStep struct {
	ID        int64            `json:"id"`
	ProjectID int64            `json:"project_id"`
	Title     string           `json:"title"`
	Steps     []SharedStepItem `json:"custom_steps_separated"`
}

type SharedStepItem struct {
	Content        string `json:"content"`
	Expected       string `json:"expected"`
	AdditionalInfo string `json:"additional_info"`
	Refs           string `json:"refs"`
}

// Run is a test run, either standalone or inside a plan entry.
// PlanName is not part of the wire format; the run importer fills it
// for runs discovered through a plan.
type Run struct {
	ID          int64   `json:"id"`
	SuiteID     int64   `json:"suite_id"`
	PlanID      int64   `json:"plan_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MilestoneID int64   `json:"milestone_id"`
	Config      string  `json:"config"`
	ConfigIDs   []int64 `json:"config_ids"`
	IsCompleted bool    `json:"is_completed"`
	CompletedOn int64   `json:"completed_on"`
	CreatedBy   int64   `json:"created_by"`
	CreatedOn   int64   `json:"created_on"`

	PlanName string `json:"-"`
}

type Plan struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	MilestoneID int64       `json:"milestone_id"`
	IsCompleted bool        `json:"is_completed"`
	CreatedBy   int64       `json:"created_by"`
	CreatedOn   int64       `json:"created_on"`
	Entries     []PlanEntry `json:"entries"`
}

type PlanEntry struct {
	ID      string `json:"id"`
	SuiteID int64  `json:"suite_id"`
	Name    string `json:"name"`
	Runs    []Run  `json:"runs"`
}

// Test is one case instantiated in a run.
type Test struct {
	ID       int64  `json:"id"`
	CaseID   int64  `json:"case_id"`
	RunID    int64  `json:"run_id"`
	StatusID int64  `json:"status_id"`
	Title    string `json:"title"`
}

// Result is a recorded outcome of a test. Elapsed is either a number
// of seconds or a "1day 2hr 3min 4sec" phrase depending on the
// deployment, so it stays untyped here. Step outcomes arrive through
// the custom_step_results key in Custom.
type Result struct {
	ID            int64          `json:"id"`
	TestID        int64          `json:"test_id"`
	StatusID      int64          `json:"status_id"`
	CreatedBy     int64          `json:"created_by"`
	CreatedOn     int64          `json:"created_on"`
	Comment       string         `json:"comment"`
	Version       string         `json:"version"`
	Defects       string         `json:"defects"`
	Elapsed       any            `json:"elapsed"`
	AttachmentIDs []AttachmentID `json:"attachment_ids"`

	Custom map[string]any `json:"-"`
}

func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	var p plain
	custom, err := unmarshalCustom(data, &p)
	if err != nil {
		return err
	}
	p.Custom = custom
	*r = Result(p)
	return nil
}

type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
	RoleID   int64  `json:"role_id"`
}

// AttachmentID tolerates both numeric ids (legacy installs) and the
// uuid strings newer installs return.
type AttachmentID string

func (id *AttachmentID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = AttachmentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("attachment id %s: %w", data, err)
	}
	*id = AttachmentID(n.String())
	return nil
}

// CaseAttachment is one entry of get_attachments_for_case.
type CaseAttachment struct {
	ID       AttachmentID `json:"id"`
	DataID   string       `json:"data_id"`
	Filename string       `json:"filename"`
	Size     int64        `json:"size"`
}

// Key is the identifier the attachment map is keyed by; newer
// installs use data_id, older ones the plain id.
func (a CaseAttachment) Key() string {
	if a.DataID != "" {
		return a.DataID
	}
	return string(a.ID)
}

// ProjectIDs tolerates the attachment index returning project_id as
// either a scalar or a list.
type ProjectIDs []int64

func (p *ProjectIDs) UnmarshalJSON(data []byte) error {
	var one int64
	if err := json.Unmarshal(data, &one); err == nil {
		*p = ProjectIDs{one}
		return nil
	}
	var many []int64
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("project_id %s: %w", data, err)
	}
	*p = ProjectIDs(many)
	return nil
}

// First returns the owning project when the record names one.
func (p ProjectIDs) First() (int64, bool) {
	if len(p) == 0 {
		return 0, false
	}
	return p[0], true
}

// AttachmentRecord is one row of the web UI attachment index.
type AttachmentRecord struct {
	ID        AttachmentID `json:"id"`
	ProjectID ProjectIDs   `json:"project_id"`
}

// unmarshalCustom decodes data into v, then returns every custom_*
// key with the prefix stripped. Nulls are dropped so presence in the
// map means the entity carries a value.
func unmarshalCustom(data []byte, v any) (map[string]any, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	custom := make(map[string]any)
	for key, msg := range raw {
		name, ok := strings.CutPrefix(key, "custom_")
		if !ok {
			continue
		}
		var value any
		if err := json.Unmarshal(msg, &value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if value != nil {
			custom[name] = value
		}
	}
	return custom, nil
}
