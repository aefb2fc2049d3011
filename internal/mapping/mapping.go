// Package mapping holds the process-lifetime translation tables built
// up as migration phases complete: every importer writes the ids it
// created and later phases resolve source ids through them. Each
// submap has a single writing phase; two cross the project fan-out
// and are guarded: the attachment map (the case importer's failover
// path writes it) and the case-id map (one project's case phase
// writes while another project's runs phase reads).
package mapping

import "sync"

// TestRail custom field type codes.
const (
	FieldTypeString      = 1
	FieldTypeInteger     = 2
	FieldTypeText        = 3
	FieldTypeURL         = 4
	FieldTypeCheckbox    = 5
	FieldTypeDropdown    = 6
	FieldTypeUser        = 7
	FieldTypeDate        = 8
	FieldTypeSteps       = 10
	FieldTypeMultiselect = 12
)

// FieldTypeToQase maps TestRail custom field type codes to Qase type
// codes. Types absent here (milestone references, step containers)
// have no Qase field equivalent and are handled structurally.
var FieldTypeToQase = map[int64]int64{
	FieldTypeString:      1,
	FieldTypeInteger:     0,
	FieldTypeText:        2,
	FieldTypeURL:         7,
	FieldTypeCheckbox:    4,
	FieldTypeDropdown:    3,
	FieldTypeUser:        8,
	FieldTypeDate:        9,
	FieldTypeMultiselect: 6,
}

// QaseFieldTypes maps Qase field type slugs to their numeric codes.
var QaseFieldTypes = map[string]int64{
	"number":      0,
	"string":      1,
	"text":        2,
	"selectbox":   3,
	"checkbox":    4,
	"radio":       5,
	"multiselect": 6,
	"url":         7,
	"user":        8,
	"datetime":    9,
}

// Attachment is the target-side handle of one migrated attachment.
type Attachment struct {
	Hash     string `json:"hash"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Field describes one reconciled custom field: where it lives on the
// target and, for enum types, how source keys translate to target
// value ids.
type Field struct {
	QaseID        int64
	TypeID        int64 // TestRail type code
	Label         string
	Name          string            // stripped source system name
	ProjectCode   string            // set for per-project variants, empty for global fields
	Items         map[string]string // source enum key → label, from the effective config
	QaseValues    map[int64]string
	TRKeyToQaseID map[string]int64
}

// Project is one migration target produced by the project phase and
// consumed by the per-project fan-out.
type Project struct {
	TestRailID int64
	Code       string
	Name       string
	SuiteMode  int64
}

// Store is the shared mapping state. Per-project submaps must be
// created with EnsureProject before the per-project fan-out starts so
// the goroutines only ever write into their own submap.
type Store struct {
	DefaultUser int64

	Projects   []Project
	ProjectMap map[int64]string // source project id → target code

	Users          map[int64]int64
	Suites         map[string]map[int64]int64
	Milestones     map[string]map[int64]int64
	Configurations map[string]map[int64]int64
	SharedSteps    map[string]map[int64]string

	Fields     map[string]*Field
	stepFields map[string]bool

	Priorities      map[int64]int64
	Types           map[int64]int64
	ResultStatuses  map[int64]string
	CaseStatuses    map[int64]int64
	DefaultPriority int64

	RefsFieldID       int64
	OriginalIDFieldID int64
	EstimateFieldID   int64

	attMu       sync.RWMutex
	attachments map[string]Attachment

	caseMu  sync.RWMutex
	caseIDs map[int64]int64
}

// NewStore returns an empty store using defaultUser for unknown
// source user ids.
func NewStore(defaultUser int64) *Store {
	return &Store{
		DefaultUser:     defaultUser,
		DefaultPriority: 1,
		ProjectMap:      make(map[int64]string),
		Users:           make(map[int64]int64),
		Suites:          make(map[string]map[int64]int64),
		Milestones:      make(map[string]map[int64]int64),
		Configurations:  make(map[string]map[int64]int64),
		SharedSteps:     make(map[string]map[int64]string),
		Fields:          make(map[string]*Field),
		stepFields:      make(map[string]bool),
		caseIDs:         make(map[int64]int64),
		Priorities:      make(map[int64]int64),
		Types:           make(map[int64]int64),
		ResultStatuses:  make(map[int64]string),
		CaseStatuses:    make(map[int64]int64),
		attachments:     make(map[string]Attachment),
	}
}

// EnsureProject creates the per-project submaps for code. Must run
// before concurrent per-project work begins.
func (s *Store) EnsureProject(code string) {
	if _, ok := s.Suites[code]; !ok {
		s.Suites[code] = make(map[int64]int64)
	}
	if _, ok := s.Milestones[code]; !ok {
		s.Milestones[code] = make(map[int64]int64)
	}
	if _, ok := s.Configurations[code]; !ok {
		s.Configurations[code] = make(map[int64]int64)
	}
	if _, ok := s.SharedSteps[code]; !ok {
		s.SharedSteps[code] = make(map[int64]string)
	}
}

// UserID resolves a source user id, falling back to the default user.
func (s *Store) UserID(sourceID int64) int64 {
	if id, ok := s.Users[sourceID]; ok {
		return id
	}
	return s.DefaultUser
}

// AddCaseID records one source→target case id pair. Safe for
// concurrent use; case phases write while other projects' runs
// phases read.
func (s *Store) AddCaseID(sourceID, targetID int64) {
	s.caseMu.Lock()
	defer s.caseMu.Unlock()
	s.caseIDs[sourceID] = targetID
}

// CaseID looks up the target id chosen for a source case.
func (s *Store) CaseID(sourceID int64) (int64, bool) {
	s.caseMu.RLock()
	defer s.caseMu.RUnlock()
	id, ok := s.caseIDs[sourceID]
	return id, ok
}

// QaseCaseID resolves a source case id; unmapped ids pass through
// unchanged.
func (s *Store) QaseCaseID(sourceID int64) int64 {
	if id, ok := s.CaseID(sourceID); ok {
		return id
	}
	return sourceID
}

// AddStepField marks a source field name as a structured step field.
func (s *Store) AddStepField(name string) {
	s.stepFields[name] = true
}

// IsStepField reports whether name carries structured step data.
func (s *Store) IsStepField(name string) bool {
	return s.stepFields[name]
}

// StepFields returns the recorded step field names.
func (s *Store) StepFields() []string {
	out := make([]string, 0, len(s.stepFields))
	for name := range s.stepFields {
		out = append(out, name)
	}
	return out
}

// Attachment looks up a migrated attachment by its source id.
func (s *Store) Attachment(sourceID string) (Attachment, bool) {
	s.attMu.RLock()
	defer s.attMu.RUnlock()
	a, ok := s.attachments[sourceID]
	return a, ok
}

// SetAttachment records a migrated attachment. Safe for concurrent
// use; the failover path writes while case imports read.
func (s *Store) SetAttachment(sourceID string, a Attachment) {
	s.attMu.Lock()
	defer s.attMu.Unlock()
	s.attachments[sourceID] = a
}

// AttachmentCount returns the number of migrated attachments.
func (s *Store) AttachmentCount() int {
	s.attMu.RLock()
	defer s.attMu.RUnlock()
	return len(s.attachments)
}

// FieldFor resolves the custom field for a source name within a
// project: the project-specific variant (`<name>_<code>`) wins over
// the shared one.
func (s *Store) FieldFor(name, projectCode string) (*Field, bool) {
	if f, ok := s.Fields[name+"_"+projectCode]; ok {
		return f, true
	}
	f, ok := s.Fields[name]
	return f, ok
}
