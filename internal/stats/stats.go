// Package stats aggregates migration counters and renders the final
// report as text and as a spreadsheet.
package stats

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"

	"github.com/tealeg/xlsx"
)

// Entity kinds tracked in the report.
const (
	KindUsers          = "users"
	KindProjects       = "projects"
	KindAttachments    = "attachments"
	KindCustomFields   = "custom_fields"
	KindConfigurations = "configurations"
	KindSharedSteps    = "shared_steps"
	KindMilestones     = "milestones"
	KindSuites         = "suites"
	KindCases          = "cases"
	KindRuns           = "runs"
	KindResults        = "results"
)

// kindOrder fixes the row order of the report.
var kindOrder = []string{
	KindUsers,
	KindProjects,
	KindCustomFields,
	KindAttachments,
	KindConfigurations,
	KindSharedSteps,
	KindMilestones,
	KindSuites,
	KindCases,
	KindRuns,
	KindResults,
}

// Counter pairs the number of entities read from TestRail with the
// number created in Qase.
type Counter struct {
	TestRail int `json:"testrail"`
	Qase     int `json:"qase"`
}

// Stats collects per-project entity counters plus workspace-level
// counters for the entities migrated once (users, projects, custom
// fields, attachments). Safe for concurrent use.
type Stats struct {
	mu        sync.Mutex
	workspace map[string]*Counter
	projects  map[string]map[string]*Counter
	order     []string
}

// New returns an empty counter set.
func New() *Stats {
	return &Stats{
		workspace: make(map[string]*Counter),
		projects:  make(map[string]map[string]*Counter),
	}
}

// AddSource records n entities of the given kind read from TestRail.
// An empty project code records at workspace level.
func (s *Stats) AddSource(project, kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(project, kind).TestRail += n
}

// AddTarget records n entities of the given kind created in Qase.
func (s *Stats) AddTarget(project, kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter(project, kind).Qase += n
}

func (s *Stats) counter(project, kind string) *Counter {
	if project == "" {
		c := s.workspace[kind]
		if c == nil {
			c = &Counter{}
			s.workspace[kind] = c
		}
		return c
	}
	kinds := s.projects[project]
	if kinds == nil {
		kinds = make(map[string]*Counter)
		s.projects[project] = kinds
		s.order = append(s.order, project)
	}
	c := kinds[kind]
	if c == nil {
		c = &Counter{}
		kinds[kind] = c
	}
	return c
}

// row is one line of the rendered report.
type row struct {
	project string
	kind    string
	count   Counter
}

// snapshot flattens the counters into report order: workspace rows
// first, then each project in first-seen order, then the roll-up.
func (s *Stats) snapshot() []row {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []row
	var total Counter

	appendKinds := func(project string, kinds map[string]*Counter) {
		seen := make(map[string]bool, len(kinds))
		for _, kind := range kindOrder {
			if c, ok := kinds[kind]; ok {
				rows = append(rows, row{project: project, kind: kind, count: *c})
				total.TestRail += c.TestRail
				total.Qase += c.Qase
				seen[kind] = true
			}
		}
		var rest []string
		for kind := range kinds {
			if !seen[kind] {
				rest = append(rest, kind)
			}
		}
		sort.Strings(rest)
		for _, kind := range rest {
			c := kinds[kind]
			rows = append(rows, row{project: project, kind: kind, count: *c})
			total.TestRail += c.TestRail
			total.Qase += c.Qase
		}
	}

	appendKinds("-", s.workspace)
	for _, project := range s.order {
		appendKinds(project, s.projects[project])
	}
	rows = append(rows, row{project: "", kind: "total", count: total})
	return rows
}

// Print renders the aligned report table.
func (s *Stats) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Project\tEntity\tTestRail\tQase")
	for _, r := range s.snapshot() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", r.project, r.kind, r.count.TestRail, r.count.Qase)
	}
	return tw.Flush()
}

// Save writes <prefix>_stats.txt and <prefix>_stats.xlsx and returns
// the two paths.
func (s *Stats) Save(prefix string) ([]string, error) {
	txtPath := prefix + "_stats.txt"
	var buf bytes.Buffer
	if err := s.Print(&buf); err != nil {
		return nil, fmt.Errorf("render stats: %w", err)
	}
	if err := os.WriteFile(txtPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", txtPath, err)
	}

	xlsxPath := prefix + "_stats.xlsx"
	if err := s.saveXLSX(xlsxPath); err != nil {
		return nil, err
	}
	return []string{txtPath, xlsxPath}, nil
}

func (s *Stats) saveXLSX(path string) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Migration")
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	header := sheet.AddRow()
	for _, h := range []string{"Project", "Entity", "TestRail", "Qase"} {
		header.AddCell().Value = h
	}
	for _, r := range s.snapshot() {
		out := sheet.AddRow()
		out.AddCell().Value = r.project
		out.AddCell().Value = r.kind
		out.AddCell().SetInt(r.count.TestRail)
		out.AddCell().SetInt(r.count.Qase)
	}
	if err := file.Save(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
