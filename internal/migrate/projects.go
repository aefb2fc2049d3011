package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// Target project codes are 2-10 uppercase alphanumerics starting with
// a letter.
const maxProjectCodeLen = 10

// importProjects creates one target project per source project and
// records the id→code map every later phase depends on. The returned
// flag is true when a dry run stopped the pipeline here.
func (e *Engine) importProjects(ctx context.Context) (bool, error) {
	e.msg("[Projects] Loading projects from TestRail")
	var projects []testrail.Project
	err := e.tr(ctx, func() error {
		var err error
		projects, err = e.Source.GetProjects(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	e.Stats.AddSource("", stats.KindProjects, len(projects))
	e.msg("[Projects] Found %d projects", len(projects))

	for _, p := range projects {
		e.msg("[Projects] %s (id %d, suite mode %d)", p.Name, p.ID, p.SuiteMode)
	}
	if e.DryRun {
		e.msg("[Projects] Dry run, stopping before any target writes")
		return true, nil
	}

	for _, p := range projects {
		code := projectCode(p.Name, p.ID)
		err := e.qs(ctx, func() error {
			return e.Target.CreateProject(ctx, &qase.ProjectCreate{
				Title:       p.Name,
				Code:        code,
				Description: p.Announcement,
				Settings:    &qase.ProjectSettings{Runs: qase.RunSettings{AutoComplete: false}},
				Access:      "all",
			})
		})
		if err != nil {
			e.warn("[Projects] Failed to create %s [%s]: %v", p.Name, code, err)
			continue
		}
		e.msg("[Projects] Project ready: %s [%s]", p.Name, code)
		e.Store.Projects = append(e.Store.Projects, mapping.Project{
			TestRailID: p.ID,
			Code:       code,
			Name:       p.Name,
			SuiteMode:  p.SuiteMode,
		})
		e.Store.ProjectMap[p.ID] = code
		e.Store.EnsureProject(code)
		e.Stats.AddTarget("", stats.KindProjects, 1)
	}
	return false, nil
}

// projectCode derives a target code from the project name: uppercase
// alphanumerics only, leading digits dropped, at most ten characters.
// Names that leave nothing usable fall back to P<source id>.
func projectCode(name string, id int64) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if b.Len() == 0 && r >= '0' && r <= '9' {
				continue
			}
			b.WriteRune(r)
		}
		if b.Len() == maxProjectCodeLen {
			break
		}
	}
	code := b.String()
	if len(code) < 2 {
		code = fmt.Sprintf("P%d", id)
		if len(code) > maxProjectCodeLen {
			code = code[:maxProjectCodeLen]
		}
	}
	return code
}
