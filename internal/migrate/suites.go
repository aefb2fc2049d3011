package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// importSuites rebuilds the project's section tree as target suites.
// Single-suite projects map their sections directly; multi-suite
// projects get one top-level suite per source suite with that suite's
// sections nested under it. Creation is sequential, parents before
// children, because every child references its parent's new id.
func (e *Engine) importSuites(ctx context.Context, project mapping.Project) error {
	e.msg("[%s][Suites] Importing suites", project.Code)

	if project.SuiteMode == 2 || project.SuiteMode == 3 {
		return e.importMultiSuite(ctx, project)
	}

	var sections []testrail.Section
	err := e.tr(ctx, func() error {
		var err error
		sections, err = e.Source.GetSections(ctx, project.TestRailID, 0)
		return err
	})
	if err != nil {
		return fmt.Errorf("sections: %w", err)
	}
	e.Stats.AddSource(project.Code, stats.KindSuites, len(sections))
	e.createSections(ctx, project, sections, 0)
	return nil
}

func (e *Engine) importMultiSuite(ctx context.Context, project mapping.Project) error {
	var suites []testrail.Suite
	err := e.tr(ctx, func() error {
		var err error
		suites, err = e.Source.GetSuites(ctx, project.TestRailID)
		return err
	})
	if err != nil {
		return fmt.Errorf("suites: %w", err)
	}

	for _, suite := range suites {
		var rootID int64
		err := e.qs(ctx, func() error {
			var err error
			rootID, err = e.Target.CreateSuite(ctx, project.Code, &qase.SuiteCreate{
				Title:       suite.Name,
				Description: suite.Description,
			})
			return err
		})
		if err != nil {
			e.warn("[%s][Suites] Failed to create suite %s: %v", project.Code, suite.Name, err)
			continue
		}
		e.Stats.AddTarget(project.Code, stats.KindSuites, 1)

		var sections []testrail.Section
		err = e.tr(ctx, func() error {
			var err error
			sections, err = e.Source.GetSections(ctx, project.TestRailID, suite.ID)
			return err
		})
		if err != nil {
			e.warn("[%s][Suites] Failed to list sections of %s: %v", project.Code, suite.Name, err)
			continue
		}
		e.Stats.AddSource(project.Code, stats.KindSuites, len(sections))
		e.createSections(ctx, project, sections, rootID)
	}
	return nil
}

// createSections creates target suites for sections in depth order so
// a parent's target id exists before its children need it. Sections
// with no parent attach to root (the owning suite in multi-suite
// projects, top level otherwise).
func (e *Engine) createSections(ctx context.Context, project mapping.Project, sections []testrail.Section, root int64) {
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Depth < sections[j].Depth
	})
	for _, section := range sections {
		parent := root
		if section.ParentID != 0 {
			if id, ok := e.Store.Suites[project.Code][section.ParentID]; ok {
				parent = id
			}
		}
		create := &qase.SuiteCreate{
			Title:       section.Name,
			Description: section.Description,
			ParentID:    parent,
		}
		var id int64
		err := e.qs(ctx, func() error {
			var err error
			id, err = e.Target.CreateSuite(ctx, project.Code, create)
			return err
		})
		if err != nil {
			e.warn("[%s][Suites] Failed to create section %s: %v", project.Code, section.Name, err)
			continue
		}
		e.Store.Suites[project.Code][section.ID] = id
		e.Stats.AddTarget(project.Code, stats.KindSuites, 1)
	}
}
