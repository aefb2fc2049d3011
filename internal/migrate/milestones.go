package migrate

import (
	"context"
	"fmt"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// importMilestones recreates the project's milestones. Cases and runs
// reference them through the id map.
func (e *Engine) importMilestones(ctx context.Context, project mapping.Project) error {
	e.msg("[%s][Milestones] Importing milestones", project.Code)

	var milestones []testrail.Milestone
	err := e.tr(ctx, func() error {
		var err error
		milestones, err = e.Source.GetMilestones(ctx, project.TestRailID)
		return err
	})
	if err != nil {
		return fmt.Errorf("milestones: %w", err)
	}
	e.Stats.AddSource(project.Code, stats.KindMilestones, len(milestones))

	for _, m := range milestones {
		create := &qase.MilestoneCreate{
			Title:       m.Name,
			Description: m.Description,
		}
		if m.DueOn > 0 {
			create.DueDate = m.DueOn
		}
		var id int64
		err := e.qs(ctx, func() error {
			var err error
			id, err = e.Target.CreateMilestone(ctx, project.Code, create)
			return err
		})
		if err != nil {
			e.warn("[%s][Milestones] Failed to create %s: %v", project.Code, m.Name, err)
			continue
		}
		e.Store.Milestones[project.Code][m.ID] = id
		e.Stats.AddTarget(project.Code, stats.KindMilestones, 1)
	}
	return nil
}
