package migrate

import (
	"context"
	"fmt"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// importConfigurations recreates the project's configuration groups
// and their configurations. The id map feeds run imports, where runs
// reference the configurations they were executed against.
func (e *Engine) importConfigurations(ctx context.Context, project mapping.Project) error {
	e.msg("[%s][Configurations] Importing configurations", project.Code)

	var groups []testrail.ConfigGroup
	err := e.tr(ctx, func() error {
		var err error
		groups, err = e.Source.GetConfigGroups(ctx, project.TestRailID)
		return err
	})
	if err != nil {
		return fmt.Errorf("configurations: %w", err)
	}

	total := 0
	for _, g := range groups {
		total += len(g.Configs)
	}
	e.Stats.AddSource(project.Code, stats.KindConfigurations, total)

	for _, group := range groups {
		var groupID int64
		err := e.qs(ctx, func() error {
			var err error
			groupID, err = e.Target.CreateConfigurationGroup(ctx, project.Code, group.Name)
			return err
		})
		if err != nil {
			e.warn("[%s][Configurations] Failed to create group %s: %v", project.Code, group.Name, err)
			continue
		}
		for _, cfg := range group.Configs {
			var id int64
			err := e.qs(ctx, func() error {
				var err error
				id, err = e.Target.CreateConfiguration(ctx, project.Code, cfg.Name, groupID)
				return err
			})
			if err != nil {
				e.warn("[%s][Configurations] Failed to create %s: %v", project.Code, cfg.Name, err)
				continue
			}
			e.Store.Configurations[project.Code][cfg.ID] = id
			e.Stats.AddTarget(project.Code, stats.KindConfigurations, 1)
		}
	}
	return nil
}
