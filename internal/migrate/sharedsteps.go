package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/pool"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// importSharedSteps recreates the project's shared step sequences.
// Creation fans out on the target pool; each created step is keyed by
// the hash the target assigns.
func (e *Engine) importSharedSteps(ctx context.Context, project mapping.Project) error {
	e.msg("[%s][SharedSteps] Importing shared steps", project.Code)

	var shared []testrail.SharedStep
	err := e.tr(ctx, func() error {
		var err error
		shared, err = e.Source.GetSharedSteps(ctx, project.TestRailID)
		return err
	})
	if err != nil {
		return fmt.Errorf("shared steps: %w", err)
	}
	e.Stats.AddSource(project.Code, stats.KindSharedSteps, len(shared))

	// Tasks write disjoint slots; the map is filled serially after the
	// batch drains.
	hashes := make([]string, len(shared))
	tasks := make([]*pool.Task, 0, len(shared))
	for i, step := range shared {
		tasks = append(tasks, e.targetPool.Go(ctx, func() error {
			hash, err := e.Target.CreateSharedStep(ctx, project.Code, step.Title, sharedStepItems(step.Steps))
			if err != nil {
				e.warn("[%s][SharedSteps] Failed to create %s: %v", project.Code, step.Title, err)
				return nil
			}
			hashes[i] = hash
			return nil
		}))
	}
	if err := pool.WaitAll(tasks); err != nil {
		return err
	}

	for i, hash := range hashes {
		if hash == "" {
			continue
		}
		e.Store.SharedSteps[project.Code][shared[i].ID] = hash
		e.Stats.AddTarget(project.Code, stats.KindSharedSteps, 1)
	}
	return nil
}

func sharedStepItems(steps []testrail.SharedStepItem) []qase.SharedStepItem {
	items := make([]qase.SharedStepItem, 0, len(steps))
	for _, s := range steps {
		action := strings.TrimSpace(s.Content)
		if action == "" {
			action = "No action"
		}
		items = append(items, qase.SharedStepItem{
			Action:         action,
			ExpectedResult: s.Expected,
		})
	}
	return items
}
