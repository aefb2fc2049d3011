package migrate

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/mdutil"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

const runParallelism = 8

var allowedStepStatuses = map[string]bool{
	"passed":  true,
	"failed":  true,
	"blocked": true,
	"skipped": true,
}

// importRuns migrates the project's runs and their results. Source
// runs come from the plain run list plus every plan's entries, the
// latter titled with the plan name. Runs are independent of each
// other and fan out; each run's own flow (create, stream results,
// complete) stays sequential.
func (e *Engine) importRuns(ctx context.Context, project mapping.Project) error {
	e.msg("[%s][Runs] Importing runs", project.Code)

	runs, err := e.collectRuns(ctx, project)
	if err != nil {
		return err
	}
	e.Stats.AddSource(project.Code, stats.KindRuns, len(runs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runParallelism)
	for _, run := range runs {
		g.Go(func() error {
			e.importRun(gctx, project, run)
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (e *Engine) collectRuns(ctx context.Context, project mapping.Project) ([]testrail.Run, error) {
	var runs []testrail.Run
	err := e.tr(ctx, func() error {
		var err error
		runs, err = e.Source.GetRuns(ctx, project.TestRailID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}

	var plans []testrail.Plan
	err = e.tr(ctx, func() error {
		var err error
		plans, err = e.Source.GetPlans(ctx, project.TestRailID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("plans: %w", err)
	}
	for _, plan := range plans {
		// The list endpoint omits entries; fetch each plan in full.
		var full *testrail.Plan
		err := e.tr(ctx, func() error {
			var err error
			full, err = e.Source.GetPlan(ctx, plan.ID)
			return err
		})
		if err != nil {
			e.warn("[%s][Runs] Failed to fetch plan %s: %v", project.Code, plan.Name, err)
			continue
		}
		for _, entry := range full.Entries {
			for _, run := range entry.Runs {
				run.PlanName = full.Name
				runs = append(runs, run)
			}
		}
	}
	return runs, nil
}

func (e *Engine) importRun(ctx context.Context, project mapping.Project, run testrail.Run) {
	var tests []testrail.Test
	err := e.tr(ctx, func() error {
		var err error
		tests, err = e.Source.GetTests(ctx, run.ID)
		return err
	})
	if err != nil {
		e.warn("[%s][Runs] Failed to list tests of run %s: %v", project.Code, run.Name, err)
		return
	}
	// test id → target case id, for results; tests whose case never
	// made it across are left out.
	casesMap := make(map[int64]int64, len(tests))
	cases := make([]int64, 0, len(tests))
	for _, t := range tests {
		if id, ok := e.Store.CaseID(t.CaseID); ok {
			casesMap[t.ID] = id
			cases = append(cases, id)
		}
	}

	create := &qase.RunCreate{
		Title:     run.Name,
		StartTime: fmtEpoch(run.CreatedOn),
		AuthorID:  e.Store.UserID(run.CreatedBy),
		Cases:     cases,
	}
	if run.PlanName != "" {
		create.Title = "[" + run.PlanName + "] " + run.Name
	}
	if run.Description != "" {
		create.Description = run.Description
	}
	if run.IsCompleted {
		create.EndTime = fmtEpoch(run.CompletedOn)
	}
	for _, cid := range run.ConfigIDs {
		if id, ok := e.Store.Configurations[project.Code][cid]; ok {
			create.Configurations = append(create.Configurations, id)
		} else {
			e.warn("[%s][Runs] Configuration %d of run %s has no target mapping", project.Code, cid, run.Name)
		}
	}
	if run.MilestoneID != 0 {
		if id, ok := e.Store.Milestones[project.Code][run.MilestoneID]; ok {
			create.MilestoneID = id
		}
	}

	var runID int64
	err = e.qs(ctx, func() error {
		var err error
		runID, err = e.Target.CreateRun(ctx, project.Code, create)
		return err
	})
	if err != nil {
		e.warn("[%s][Runs] Failed to create run %s: %v", project.Code, run.Name, err)
		return
	}
	e.Stats.AddTarget(project.Code, stats.KindRuns, 1)

	e.importResults(ctx, project, run, runID, casesMap)

	if run.IsCompleted {
		err := e.qs(ctx, func() error {
			return e.Target.CompleteRun(ctx, project.Code, runID)
		})
		if err != nil {
			e.warn("[%s][Runs] Failed to complete run %s: %v", project.Code, run.Name, err)
		}
	}
}

func (e *Engine) importResults(ctx context.Context, project mapping.Project, run testrail.Run, runID int64, casesMap map[int64]int64) {
	var results []testrail.Result
	err := e.tr(ctx, func() error {
		var err error
		results, err = e.Source.GetResults(ctx, run.ID)
		return err
	})
	if err != nil {
		e.warn("[%s][Runs] Failed to list results of run %s: %v", project.Code, run.Name, err)
		return
	}
	e.Stats.AddSource(project.Code, stats.KindResults, len(results))
	if len(results) == 0 {
		return
	}

	if e.Config.Sync {
		batch := e.buildResultsV2(ctx, project, run, results, casesMap)
		if len(batch) == 0 {
			return
		}
		err := e.qs(ctx, func() error {
			return e.Target.CreateResultsV2(ctx, project.Code, runID, batch)
		})
		if err != nil {
			e.warn("[%s][Runs] Failed to send %d results for run %s: %v", project.Code, len(batch), run.Name, err)
			return
		}
		e.Stats.AddTarget(project.Code, stats.KindResults, len(batch))
		return
	}

	batch := e.buildResultsV1(ctx, project, run, results, casesMap)
	if len(batch) == 0 {
		return
	}
	err = e.qs(ctx, func() error {
		return e.Target.CreateResultsBulk(ctx, project.Code, runID, batch)
	})
	if err != nil {
		e.warn("[%s][Runs] Failed to send %d results for run %s: %v", project.Code, len(batch), run.Name, err)
		return
	}
	e.Stats.AddTarget(project.Code, stats.KindResults, len(batch))
}

func (e *Engine) buildResultsV1(ctx context.Context, project mapping.Project, run testrail.Run, results []testrail.Result, casesMap map[int64]int64) []qase.ResultItem {
	items := make([]qase.ResultItem, 0, len(results))
	for _, r := range results {
		if r.StatusID == 3 {
			// Untested results have nothing to record.
			continue
		}
		caseID, ok := casesMap[r.TestID]
		if !ok {
			continue
		}
		elapsed, start := e.resultTiming(project, run, r)
		item := qase.ResultItem{
			CaseID:  caseID,
			Status:  e.resultStatus(r.StatusID),
			TimeMS:  elapsed * 1000,
			Comment: mdutil.FormatLinks(e.substituteAttachments(ctx, r.Comment, project.Code)),
		}
		if hashes := e.attachmentHashes(ctx, r.AttachmentIDs, project.Code); len(hashes) > 0 {
			item.Attachments = hashes
		}
		if start > 0 {
			item.StartTime = start
		}
		if steps, ok := r.Custom["step_results"]; ok && truthy(steps) {
			item.Steps = e.resultSteps(steps)
		}
		items = append(items, item)
	}
	return items
}

func (e *Engine) buildResultsV2(ctx context.Context, project mapping.Project, run testrail.Run, results []testrail.Result, casesMap map[int64]int64) []qase.ResultCreateV2 {
	items := make([]qase.ResultCreateV2, 0, len(results))
	for _, r := range results {
		if r.StatusID == 3 {
			continue
		}
		caseID, ok := casesMap[r.TestID]
		if !ok {
			continue
		}
		elapsed, start := e.resultTiming(project, run, r)
		exec := qase.ResultExecution{
			Status:   e.resultStatus(r.StatusID),
			Duration: elapsed * 1000,
		}
		if start > 0 {
			exec.StartTime = start
			exec.EndTime = start + elapsed
		}
		item := qase.ResultCreateV2{
			Title:     fmt.Sprintf("Test result for case %d", r.TestID),
			TestopsID: caseID,
			Execution: exec,
		}
		if r.Comment != "" {
			item.Message = mdutil.FormatLinks(e.substituteAttachments(ctx, r.Comment, project.Code))
		}
		if hashes := e.attachmentHashes(ctx, r.AttachmentIDs, project.Code); len(hashes) > 0 {
			item.Attachments = hashes
		}
		if steps, ok := r.Custom["step_results"]; ok && truthy(steps) {
			item.Steps = e.resultStepsV2(steps)
		}
		items = append(items, item)
	}
	return items
}

// resultTiming resolves elapsed seconds and the start timestamp of a
// result. Elapsed arrives as either seconds or a duration phrase;
// start is floored at the run's own creation time.
func (e *Engine) resultTiming(project mapping.Project, run testrail.Run, r testrail.Result) (elapsed, start int64) {
	switch v := r.Elapsed.(type) {
	case string:
		if v != "" {
			sec, err := mdutil.ParseElapsed(v)
			if err != nil {
				e.warn("[%s][Runs] Unparseable elapsed %q: %v", project.Code, v, err)
			} else {
				elapsed = sec
			}
		}
	case float64:
		elapsed = int64(v)
	}
	start = run.CreatedOn
	if r.CreatedOn != 0 {
		start = r.CreatedOn - elapsed
		if start < run.CreatedOn {
			start = run.CreatedOn
		}
	}
	return elapsed, start
}

func (e *Engine) resultStatus(statusID int64) string {
	if s := e.Store.ResultStatuses[statusID]; s != "" {
		return s
	}
	return "skipped"
}

func (e *Engine) resultSteps(value any) []qase.ResultStep {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	steps := make([]qase.ResultStep, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		step := qase.ResultStep{Status: e.stepStatus(m)}
		if actual := strings.TrimSpace(stringValue(m["actual"])); actual != "" {
			step.Comment = actual
		}
		steps = append(steps, step)
	}
	return steps
}

func (e *Engine) resultStepsV2(value any) []qase.ResultStepV2 {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	steps := make([]qase.ResultStepV2, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		action := strings.TrimSpace(stringValue(m["content"]))
		if action == "" {
			action = "No action"
		}
		steps = append(steps, qase.ResultStepV2{
			Data: qase.ResultStepData{
				Action:         action,
				ExpectedResult: strings.TrimSpace(stringValue(m["expected"])),
			},
			Execution: qase.ResultStepExecution{
				Status:  e.stepStatus(m),
				Comment: strings.TrimSpace(stringValue(m["actual"])),
			},
		})
	}
	return steps
}

// stepStatus maps a step outcome's status, restricted to the statuses
// result steps accept.
func (e *Engine) stepStatus(step map[string]any) string {
	if sid, ok := step["status_id"].(float64); ok {
		if s := e.Store.ResultStatuses[int64(sid)]; allowedStepStatuses[s] {
			return s
		}
	}
	return "skipped"
}
