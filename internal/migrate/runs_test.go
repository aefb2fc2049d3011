package migrate

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"testing"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/testrail"
)

func TestResultTiming(t *testing.T) {
	e, warnings := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	project := mapping.Project{Code: "WEB"}
	run := testrail.Run{ID: 301, CreatedOn: 1700000500}

	tests := []struct {
		name        string
		result      testrail.Result
		wantElapsed int64
		wantStart   int64
	}{
		{
			name:        "phrase elapsed",
			result:      testrail.Result{Elapsed: "1min 5sec", CreatedOn: 1700000900},
			wantElapsed: 65,
			wantStart:   1700000835,
		},
		{
			name:        "numeric elapsed floored at run start",
			result:      testrail.Result{Elapsed: float64(120), CreatedOn: 1700000550},
			wantElapsed: 120,
			wantStart:   1700000500,
		},
		{
			name:        "no timing data",
			result:      testrail.Result{},
			wantElapsed: 0,
			wantStart:   1700000500,
		},
		{
			name:        "unparseable phrase",
			result:      testrail.Result{Elapsed: "xsec", CreatedOn: 1700000600},
			wantElapsed: 0,
			wantStart:   1700000600,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elapsed, start := e.resultTiming(project, run, tt.result)
			if elapsed != tt.wantElapsed {
				t.Errorf("elapsed = %d, want %d", elapsed, tt.wantElapsed)
			}
			if start != tt.wantStart {
				t.Errorf("start = %d, want %d", start, tt.wantStart)
			}
		})
	}
	if !warnings.contains("Unparseable elapsed") {
		t.Errorf("missing elapsed warning, got %v", warnings.all())
	}
}

func TestResultStatus(t *testing.T) {
	e, _ := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	e.Store.ResultStatuses[5] = "failed"

	if got := e.resultStatus(5); got != "failed" {
		t.Errorf("resultStatus(5) = %q", got)
	}
	if got := e.resultStatus(99); got != "skipped" {
		t.Errorf("resultStatus(99) = %q, want skipped", got)
	}
}

func TestStepStatus(t *testing.T) {
	e, _ := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	e.Store.ResultStatuses[1] = "passed"
	e.Store.ResultStatuses[7] = "in_progress"

	tests := []struct {
		name string
		step map[string]any
		want string
	}{
		{"mapped", map[string]any{"status_id": float64(1)}, "passed"},
		{"not allowed on steps", map[string]any{"status_id": float64(7)}, "skipped"},
		{"missing", map[string]any{}, "skipped"},
	}
	for _, tt := range tests {
		if got := e.stepStatus(tt.step); got != tt.want {
			t.Errorf("stepStatus(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBuildResultsV1(t *testing.T) {
	e, _ := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	e.Store.ResultStatuses[5] = "failed"
	e.Store.ResultStatuses[1] = "passed"
	project := mapping.Project{Code: "WEB"}
	run := testrail.Run{ID: 301, Name: "Sprint run", CreatedOn: 1700000500}
	casesMap := map[int64]int64{9001: 501}

	results := []testrail.Result{
		{
			TestID:    9001,
			StatusID:  5,
			CreatedOn: 1700000700,
			Comment:   "boom",
			Elapsed:   "1min",
			Custom: map[string]any{
				"step_results": []any{
					map[string]any{"status_id": float64(1), "actual": " looked fine "},
				},
			},
		},
		{TestID: 9001, StatusID: 3},
		{TestID: 9999, StatusID: 5},
	}
	items := e.buildResultsV1(context.Background(), project, run, results, casesMap)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1 (untested and unmapped skipped)", len(items))
	}
	item := items[0]
	if item.CaseID != 501 || item.Status != "failed" {
		t.Errorf("item = %+v", item)
	}
	if item.TimeMS != 60000 {
		t.Errorf("time = %d, want 60000", item.TimeMS)
	}
	if item.StartTime != 1700000640 {
		t.Errorf("start = %d, want 1700000640", item.StartTime)
	}
	if item.Comment != "boom" {
		t.Errorf("comment = %q", item.Comment)
	}
	wantSteps := []qase.ResultStep{{Status: "passed", Comment: "looked fine"}}
	if !reflect.DeepEqual(item.Steps, wantSteps) {
		t.Errorf("steps = %v, want %v", item.Steps, wantSteps)
	}
}

func TestBuildResultsV2(t *testing.T) {
	e, _ := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	e.Store.ResultStatuses[1] = "passed"
	project := mapping.Project{Code: "WEB"}
	run := testrail.Run{ID: 301, CreatedOn: 1700000500}
	casesMap := map[int64]int64{9001: 501}

	results := []testrail.Result{
		{
			TestID:    9001,
			StatusID:  1,
			CreatedOn: 1700000700,
			Elapsed:   float64(30),
			Custom: map[string]any{
				"step_results": []any{
					map[string]any{
						"status_id": float64(1),
						"content":   "Open page",
						"expected":  "Loads",
						"actual":    "Loaded",
					},
				},
			},
		},
	}
	items := e.buildResultsV2(context.Background(), project, run, results, casesMap)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	item := items[0]
	if item.Title != "Test result for case 9001" {
		t.Errorf("title = %q", item.Title)
	}
	if item.TestopsID != 501 {
		t.Errorf("testops id = %d, want 501", item.TestopsID)
	}
	if item.Message != "" {
		t.Errorf("message = %q, want empty for an empty comment", item.Message)
	}
	if item.Execution.Status != "passed" || item.Execution.Duration != 30000 {
		t.Errorf("execution = %+v", item.Execution)
	}
	if item.Execution.StartTime != 1700000670 || item.Execution.EndTime != 1700000700 {
		t.Errorf("execution window = %d..%d", item.Execution.StartTime, item.Execution.EndTime)
	}
	wantSteps := []qase.ResultStepV2{{
		Data:      qase.ResultStepData{Action: "Open page", ExpectedResult: "Loads"},
		Execution: qase.ResultStepExecution{Status: "passed", Comment: "Loaded"},
	}}
	if !reflect.DeepEqual(item.Steps, wantSteps) {
		t.Errorf("steps = %v, want %v", item.Steps, wantSteps)
	}
}

// Attachment references embedded in result comments are rewritten to
// the uploaded copies, same as case description fields.
func TestBuildResultsRewriteCommentAttachments(t *testing.T) {
	e, _ := newTestEngine(t, sourceEndpoints{}, newTargetFake())
	e.Store.ResultStatuses[5] = "failed"
	e.Store.SetAttachment("ab12cd", mapping.Attachment{
		Hash:     "h1",
		URL:      "https://files.example.com/h1",
		Filename: "fail.png",
	})
	project := mapping.Project{Code: "WEB"}
	run := testrail.Run{ID: 301, CreatedOn: 1700000500}
	casesMap := map[int64]int64{9001: 501}
	results := []testrail.Result{{
		TestID:   9001,
		StatusID: 5,
		Comment:  "See ![](index.php?/attachments/get/ab12cd)",
	}}
	const want = "See ![fail.png](https://files.example.com/h1)"

	v1 := e.buildResultsV1(context.Background(), project, run, results, casesMap)
	if len(v1) != 1 {
		t.Fatalf("v1 items = %d, want 1", len(v1))
	}
	if v1[0].Comment != want {
		t.Errorf("v1 comment = %q, want %q", v1[0].Comment, want)
	}

	v2 := e.buildResultsV2(context.Background(), project, run, results, casesMap)
	if len(v2) != 1 {
		t.Fatalf("v2 items = %d, want 1", len(v2))
	}
	if v2[0].Message != want {
		t.Errorf("v2 message = %q, want %q", v2[0].Message, want)
	}
}

func TestCollectRunsMergesPlanEntries(t *testing.T) {
	src := sourceEndpoints{
		"get_runs/1":  `{"runs": [{"id": 301, "name": "Standalone"}]}`,
		"get_plans/1": `{"plans": [{"id": 11, "name": "Release"}]}`,
		"get_plan/11": `{"id": 11, "name": "Release", "entries": [
			{"id": "e1", "runs": [{"id": 302, "name": "Chrome"}, {"id": 303, "name": "Firefox"}]}
		]}`,
	}
	e, _ := newTestEngine(t, src, newTargetFake())
	project := mapping.Project{TestRailID: 1, Code: "WEB"}

	runs, err := e.collectRuns(context.Background(), project)
	if err != nil {
		t.Fatalf("collectRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	if runs[0].PlanName != "" {
		t.Errorf("standalone run carries plan name %q", runs[0].PlanName)
	}
	if runs[1].PlanName != "Release" || runs[2].PlanName != "Release" {
		t.Errorf("plan runs = %q, %q, want Release", runs[1].PlanName, runs[2].PlanName)
	}
}

func TestCollectRunsSkipsUnfetchablePlans(t *testing.T) {
	src := sourceEndpoints{
		"get_runs/1":  `{"runs": []}`,
		"get_plans/1": `{"plans": [{"id": 11, "name": "Broken"}]}`,
	}
	e, warnings := newTestEngine(t, src, newTargetFake())
	project := mapping.Project{TestRailID: 1, Code: "WEB"}

	runs, err := e.collectRuns(context.Background(), project)
	if err != nil {
		t.Fatalf("collectRuns() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
	if !warnings.contains("Failed to fetch plan Broken") {
		t.Errorf("missing plan warning, got %v", warnings.all())
	}
}

func TestImportRunPlanTitleAndConfigurations(t *testing.T) {
	src := sourceEndpoints{
		"get_tests/302":           `{"tests": [{"id": 9001, "case_id": 501}, {"id": 9002, "case_id": 999}]}`,
		"get_results_for_run/302": `{"results": []}`,
	}
	target := newTargetFake()
	target.respond("POST", "/v1/run/WEB", `{"status": true, "result": {"id": 900}}`)
	e, warnings := newTestEngine(t, src, target)
	e.Store.EnsureProject("WEB")
	e.Store.AddCaseID(501, 601)
	e.Store.Configurations["WEB"][41] = 410
	project := mapping.Project{TestRailID: 1, Code: "WEB"}

	run := testrail.Run{
		ID:        302,
		Name:      "Chrome",
		PlanName:  "Release",
		CreatedOn: 1700000500,
		ConfigIDs: []int64{41, 42},
	}
	e.importRun(context.Background(), project, run)

	creates := target.callsTo(http.MethodPost, "/v1/run/WEB")
	if len(creates) != 1 {
		t.Fatalf("run creates = %d, want 1", len(creates))
	}
	var create qase.RunCreate
	if err := json.Unmarshal(creates[0].Body, &create); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if create.Title != "[Release] Chrome" {
		t.Errorf("title = %q, want plan-prefixed", create.Title)
	}
	if !reflect.DeepEqual(create.Configurations, []int64{410}) {
		t.Errorf("configurations = %v, want [410]", create.Configurations)
	}
	// The test whose case never migrated is left out.
	if !reflect.DeepEqual(create.Cases, []int64{601}) {
		t.Errorf("cases = %v, want [601]", create.Cases)
	}
	if create.EndTime != "" {
		t.Errorf("open run got end time %q", create.EndTime)
	}
	if !warnings.contains("Configuration 42") {
		t.Errorf("missing configuration warning, got %v", warnings.all())
	}
	if calls := target.callsTo(http.MethodPost, "/v1/run/WEB/900/complete"); len(calls) != 0 {
		t.Errorf("open run was completed")
	}
}

func TestImportResultsUsesV2WhenSyncing(t *testing.T) {
	src := sourceEndpoints{
		"get_results_for_run/301": `{"results": [{"id": 1, "test_id": 9001, "status_id": 1, "created_on": 1700000700, "elapsed": 30}]}`,
	}
	target := newTargetFake()
	e, _ := newTestEngine(t, src, target)
	e.Config.Sync = true
	e.Store.ResultStatuses[1] = "passed"
	project := mapping.Project{TestRailID: 1, Code: "WEB"}
	run := testrail.Run{ID: 301, Name: "Sprint run", CreatedOn: 1700000500}

	e.importResults(context.Background(), project, run, 900, map[int64]int64{9001: 501})

	calls := target.callsTo(http.MethodPost, "/v2/WEB/runs/900/results")
	if len(calls) != 1 {
		t.Fatalf("v2 result calls = %d, want 1", len(calls))
	}
	var batch struct {
		Results []qase.ResultCreateV2 `json:"results"`
	}
	if err := json.Unmarshal(calls[0].Body, &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch.Results) != 1 || batch.Results[0].TestopsID != 501 {
		t.Errorf("batch = %+v", batch.Results)
	}
	if calls := target.callsTo(http.MethodPost, "/v1/result/WEB/900/bulk"); len(calls) != 0 {
		t.Errorf("v1 endpoint used while syncing")
	}
}
