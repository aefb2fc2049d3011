package migrate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/mdutil"
	"github.com/qasehq/trq/internal/pool"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// Target case ids are 32-bit signed; anything above is remapped.
const maxSafeID = int64(1<<31 - 1)

// Enterprise targets want a pause between bulk submissions.
const bulkPause = 5 * time.Second

// importCases migrates the project's cases suite by suite. Multi-suite
// projects iterate their source suites; single-suite projects use one
// pseudo-suite. Pages of cases are prepared concurrently (each case
// may fetch its attachments), then submitted in one bulk call per
// page.
func (e *Engine) importCases(ctx context.Context, project mapping.Project) error {
	e.msg("[%s][Cases] Importing cases", project.Code)

	if project.SuiteMode == 2 || project.SuiteMode == 3 {
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
			if err := e.importSuiteCases(ctx, project, suite.ID); err != nil {
				return err
			}
		}
		return nil
	}
	return e.importSuiteCases(ctx, project, 0)
}

func (e *Engine) importSuiteCases(ctx context.Context, project mapping.Project, suiteID int64) error {
	limit := e.Target.BulkLimit()
	offset := 0
	submitted := false
	for {
		var page *testrail.CasePage
		err := e.tr(ctx, func() error {
			var err error
			page, err = e.Source.GetCases(ctx, project.TestRailID, suiteID, limit, offset)
			return err
		})
		if err != nil {
			return fmt.Errorf("cases at offset %d: %w", offset, err)
		}
		e.Stats.AddSource(project.Code, stats.KindCases, int(page.Size))

		payloads := make([]qase.CasePayload, len(page.Cases))
		ids := make([]int64, len(page.Cases))
		tasks := make([]*pool.Task, 0, len(page.Cases))
		for i, c := range page.Cases {
			tasks = append(tasks, e.sourcePool.Go(ctx, func() error {
				payloads[i], ids[i] = e.prepareCase(ctx, project, c)
				return nil
			}))
		}
		if err := pool.WaitAll(tasks); err != nil {
			return err
		}

		// The map is shared across later phases; record serially.
		for i, c := range page.Cases {
			e.Store.AddCaseID(c.ID, ids[i])
		}

		if len(payloads) > 0 {
			// Pause between successive bulk submissions only; the
			// first page of a suite goes out immediately.
			if e.Target.Enterprise() && submitted {
				select {
				case <-time.After(bulkPause):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			submitted = true
			err := e.qs(ctx, func() error {
				return e.Target.CreateCases(ctx, project.Code, payloads)
			})
			if err != nil {
				e.warn("[%s][Cases] Failed to create %d cases at offset %d: %v",
					project.Code, len(payloads), offset, err)
			} else {
				e.Stats.AddTarget(project.Code, stats.KindCases, len(payloads))
			}
		}

		if int(page.Size) < limit {
			return nil
		}
		offset += limit
	}
}

// prepareCase renders one source case into a bulk payload and returns
// it with the target id chosen for the case. Runs inside a source pool
// task, so source calls go to the client directly.
func (e *Engine) prepareCase(ctx context.Context, project mapping.Project, c testrail.Case) (qase.CasePayload, int64) {
	id := e.safeCaseID(c.ID)
	payload := qase.CasePayload{
		ID:          id,
		Title:       c.Title,
		CreatedAt:   fmtEpoch(c.CreatedOn),
		UpdatedAt:   fmtEpoch(c.UpdatedOn),
		AuthorID:    e.Store.UserID(c.CreatedBy),
		Steps:       []qase.CaseStep{},
		Attachments: []string{},
		CustomField: map[string]string{},
	}

	if !e.Config.Tests.PreserveIDs && e.Store.OriginalIDFieldID != 0 {
		payload.CustomField[strconv.FormatInt(e.Store.OriginalIDFieldID, 10)] = strconv.FormatInt(c.ID, 10)
	}

	e.applyCustomFields(ctx, project, &c, &payload)

	attachments, err := e.Source.GetCaseAttachments(ctx, c.ID)
	if err != nil {
		e.warn("[%s][Cases] Failed to list attachments of case %d: %v", project.Code, c.ID, err)
	}
	for _, att := range attachments {
		if a, ok := e.Store.Attachment(att.Key()); ok {
			payload.Attachments = append(payload.Attachments, a.Hash)
		}
	}

	payload.Priority = e.Store.DefaultPriority
	if p, ok := e.Store.Priorities[c.PriorityID]; ok {
		payload.Priority = p
	}
	payload.Type = 1
	if t, ok := e.Store.Types[c.TypeID]; ok {
		payload.Type = t
	}
	if suite, ok := e.Store.Suites[project.Code][c.SectionID]; ok {
		payload.SuiteID = suite
	}
	if c.MilestoneID != 0 {
		if m, ok := e.Store.Milestones[project.Code][c.MilestoneID]; ok {
			payload.MilestoneID = m
		}
	}

	if e.Store.RefsFieldID != 0 && c.Refs != "" && e.Config.Tests.Refs.Enable {
		if refs := renderRefs(c.Refs, e.Config.Tests.Refs.URL); refs != "" {
			payload.CustomField[strconv.FormatInt(e.Store.RefsFieldID, 10)] = refs
		}
	}
	if e.Store.EstimateFieldID != 0 && c.Estimate != "" {
		payload.CustomField[strconv.FormatInt(e.Store.EstimateFieldID, 10)] = mdutil.SimplifyEstimate(c.Estimate)
	}

	return payload, id
}

// applyCustomFields walks the case's user-defined values in a stable
// order. Step containers replace the payload's steps; everything else
// lands in preconditions or the custom field map.
func (e *Engine) applyCustomFields(ctx context.Context, project mapping.Project, c *testrail.Case, payload *qase.CasePayload) {
	keys := make([]string, 0, len(c.Custom))
	for k := range c.Custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		value := c.Custom[name]
		if e.Store.IsStepField(name) && truthy(value) {
			if steps := e.stepsFromField(ctx, project, value); len(steps) > 0 {
				payload.Steps = steps
			}
			continue
		}
		if name == "testrail_bdd_scenario" {
			if s, ok := value.(string); ok {
				if steps := e.bddSteps(ctx, project, s); len(steps) > 0 {
					payload.Steps = steps
				}
				continue
			}
		}
		e.applyFieldValue(ctx, project, payload, name, value)
	}
}

// applyFieldValue renders one user-defined value through its
// reconciled field. Names are matched after stripping the usual
// TestRail prefixes; unknown fields are dropped.
func (e *Engine) applyFieldValue(ctx context.Context, project mapping.Project, payload *qase.CasePayload, name string, value any) {
	normalized := stripFieldPrefix(name)
	field, ok := e.Store.FieldFor(normalized, project.Code)
	if !ok {
		return
	}

	var rendered string
	switch field.TypeID {
	case mapping.FieldTypeDropdown:
		keys := e.validEnumKeys(project, field, value)
		if len(keys) == 0 {
			return
		}
		rendered = keys[0]
		if id, ok := field.TRKeyToQaseID[keys[0]]; ok {
			rendered = strconv.FormatInt(id, 10)
		}
	case mapping.FieldTypeMultiselect:
		keys := e.validEnumKeys(project, field, value)
		if len(keys) == 0 {
			return
		}
		rendered = e.joinEnumIDs(project, field, keys)
		if rendered == "" {
			return
		}
	case mapping.FieldTypeDate:
		rendered = mdutil.ConvertDate(stringValue(value))
	default:
		rendered = mdutil.FormatLinks(e.substituteAttachments(ctx, stringValue(value), project.Code))
	}

	if normalized == "preconds" {
		payload.Preconditions = rendered
		return
	}
	payload.CustomField[strconv.FormatInt(field.QaseID, 10)] = rendered
}

// validEnumKeys filters a source enum value down to keys present in
// the field's configured items. Unknown keys are dropped with a
// warning; an empty result skips the field, never the rest of the
// case.
func (e *Engine) validEnumKeys(project mapping.Project, field *mapping.Field, value any) []string {
	if list, ok := value.([]any); ok {
		var keys []string
		for _, item := range list {
			key := valueKey(item)
			if _, ok := field.Items[key]; ok {
				keys = append(keys, key)
			} else {
				e.warn("[%s][Cases] Value %s is not valid for field %s", project.Code, key, field.Label)
			}
		}
		return keys
	}
	key := valueKey(value)
	if _, ok := field.Items[key]; ok {
		return []string{key}
	}
	e.warn("[%s][Cases] Value %s is not valid for field %s", project.Code, key, field.Label)
	return nil
}

// joinEnumIDs renders a multiselect value. Shared fields drop keys
// with no target value; per-project variants keep the raw key because
// their value set came from the same config.
func (e *Engine) joinEnumIDs(project mapping.Project, field *mapping.Field, keys []string) string {
	var out []string
	for _, key := range keys {
		if id, ok := field.TRKeyToQaseID[key]; ok {
			out = append(out, strconv.FormatInt(id, 10))
			continue
		}
		if field.ProjectCode != "" {
			out = append(out, key)
			continue
		}
		e.warn("[%s][Cases] No target value for key %s of field %s", project.Code, key, field.Label)
	}
	if len(out) == 0 {
		e.warn("[%s][Cases] No valid values for field %s", project.Code, field.Label)
		return ""
	}
	return strings.Join(out, ",")
}

// stepsFromField converts a structured step container into case
// steps. A step with neither content nor expected result is dropped.
func (e *Engine) stepsFromField(ctx context.Context, project mapping.Project, value any) []qase.CaseStep {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var steps []qase.CaseStep
	pos := 1
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		action := strings.TrimSpace(e.substituteAttachments(ctx, stringValue(m["content"]), project.Code))
		expected := strings.TrimSpace(e.substituteAttachments(ctx, stringValue(m["expected"]), project.Code))
		data := strings.TrimSpace(e.substituteAttachments(ctx, stringValue(m["additional_info"]), project.Code))
		if action == "" && expected == "" {
			e.warn("[%s][Cases] Dropped a step with no content and no expected result", project.Code)
			continue
		}
		if action == "" {
			action = "No action"
		}
		steps = append(steps, qase.CaseStep{
			Action:         mdutil.FormatLinks(action),
			ExpectedResult: mdutil.FormatLinks(expected),
			Data:           mdutil.FormatLinks(data),
			Position:       pos,
		})
		pos++
	}
	return steps
}

// bddSteps parses a BDD scenario blob (a JSON array of {content}
// objects) into single-column steps.
func (e *Engine) bddSteps(ctx context.Context, project mapping.Project, raw string) []qase.CaseStep {
	var parsed []struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		e.warn("[%s][Cases] Unparseable BDD scenario, skipping: %v", project.Code, err)
		return nil
	}
	steps := make([]qase.CaseStep, 0, len(parsed))
	for i, p := range parsed {
		action := strings.TrimSpace(e.substituteAttachments(ctx, p.Content, project.Code))
		if action == "" {
			action = "No action"
		}
		steps = append(steps, qase.CaseStep{
			Action:   mdutil.FormatLinks(action),
			Position: i + 1,
		})
	}
	return steps
}

// renderRefs renders a comma-separated refs list as markdown links,
// one per line. Absolute refs link to themselves; relative ones are
// resolved against the configured tracker URL.
func renderRefs(refs, baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	var links []string
	for _, ref := range strings.Split(refs, ",") {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		var u string
		if strings.HasPrefix(ref, "http") {
			u = mdutil.EscapeRef(ref)
		} else {
			u = mdutil.EscapeRef(base + "/" + ref)
		}
		links = append(links, fmt.Sprintf("[%s](%s)", ref, u))
	}
	return strings.Join(links, "\n")
}

// safeCaseID picks the target id for a source case. Oversized ids are
// hashed into the 32-bit range; otherwise the source id is kept when
// preservation is on and generated from the clock when it is off.
func (e *Engine) safeCaseID(sourceID int64) int64 {
	if sourceID > maxSafeID {
		return hashID(sourceID)
	}
	if e.Config.Tests.PreserveIDs {
		return sourceID
	}
	return time.Now().UnixMilli() % maxSafeID
}

// hashID maps an id into the safe range deterministically: the first
// 8 hex digits of the MD5 of the decimal string, mod the range.
func hashID(sourceID int64) int64 {
	sum := md5.Sum([]byte(strconv.FormatInt(sourceID, 10)))
	v, _ := strconv.ParseInt(hex.EncodeToString(sum[:])[:8], 16, 64)
	return v % maxSafeID
}

func fmtEpoch(sec int64) string {
	return time.Unix(sec, 0).UTC().Format("2006-01-02 15:04:05")
}

// stripFieldPrefix removes one leading case_/test_/tr_ namespace
// prefix from a field name.
func stripFieldPrefix(name string) string {
	for _, prefix := range []string{"case_", "test_", "tr_"} {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):]
		}
	}
	return name
}

// truthy mirrors the loose emptiness check applied to user-defined
// values: nil, empty strings, zero numbers, false and empty
// collections are all empty.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// valueKey renders a source enum value as its key string. JSON
// numbers decode as float64; integral ones print without a fraction.
func valueKey(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return fmt.Sprint(v)
}
