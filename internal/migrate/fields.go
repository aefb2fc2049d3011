package migrate

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// reconcileFields aligns the target's custom field schema with the
// source's: it creates missing fields, appends missing enum values and
// project scopes to matching ones, and builds the per-field enum key
// translation used by the case importer. It finishes with the three
// synthetic fields and the system enum maps. Runs once, before the
// per-project fan-out; later phases only read the result.
func (e *Engine) reconcileFields(ctx context.Context) error {
	e.msg("[Fields] Importing custom fields")

	var trFields []testrail.CaseField
	err := e.tr(ctx, func() error {
		var err error
		trFields, err = e.Source.GetCaseFields(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("case fields: %w", err)
	}

	var existing []qase.CustomField
	err = e.qs(ctx, func() error {
		var err error
		existing, err = e.Target.GetCustomFields(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("custom fields: %w", err)
	}

	wanted := e.fieldsToImport(trFields)
	imported := 0
	for _, f := range trFields {
		if f.TypeID == mapping.FieldTypeSteps {
			// Step containers have no field equivalent; the case
			// importer expands them into structured steps.
			e.Store.AddStepField(f.Name)
			e.msg("[Fields] Field %s carries structured steps", f.Name)
		}
		if !wanted[f.Name] || !f.IsActive {
			continue
		}
		if _, ok := mapping.FieldTypeToQase[f.TypeID]; !ok {
			continue
		}
		imported++
		if qf := matchExistingField(existing, f.Label, f.TypeID); qf != nil {
			e.adoptExistingField(ctx, f, qf)
		} else {
			e.createCustomField(ctx, f)
		}
	}
	e.Stats.AddSource("", stats.KindCustomFields, imported)

	if e.Config.Tests.Refs.Enable {
		if id, err := e.ensureSyntheticField(ctx, existing, "Refs", 7); err != nil {
			e.warn("[Fields] Failed to ensure the Refs field: %v", err)
		} else {
			e.Store.RefsFieldID = id
		}
	}
	if !e.Config.Tests.PreserveIDs {
		if id, err := e.ensureSyntheticField(ctx, existing, "TestRail Original ID", 1); err != nil {
			e.warn("[Fields] Failed to ensure the TestRail Original ID field: %v", err)
		} else {
			e.Store.OriginalIDFieldID = id
		}
	}
	if id, err := e.ensureSyntheticField(ctx, existing, "Estimate", 1); err != nil {
		e.warn("[Fields] Failed to ensure the Estimate field: %v", err)
	} else {
		e.Store.EstimateFieldID = id
	}

	return e.buildSystemMaps(ctx)
}

// fieldsToImport returns the set of source field names to migrate:
// the configured tests.fields list, or every custom_ field when the
// list is empty.
func (e *Engine) fieldsToImport(fields []testrail.CaseField) map[string]bool {
	wanted := make(map[string]bool)
	if len(e.Config.Tests.Fields) > 0 {
		for _, name := range e.Config.Tests.Fields {
			wanted[name] = true
		}
		return wanted
	}
	for _, f := range fields {
		if strings.HasPrefix(f.SystemName, "custom_") {
			wanted[f.Name] = true
		}
	}
	return wanted
}

// matchExistingField finds a target field with the same title and a
// compatible type for the source type code.
func matchExistingField(existing []qase.CustomField, title string, trType int64) *qase.CustomField {
	want, ok := mapping.FieldTypeToQase[trType]
	if !ok {
		return nil
	}
	for i := range existing {
		qf := &existing[i]
		if qf.Title != title {
			continue
		}
		if code, ok := mapping.QaseFieldTypes[strings.ToLower(qf.Type)]; ok && code == want {
			return qf
		}
	}
	return nil
}

// createCustomField creates target fields for one source field. A
// single config yields one field (global or project-scoped); multiple
// configs yield one independent field per bound project, suffixed with
// the project code.
func (e *Engine) createCustomField(ctx context.Context, f testrail.CaseField) {
	switch {
	case len(f.Configs) == 0:
		e.warn("[Fields] Field %s has no configs, skipping", f.Label)
	case len(f.Configs) == 1 && f.Configs[0].Context.IsGlobal:
		e.createFieldVariant(ctx, f, f.Configs[0], f.Label, f.Name, "", true, nil)
	case len(f.Configs) > 1:
		for _, cfg := range f.Configs {
			if len(cfg.Context.ProjectIDs) == 0 {
				continue
			}
			for _, pid := range cfg.Context.ProjectIDs {
				code, ok := e.Store.ProjectMap[pid]
				if !ok {
					continue
				}
				e.createFieldVariant(ctx, f, cfg,
					f.Label+" "+code, f.Name+"_"+code, code, false, []string{code})
			}
		}
	default:
		cfg := f.Configs[0]
		codes := e.projectCodes(cfg.Context.ProjectIDs)
		if len(codes) == 0 {
			e.createFieldVariant(ctx, f, cfg, f.Label, f.Name, "", true, nil)
			return
		}
		e.createFieldVariant(ctx, f, cfg, f.Label, f.Name, "", false, codes)
	}
}

func (e *Engine) createFieldVariant(ctx context.Context, f testrail.CaseField, cfg testrail.FieldConfig, label, key, projectCode string, global bool, codes []string) {
	create, items, qaseValues := buildFieldCreate(f, cfg, label, global, codes)
	var id int64
	err := e.qs(ctx, func() error {
		var err error
		id, err = e.Target.CreateCustomField(ctx, create)
		return err
	})
	if err != nil {
		e.warn("[Fields] Failed to create field %s: %v", label, err)
		return
	}
	e.Store.Fields[key] = &mapping.Field{
		QaseID:        id,
		TypeID:        f.TypeID,
		Label:         label,
		Name:          f.Name,
		ProjectCode:   projectCode,
		Items:         items,
		QaseValues:    qaseValues,
		TRKeyToQaseID: e.buildTRKeyMapping(label, items, qaseValues),
	}
	e.Stats.AddTarget("", stats.KindCustomFields, 1)
	e.msg("[Fields] Created custom field %s", label)
}

// buildFieldCreate renders the create payload for one field variant
// plus the enum bookkeeping: the source key → label map from the
// config's items blob and the value id → label map the payload will
// produce. Value ids are assigned sequentially from 1; duplicate
// labels collapse into one value.
func buildFieldCreate(f testrail.CaseField, cfg testrail.FieldConfig, label string, global bool, codes []string) (*qase.CustomFieldCreate, map[string]string, map[int64]string) {
	create := &qase.CustomFieldCreate{
		Title:        label,
		Entity:       0,
		Type:         int(mapping.FieldTypeToQase[f.TypeID]),
		Value:        []qase.FieldValue{},
		IsFilterable: true,
		IsVisible:    true,
		IsRequired:   cfg.Options.IsRequired,
		DefaultValue: cfg.Options.DefaultValue,
	}
	if global {
		create.IsEnabledForAllProjects = true
	} else {
		create.ProjectsCodes = codes
	}

	items := make(map[string]string)
	qaseValues := make(map[int64]string)
	if f.TypeID == mapping.FieldTypeDropdown || f.TypeID == mapping.FieldTypeMultiselect {
		seen := make(map[string]bool)
		next := int64(1)
		for _, it := range parseItems(cfg.Options.Items) {
			items[it.Key] = it.Label
			if seen[it.Label] {
				continue
			}
			seen[it.Label] = true
			create.Value = append(create.Value, qase.FieldValue{ID: next, Title: it.Label})
			qaseValues[next] = it.Label
			next++
		}
	}
	return create, items, qaseValues
}

// adoptExistingField reuses a matching target field, appending any
// enum values or project scopes the source config has that the target
// lacks. The update endpoint replaces the whole value list, so the
// existing values are carried over with new ids appended after the
// current maximum.
func (e *Engine) adoptExistingField(ctx context.Context, f testrail.CaseField, qf *qase.CustomField) {
	var cfg testrail.FieldConfig
	if len(f.Configs) > 0 {
		cfg = f.Configs[0]
	}
	parsed := parseItems(cfg.Options.Items)
	items := make(map[string]string, len(parsed))
	for _, it := range parsed {
		items[it.Key] = it.Label
	}

	values := append([]qase.FieldValue(nil), qf.Value...)

	var missingValues []qase.FieldValue
	if f.TypeID == mapping.FieldTypeDropdown || f.TypeID == mapping.FieldTypeMultiselect {
		have := make(map[string]bool, len(values))
		for _, v := range values {
			have[strings.TrimSpace(v.Title)] = true
		}
		next := maxValueID(values) + 1
		for _, it := range parsed {
			if have[it.Label] {
				continue
			}
			have[it.Label] = true
			missingValues = append(missingValues, qase.FieldValue{ID: next, Title: it.Label})
			next++
		}
	}

	var missingProjects []string
	if !qf.IsEnabledForAllProjects && !cfg.Context.IsGlobal {
		have := make(map[string]bool, len(qf.ProjectsCodes))
		for _, c := range qf.ProjectsCodes {
			have[c] = true
		}
		for _, code := range e.projectCodes(cfg.Context.ProjectIDs) {
			if !have[code] {
				have[code] = true
				missingProjects = append(missingProjects, code)
			}
		}
	}

	if len(missingValues) > 0 || len(missingProjects) > 0 {
		merged := append(append([]qase.FieldValue(nil), values...), missingValues...)
		codes := qf.ProjectsCodes
		if len(missingProjects) > 0 {
			codes = append(append([]string(nil), codes...), missingProjects...)
		}
		upd := &qase.CustomFieldUpdate{
			Title:                   qf.Title,
			Type:                    qf.Type,
			Value:                   merged,
			IsEnabledForAllProjects: qf.IsEnabledForAllProjects,
			ProjectsCodes:           codes,
		}
		err := e.qs(ctx, func() error {
			return e.Target.UpdateCustomField(ctx, qf.ID, upd)
		})
		if err != nil {
			e.warn("[Fields] Failed to update field %s: %v", qf.Title, err)
		} else {
			values = merged
			e.msg("[Fields] Updated custom field %s (%d new values, %d new projects)",
				qf.Title, len(missingValues), len(missingProjects))
			if len(missingValues) > 0 {
				// The server may renumber appended values; its ids win.
				if fresh := e.refreshField(ctx, qf.ID, qf.Title); fresh != nil {
					values = fresh.Value
				}
			}
		}
	}

	qaseValues := make(map[int64]string, len(values))
	for _, v := range values {
		qaseValues[v.ID] = v.Title
	}

	e.Store.Fields[f.Name] = &mapping.Field{
		QaseID:        qf.ID,
		TypeID:        f.TypeID,
		Label:         qf.Title,
		Name:          f.Name,
		Items:         items,
		QaseValues:    qaseValues,
		TRKeyToQaseID: e.buildTRKeyMapping(qf.Title, items, qaseValues),
	}
	e.Stats.AddTarget("", stats.KindCustomFields, 1)
	e.msg("[Fields] Using existing custom field %s", qf.Title)
}

func (e *Engine) refreshField(ctx context.Context, id int64, title string) *qase.CustomField {
	var fresh *qase.CustomField
	err := e.qs(ctx, func() error {
		var err error
		fresh, err = e.Target.GetCustomField(ctx, id)
		return err
	})
	if err != nil {
		e.warn("[Fields] Failed to refresh field %s: %v", title, err)
		return nil
	}
	return fresh
}

// buildTRKeyMapping matches source enum keys to target value ids by
// trimmed label equality. Unmatched keys are left out so the case
// importer can warn and drop their values.
func (e *Engine) buildTRKeyMapping(label string, items map[string]string, qaseValues map[int64]string) map[string]int64 {
	out := make(map[string]int64, len(items))
	if len(items) == 0 {
		return out
	}
	byTitle := make(map[string]int64, len(qaseValues))
	for id, title := range qaseValues {
		byTitle[strings.TrimSpace(title)] = id
	}
	for key, lab := range items {
		if id, ok := byTitle[strings.TrimSpace(lab)]; ok {
			out[key] = id
		} else {
			e.warn("[Fields] No match found for value %q of field %s", lab, label)
		}
	}
	return out
}

// enumItem is one parsed line of an enum config's items blob.
type enumItem struct {
	Key   string
	Label string
}

// parseItems parses the "<key>,<label>" lines of an items blob in
// order. Labels may themselves contain commas; only the first one
// separates.
func parseItems(items string) []enumItem {
	var out []enumItem
	for _, line := range strings.Split(items, "\n") {
		key, label, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		label = strings.TrimSpace(label)
		if key == "" {
			continue
		}
		out = append(out, enumItem{Key: key, Label: label})
	}
	return out
}

func maxValueID(values []qase.FieldValue) int64 {
	var max int64
	for _, v := range values {
		if v.ID > max {
			max = v.ID
		}
	}
	return max
}

func (e *Engine) projectCodes(ids []int64) []string {
	var codes []string
	for _, id := range ids {
		if code, ok := e.Store.ProjectMap[id]; ok {
			codes = append(codes, code)
		}
	}
	return codes
}

// ensureSyntheticField finds a target field by title or creates it as
// a global, visible, filterable case field of the given type code.
func (e *Engine) ensureSyntheticField(ctx context.Context, existing []qase.CustomField, title string, typeCode int) (int64, error) {
	for i := range existing {
		if existing[i].Title == title {
			e.msg("[Fields] Using existing %s field", title)
			return existing[i].ID, nil
		}
	}
	create := &qase.CustomFieldCreate{
		Title:                   title,
		Entity:                  0,
		Type:                    typeCode,
		Value:                   []qase.FieldValue{},
		IsFilterable:            true,
		IsVisible:               true,
		IsEnabledForAllProjects: true,
	}
	var id int64
	err := e.qs(ctx, func() error {
		var err error
		id, err = e.Target.CreateCustomField(ctx, create)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.msg("[Fields] Created %s field", title)
	return id, nil
}

// buildSystemMaps resolves the four system enum translations. The
// builders write disjoint store maps, so they run concurrently.
func (e *Engine) buildSystemMaps(ctx context.Context) error {
	var sysFields []qase.SystemField
	err := e.qs(ctx, func() error {
		var err error
		sysFields, err = e.Target.GetSystemFields(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("system fields: %w", err)
	}
	bySlug := make(map[string]*qase.SystemField, len(sysFields))
	for i := range sysFields {
		bySlug[sysFields[i].Slug] = &sysFields[i]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.buildTypeMap(gctx, bySlug["type"]) })
	g.Go(func() error { return e.buildPriorityMap(gctx, bySlug["priority"]) })
	g.Go(func() error { return e.buildResultStatusMap(gctx, bySlug["result_status"]) })
	g.Go(func() error { return e.buildCaseStatusMap(gctx, bySlug["status"]) })
	return g.Wait()
}

func (e *Engine) buildTypeMap(ctx context.Context, sys *qase.SystemField) error {
	var types []testrail.CaseType
	err := e.tr(ctx, func() error {
		var err error
		types, err = e.Source.GetCaseTypes(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("case types: %w", err)
	}
	if sys == nil {
		e.warn("[Fields] No type system field on the target, using the default type")
		return nil
	}
	for _, t := range types {
		for _, o := range sys.Options {
			if strings.EqualFold(t.Name, o.Title) {
				e.Store.Types[t.ID] = o.ID
				break
			}
		}
	}
	return nil
}

func (e *Engine) buildPriorityMap(ctx context.Context, sys *qase.SystemField) error {
	var priorities []testrail.Priority
	err := e.tr(ctx, func() error {
		var err error
		priorities, err = e.Source.GetPriorities(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("priorities: %w", err)
	}
	if sys == nil {
		e.warn("[Fields] No priority system field on the target, using the default priority")
		return nil
	}
	def := int64(1)
	for _, o := range sys.Options {
		if strings.EqualFold(o.Title, "high") {
			def = o.ID
		}
	}
	e.Store.DefaultPriority = def
	for _, p := range priorities {
		id := def
		for _, o := range sys.Options {
			if strings.EqualFold(p.Name, o.Title) {
				id = o.ID
				break
			}
		}
		e.Store.Priorities[p.ID] = id
	}
	return nil
}

func (e *Engine) buildResultStatusMap(ctx context.Context, sys *qase.SystemField) error {
	var statuses []testrail.Status
	err := e.tr(ctx, func() error {
		var err error
		statuses, err = e.Source.GetResultStatuses(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("result statuses: %w", err)
	}
	if sys == nil {
		e.warn("[Fields] No result status system field on the target, using skipped")
		return nil
	}
	for _, s := range statuses {
		for _, o := range sys.Options {
			if strings.EqualFold(s.Label, o.Title) {
				e.Store.ResultStatuses[s.ID] = o.Slug
				break
			}
		}
	}
	return nil
}

// buildCaseStatusMap maps workflow statuses. The source endpoint only
// exists on 7.3+, so a failed fetch degrades to the default status.
func (e *Engine) buildCaseStatusMap(ctx context.Context, sys *qase.SystemField) error {
	var statuses []testrail.CaseStatus
	err := e.tr(ctx, func() error {
		var err error
		statuses, err = e.Source.GetCaseStatuses(ctx)
		return err
	})
	if err != nil {
		e.warn("[Fields] Case statuses unavailable: %v", err)
		return nil
	}
	if sys == nil {
		return nil
	}
	for _, s := range statuses {
		for _, o := range sys.Options {
			if strings.EqualFold(s.Name, o.Slug) {
				e.Store.CaseStatuses[s.CaseStatusID] = o.ID
				break
			}
		}
	}
	return nil
}
