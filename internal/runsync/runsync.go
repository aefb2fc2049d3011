// Package runsync copies test run results between two projects of the
// same workspace. Projects that mirror each other's cases keep the
// counterpart's case id in a shared custom field; the syncer resolves
// that correspondence and replays run results across it.
package runsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/qasehq/trq/internal/qase"
)

// Field source values pin the correspondence lookup to one side.
const (
	SourceProjectA = "project_a"
	SourceProjectB = "project_b"
)

// The target throttles result writes; pace them a little.
const postDelay = 50 * time.Millisecond

// Config selects the two runs and the custom field linking their
// projects' cases.
type Config struct {
	ProjectA string
	ProjectB string
	RunA     int64
	RunB     int64

	// Field names the custom field holding the counterpart case id.
	// FieldSource pins which project's cases carry it; when empty both
	// directions are tried, B first.
	Field       string
	FieldSource string
}

// Validate reports configuration errors before any HTTP happens.
func (c Config) Validate() error {
	if c.ProjectA == "" || c.ProjectB == "" {
		return errors.New("runsync: both project codes are required")
	}
	if c.RunA <= 0 || c.RunB <= 0 {
		return errors.New("runsync: both run ids are required")
	}
	if c.Field == "" {
		return errors.New("runsync: link field name is required")
	}
	switch c.FieldSource {
	case "", SourceProjectA, SourceProjectB:
		return nil
	default:
		return fmt.Errorf("runsync: unknown field source %q", c.FieldSource)
	}
}

// Synced is one replayed result.
type Synced struct {
	CaseB  int64
	CaseA  int64
	Status string
	Hash   string
}

// Skipped is one result that could not be replayed.
type Skipped struct {
	CaseB  int64
	Reason string
}

// Report summarizes one sync.
type Report struct {
	Pairs   int
	Synced  []Synced
	Skipped []Skipped
}

// Syncer drives one run-to-run sync.
type Syncer struct {
	client *qase.Client
	cfg    Config
	logger *slog.Logger
}

func New(client *qase.Client, cfg Config, logger *slog.Logger) *Syncer {
	return &Syncer{client: client, cfg: cfg, logger: logger}
}

// Sync builds the case correspondence and copies every mappable result
// of run B into run A. Per-result failures land in the report; only a
// missing correspondence or an unreadable result list is fatal.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	pairs, err := s.casePairs(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("case correspondence ready", "pairs", len(pairs))

	results, err := s.client.GetRunResults(ctx, s.cfg.ProjectB, s.cfg.RunB)
	if err != nil {
		return nil, fmt.Errorf("run %d results: %w", s.cfg.RunB, err)
	}
	s.logger.Info("replaying results", "run", s.cfg.RunB, "count", len(results))

	report := &Report{Pairs: len(pairs)}
	for _, r := range results {
		caseA, ok := pairs[r.CaseID]
		if !ok {
			report.Skipped = append(report.Skipped, Skipped{CaseB: r.CaseID, Reason: "no corresponding case"})
			continue
		}
		hash, err := s.client.CreateResult(ctx, s.cfg.ProjectA, s.cfg.RunA, resultPayload(caseA, r))
		if err != nil {
			report.Skipped = append(report.Skipped, Skipped{CaseB: r.CaseID, Reason: err.Error()})
			continue
		}
		report.Synced = append(report.Synced, Synced{CaseB: r.CaseID, CaseA: caseA, Status: r.Status, Hash: hash})
		time.Sleep(postDelay)
	}
	return report, nil
}

// casePairs resolves case ids of project B to their counterparts in
// project A: the custom field correspondence in both directions, then
// a normalized title match.
func (s *Syncer) casePairs(ctx context.Context) (map[int64]int64, error) {
	pairs := s.pairsByField(ctx)
	if len(pairs) > 0 {
		return pairs, nil
	}
	pairs, err := s.pairsByTitle(ctx)
	if err != nil {
		return nil, err
	}
	if len(pairs) > 0 {
		return pairs, nil
	}
	return nil, fmt.Errorf("no case correspondence between %s and %s: check the %s field or align case titles",
		s.cfg.ProjectA, s.cfg.ProjectB, s.cfg.Field)
}

func (s *Syncer) pairsByField(ctx context.Context) map[int64]int64 {
	fieldA, fieldB := s.fieldIDs(ctx)

	if s.cfg.FieldSource != SourceProjectA {
		s.logger.Info("scanning cases for linked ids", "project", s.cfg.ProjectB)
		pairs, err := s.scanProject(ctx, s.cfg.ProjectB, fieldB, false)
		if err != nil {
			s.logger.Warn("case scan failed", "project", s.cfg.ProjectB, "err", err)
		} else if len(pairs) > 0 {
			s.logger.Info("correspondence built from linked ids", "project", s.cfg.ProjectB, "pairs", len(pairs))
			return pairs
		}
	}
	if s.cfg.FieldSource != SourceProjectB {
		s.logger.Info("scanning cases for linked ids", "project", s.cfg.ProjectA)
		pairs, err := s.scanProject(ctx, s.cfg.ProjectA, fieldA, true)
		if err != nil {
			s.logger.Warn("case scan failed", "project", s.cfg.ProjectA, "err", err)
		} else if len(pairs) > 0 {
			s.logger.Info("correspondence built from linked ids", "project", s.cfg.ProjectA, "pairs", len(pairs))
			return pairs
		}
	}
	return nil
}

// scanProject reads every case of code and collects id pairs from the
// link field. Scanning B yields pairs directly; scanning A (reverse)
// yields them flipped, since there the field holds B's id.
func (s *Syncer) scanProject(ctx context.Context, code string, fieldID int64, reverse bool) (map[int64]int64, error) {
	cases, err := s.client.GetTestCases(ctx, code)
	if err != nil {
		return nil, err
	}
	pairs := make(map[int64]int64)
	collect := func(id int64, raw json.RawMessage) {
		linked, ok := fieldValue(raw, s.cfg.Field, fieldID)
		if !ok || linked == 0 || id == 0 {
			return
		}
		if reverse {
			pairs[linked] = id
		} else {
			pairs[id] = linked
		}
	}
	for _, c := range cases {
		collect(c.ID, c.Raw)
	}
	if len(pairs) > 0 || len(cases) == 0 {
		return pairs, nil
	}

	// Some instances omit the custom field container from listings;
	// fetch each case individually before giving up on this side.
	s.logger.Info("listing carried no linked ids, fetching cases individually", "project", code)
	for _, c := range cases {
		if c.ID == 0 {
			continue
		}
		full, err := s.client.GetTestCase(ctx, code, c.ID)
		if err != nil {
			return nil, err
		}
		collect(full.ID, full.Raw)
	}
	return pairs, nil
}

func (s *Syncer) pairsByTitle(ctx context.Context) (map[int64]int64, error) {
	s.logger.Info("matching cases by normalized title")
	casesA, err := s.client.GetTestCases(ctx, s.cfg.ProjectA)
	if err != nil {
		return nil, fmt.Errorf("list %s cases: %w", s.cfg.ProjectA, err)
	}
	casesB, err := s.client.GetTestCases(ctx, s.cfg.ProjectB)
	if err != nil {
		return nil, fmt.Errorf("list %s cases: %w", s.cfg.ProjectB, err)
	}

	byTitle := make(map[string]int64, len(casesA))
	for _, c := range casesA {
		if t := normalizeTitle(c.Title); t != "" && c.ID != 0 {
			byTitle[t] = c.ID
		}
	}
	pairs := make(map[int64]int64)
	for _, c := range casesB {
		t := normalizeTitle(c.Title)
		if t == "" || c.ID == 0 {
			continue
		}
		if caseA, ok := byTitle[t]; ok {
			pairs[c.ID] = caseA
		}
	}
	s.logger.Info("title match done", "pairs", len(pairs))
	return pairs, nil
}

// fieldIDs resolves the link field's id as seen from each project. A
// missing field on one side only disables the id-based record lookup
// there; name matching still applies.
func (s *Syncer) fieldIDs(ctx context.Context) (fieldA, fieldB int64) {
	fields, err := s.client.GetCustomFields(ctx)
	if err != nil {
		s.logger.Warn("custom field metadata unavailable", "err", err)
		return 0, 0
	}
	for _, f := range fields {
		if !strings.EqualFold(f.Title, s.cfg.Field) {
			continue
		}
		if fieldA == 0 && fieldScopedTo(f, s.cfg.ProjectA) {
			fieldA = f.ID
		}
		if fieldB == 0 && fieldScopedTo(f, s.cfg.ProjectB) {
			fieldB = f.ID
		}
	}
	return fieldA, fieldB
}

func fieldScopedTo(f qase.CustomField, code string) bool {
	if f.IsEnabledForAllProjects || len(f.ProjectsCodes) == 0 {
		return true
	}
	return slices.Contains(f.ProjectsCodes, code)
}

var passthroughStatuses = map[string]bool{
	"passed":  true,
	"failed":  true,
	"skipped": true,
	"blocked": true,
}

// resultStatus passes the four common statuses through; anything else
// posts as failed rather than being rejected by the target.
func resultStatus(status string) string {
	if passthroughStatuses[status] {
		return status
	}
	return "failed"
}

func resultPayload(caseA int64, r qase.RunResult) *qase.ResultCreate {
	return &qase.ResultCreate{
		CaseID:      caseA,
		Status:      resultStatus(r.Status),
		Time:        r.Time,
		TimeMS:      r.TimeMS,
		Comment:     fmt.Sprintf("[Synced from B case %d] %s", r.CaseID, r.Comment),
		Stacktrace:  r.Stacktrace,
		Attachments: r.Attachments,
	}
}
