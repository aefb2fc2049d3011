// Package testrail is a typed client for the TestRail REST API
// (index.php?/api/v2/) plus the cookie-authenticated web session used
// for the two endpoints the API does not expose: the global
// attachment index and raw attachment download.
package testrail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/qasehq/trq/internal/ratelimit"
)

const (
	defaultMaxRetries    = 7
	defaultBackoffFactor = 5 * time.Second
	defaultPageSize      = 100

	// A long 429 stretch gets its own budget so it cannot burn the
	// transient-failure attempts.
	maxRateLimitWaits = 60
)

// Config carries the connection settings for one TestRail install.
// APIToken, when set, is preferred over Password for API calls; the
// web session always authenticates with Password.
type Config struct {
	BaseURL           string
	User              string
	Password          string
	APIToken          string
	RequestsPerMinute int

	// Transport overrides the HTTP transport. Nil means the default.
	Transport http.RoundTripper
}

// Client talks to one TestRail install. All methods are safe for
// concurrent use; the rate limiter serializes API calls when
// RequestsPerMinute is set.
type Client struct {
	baseURL       string // trailing slash guaranteed
	apiURL        string
	user          string
	password      string
	authorization string
	httpClient    *http.Client
	limiter       *ratelimit.Limiter
	logger        *slog.Logger
	maxRetries    int
	backoffFactor time.Duration

	session      *session
	fallbackOnce sync.Once
}

// New builds a client. The web session is not established here; call
// Login before using the attachment index endpoints.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	token := cfg.APIToken
	if token == "" {
		token = cfg.Password
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + token))
	return &Client{
		baseURL:       base,
		apiURL:        base + "index.php?/api/v2/",
		user:          cfg.User,
		password:      cfg.Password,
		authorization: auth,
		httpClient:    &http.Client{Timeout: 60 * time.Second, Transport: cfg.Transport},
		limiter:       ratelimit.New(cfg.RequestsPerMinute),
		logger:        logger,
		maxRetries:    defaultMaxRetries,
		backoffFactor: defaultBackoffFactor,
	}
}

func (c *Client) newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffFactor
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(c.maxRetries))
}

// isRetryableError reports whether err looks like a transient
// transport failure worth another attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "unexpected eof") {
		return true
	}
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	return false
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

// doRequest performs one API call with retry. Transient failures and
// server errors back off exponentially up to maxRetries attempts;
// 429 responses wait out the limiter's retry delay on a separate
// budget so a rate-limit storm does not exhaust the retry attempts.
func (c *Client) doRequest(ctx context.Context, method, uri string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	url := c.apiURL + uri
	var out []byte
	rateLimitWaits := 0

	op := func() error {
		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			respBody, status, err := c.roundTrip(ctx, method, url, payload)
			if err != nil {
				if isRetryableError(err) {
					c.logger.Warn("testrail request failed, retrying", "url", url, "error", err)
					return err
				}
				return backoff.Permanent(err)
			}
			switch {
			case status == http.StatusTooManyRequests:
				rateLimitWaits++
				if rateLimitWaits > maxRateLimitWaits {
					return backoff.Permanent(fmt.Errorf("testrail: gave up after %d rate limit responses for %s", rateLimitWaits, url))
				}
				delay := c.limiter.RetryDelay()
				c.logger.Warn("testrail rate limit exceeded, waiting before retry", "url", url, "delay", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
				continue
			case status <= http.StatusCreated:
				out = respBody
				return nil
			case status == http.StatusForbidden:
				return backoff.Permanent(fmt.Errorf("testrail: access denied (403) for %s", url))
			case status == http.StatusBadRequest:
				return backoff.Permanent(fmt.Errorf("testrail: invalid data or entity not found (400) for %s: %s", url, respBody))
			case retryableStatus(status):
				c.logger.Warn("testrail server error, retrying", "url", url, "status", status)
				return fmt.Errorf("testrail: server error (%d) for %s", status, url)
			default:
				return backoff.Permanent(fmt.Errorf("testrail: unexpected status %d for %s: %s", status, url, respBody))
			}
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newRetryBackoff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// get issues a GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, uri string, out any) error {
	body, err := c.doRequest(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", uri, err)
	}
	return nil
}

// GetProjects returns every project, including completed ones; the
// caller decides which to migrate.
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Projects []Project `json:"projects"`
		}
		uri := fmt.Sprintf("get_projects&limit=%d&offset=%d", defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		projects = append(projects, page.Projects...)
		if len(page.Projects) < defaultPageSize {
			break
		}
	}
	return projects, nil
}

func (c *Client) GetSuites(ctx context.Context, projectID int64) ([]Suite, error) {
	var suites []Suite
	uri := fmt.Sprintf("get_suites/%d", projectID)
	if err := c.get(ctx, uri, &suites); err != nil {
		return nil, err
	}
	return suites, nil
}

// GetSections lists the sections of one suite; pass suiteID 0 for
// single-suite projects.
func (c *Client) GetSections(ctx context.Context, projectID, suiteID int64) ([]Section, error) {
	var sections []Section
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Sections []Section `json:"sections"`
		}
		uri := fmt.Sprintf("get_sections/%d&limit=%d&offset=%d", projectID, defaultPageSize, offset)
		if suiteID != 0 {
			uri += fmt.Sprintf("&suite_id=%d", suiteID)
		}
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		sections = append(sections, page.Sections...)
		if len(page.Sections) < defaultPageSize {
			break
		}
	}
	return sections, nil
}

// GetCases returns one page of cases. Unlike the other collection
// calls, paging is left to the caller: the case importer submits each
// page to the target as a unit.
func (c *Client) GetCases(ctx context.Context, projectID, suiteID int64, limit, offset int) (*CasePage, error) {
	uri := fmt.Sprintf("get_cases/%d&limit=%d&offset=%d", projectID, limit, offset)
	if suiteID != 0 {
		uri += fmt.Sprintf("&suite_id=%d", suiteID)
	}
	var page CasePage
	if err := c.get(ctx, uri, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetCaseTypes(ctx context.Context) ([]CaseType, error) {
	var types []CaseType
	if err := c.get(ctx, "get_case_types", &types); err != nil {
		return nil, err
	}
	return types, nil
}

func (c *Client) GetPriorities(ctx context.Context) ([]Priority, error) {
	var priorities []Priority
	if err := c.get(ctx, "get_priorities", &priorities); err != nil {
		return nil, err
	}
	return priorities, nil
}

func (c *Client) GetResultStatuses(ctx context.Context) ([]Status, error) {
	var statuses []Status
	if err := c.get(ctx, "get_statuses", &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) GetCaseStatuses(ctx context.Context) ([]CaseStatus, error) {
	var statuses []CaseStatus
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			CaseStatuses []CaseStatus `json:"case_statuses"`
		}
		uri := fmt.Sprintf("get_case_statuses&limit=%d&offset=%d", defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		statuses = append(statuses, page.CaseStatuses...)
		if len(page.CaseStatuses) < defaultPageSize {
			break
		}
	}
	return statuses, nil
}

func (c *Client) GetCaseFields(ctx context.Context) ([]CaseField, error) {
	var fields []CaseField
	if err := c.get(ctx, "get_case_fields", &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (c *Client) GetMilestones(ctx context.Context, projectID int64) ([]Milestone, error) {
	var milestones []Milestone
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Milestones []Milestone `json:"milestones"`
		}
		uri := fmt.Sprintf("get_milestones/%d&limit=%d&offset=%d", projectID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		milestones = append(milestones, page.Milestones...)
		if len(page.Milestones) < defaultPageSize {
			break
		}
	}
	return milestones, nil
}

func (c *Client) GetConfigGroups(ctx context.Context, projectID int64) ([]ConfigGroup, error) {
	var groups []ConfigGroup
	uri := fmt.Sprintf("get_configs/%d", projectID)
	if err := c.get(ctx, uri, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) GetSharedSteps(ctx context.Context, projectID int64) ([]SharedStep, error) {
	var steps []SharedStep
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			SharedSteps []SharedStep `json:"shared_steps"`
		}
		uri := fmt.Sprintf("get_shared_steps/%d&limit=%d&offset=%d", projectID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		steps = append(steps, page.SharedSteps...)
		if len(page.SharedSteps) < defaultPageSize {
			break
		}
	}
	return steps, nil
}

// GetRuns lists the standalone runs of a project. Runs that belong to
// a plan are reachable only through GetPlans/GetPlan.
func (c *Client) GetRuns(ctx context.Context, projectID int64) ([]Run, error) {
	var runs []Run
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Runs []Run `json:"runs"`
		}
		uri := fmt.Sprintf("get_runs/%d&limit=%d&offset=%d", projectID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		runs = append(runs, page.Runs...)
		if len(page.Runs) < defaultPageSize {
			break
		}
	}
	return runs, nil
}

// GetPlans lists plan summaries; entries are only present on GetPlan.
func (c *Client) GetPlans(ctx context.Context, projectID int64) ([]Plan, error) {
	var plans []Plan
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Plans []Plan `json:"plans"`
		}
		uri := fmt.Sprintf("get_plans/%d&limit=%d&offset=%d", projectID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		plans = append(plans, page.Plans...)
		if len(page.Plans) < defaultPageSize {
			break
		}
	}
	return plans, nil
}

func (c *Client) GetPlan(ctx context.Context, planID int64) (*Plan, error) {
	var plan Plan
	uri := fmt.Sprintf("get_plan/%d", planID)
	if err := c.get(ctx, uri, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *Client) GetTests(ctx context.Context, runID int64) ([]Test, error) {
	var tests []Test
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Tests []Test `json:"tests"`
		}
		uri := fmt.Sprintf("get_tests/%d&limit=%d&offset=%d", runID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		tests = append(tests, page.Tests...)
		if len(page.Tests) < defaultPageSize {
			break
		}
	}
	return tests, nil
}

func (c *Client) GetResults(ctx context.Context, runID int64) ([]Result, error) {
	var results []Result
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Results []Result `json:"results"`
		}
		uri := fmt.Sprintf("get_results_for_run/%d&limit=%d&offset=%d", runID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		results = append(results, page.Results...)
		if len(page.Results) < defaultPageSize {
			break
		}
	}
	return results, nil
}

func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	var users []User
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Users []User `json:"users"`
		}
		uri := fmt.Sprintf("get_users&limit=%d&offset=%d", defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		users = append(users, page.Users...)
		if len(page.Users) < defaultPageSize {
			break
		}
	}
	return users, nil
}

func (c *Client) GetCaseAttachments(ctx context.Context, caseID int64) ([]CaseAttachment, error) {
	var attachments []CaseAttachment
	for offset := 0; ; offset += defaultPageSize {
		var page struct {
			Attachments []CaseAttachment `json:"attachments"`
		}
		uri := fmt.Sprintf("get_attachments_for_case/%d&limit=%d&offset=%d", caseID, defaultPageSize, offset)
		if err := c.get(ctx, uri, &page); err != nil {
			return nil, err
		}
		attachments = append(attachments, page.Attachments...)
		if len(page.Attachments) < defaultPageSize {
			break
		}
	}
	return attachments, nil
}
