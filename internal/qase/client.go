// Package qase is a typed client for the Qase TestOps REST API, v1
// plus the v2 results endpoint, with the migration marker header set
// on every call.
package qase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/qasehq/trq/internal/ratelimit"
)

const (
	defaultMaxRetries    = 7
	defaultBackoffFactor = 5 * time.Second
	defaultPageSize      = 100

	// The enterprise tier rejects larger case batches.
	enterpriseBulkLimit = 20

	// A long 429 stretch gets its own budget so it cannot burn the
	// transient-failure attempts.
	maxRateLimitWaits = 60

	projectExistsError = "Project with the same code already exists."
)

// ErrAttachmentTooLarge marks an upload rejected with 413. The upload
// is already logged when this is returned; callers skip the file.
var ErrAttachmentTooLarge = errors.New("attachment too large")

// Config carries the connection settings for one Qase workspace.
type Config struct {
	APIToken   string
	Host       string // e.g. "qase.io"
	SSL        bool
	Enterprise bool
	SCIMToken  string

	// BaseURL, when set, bypasses the host derivation entirely; the
	// v1, v2 and SCIM endpoints are rooted under it. Used for
	// gateways in front of a workspace.
	BaseURL string

	// Transport overrides the HTTP transport. Nil means the default.
	Transport http.RoundTripper
}

// Client talks to one Qase workspace. All methods are safe for
// concurrent use.
type Client struct {
	apiV1      string
	apiV2      string
	scimURL    string
	token      string
	scimToken  string
	enterprise bool
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	maxRetries    int
	backoffFactor time.Duration
}

// New builds a client. The API host is api.{host} (api-{host} on the
// enterprise tier); SCIM provisioning goes through app.{host}.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	scheme := "https"
	if !cfg.SSL {
		scheme = "http"
	}
	delimiter := "."
	if cfg.Enterprise {
		delimiter = "-"
	}
	apiV1 := fmt.Sprintf("%s://api%s%s/v1", scheme, delimiter, cfg.Host)
	apiV2 := fmt.Sprintf("%s://api%s%s/v2", scheme, delimiter, cfg.Host)
	scimURL := fmt.Sprintf("%s://app%s%s/scim/v2", scheme, delimiter, cfg.Host)
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		apiV1 = base + "/v1"
		apiV2 = base + "/v2"
		scimURL = base + "/scim/v2"
	}
	return &Client{
		apiV1:         apiV1,
		apiV2:         apiV2,
		scimURL:       scimURL,
		token:         cfg.APIToken,
		scimToken:     cfg.SCIMToken,
		enterprise:    cfg.Enterprise,
		httpClient:    &http.Client{Timeout: 60 * time.Second, Transport: cfg.Transport},
		limiter:       ratelimit.New(0),
		logger:        logger,
		maxRetries:    defaultMaxRetries,
		backoffFactor: defaultBackoffFactor,
	}
}

// Enterprise reports whether the workspace is on the enterprise tier.
func (c *Client) Enterprise() bool { return c.enterprise }

// BulkLimit is the page size for bulk case submission.
func (c *Client) BulkLimit() int {
	if c.enterprise {
		return enterpriseBulkLimit
	}
	return defaultPageSize
}

// APIError is a non-retryable error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Fields     []FieldError
}

// FieldError is one entry of the errorFields list in an error body.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("qase: %s (%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("qase: %s (%d)", http.StatusText(e.StatusCode), e.StatusCode)
}

// HasFieldError reports whether any errorFields entry carries exactly msg.
func (e *APIError) HasFieldError(msg string) bool {
	for _, f := range e.Fields {
		if f.Error == msg {
			return true
		}
	}
	return false
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var parsed struct {
		ErrorMessage string       `json:"errorMessage"`
		Message      string       `json:"message"`
		ErrorFields  []FieldError `json:"errorFields"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Message = parsed.ErrorMessage
		if apiErr.Message == "" {
			apiErr.Message = parsed.Message
		}
		apiErr.Fields = parsed.ErrorFields
	}
	return apiErr
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

func (c *Client) roundTrip(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Token", c.token)
	req.Header.Set("X-Qase-Migration", "true")
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

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

// do performs one API call with retry. Transient failures and server
// errors back off exponentially up to maxRetries attempts; 429
// responses are waited out on a separate budget so a rate-limit storm
// does not exhaust the retry attempts.
func (c *Client) do(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, error) {
	var out []byte
	rateLimitWaits := 0

	op := func() error {
		for {
			respBody, status, err := c.roundTrip(ctx, method, url, contentType, payload)
			if err != nil {
				if isRetryableError(err) {
					c.logger.Warn("qase request failed, retrying", "url", url, "error", err)
					return err
				}
				return backoff.Permanent(err)
			}
			switch {
			case status == http.StatusTooManyRequests:
				rateLimitWaits++
				if rateLimitWaits > maxRateLimitWaits {
					return backoff.Permanent(fmt.Errorf("qase: gave up after %d rate limit responses for %s", rateLimitWaits, url))
				}
				delay := c.limiter.RetryDelay()
				c.logger.Warn("qase rate limit exceeded, waiting before retry", "url", url, "delay", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
				continue
			case status < 300:
				out = respBody
				return nil
			case retryableStatus(status):
				c.logger.Warn("qase server error, retrying", "url", url, "status", status)
				return fmt.Errorf("qase: server error (%d) for %s", status, url)
			default:
				return backoff.Permanent(newAPIError(status, respBody))
			}
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newRetryBackoff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// call performs a JSON request and decodes the result member of the
// standard {status, result} envelope into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}
	respBody, err := c.do(ctx, method, url, "application/json", payload)
	if err != nil {
		return err
	}
	if len(respBody) == 0 {
		return nil
	}
	var env struct {
		Status       bool            `json:"status"`
		Result       json.RawMessage `json:"result"`
		ErrorMessage string          `json:"errorMessage"`
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("parse %s response: %w", url, err)
	}
	if !env.Status {
		msg := env.ErrorMessage
		if msg == "" {
			msg = "request not successful"
		}
		return fmt.Errorf("qase: %s: %s", url, msg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("parse %s result: %w", url, err)
		}
	}
	return nil
}

// GetAuthors lists every user-type author in the workspace.
func (c *Client) GetAuthors(ctx context.Context) ([]Author, error) {
	var authors []Author
	for offset := 0; ; offset += defaultPageSize {
		u := fmt.Sprintf("%s/author?limit=%d&offset=%d&type=user", c.apiV1, defaultPageSize, offset)
		var page struct {
			Entities []Author `json:"entities"`
		}
		if err := c.call(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		authors = append(authors, page.Entities...)
		if len(page.Entities) < defaultPageSize {
			break
		}
	}
	return authors, nil
}

// GetAuthor finds one author by email. Returns nil when there is no
// match.
func (c *Client) GetAuthor(ctx context.Context, email string) (*Author, error) {
	q := url.Values{"search": {email}, "limit": {"1"}, "type": {"user"}}
	u := c.apiV1 + "/author?" + q.Encode()
	var page struct {
		Entities []Author `json:"entities"`
	}
	if err := c.call(ctx, http.MethodGet, u, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Entities) == 0 {
		return nil, nil
	}
	return &page.Entities[0], nil
}

// CreateProject creates a project. A code collision with an existing
// project is treated as success so re-runs can reuse it.
func (c *Client) CreateProject(ctx context.Context, p *ProjectCreate) error {
	err := c.call(ctx, http.MethodPost, c.apiV1+"/project", p, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HasFieldError(projectExistsError) {
		c.logger.Info("project already exists, using it", "code", p.Code)
		return nil
	}
	return err
}

// GetCustomFields lists the case custom fields of the workspace.
func (c *Client) GetCustomFields(ctx context.Context) ([]CustomField, error) {
	var fields []CustomField
	for offset := 0; ; offset += defaultPageSize {
		u := fmt.Sprintf("%s/custom_field?entity=case&limit=%d&offset=%d", c.apiV1, defaultPageSize, offset)
		var page struct {
			Entities []CustomField `json:"entities"`
		}
		if err := c.call(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		fields = append(fields, page.Entities...)
		if len(page.Entities) < defaultPageSize {
			break
		}
	}
	return fields, nil
}

// GetCustomField fetches one custom field by id.
func (c *Client) GetCustomField(ctx context.Context, id int64) (*CustomField, error) {
	u := fmt.Sprintf("%s/custom_field/%d", c.apiV1, id)
	var field CustomField
	if err := c.call(ctx, http.MethodGet, u, nil, &field); err != nil {
		return nil, err
	}
	return &field, nil
}

// CreateCustomField creates a custom field and returns its id.
func (c *Client) CreateCustomField(ctx context.Context, f *CustomFieldCreate) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, c.apiV1+"/custom_field", f, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// UpdateCustomField replaces the listed properties of a custom field.
func (c *Client) UpdateCustomField(ctx context.Context, id int64, f *CustomFieldUpdate) error {
	u := fmt.Sprintf("%s/custom_field/%d", c.apiV1, id)
	return c.call(ctx, http.MethodPatch, u, f, nil)
}

// GetSystemFields lists the built-in fields with their options.
func (c *Client) GetSystemFields(ctx context.Context) ([]SystemField, error) {
	var fields []SystemField
	if err := c.call(ctx, http.MethodGet, c.apiV1+"/system_field", nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// CreateSuite creates a suite and returns its id.
func (c *Client) CreateSuite(ctx context.Context, code string, s *SuiteCreate) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	u := fmt.Sprintf("%s/suite/%s", c.apiV1, code)
	if err := c.call(ctx, http.MethodPost, u, s, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// CreateCases submits one batch of cases.
func (c *Client) CreateCases(ctx context.Context, code string, cases []CasePayload) error {
	u := fmt.Sprintf("%s/case/%s/bulk", c.apiV1, code)
	payload := struct {
		Cases []CasePayload `json:"cases"`
	}{Cases: cases}
	return c.call(ctx, http.MethodPost, u, payload, nil)
}

// CreateRun creates a run and returns its id.
func (c *Client) CreateRun(ctx context.Context, code string, r *RunCreate) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	u := fmt.Sprintf("%s/run/%s", c.apiV1, code)
	if err := c.call(ctx, http.MethodPost, u, r, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// CompleteRun marks a run as completed.
func (c *Client) CompleteRun(ctx context.Context, code string, runID int64) error {
	u := fmt.Sprintf("%s/run/%s/%d/complete", c.apiV1, code, runID)
	return c.call(ctx, http.MethodPost, u, nil, nil)
}

// CreateResultsBulk posts results through the v1 bulk endpoint.
func (c *Client) CreateResultsBulk(ctx context.Context, code string, runID int64, results []ResultItem) error {
	u := fmt.Sprintf("%s/result/%s/%d/bulk", c.apiV1, code, runID)
	payload := struct {
		Results []ResultItem `json:"results"`
	}{Results: results}
	return c.call(ctx, http.MethodPost, u, payload, nil)
}

// CreateResultsV2 posts results through the v2 bulk endpoint, which
// replies 202 with an empty body.
func (c *Client) CreateResultsV2(ctx context.Context, code string, runID int64, results []ResultCreateV2) error {
	u := fmt.Sprintf("%s/%s/runs/%d/results", c.apiV2, code, runID)
	payload := struct {
		Results []ResultCreateV2 `json:"results"`
	}{Results: results}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, u, "application/json", data)
	return err
}

// CreateMilestone creates a milestone and returns its id.
func (c *Client) CreateMilestone(ctx context.Context, code string, m *MilestoneCreate) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	u := fmt.Sprintf("%s/milestone/%s", c.apiV1, code)
	if err := c.call(ctx, http.MethodPost, u, m, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// CreateConfigurationGroup creates a configuration group and returns
// its id.
func (c *Client) CreateConfigurationGroup(ctx context.Context, code, title string) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	u := fmt.Sprintf("%s/configuration/group/%s", c.apiV1, code)
	payload := struct {
		Title string `json:"title"`
	}{Title: title}
	if err := c.call(ctx, http.MethodPost, u, payload, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// CreateConfiguration creates a configuration inside a group and
// returns its id.
func (c *Client) CreateConfiguration(ctx context.Context, code, title string, groupID int64) (int64, error) {
	var result struct {
		ID int64 `json:"id"`
	}
	u := fmt.Sprintf("%s/configuration/%s", c.apiV1, code)
	payload := struct {
		Title   string `json:"title"`
		GroupID int64  `json:"group_id"`
	}{Title: title, GroupID: groupID}
	if err := c.call(ctx, http.MethodPost, u, payload, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// CreateSharedStep creates a shared step and returns its content hash.
func (c *Client) CreateSharedStep(ctx context.Context, code, title string, steps []SharedStepItem) (string, error) {
	var result struct {
		Hash string `json:"hash"`
	}
	u := fmt.Sprintf("%s/shared_step/%s", c.apiV1, code)
	payload := struct {
		Title string           `json:"title"`
		Steps []SharedStepItem `json:"steps"`
	}{Title: title, Steps: steps}
	if err := c.call(ctx, http.MethodPost, u, payload, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// UploadAttachment uploads one file and returns its hash and URL.
// Files the server rejects as oversized return ErrAttachmentTooLarge
// after logging the filename and size.
func (c *Client) UploadAttachment(ctx context.Context, code, filename string, content []byte) (*Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file[]", filename)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	u := fmt.Sprintf("%s/attachment/%s", c.apiV1, code)
	body, err := c.do(ctx, http.MethodPost, u, w.FormDataContentType(), buf.Bytes())
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusRequestEntityTooLarge {
			c.logger.Warn("attachment upload rejected as too large",
				"project", code,
				"file", filename,
				"size_bytes", len(content),
				"size_mb", fmt.Sprintf("%.2f", float64(len(content))/(1024*1024)))
			return nil, ErrAttachmentTooLarge
		}
		return nil, err
	}
	var env struct {
		Status bool         `json:"status"`
		Result []Attachment `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse upload response: %w", err)
	}
	if !env.Status || len(env.Result) == 0 {
		return nil, fmt.Errorf("qase: attachment upload for %s returned no result", filename)
	}
	return &env.Result[0], nil
}

// GetTestCases lists the cases of a project. Older instances answer
// with a "cases" member instead of "entities".
func (c *Client) GetTestCases(ctx context.Context, code string) ([]TestCase, error) {
	var cases []TestCase
	for offset := 0; ; offset += defaultPageSize {
		u := fmt.Sprintf("%s/case/%s?limit=%d&offset=%d", c.apiV1, code, defaultPageSize, offset)
		var page struct {
			Entities []TestCase `json:"entities"`
			Cases    []TestCase `json:"cases"`
		}
		if err := c.call(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		batch := page.Entities
		if len(batch) == 0 {
			batch = page.Cases
		}
		cases = append(cases, batch...)
		if len(batch) < defaultPageSize {
			break
		}
	}
	return cases, nil
}

// GetTestCase fetches one case; some instances nest the object under a
// "case" member.
func (c *Client) GetTestCase(ctx context.Context, code string, id int64) (*TestCase, error) {
	u := fmt.Sprintf("%s/case/%s/%d", c.apiV1, code, id)
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return nil, err
	}
	var wrapper struct {
		Case json.RawMessage `json:"case"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Case) > 0 && wrapper.Case[0] == '{' {
		raw = wrapper.Case
	}
	var tc TestCase
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("parse case %d: %w", id, err)
	}
	return &tc, nil
}

// GetRunResults lists the recorded results of one run.
func (c *Client) GetRunResults(ctx context.Context, code string, runID int64) ([]RunResult, error) {
	var results []RunResult
	for offset := 0; ; offset += defaultPageSize {
		u := fmt.Sprintf("%s/result/%s?run=%d&limit=%d&offset=%d", c.apiV1, code, runID, defaultPageSize, offset)
		var page struct {
			Entities []RunResult `json:"entities"`
			Results  []RunResult `json:"results"`
		}
		if err := c.call(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, err
		}
		batch := page.Entities
		if len(batch) == 0 {
			batch = page.Results
		}
		results = append(results, batch...)
		if len(batch) < defaultPageSize {
			break
		}
	}
	return results, nil
}

// CreateResult posts a single result to a run and returns the result
// hash.
func (c *Client) CreateResult(ctx context.Context, code string, runID int64, r *ResultCreate) (string, error) {
	var result struct {
		Hash string `json:"hash"`
	}
	u := fmt.Sprintf("%s/result/%s/%d", c.apiV1, code, runID)
	if err := c.call(ctx, http.MethodPost, u, r, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}
