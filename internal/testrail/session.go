package testrail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

const (
	attachmentIndexWorkers  = 24
	attachmentIndexPageSize = 30
	attachmentIndexCap      = 120000

	// TestRail serves the login form to browsers only.
	sessionUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// session is the cookie-authenticated side channel for the web-only
// endpoints. token is the CSRF value scraped from the login response;
// it may be empty, in which case the attachment index posts without
// it and relies on the install not enforcing CSRF there.
type session struct {
	client *http.Client
	token  string
}

// Login establishes the web session by posting the interactive login
// form and scraping the CSRF token from the response. The attachment
// importer calls this once; on failure it degrades to API downloads.
func (c *Client) Login(ctx context.Context) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	hc := &http.Client{Jar: jar, Transport: c.httpClient.Transport}

	form := url.Values{
		"name":       {c.user},
		"password":   {c.password},
		"rememberme": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"index.php?/auth/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", sessionUserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse login page: %w", err)
	}
	token, ok := doc.Find(`input[name="_token"]`).Attr("value")
	if !ok {
		c.logger.Warn("csrf token not found on login page, attachment index may be unavailable")
	}
	c.session = &session{client: hc, token: token}
	return nil
}

// HasSession reports whether Login succeeded.
func (c *Client) HasSession() bool {
	return c.session != nil
}

// GetAttachmentsList enumerates the install-wide attachment index
// through concurrent paged requests, newest first. Enumeration stops
// at the first empty page or page error; on error the records
// gathered so far are returned, matching the index's best-effort
// contract.
func (c *Client) GetAttachmentsList(ctx context.Context) ([]AttachmentRecord, error) {
	if c.session == nil {
		return nil, fmt.Errorf("testrail: attachment index requires a web session, call Login first")
	}

	var (
		mu      sync.Mutex
		records []AttachmentRecord
		next    atomic.Int64
		done    atomic.Bool
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < attachmentIndexWorkers; i++ {
		g.Go(func() error {
			for {
				if done.Load() || ctx.Err() != nil {
					return nil
				}
				offset := next.Add(attachmentIndexPageSize) - attachmentIndexPageSize
				if offset >= attachmentIndexCap {
					done.Store(true)
					return nil
				}
				c.logger.Debug("fetching attachment index page", "offset", offset)
				page, err := c.fetchAttachmentPage(ctx, offset)
				if err != nil {
					c.logger.Warn("attachment index page failed, stopping enumeration", "offset", offset, "error", err)
					done.Store(true)
					return nil
				}
				if len(page) == 0 {
					done.Store(true)
					return nil
				}
				mu.Lock()
				records = append(records, page...)
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) fetchAttachmentPage(ctx context.Context, offset int64) ([]AttachmentRecord, error) {
	form := url.Values{
		"offset":    {strconv.FormatInt(offset, 10)},
		"order_by":  {"created_on"},
		"order_dir": {"desc"},
	}
	if c.session.token != "" {
		form.Set("_token", c.session.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"index.php?/attachments/overview/0", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", sessionUserAgent)

	resp, err := c.session.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Data []AttachmentRecord `json:"data"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("parse attachment index: %w", err)
	}
	return payload.Data, nil
}

// DownloadAttachment fetches one attachment's bytes and its filename.
// The cookie session is preferred because the API endpoint strips
// some metadata on older installs; without a session the API endpoint
// is used and the downgrade is logged once.
func (c *Client) DownloadAttachment(ctx context.Context, id string) (string, []byte, error) {
	if c.session == nil {
		c.fallbackOnce.Do(func() {
			c.logger.Warn("no web session, downloading attachments through the API endpoint")
		})
		return c.downloadViaAPI(ctx, id)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"index.php?/attachments/get/"+id, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", sessionUserAgent)

	resp, err := c.session.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download attachment %s: unexpected status %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read attachment %s: %w", id, err)
	}
	return filenameFromDisposition(resp.Header.Get("Content-Disposition")), body, nil
}

func (c *Client) downloadViaAPI(ctx context.Context, id string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"get_attachment/"+id, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.authorization)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download attachment %s: unexpected status %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read attachment %s: %w", id, err)
	}
	return filenameFromDisposition(resp.Header.Get("Content-Disposition")), body, nil
}

// filenameFromDisposition extracts the filename from a
// Content-Disposition header. TestRail sends the RFC 5987 filename*
// parameter (UTF-8, percent-encoded); the plain filename parameter is
// accepted as a fallback.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	const marker = "filename*=UTF-8''"
	if i := strings.Index(header, marker); i >= 0 {
		rest := header[i+len(marker):]
		if j := strings.IndexByte(rest, ';'); j >= 0 {
			rest = rest[:j]
		}
		if name, err := url.PathUnescape(rest); err == nil {
			return name
		}
	}
	return ""
}

func decodeJSON(r io.Reader, out any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
