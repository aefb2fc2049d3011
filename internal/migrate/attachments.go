package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/pool"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

// Embedded attachment references look like
// ![](index.php?/attachments/get/<uuid>); older installs use numeric
// ids in the same place.
var attachmentIDPattern = regexp.MustCompile(`index\.php\?/attachments/get/([a-f0-9-]+)`)

const cacheDir = "cache"

// importAttachments enumerates the source attachment index, downloads
// every binary and re-uploads it to the owning target project. The
// resulting hash map feeds the text substitution and the raw id
// translation used by cases and results.
func (e *Engine) importAttachments(ctx context.Context) error {
	e.msg("[Attachments] Importing all attachments")

	err := e.tr(ctx, func() error {
		return e.Source.Login(ctx)
	})
	if err != nil {
		e.warn("[Attachments] Web session unavailable, skipping the attachment index: %v", err)
		e.warn("[Attachments] Referenced attachments will be fetched on demand during case import")
		return nil
	}

	records, err := e.Source.GetAttachmentsList(ctx)
	if err != nil {
		e.warn("[Attachments] Failed to list attachments: %v", err)
		return nil
	}
	e.Stats.AddSource("", stats.KindAttachments, len(records))

	if e.Config.Cache {
		e.writeAttachmentCache(records)
	}

	tasks := make([]*pool.Task, 0, len(records))
	for _, record := range records {
		tasks = append(tasks, e.sourcePool.Go(ctx, func() error {
			e.importRawAttachment(ctx, record)
			return nil
		}))
	}
	if err := pool.WaitAll(tasks); err != nil {
		return err
	}

	e.msg("[Attachments] Imported %d of %d attachments", e.Store.AttachmentCount(), len(records))
	return nil
}

func (e *Engine) importRawAttachment(ctx context.Context, record testrail.AttachmentRecord) {
	id := string(record.ID)

	projectID, ok := record.ProjectID.First()
	if !ok {
		e.warn("[Attachments] Attachment %s is not linked to any project", id)
		return
	}
	if len(record.ProjectID) > 1 {
		e.warn("[Attachments] Attachment %s is linked to multiple projects, using the first", id)
	}
	code, ok := e.Store.ProjectMap[projectID]
	if !ok {
		e.warn("[Attachments] Attachment %s belongs to unknown project %d", id, projectID)
		return
	}

	// Already inside a source pool slot; call the client directly.
	filename, body, err := e.Source.DownloadAttachment(ctx, id)
	if err != nil {
		e.warn("[%s][Attachments] Failed to download %s: %v", code, id, err)
		return
	}

	var uploaded *qase.Attachment
	err = e.qs(ctx, func() error {
		var err error
		uploaded, err = e.Target.UploadAttachment(ctx, code, filename, body)
		return err
	})
	if err != nil {
		// A 413 is already logged with the file details by the client.
		if !errors.Is(err, qase.ErrAttachmentTooLarge) {
			e.warn("[%s][Attachments] Failed to upload %s: %v", code, id, err)
		}
		return
	}

	e.Store.SetAttachment(id, mapping.Attachment{
		Hash:     uploaded.Hash,
		URL:      uploaded.URL,
		Filename: uploaded.Filename,
	})
	e.Stats.AddTarget("", stats.KindAttachments, 1)
}

// substituteAttachments rewrites embedded source attachment references
// in text to markdown images pointing at the migrated files. Unknown
// ids go through the on-demand failover first.
func (e *Engine) substituteAttachments(ctx context.Context, text, code string) string {
	if text == "" {
		return text
	}
	matches := attachmentIDPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text
	}
	for _, m := range matches {
		id := m[1]
		if _, ok := e.Store.Attachment(id); !ok {
			e.warn("[%s][Attachments] Attachment %s not in the map, fetching on demand", code, id)
			e.attachmentFailover(ctx, id, code)
		}
		att, ok := e.Store.Attachment(id)
		if !ok {
			continue
		}
		embedded := fmt.Sprintf("![](index.php?/attachments/get/%s)", id)
		replacement := fmt.Sprintf("![%s](%s)", att.Filename, att.URL)
		text = strings.ReplaceAll(text, embedded, replacement)
	}
	return text
}

// attachmentHashes translates a list of raw source attachment ids to
// target content hashes, fetching unknown ids on demand. Ids may carry
// an E_ prefix; it is stripped before lookup.
func (e *Engine) attachmentHashes(ctx context.Context, ids []testrail.AttachmentID, code string) []string {
	var out []string
	for _, raw := range ids {
		id := strings.TrimPrefix(string(raw), "E_")
		if id == "" {
			continue
		}
		if _, ok := e.Store.Attachment(id); !ok {
			e.warn("[%s][Attachments] Attachment %s not in the map, fetching on demand", code, id)
			e.attachmentFailover(ctx, id, code)
		}
		if att, ok := e.Store.Attachment(id); ok {
			out = append(out, att.Hash)
		}
	}
	return out
}

// attachmentFailover downloads and re-uploads a single attachment that
// was missed by the index pass. Runs inside importer tasks, so the
// download bypasses the source pool.
func (e *Engine) attachmentFailover(ctx context.Context, id, code string) {
	filename, body, err := e.Source.DownloadAttachment(ctx, id)
	if err != nil {
		e.warn("[%s][Attachments] Failover download of %s failed: %v", code, id, err)
		return
	}
	var uploaded *qase.Attachment
	err = e.qs(ctx, func() error {
		var err error
		uploaded, err = e.Target.UploadAttachment(ctx, code, filename, body)
		return err
	})
	if err != nil {
		if !errors.Is(err, qase.ErrAttachmentTooLarge) {
			e.warn("[%s][Attachments] Failover upload of %s failed: %v", code, id, err)
		}
		return
	}
	e.Store.SetAttachment(id, mapping.Attachment{
		Hash:     uploaded.Hash,
		URL:      uploaded.URL,
		Filename: uploaded.Filename,
	})
	e.msg("[%s][Attachments] Attachment %s recovered in failover", code, id)
}

// writeAttachmentCache persists the raw index for later inspection or
// re-runs.
func (e *Engine) writeAttachmentCache(records []testrail.AttachmentRecord) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		e.warn("[Attachments] Failed to create cache dir: %v", err)
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		e.warn("[Attachments] Failed to encode the attachment cache: %v", err)
		return
	}
	path := filepath.Join(cacheDir, e.Config.Prefix+"_attachments.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.warn("[Attachments] Failed to write %s: %v", path, err)
		return
	}
	e.msg("[Attachments] Attachment index cached to %s", path)
}
