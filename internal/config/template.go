package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// template is the commented config.yaml written by `trq init`.
const template = `# trq configuration.
# Every key can be overridden by an environment variable prefixed TRQ_,
# e.g. TRQ_QASE_API_TOKEN, TRQ_TESTRAIL_BASE_URL.

qase:
  # API token from the Qase workspace settings.
  api_token: ""
  host: "qase.io"
  ssl: true
  # Enterprise workspaces use the api-<host> endpoints and a bulk
  # limit of 20 cases per request.
  enterprise: false
  # SCIM token; only needed when users.migrate is true.
  scim_token: ""

testrail:
  base_url: "https://example.testrail.io"
  user: ""
  # Either an API token or the account password. The token wins when
  # both are set.
  api_token: ""
  password: ""
  # Throttle source requests; 0 disables the limiter.
  requests_per_minute: 0

users:
  # Provision missing users through SCIM before matching by email.
  migrate: false
  # Fallback author id for entities whose author has no match.
  default: 1

tests:
  # Keep source case ids where they fit the target id range.
  preserve_ids: true
  # Limit custom field import to these source field names. Empty
  # imports every custom field.
  fields: []
  refs:
    enable: false
    # Base URL prepended to relative references.
    url: ""

# Report and cache artifacts are named <prefix>_stats.txt and so on.
prefix: "trq"
debug: false
# Use the v2 results endpoint when posting run results.
sync: false
# Write the attachment index to ./cache for later runs.
cache: false
`

// WriteTemplate writes the commented configuration template to path.
// It refuses to overwrite an existing file.
func WriteTemplate(path string) error {
	// Catch template drift before it reaches disk.
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(template), &parsed); err != nil {
		return fmt.Errorf("config template is not valid yaml: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
