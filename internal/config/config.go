// Package config loads and validates the migration configuration from
// config.yaml, with environment overrides prefixed TRQ_.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Qase holds target-side connection settings.
type Qase struct {
	APIToken   string
	Host       string
	SSL        bool
	Enterprise bool
	SCIMToken  string
}

// TestRail holds source-side connection settings. APIToken takes
// precedence over Password when both are set.
type TestRail struct {
	BaseURL           string
	User              string
	Password          string
	APIToken          string
	RequestsPerMinute int
}

// Users controls how source users map to target authors.
type Users struct {
	// Migrate enables SCIM provisioning of missing users.
	Migrate bool
	// Default is the target author id used when no match is found.
	Default int64
}

// Refs controls conversion of source case references to markdown links.
type Refs struct {
	Enable bool
	URL    string
}

// Tests controls case-level import behavior.
type Tests struct {
	PreserveIDs bool
	// Fields limits custom field import to the named source fields.
	// Empty means all custom fields.
	Fields []string
	Refs   Refs
}

// Config is the full migration configuration.
type Config struct {
	Qase     Qase
	TestRail TestRail
	Users    Users
	Tests    Tests

	// Prefix names the report and cache artifacts (<prefix>_stats.txt).
	Prefix string
	Debug  bool
	// Sync selects the v2 results endpoint for run results.
	Sync  bool
	Cache bool
}

// Load reads the configuration file at path and applies TRQ_ environment
// overrides. A missing file is not an error; validation catches missing
// required values either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetEnvPrefix("TRQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("qase.host", "qase.io")
	v.SetDefault("qase.ssl", true)
	v.SetDefault("prefix", "trq")

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Qase: Qase{
			APIToken:   v.GetString("qase.api_token"),
			Host:       v.GetString("qase.host"),
			SSL:        v.GetBool("qase.ssl"),
			Enterprise: v.GetBool("qase.enterprise"),
			SCIMToken:  v.GetString("qase.scim_token"),
		},
		TestRail: TestRail{
			BaseURL:           strings.TrimRight(v.GetString("testrail.base_url"), "/"),
			User:              v.GetString("testrail.user"),
			Password:          v.GetString("testrail.password"),
			APIToken:          v.GetString("testrail.api_token"),
			RequestsPerMinute: v.GetInt("testrail.requests_per_minute"),
		},
		Users: Users{
			Migrate: v.GetBool("users.migrate"),
			Default: v.GetInt64("users.default"),
		},
		Tests: Tests{
			PreserveIDs: v.GetBool("tests.preserve_ids"),
			Fields:      v.GetStringSlice("tests.fields"),
			Refs: Refs{
				Enable: v.GetBool("tests.refs.enable"),
				URL:    v.GetString("tests.refs.url"),
			},
		},
		Prefix: v.GetString("prefix"),
		Debug:  v.GetBool("debug"),
		Sync:   v.GetBool("sync"),
		Cache:  v.GetBool("cache"),
	}

	return cfg, nil
}

// Validate checks that the configuration is sufficient to start a
// migration. All problems are reported at once.
func (c *Config) Validate() error {
	var issues []string

	if c.Qase.APIToken == "" {
		issues = append(issues, "qase.api_token is required")
	}
	if c.Qase.Host == "" {
		issues = append(issues, "qase.host must not be empty")
	}
	if c.TestRail.BaseURL == "" {
		issues = append(issues, "testrail.base_url is required")
	}
	if c.TestRail.User == "" {
		issues = append(issues, "testrail.user is required")
	}
	if c.TestRail.APIToken == "" && c.TestRail.Password == "" {
		issues = append(issues, "one of testrail.api_token or testrail.password is required")
	}
	if c.TestRail.RequestsPerMinute < 0 {
		issues = append(issues, "testrail.requests_per_minute must not be negative")
	}
	if c.Users.Default <= 0 {
		issues = append(issues, "users.default must name a target author id")
	}
	if c.Users.Migrate && c.Qase.SCIMToken == "" {
		issues = append(issues, "users.migrate requires qase.scim_token")
	}
	if c.Tests.Refs.Enable && c.Tests.Refs.URL == "" {
		issues = append(issues, "tests.refs.enable requires tests.refs.url")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(issues, "\n  "))
	}
	return nil
}
