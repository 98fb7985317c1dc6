package config

import "time"

type AppConfig struct {
	DBDriver   string        `yaml:"db_driver" env:"MERLIN_DB_DRIVER" env-default:"sqlite"`
	DBURL      string        `yaml:"db_url" env:"MERLIN_DB_URL" env-default:"data/merlin.db"`
	ListenAddr string        `yaml:"listen_addr" env:"MERLIN_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	SessionTTL time.Duration `yaml:"session_ttl" env:"MERLIN_SESSION_TTL" env-default:"3h"`
	AppEnv     string        `yaml:"app_env" env:"MERLIN_APP_ENV"`

	Requests   RequestsConfig   `yaml:"requests"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Backups    BackupsConfig    `yaml:"backups"`
}

type RequestsConfig struct {
	// RegNoFormat builds human-readable registration numbers, e.g.
	// CHG-2025-00042. {kind} is replaced by the per-kind prefix.
	RegNoFormat string `yaml:"reg_no_format" env:"MERLIN_REQUESTS_REG_NO_FORMAT" env-default:"{kind}-{year}-{seq:05}"`
}

// ApprovalsConfig carries the static policy tables: per-category approval
// chains and per-(category,priority) SLA hours. Loaded once at start and
// treated as immutable afterwards.
type ApprovalsConfig struct {
	Policies map[string][]string       `yaml:"policies"`
	SLAHours map[string]map[string]int `yaml:"sla_hours"`
}

// defaultPolicies cover the common ITSM categories when no config file
// overrides them.
func defaultPolicies() map[string][]string {
	return map[string][]string{
		"standard":       {"supervisor"},
		"normal":         {"supervisor", "change_manager"},
		"major":          {"supervisor", "change_manager", "cab"},
		"access_request": {"supervisor", "security_manager"},
	}
}

func defaultSLAHours() map[string]map[string]int {
	return map[string]map[string]int{
		"access_request": {"critical": 4, "high": 8, "medium": 24, "low": 72},
		"standard":       {"critical": 8, "high": 24, "medium": 72, "low": 168},
	}
}

type ComplianceConfig struct {
	ScanSchedule string        `yaml:"scan_schedule" env:"MERLIN_COMPLIANCE_SCAN_SCHEDULE" env-default:"@every 15m"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"MERLIN_COMPLIANCE_STALE_AFTER" env-default:"720h"`
	WebhookURL   string        `yaml:"webhook_url" env:"MERLIN_COMPLIANCE_WEBHOOK_URL"`
}

// BackupsConfig controls the sqlite snapshot scheduler. Retention is the
// number of snapshot files kept after each run.
type BackupsConfig struct {
	Enabled   bool          `yaml:"enabled" env:"MERLIN_BACKUPS_ENABLED" env-default:"false"`
	Path      string        `yaml:"path" env:"MERLIN_BACKUPS_PATH" env-default:"data/backups"`
	Interval  time.Duration `yaml:"interval" env:"MERLIN_BACKUPS_INTERVAL" env-default:"24h"`
	Retention int           `yaml:"retention" env:"MERLIN_BACKUPS_RETENTION" env-default:"14"`
}

type BootstrapConfig struct {
	AdminUsername string `yaml:"admin_username" env:"MERLIN_ADMIN_USERNAME" env-default:"admin"`
	AdminPassword string `yaml:"admin_password" env:"MERLIN_ADMIN_PASSWORD"`
}

const maxUserSessionTTL = 12 * time.Hour

func (c *AppConfig) EffectiveSessionTTL() time.Duration {
	ttl := maxUserSessionTTL
	if c != nil && c.SessionTTL > 0 {
		ttl = c.SessionTTL
	}
	if ttl > maxUserSessionTTL {
		return maxUserSessionTTL
	}
	return ttl
}
