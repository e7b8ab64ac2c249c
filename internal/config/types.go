package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a config field holding a Go duration string ("30s", "1m30s").
// Parsing happens at decode time, so a malformed or negative duration is
// rejected before the config ever reaches Validate. The zero value means
// "unset"; components substitute their own defaults.
type Duration time.Duration

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must be >= 0", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Trigger controls the scheduled settlement loop (cron/interval/daily).
	Trigger TriggerConfig `json:"trigger"`

	// Server is the HTTP API surface.
	Server ServerConfig `json:"server"`

	// Payout selects the external transfer executor.
	Payout PayoutConfig `json:"payout"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Pprof    PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TriggerConfig controls the settlement trigger.
//
// Schedule accepts three forms:
//   - a cron expression:      "*/5 * * * *"
//   - a Go duration:          "@every 30s" or plain "30s"
//   - a daily wall-clock time "15:04"
type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// ServerConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set admin_token or explicitly
//     allow_insecure.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// AdminToken guards the privileged endpoints (recipient management and
	// the sweep). Do not log it.
	AdminToken    string `json:"admin_token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// RatePerSec limits unauthenticated mutating requests. 0 keeps the
	// default (10/s).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	// Server timeouts.
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`
}

// PayoutConfig selects the transfer executor: "log" (dry-run, default) or
// "webhook".
type PayoutConfig struct {
	Driver  string        `json:"driver"`
	Webhook WebhookPayout `json:"webhook,omitempty"`
}

type WebhookPayout struct {
	URL     string   `json:"url"`
	Token   string   `json:"token,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./paystream_store" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async alert pipeline.
type NotifierConfig struct {
	Enabled bool `json:"enabled"`

	Telegram TelegramNotify `json:"telegram"`

	Workers         int      `json:"workers"`
	QueueSize       int      `json:"queue_size"`
	RatePerSec      int      `json:"rate_per_sec"`
	RetryMax        int      `json:"retry_max"`
	RetryBase       Duration `json:"retry_base"`
	RetryMaxDelay   Duration `json:"retry_max_delay"`
	DedupWindow     Duration `json:"dedup_window"`
	DedupMaxEntries int      `json:"dedup_max_entries"`
	PersistDedup    bool     `json:"persist_dedup,omitempty"`
}

type TelegramNotify struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Validate performs the static checks that decoding can't: drivers are
// known, required fields are present. Duration fields are checked at decode
// time by Duration; trigger schedule syntax is validated by the app against
// the trigger parser.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Payout.Driver)) {
	case "", "log", "webhook":
	default:
		return fmt.Errorf("payout.driver: unknown driver %q", c.Payout.Driver)
	}
	if strings.EqualFold(c.Payout.Driver, "webhook") && strings.TrimSpace(c.Payout.Webhook.URL) == "" {
		return fmt.Errorf("payout.webhook.url: required when payout.driver is webhook")
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}

	if c.Trigger.Enabled && strings.TrimSpace(c.Trigger.Schedule) == "" {
		return fmt.Errorf("trigger.schedule: required when trigger.enabled")
	}

	if c.Notifier != nil && c.Notifier.Enabled && strings.TrimSpace(c.Notifier.Telegram.Token) == "" {
		return fmt.Errorf("notifier.telegram.token: required when notifier.enabled")
	}
	return nil
}
