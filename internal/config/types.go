// Package config loads and watches the daemon configuration file.
//
// YAML and JSON are both accepted; YAML is coerced to JSON so both formats
// go through the same strict decoder. All durations are Go duration strings
// (e.g. "500ms", "10s", "15m").
package config

import (
	"errors"
	"fmt"
	"strings"

	"promptsched/internal/action"
	"promptsched/internal/auth"
	"promptsched/internal/cycle"
	"promptsched/internal/notify"
	"promptsched/internal/store"
	"promptsched/internal/trigger"
	logx "promptsched/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Action    ActionConfig    `json:"action"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	API       APIConfig       `json:"api,omitempty"`
	Auth      auth.Config     `json:"auth,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: strings.TrimSpace(c.File) != "", Path: c.File},
	}
}

type StorageConfig struct {
	// Driver is "file" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path"`
	// BusyTimeout applies to the sqlite driver only.
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	RecordsPerEntry int    `json:"records_per_entry,omitempty"`
	FailureLimit    int    `json:"failure_limit,omitempty"`
}

func (c StorageConfig) ToStore() (store.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:          c.Driver,
		Path:            c.Path,
		BusyTimeout:     busy,
		RecordsPerEntry: c.RecordsPerEntry,
		FailureLimit:    c.FailureLimit,
	}, nil
}

type SchedulerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
	// Spec is a cron expression or @every interval for the cycle cadence.
	Spec string `json:"spec,omitempty"`
	// EntryDelay is the pause between entries within one cycle.
	EntryDelay string `json:"entry_delay,omitempty"`
	// CleanupSpec schedules pruning of old execution records; empty disables it.
	CleanupSpec   string `json:"cleanup_spec,omitempty"`
	CleanupMaxAge string `json:"cleanup_max_age,omitempty"`
}

func (c SchedulerConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SchedulerConfig) ToTrigger() (trigger.Config, error) {
	maxAge, err := ParseDurationField("scheduler.cleanup_max_age", c.CleanupMaxAge)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Enabled:       c.enabled(),
		Spec:          c.Spec,
		CleanupSpec:   c.CleanupSpec,
		CleanupMaxAge: maxAge,
	}, nil
}

func (c SchedulerConfig) ToCycle() (cycle.Config, error) {
	delay, err := ParseDurationField("scheduler.entry_delay", c.EntryDelay)
	if err != nil {
		return cycle.Config{}, err
	}
	return cycle.Config{EntryDelay: delay}, nil
}

type ActionConfig struct {
	URL     string `json:"url"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

func (c ActionConfig) ToAction() (action.Config, error) {
	timeout, err := ParseDurationField("action.timeout", c.Timeout)
	if err != nil {
		return action.Config{}, err
	}
	return action.Config{URL: c.URL, APIKey: c.APIKey, Timeout: timeout}, nil
}

type NotifyConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

func (c NotifyConfig) ToDispatcher() (notify.DispatcherConfig, error) {
	timeout, err := ParseDurationField("notify.send_timeout", c.SendTimeout)
	if err != nil {
		return notify.DispatcherConfig{}, err
	}
	return notify.DispatcherConfig{RatePerSec: c.RatePerSec, SendTimeout: timeout}, nil
}

type APIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	// AllowRemote permits binding beyond loopback.
	AllowRemote bool `json:"allow_remote,omitempty"`
}

// Validate rejects configs that cannot produce a working daemon. Durations
// and driver names are checked here so a bad reload never reaches Commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Action.URL) == "" {
		return errors.New("action.url is required")
	}
	if cfg.API.Enabled && strings.TrimSpace(cfg.API.Addr) == "" {
		return errors.New("api.addr is required when api.enabled")
	}
	if _, err := cfg.Storage.ToStore(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.ToTrigger(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.ToCycle(); err != nil {
		return err
	}
	if _, err := cfg.Action.ToAction(); err != nil {
		return err
	}
	if _, err := cfg.Notify.ToDispatcher(); err != nil {
		return err
	}
	return nil
}
