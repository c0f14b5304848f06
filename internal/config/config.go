// Package config holds the YAML application configuration: file paths,
// sync windows, the semester anchor and the period timetable.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"schedsync/internal/ics"
	appLog "schedsync/internal/log"
	"schedsync/internal/mapper"
	"schedsync/internal/model"
)

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA device zone for timed-event conversion.
	Timezone string `yaml:"timezone"`

	// LogLevel is debug/info/error.
	LogLevel string `yaml:"log_level"`

	// SchedulePath stores the local events/courses JSON.
	SchedulePath string `yaml:"schedule_path"`

	// StatePath stores the sync bookkeeping JSON.
	StatePath string `yaml:"state_path"`

	// CalendarName is the display name of the target external calendar.
	CalendarName string `yaml:"calendar_name"`

	// CredentialsFile points at the Google service-account JSON. The
	// GOOGLE_CREDENTIALS environment variable (inline JSON) wins over it.
	CredentialsFile string `yaml:"credentials_file"`

	// SemesterStart is the Monday of teaching week 1 (YYYY-MM-DD).
	SemesterStart string `yaml:"semester_start"`

	// TotalWeeks is the semester length in weeks.
	TotalWeeks int `yaml:"total_weeks"`

	// ForwardWindowWeeks bounds the course rebuild look-ahead.
	ForwardWindowWeeks int `yaml:"forward_window_weeks"`

	// ReversePastDays / ReverseFutureDays bound the reverse discovery
	// window.
	ReversePastDays   int `yaml:"reverse_past_days"`
	ReverseFutureDays int `yaml:"reverse_future_days"`

	// RefreshCron schedules daemon-mode sync passes (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh"`

	// PreserveArchiveStatus lets ICS imports flip the archive flag of
	// matching local events.
	PreserveArchiveStatus bool `yaml:"preserve_archive_status"`

	// Periods maps period indexes to wall-clock spans.
	Periods mapper.PeriodTable `yaml:"periods"`

	// ICS lists import feed subscriptions.
	ICS []ics.Source `yaml:"ics"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:           "Asia/Shanghai",
		LogLevel:           "info",
		SchedulePath:       "./var/schedule.json",
		StatePath:          "./var/sync-state.json",
		CalendarName:       "schedsync",
		SemesterStart:      "",
		TotalWeeks:         18,
		ForwardWindowWeeks: 16,
		ReversePastDays:    30,
		ReverseFutureDays:  180,
		RefreshCron:        "*/30 * * * *",
		Periods:            defaultPeriods(),
		ICS:                []ics.Source{},
	}
}

func defaultPeriods() mapper.PeriodTable {
	return mapper.PeriodTable{
		1:  {Start: "08:00", End: "08:45"},
		2:  {Start: "08:55", End: "09:40"},
		3:  {Start: "10:00", End: "10:45"},
		4:  {Start: "10:55", End: "11:40"},
		5:  {Start: "14:00", End: "14:45"},
		6:  {Start: "14:55", End: "15:40"},
		7:  {Start: "16:00", End: "16:45"},
		8:  {Start: "16:55", End: "17:40"},
		9:  {Start: "19:00", End: "19:45"},
		10: {Start: "19:55", End: "20:40"},
	}
}

// Normalize fills missing/zero values with defaults so older or partial
// config files keep working.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SchedulePath == "" {
		c.SchedulePath = "./var/schedule.json"
	}
	if c.StatePath == "" {
		c.StatePath = "./var/sync-state.json"
	}
	if c.CalendarName == "" {
		c.CalendarName = "schedsync"
	}
	if c.TotalWeeks <= 0 {
		c.TotalWeeks = 18
	}
	if c.ForwardWindowWeeks <= 0 {
		c.ForwardWindowWeeks = 16
	}
	if c.ReversePastDays <= 0 {
		c.ReversePastDays = 30
	}
	if c.ReverseFutureDays <= 0 {
		c.ReverseFutureDays = 180
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/30 * * * *"
	}
	if len(c.Periods) == 0 {
		c.Periods = defaultPeriods()
	}
	if c.ICS == nil {
		c.ICS = []ics.Source{}
	}
}

// Location resolves the configured timezone, falling back to the system
// local zone when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("bad timezone, using system local", err, "timezone", c.Timezone)
		return time.Local
	}
	return loc
}

// SemesterStartDate parses the semester anchor. An unset or unparseable
// value must not fail a sync pass: today's date is used instead and the
// discrepancy is logged.
func (c *Config) SemesterStartDate(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if c.SemesterStart != "" {
		t, err := time.ParseInLocation(model.DateLayout, c.SemesterStart, loc)
		if err == nil {
			return t
		}
		appLog.Error("unparseable semester start, falling back to today", err, "value", c.SemesterStart)
	}
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

// GoogleCredentials returns the service-account JSON, preferring the
// GOOGLE_CREDENTIALS environment variable over the configured file.
func (c *Config) GoogleCredentials() ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv("GOOGLE_CREDENTIALS")); v != "" {
		return []byte(v), nil
	}
	if c.CredentialsFile == "" {
		return nil, errors.New("no credentials: set credentials_file or GOOGLE_CREDENTIALS")
	}
	data, err := os.ReadFile(c.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	return data, nil
}

// Load loads configuration from the given YAML path. A missing file is
// created with defaults on first run. A .env file next to the working
// directory is read first so GOOGLE_CREDENTIALS can live there.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	// Best effort; a missing .env is normal.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the configuration atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".schedsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
