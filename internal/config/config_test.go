package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedsync.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", cfg.Timezone)
	assert.Equal(t, 18, cfg.TotalWeeks)
	assert.Len(t, cfg.Periods, 10)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The written file loads back to the same configuration.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedsync.yaml")
	partial := "timezone: UTC\nsemester_start: \"2024-09-02\"\ntotal_weeks: 16\n"
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 16, cfg.TotalWeeks)
	assert.Equal(t, "schedsync", cfg.CalendarName)
	assert.Equal(t, 16, cfg.ForwardWindowWeeks)
	assert.Equal(t, 30, cfg.ReversePastDays)
	assert.Equal(t, "*/30 * * * *", cfg.RefreshCron)
	assert.NotEmpty(t, cfg.Periods)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSemesterStartDate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SemesterStart = "2024-09-02"

	got := cfg.SemesterStartDate(time.UTC)
	assert.Equal(t, time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC), got)

	// Unparseable anchor degrades to today's midnight instead of failing.
	cfg.SemesterStart = "junk"
	got = cfg.SemesterStartDate(time.UTC)
	now := time.Now().UTC()
	assert.Equal(t, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), got)
}

func TestLocationFallsBackToLocal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Not/AZone"
	assert.Equal(t, time.Local, cfg.Location())

	cfg.Timezone = "UTC"
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestGoogleCredentialsPrefersEnvironment(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(credFile, []byte(`{"type":"service_account"}`), 0o600))

	cfg := DefaultConfig()
	cfg.CredentialsFile = credFile

	t.Setenv("GOOGLE_CREDENTIALS", "")
	data, err := cfg.GoogleCredentials()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"service_account"}`, string(data))

	t.Setenv("GOOGLE_CREDENTIALS", `{"type":"inline"}`)
	data, err = cfg.GoogleCredentials()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"inline"}`, string(data))

	t.Setenv("GOOGLE_CREDENTIALS", "")
	cfg.CredentialsFile = ""
	_, err = cfg.GoogleCredentials()
	assert.Error(t, err)
}
