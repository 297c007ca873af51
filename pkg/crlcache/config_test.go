package crlcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseCheckMode(t *testing.T) {
	tcases := []struct {
		val string
		exp CheckMode
	}{
		{"", CheckModeDisabled},
		{"0", CheckModeDisabled},
		{"DISABLED", CheckModeDisabled},
		{"disabled", CheckModeDisabled},
		{"1", CheckModeEnabled},
		{"ENABLED", CheckModeEnabled},
		{"enabled", CheckModeEnabled},
		{"2", CheckModeAdvisory},
		{"ADVISORY", CheckModeAdvisory},
		{" advisory ", CheckModeAdvisory},
		{"bogus", CheckModeDisabled},
		{"3", CheckModeDisabled},
	}
	for _, tc := range tcases {
		assert.Equal(t, tc.exp, ParseCheckMode(tc.val), "value: %q", tc.val)
	}
}

func Test_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, CheckModeDisabled, cfg.CheckMode)
	assert.True(t, cfg.EnableDiskCaching)
	assert.True(t, cfg.EnableMemoryCaching)
	assert.Equal(t, 10*24*time.Hour, cfg.Validity())
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
}

func Test_ConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(map[string]string{
		SettingCheckMode:           "ENABLED",
		SettingEnableDiskCaching:   "false",
		SettingEnableMemoryCaching: "true",
		SettingCacheDir:            "/tmp/crls",
		SettingValidityDays:        "3",
		SettingAllowWithoutCRLURL:  "true",
		SettingHTTPTimeout:         "15",
		SettingConnectionTimeout:   "5",
	})
	assert.Equal(t, CheckModeEnabled, cfg.CheckMode)
	assert.False(t, cfg.EnableDiskCaching)
	assert.True(t, cfg.EnableMemoryCaching)
	assert.Equal(t, "/tmp/crls", cfg.CacheDir)
	assert.Equal(t, 3*24*time.Hour, cfg.Validity())
	assert.True(t, cfg.AllowCertificatesWithoutCRLURL)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout)
}

func Test_ConfigFromSettings_Defaults(t *testing.T) {
	cfg := ConfigFromSettings(map[string]string{
		SettingValidityDays: "not-a-number",
	})
	def := DefaultConfig()
	assert.Equal(t, def.CheckMode, cfg.CheckMode)
	assert.Equal(t, def.EnableDiskCaching, cfg.EnableDiskCaching)
	assert.Equal(t, def.ValidityDays, cfg.ValidityDays)
}

func Test_LoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "crl.yaml")
	err := os.WriteFile(file, []byte(`
check_mode: advisory
enable_disk_caching: true
enable_memory_caching: false
cache_dir: /var/cache/crls
validity_days: 7
`), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, CheckModeAdvisory, cfg.CheckMode)
	assert.True(t, cfg.EnableDiskCaching)
	assert.False(t, cfg.EnableMemoryCaching)
	assert.Equal(t, "/var/cache/crls", cfg.CacheDir)
	assert.Equal(t, 7*24*time.Hour, cfg.Validity())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func Test_CacheDirectory(t *testing.T) {
	cfg := &Config{CacheDir: "/opt/crls"}
	assert.Equal(t, "/opt/crls", cfg.CacheDirectory())

	cfg = &Config{}
	dir := cfg.CacheDirectory()
	if dir != "" {
		assert.Equal(t, filepath.Join("xcrl", "crls"), filepath.Join(filepath.Base(filepath.Dir(dir)), filepath.Base(dir)))
	}
}
