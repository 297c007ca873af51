// Package crlcache implements client-side CRL revocation checking for TLS
// certificate chains: a two-tier (memory + disk) CRL cache, a chain
// validator, and a background worker that bridges validations into
// synchronous call sites.
package crlcache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/effective-security/x/values"
	"github.com/effective-security/xcrl/x/fileutil"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xcrl", "crlcache")

// CheckMode controls how a failed or inconclusive revocation check affects
// the handshake.
type CheckMode string

const (
	// CheckModeDisabled skips revocation checking entirely.
	CheckModeDisabled CheckMode = "DISABLED"
	// CheckModeEnabled fails the handshake on any unresolved failure.
	CheckModeEnabled CheckMode = "ENABLED"
	// CheckModeAdvisory logs failures but allows the handshake,
	// except for certificates actually found revoked.
	CheckModeAdvisory CheckMode = "ADVISORY"
)

// ParseCheckMode maps a settings value to a CheckMode.
// Legacy numeric values 0/1/2 are accepted. Unknown values map to DISABLED.
func ParseCheckMode(val string) CheckMode {
	switch strings.ToUpper(strings.TrimSpace(val)) {
	case "", "0", string(CheckModeDisabled):
		return CheckModeDisabled
	case "1", string(CheckModeEnabled):
		return CheckModeEnabled
	case "2", string(CheckModeAdvisory):
		return CheckModeAdvisory
	default:
		logger.KV(xlog.WARNING,
			"reason", "unknown_check_mode",
			"value", val,
		)
		return CheckModeDisabled
	}
}

// Config provides the revocation policy.
// A Config is constructed once and shared read-only by every component
// for the lifetime of a TLS configuration.
type Config struct {
	// CheckMode specifies DISABLED|ENABLED|ADVISORY
	CheckMode CheckMode `json:"check_mode,omitempty" yaml:"check_mode,omitempty"`
	// EnableDiskCaching persists fetched CRLs under CacheDir
	EnableDiskCaching bool `json:"enable_disk_caching" yaml:"enable_disk_caching"`
	// EnableMemoryCaching keeps per-certificate outcomes in memory
	EnableMemoryCaching bool `json:"enable_memory_caching" yaml:"enable_memory_caching"`
	// CacheDir overrides the default CRL cache location
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	// ValidityDays bounds how long a cached outcome or CRL without
	// nextUpdate is considered fresh
	ValidityDays int `json:"validity_days,omitempty" yaml:"validity_days,omitempty"`
	// AllowCertificatesWithoutCRLURL treats certificates lacking a
	// distribution point as not revoked
	AllowCertificatesWithoutCRLURL bool `json:"allow_certificates_without_crl_url" yaml:"allow_certificates_without_crl_url"`
	// HTTPTimeout bounds a single CRL fetch
	HTTPTimeout time.Duration `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"`
	// ConnectionTimeout bounds connection establishment
	ConnectionTimeout time.Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
}

// DefaultConfig returns the policy used when no settings are provided:
// checks disabled, both cache tiers on, 10 days validity.
func DefaultConfig() *Config {
	return &Config{
		CheckMode:           CheckModeDisabled,
		EnableDiskCaching:   true,
		EnableMemoryCaching: true,
		ValidityDays:        10,
		HTTPTimeout:         30 * time.Second,
		ConnectionTimeout:   10 * time.Second,
	}
}

// Settings keys consumed by ConfigFromSettings.
const (
	SettingCheckMode           = "crl_check_mode"
	SettingEnableDiskCaching   = "crl_enable_disk_caching"
	SettingEnableMemoryCaching = "crl_enable_memory_caching"
	SettingCacheDir            = "crl_cache_dir"
	SettingValidityDays        = "crl_validity_time"
	SettingAllowWithoutCRLURL  = "crl_allow_certificates_without_crl_url"
	SettingHTTPTimeout         = "crl_http_timeout"
	SettingConnectionTimeout   = "crl_connection_timeout"
)

// ConfigFromSettings builds a Config from the driver's string settings.
// Missing keys fall back to DefaultConfig values.
func ConfigFromSettings(settings map[string]string) *Config {
	cfg := DefaultConfig()
	cfg.CheckMode = ParseCheckMode(settings[SettingCheckMode])
	cfg.EnableDiskCaching = settingBool(settings, SettingEnableDiskCaching, cfg.EnableDiskCaching)
	cfg.EnableMemoryCaching = settingBool(settings, SettingEnableMemoryCaching, cfg.EnableMemoryCaching)
	cfg.CacheDir = values.StringsCoalesce(settings[SettingCacheDir], cfg.CacheDir)
	cfg.ValidityDays = settingInt(settings, SettingValidityDays, cfg.ValidityDays)
	cfg.AllowCertificatesWithoutCRLURL = settingBool(settings, SettingAllowWithoutCRLURL, cfg.AllowCertificatesWithoutCRLURL)
	if secs := settingInt(settings, SettingHTTPTimeout, 0); secs > 0 {
		cfg.HTTPTimeout = time.Duration(secs) * time.Second
	}
	if secs := settingInt(settings, SettingConnectionTimeout, 0); secs > 0 {
		cfg.ConnectionTimeout = time.Duration(secs) * time.Second
	}
	return cfg
}

// LoadConfig loads a Config from a JSON or YAML file,
// with defaults applied for unset fields.
func LoadConfig(file string) (*Config, error) {
	cfg := DefaultConfig()
	err := fileutil.Unmarshal(file, cfg)
	if err != nil {
		return nil, err
	}
	cfg.CheckMode = ParseCheckMode(string(cfg.CheckMode))
	return cfg, nil
}

// Validity returns the configured freshness window.
func (c *Config) Validity() time.Duration {
	days := c.ValidityDays
	if days <= 0 {
		days = 10
	}
	return time.Duration(days) * 24 * time.Hour
}

// CacheDirectory returns the effective disk cache location:
// the configured override, or a subdirectory of the user cache dir.
func (c *Config) CacheDirectory() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "xcrl", "crls")
}

func settingBool(settings map[string]string, key string, def bool) bool {
	val, ok := settings[key]
	if !ok || val == "" {
		return def
	}
	return strings.EqualFold(val, "true")
}

func settingInt(settings map[string]string, key string, def int) int {
	val, ok := settings[key]
	if !ok || val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		logger.KV(xlog.WARNING,
			"reason", "invalid_setting",
			"key", key,
			"value", val,
			"err", err.Error(),
		)
		return def
	}
	return n
}
