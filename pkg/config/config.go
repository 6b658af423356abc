// Package config loads the engine configuration from YAML into a
// statically validated struct. Missing required fields fail startup
// instead of warning and continuing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is a host/port pair in the configuration file.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Banning controls the offense escalation formula.
type Banning struct {
	Threshold uint32 `yaml:"threshold"`
	Factor    int    `yaml:"factor"`
}

// ACL configures the anonymizing-proxy list refresher.
type ACL struct {
	API             string `yaml:"api"`
	Backup          string `yaml:"backup"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
}

func (a ACL) Interval() time.Duration { return time.Duration(a.IntervalSeconds) * time.Second }

// Geo configures geolocation lookups and policy.
type Geo struct {
	DBPath          string   `yaml:"db_path"`
	BannedCountries []string `yaml:"banned_countries"`
}

// PageVariant is one security-page text variant.
type PageVariant struct {
	Header             string `yaml:"header"`
	FurtherInformation string `yaml:"further_information"`
}

// SecurityPage selects the block-page text per classifier group.
type SecurityPage struct {
	TemplatePath string      `yaml:"template_path"`
	Attack       PageVariant `yaml:"attack"`
	Anonymity    PageVariant `yaml:"anonymity"`
	Geolocation  PageVariant `yaml:"geolocation"`
	Dirty        PageVariant `yaml:"dirty"`
}

// TunnelConfig points at the external dashboard listener.
type TunnelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RateLimit bounds the accept loop.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config is the complete engine configuration.
type Config struct {
	Waf          Endpoint     `yaml:"waf"`
	Origin       Endpoint     `yaml:"origin"`
	Timezone     string       `yaml:"timezone"`
	Banning      Banning      `yaml:"banning"`
	ACL          ACL          `yaml:"acl"`
	Geo          Geo          `yaml:"geo"`
	SecurityPage SecurityPage `yaml:"security_page"`
	Tunnel       TunnelConfig `yaml:"tunnel"`
	Signatures   struct {
		Dir string `yaml:"dir"`
	} `yaml:"signatures"`
	Profiles struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"profiles"`
	Admin struct {
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"admin"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.ACL.IntervalSeconds == 0 {
		c.ACL.IntervalSeconds = 300
	}
	if c.ACL.MaxRetries == 0 {
		c.ACL.MaxRetries = 10
	}
	if c.Banning.Factor == 0 {
		c.Banning.Factor = 10
	}
	if c.RateLimit.PerSecond == 0 {
		c.RateLimit.PerSecond = 100
		c.RateLimit.Burst = 200
	}
	if c.Profiles.DBPath == "" {
		c.Profiles.DBPath = "profiles.db"
	}
}

// Validate rejects configurations missing required fields.
func (c *Config) Validate() error {
	var missing []string
	if c.Waf.Host == "" {
		missing = append(missing, "waf.host")
	}
	if c.Waf.Port <= 0 {
		missing = append(missing, "waf.port")
	}
	if c.Origin.Host == "" {
		missing = append(missing, "origin.host")
	}
	if c.Origin.Port <= 0 {
		missing = append(missing, "origin.port")
	}
	if c.Signatures.Dir == "" {
		missing = append(missing, "signatures.dir")
	}
	if c.Tunnel.Enabled && c.Tunnel.Endpoint == "" {
		missing = append(missing, "tunnel.endpoint")
	}
	if len(missing) > 0 {
		return errors.New("config: missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}
