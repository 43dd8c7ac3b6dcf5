// Package config handles configuration for the server component,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the docvault server.
//
// Fields:
//   - EndpointAddr: bind address for the HTTP endpoint.
//   - PublicOrigin: origin used when rendering share URLs.
//   - DatabaseDriver / DatabaseDSN: "sqlite" or "postgres" plus its DSN.
//   - MasterPassword: unlocks the encrypted store. Empty runs the store
//     passwordless; fine for development, not for production.
//   - SessionSecret: HMAC secret for signing access-session JWTs (HS256).
//   - SessionTTL / DefaultShareTTL: token and share lifetimes.
//   - S3AccessKey / S3SecretKey: credentials for the S3-compatible backend.
//   - S3Bucket / S3Region / S3BaseEndpoint: object storage settings. The
//     S3 settings are optional; backups stay disabled until the bucket and
//     credentials are set.
type Config struct {
	EndpointAddr    string
	PublicOrigin    string
	DatabaseDriver  string
	DatabaseDSN     string
	MasterPassword  string
	SessionSecret   string
	SessionTTL      time.Duration
	DefaultShareTTL time.Duration
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3Region        string
	S3BaseEndpoint  string
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":8080"
	c.PublicOrigin = "http://localhost:8080"
	c.DatabaseDriver = "sqlite"
	c.DatabaseDSN = "docvault.db"
	c.MasterPassword = ""
	c.SessionSecret = "secretKey"
	c.SessionTTL = 15 * time.Minute
	c.DefaultShareTTL = 7 * 24 * time.Hour
	c.S3AccessKey = ""
	c.S3SecretKey = ""
	c.S3Bucket = ""
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
}

// S3Configured reports whether object storage is usable: the bucket and
// both credentials must be set before backups are wired up.
func (c *Config) S3Configured() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

// LoadFileConfig builds a Config from defaults and the optional JSON file
// only. The CLI uses it because its subcommands own the remaining flags.
func LoadFileConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	return cfg
}
