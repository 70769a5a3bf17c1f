// Package config reads service settings from CARECOORD_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "CARECOORD_"

const (
	envHTTPAddr         = "HTTP_ADDR"
	envGRPCAddr         = "GRPC_ADDR"
	envShutdownTimeout  = "SHUTDOWN_TIMEOUT"
	envPGDSN            = "PG_DSN"
	envPGMaxOpen        = "PG_MAX_OPEN_CONNS"
	envPGMaxIdle        = "PG_MAX_IDLE_CONNS"
	envPGConnLifetime   = "PG_CONN_MAX_LIFETIME"
	envPolicyFile       = "POLICY_FILE"
	envPolicyPoll       = "POLICY_POLL_INTERVAL"
	envDecisionTimeout  = "DECISION_TIMEOUT"
	envAuthSecret       = "AUTH_SECRET"
	envAuthIssuer       = "AUTH_ISSUER"
	envRateLimitRPS     = "RATE_LIMIT_RPS"
	envRateLimitBurst   = "RATE_LIMIT_BURST"
	envBreakGlassMaxTTL = "BREAKGLASS_MAX_TTL"
	envBreakGlassSweep  = "BREAKGLASS_SWEEP_INTERVAL"
	envFingerprintSalt  = "FINGERPRINT_SALT"
	envAnchorBucket     = "ANCHOR_S3_BUCKET"
	envAnchorRegion     = "ANCHOR_S3_REGION"
	envAnchorPrefix     = "ANCHOR_S3_PREFIX"
	envAnchorEndpoint   = "ANCHOR_S3_ENDPOINT"
	envAnchorAccessKey  = "ANCHOR_S3_ACCESS_KEY_ID"
	envAnchorSecretKey  = "ANCHOR_S3_SECRET_ACCESS_KEY"
	envAnchorInterval   = "ANCHOR_INTERVAL"
)

const (
	defaultHTTPAddr         = ":8080"
	defaultGRPCAddr         = ":9090"
	defaultShutdownTimeout  = 10 * time.Second
	defaultPGMaxOpen        = 10
	defaultPGMaxIdle        = 10
	defaultPGConnLifetime   = 30 * time.Minute
	defaultDecisionTimeout  = 2 * time.Second
	defaultAuthIssuer       = "carecoord"
	defaultRateLimitRPS     = 50.0
	defaultRateLimitBurst   = 100
	defaultBreakGlassMaxTTL = 4 * time.Hour
	defaultBreakGlassSweep  = time.Minute
	defaultAnchorPrefix     = "audit-anchors"
	defaultAnchorInterval   = 5 * time.Minute
	minAuthSecretLength     = 32
	minFingerprintSalt      = 16
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Policy      PolicyConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	BreakGlass  BreakGlassConfig
	Fingerprint FingerprintConfig
	Anchor      AnchorConfig
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Enabled reports whether a PostgreSQL DSN is configured.
func (d DatabaseConfig) Enabled() bool { return d.DSN != "" }

type PolicyConfig struct {
	File            string
	PollInterval    time.Duration
	DecisionTimeout time.Duration
}

type AuthConfig struct {
	Secret string
	Issuer string
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type BreakGlassConfig struct {
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

type FingerprintConfig struct {
	Salt string
}

type AnchorConfig struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Interval        time.Duration
}

// Enabled reports whether chain anchoring is configured.
func (a AnchorConfig) Enabled() bool { return a.Bucket != "" }

// Load reads envFile when it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a config from lookup, which is os.LookupEnv in production.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        r.str(envHTTPAddr, defaultHTTPAddr),
			GRPCAddr:        r.str(envGRPCAddr, defaultGRPCAddr),
			ShutdownTimeout: r.duration(envShutdownTimeout, defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			DSN:             r.str(envPGDSN, ""),
			MaxOpenConns:    r.integer(envPGMaxOpen, defaultPGMaxOpen),
			MaxIdleConns:    r.integer(envPGMaxIdle, defaultPGMaxIdle),
			ConnMaxLifetime: r.duration(envPGConnLifetime, defaultPGConnLifetime),
		},
		Policy: PolicyConfig{
			File:            r.str(envPolicyFile, ""),
			PollInterval:    r.duration(envPolicyPoll, 0),
			DecisionTimeout: r.duration(envDecisionTimeout, defaultDecisionTimeout),
		},
		Auth: AuthConfig{
			Secret: r.str(envAuthSecret, ""),
			Issuer: r.str(envAuthIssuer, defaultAuthIssuer),
		},
		RateLimit: RateLimitConfig{
			RPS:   r.float(envRateLimitRPS, defaultRateLimitRPS),
			Burst: r.integer(envRateLimitBurst, defaultRateLimitBurst),
		},
		BreakGlass: BreakGlassConfig{
			MaxTTL:        r.duration(envBreakGlassMaxTTL, defaultBreakGlassMaxTTL),
			SweepInterval: r.duration(envBreakGlassSweep, defaultBreakGlassSweep),
		},
		Fingerprint: FingerprintConfig{
			Salt: r.str(envFingerprintSalt, ""),
		},
		Anchor: AnchorConfig{
			Bucket:          r.str(envAnchorBucket, ""),
			Region:          r.str(envAnchorRegion, ""),
			Prefix:          r.str(envAnchorPrefix, defaultAnchorPrefix),
			Endpoint:        r.str(envAnchorEndpoint, ""),
			AccessKeyID:     r.str(envAnchorAccessKey, ""),
			SecretAccessKey: r.str(envAnchorSecretKey, ""),
			Interval:        r.duration(envAnchorInterval, defaultAnchorInterval),
		},
	}
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(r.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New(envPrefix+envHTTPAddr+" must be set"))
	}
	if len(c.Auth.Secret) < minAuthSecretLength {
		errs = append(errs, fmt.Errorf("%s must be at least %d characters", envPrefix+envAuthSecret, minAuthSecretLength))
	}
	if c.Policy.DecisionTimeout <= 0 {
		errs = append(errs, errors.New(envPrefix+envDecisionTimeout+" must be positive"))
	}
	if c.Policy.PollInterval < 0 {
		errs = append(errs, errors.New(envPrefix+envPolicyPoll+" must not be negative"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	if c.BreakGlass.MaxTTL <= 0 {
		errs = append(errs, errors.New(envPrefix+envBreakGlassMaxTTL+" must be positive"))
	}
	if c.Fingerprint.Salt != "" && len(c.Fingerprint.Salt) < minFingerprintSalt {
		errs = append(errs, fmt.Errorf("%s must be at least %d characters", envPrefix+envFingerprintSalt, minFingerprintSalt))
	}
	if c.Anchor.Enabled() && c.Anchor.Region == "" {
		errs = append(errs, errors.New(envPrefix+envAnchorRegion+" is required when anchoring is enabled"))
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		c.Database.MaxIdleConns = c.Database.MaxOpenConns
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", envPrefix+key, v))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a number", envPrefix+key, v))
		return def
	}
	return f
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", envPrefix+key, v))
	return def
}
