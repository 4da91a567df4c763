// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Version is stamped at build time with -ldflags "-X logroller/internal/config.Version=...".
var Version = "dev"

// Config
//
// Everything the collector and the query CLI need, read once at start.
// Environment first, then command-line flags on top (see BindFlags).
type Config struct {

	// ---------------------------
	// Storage
	// ---------------------------

	StorageRoot string // <root>/<run>/<device>.ndjson

	// ---------------------------
	// Transport
	// ---------------------------

	Port         int
	TLSCert      string // PEM certificate path
	TLSKey       string // PEM private key path
	MaxBodySize  int64  // Content-Length cap, bytes
	StartTimeout time.Duration
	Version      string // reported by /healthz

	// ---------------------------
	// Observability
	// ---------------------------

	MetricsAddr string // separate /metrics listener; empty disables
	LogLevel    string
	LogPretty   bool
	LogSampleN  int
	ServiceName string
	InstanceID  string

	// ---------------------------
	// Run export to S3
	// ---------------------------
	// The SDK's own retries are disabled; S3AppRetries is the only
	// retry budget.

	AWSRegion     string
	ArchiveBucket string
	ArchivePrefix string
	S3Timeout     time.Duration
	S3AppRetries  int

	// Exports whose upload failed wait here for retry-uploads.
	SpoolDir      string
	SpoolMaxAge   time.Duration // older spooled exports are dropped
	SpoolMaxBytes int64         // oldest evicted beyond this
}

const (
	DefaultPort         = 8443
	DefaultMaxBodySize  = 8 << 20
	DefaultStartTimeout = 5 * time.Second
)

// Load reads the environment. Unset values take local-tool defaults;
// malformed numbers and durations are fatal.
func Load() Config {
	certDir := filepath.Join(configDir(), "logroller", "certs")
	return Config{
		StorageRoot: env("LOGROLLER_STORAGE_ROOT", defaultStorageRoot()),

		Port:         envInt("LOGROLLER_PORT", DefaultPort),
		TLSCert:      env("LOGROLLER_TLS_CERT", filepath.Join(certDir, "cert.pem")),
		TLSKey:       env("LOGROLLER_TLS_KEY", filepath.Join(certDir, "key.pem")),
		MaxBodySize:  envInt64("LOGROLLER_MAX_BODY_SIZE", DefaultMaxBodySize),
		StartTimeout: envDur("LOGROLLER_START_TIMEOUT", DefaultStartTimeout),
		Version:      env("LOGROLLER_VERSION", Version),

		MetricsAddr: env("LOGROLLER_METRICS_ADDR", ""),
		LogLevel:    env("LOG_LEVEL", "info"),
		LogPretty:   envBool("LOG_PRETTY", false),
		LogSampleN:  envInt("LOG_SAMPLE_N", 0),
		ServiceName: env("SERVICE_NAME", "logroller"),
		InstanceID:  fallbackInstanceID(),

		AWSRegion:     env("AWS_REGION", ""),
		ArchiveBucket: env("ARCHIVE_BUCKET", ""),
		ArchivePrefix: strings.Trim(env("ARCHIVE_PREFIX", "logroller"), "/"),
		S3Timeout:     envDur("S3_TIMEOUT", 10*time.Second),
		S3AppRetries:  envInt("S3_APP_RETRIES", 3),

		SpoolDir:      env("ARCHIVE_SPOOL_DIR", filepath.Join(filepath.Dir(defaultStorageRoot()), "spool")),
		SpoolMaxAge:   envDur("ARCHIVE_SPOOL_MAX_AGE", 7*24*time.Hour),
		SpoolMaxBytes: envInt64("ARCHIVE_SPOOL_MAX_BYTES", 512<<20),
	}
}

// BindFlags registers flags that override the loaded values. Callers
// parse fs afterwards.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.StorageRoot, "storage-root", c.StorageRoot, "directory holding <run>/<device>.ndjson logs")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.BoolVar(&c.LogPretty, "log-pretty", c.LogPretty, "human-readable console logs")
}

// BindServerFlags adds the listener flags used only by the collector.
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "HTTPS listen port")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "PEM certificate")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "PEM private key")
	fs.Int64Var(&c.MaxBodySize, "max-body-size", c.MaxBodySize, "largest accepted request body in bytes")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address for a plain-HTTP /metrics listener (empty disables)")
}

// env / envInt / envInt64 / envDur / envBool
//
// Empty means default. A value that does not parse stops the process.
func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := env(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := env(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func envBool(key string, def bool) bool {
	v := env(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

// defaultStorageRoot is $XDG_DATA_HOME/logroller/runs, falling back to
// ~/.local/share/logroller/runs.
func defaultStorageRoot() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "logroller", "runs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "logroller", "runs")
	}
	return filepath.Join(os.TempDir(), "logroller", "runs")
}

func configDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return d
	}
	return os.TempDir()
}

// fallbackInstanceID
//
// hostname, else 12 random hex characters.
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
