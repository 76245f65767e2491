package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	DatabaseURL string // PostgreSQL URL; empty selects SQLite under DataDir
	RedisAddr   string // host:port; empty disables the cache layer
	RedisDB     int
	NATSURL     string // empty disables the JetStream event sink
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for API token signing

	// Blob storage for recording segments.
	StorageKind    string // "local" | "minio"
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Recording segment sealing keyring, "id:hex32[,id:hex32...]".
	// ActiveRecordingKey selects which id seals new recordings; an empty
	// keyring stores segments in plaintext.
	RecordingKeys      string
	ActiveRecordingKey string

	RetentionDays        int // recording retention after ready
	MaxUploadAttempts    int // per-segment upload attempts before the recording fails
	MaxConcurrentUploads int // cross-recording upload parallelism

	SignalingIdleSeconds int   // no-signal window before a session is failed
	SignalRetentionHours int   // signaling message retention after call termination
	MaxSignalBytes       int64 // per-message payload cap

	EscalationTickSeconds     int // engine evaluation interval
	EscalationCooldownSeconds int // per-rule per-call refire suppression
	MaxDispatchAttempts       int // notification delivery attempts per channel

	StatusCacheSeconds int // call/recording status cache TTL
	EventStreamMaxAgeH int // JetStream event retention

	DirectoryURL string // participant directory service; empty allows any id

	// Escalation notification channels.
	FCMCredentialsFile string
	WebhookURL         string
	WebhookUsername    string // enables digest auth on the webhook channel
	WebhookPassword    string
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	SMTPFrom           string
	RoleEmails         string // "role=addr[;addr]" pairs separated by commas
}

// defaults
const (
	defaultDataDir              = "./data"
	defaultHTTPPort             = 8080
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultStorageKind          = "local"
	defaultRetentionDays        = 30
	defaultMaxUploadAttempts    = 5
	defaultMaxConcurrentUploads = 4
	defaultSignalingIdleSecs    = 120
	defaultSignalRetentionHours = 24
	defaultMaxSignalBytes       = 64 * 1024
	defaultEscalationTickSecs   = 5
	defaultEscalationCooldown   = 60
	defaultMaxDispatchAttempts  = 5
	defaultStatusCacheSeconds   = 5
	defaultEventStreamMaxAgeH   = 168
	defaultSMTPPort             = 587
)

// envPrefix is the prefix for all callbridge environment variables.
const envPrefix = "CALLBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database, spool, and local segment storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty uses SQLite under data-dir)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for status cache and escalation cooldowns (empty disables)")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL for the JetStream event stream (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.StringVar(&cfg.StorageKind, "storage-kind", defaultStorageKind, "segment blob storage backend (local, minio)")
	fs.StringVar(&cfg.MinioEndpoint, "minio-endpoint", "", "MinIO/S3 endpoint host:port")
	fs.StringVar(&cfg.MinioAccessKey, "minio-access-key", "", "MinIO/S3 access key")
	fs.StringVar(&cfg.MinioSecretKey, "minio-secret-key", "", "MinIO/S3 secret key")
	fs.StringVar(&cfg.MinioBucket, "minio-bucket", "callbridge-recordings", "MinIO/S3 bucket for recording segments")
	fs.BoolVar(&cfg.MinioUseSSL, "minio-use-ssl", true, "use TLS for MinIO/S3 connections")
	fs.StringVar(&cfg.RecordingKeys, "recording-keys", "", "segment sealing keyring as id:hex32 pairs separated by commas")
	fs.StringVar(&cfg.ActiveRecordingKey, "active-recording-key", "", "keyring id used to seal new recordings")
	fs.IntVar(&cfg.RetentionDays, "retention-days", defaultRetentionDays, "days a ready recording is kept before purge")
	fs.IntVar(&cfg.MaxUploadAttempts, "max-upload-attempts", defaultMaxUploadAttempts, "upload attempts per segment before the recording fails")
	fs.IntVar(&cfg.MaxConcurrentUploads, "max-concurrent-uploads", defaultMaxConcurrentUploads, "segment uploads in flight across all recordings")
	fs.IntVar(&cfg.SignalingIdleSeconds, "signaling-idle-seconds", defaultSignalingIdleSecs, "seconds without signaling before an active session is failed")
	fs.IntVar(&cfg.SignalRetentionHours, "signal-retention-hours", defaultSignalRetentionHours, "hours signaling messages are kept after call termination")
	fs.Int64Var(&cfg.MaxSignalBytes, "max-signal-bytes", defaultMaxSignalBytes, "maximum signaling payload size in bytes")
	fs.IntVar(&cfg.EscalationTickSeconds, "escalation-tick-seconds", defaultEscalationTickSecs, "escalation engine evaluation interval in seconds")
	fs.IntVar(&cfg.EscalationCooldownSeconds, "escalation-cooldown-seconds", defaultEscalationCooldown, "per-rule per-call cooldown between escalation fires in seconds")
	fs.IntVar(&cfg.MaxDispatchAttempts, "max-dispatch-attempts", defaultMaxDispatchAttempts, "notification delivery attempts per channel before giving up")
	fs.IntVar(&cfg.StatusCacheSeconds, "status-cache-seconds", defaultStatusCacheSeconds, "call and recording status cache TTL in seconds")
	fs.IntVar(&cfg.EventStreamMaxAgeH, "event-stream-max-age-hours", defaultEventStreamMaxAgeH, "JetStream event retention in hours")
	fs.StringVar(&cfg.DirectoryURL, "directory-url", "", "participant directory service base URL (empty accepts any participant id)")
	fs.StringVar(&cfg.FCMCredentialsFile, "fcm-credentials-file", "", "path to Firebase service account JSON for the fcm channel")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "URL for the webhook escalation channel")
	fs.StringVar(&cfg.WebhookUsername, "webhook-username", "", "digest auth username for the webhook channel")
	fs.StringVar(&cfg.WebhookPassword, "webhook-password", "", "digest auth password for the webhook channel")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server host for the email escalation channel")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for escalation emails")
	fs.StringVar(&cfg.RoleEmails, "role-emails", "", "escalation email recipients as role=addr[;addr] pairs separated by commas")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":                    envPrefix + "DATA_DIR",
		"http-port":                   envPrefix + "HTTP_PORT",
		"database-url":                envPrefix + "DATABASE_URL",
		"redis-addr":                  envPrefix + "REDIS_ADDR",
		"redis-db":                    envPrefix + "REDIS_DB",
		"nats-url":                    envPrefix + "NATS_URL",
		"log-level":                   envPrefix + "LOG_LEVEL",
		"log-format":                  envPrefix + "LOG_FORMAT",
		"cors-origins":                envPrefix + "CORS_ORIGINS",
		"jwt-secret":                  envPrefix + "JWT_SECRET",
		"storage-kind":                envPrefix + "STORAGE_KIND",
		"minio-endpoint":              envPrefix + "MINIO_ENDPOINT",
		"minio-access-key":            envPrefix + "MINIO_ACCESS_KEY",
		"minio-secret-key":            envPrefix + "MINIO_SECRET_KEY",
		"minio-bucket":                envPrefix + "MINIO_BUCKET",
		"minio-use-ssl":               envPrefix + "MINIO_USE_SSL",
		"recording-keys":              envPrefix + "RECORDING_KEYS",
		"active-recording-key":        envPrefix + "ACTIVE_RECORDING_KEY",
		"retention-days":              envPrefix + "RETENTION_DAYS",
		"max-upload-attempts":         envPrefix + "MAX_UPLOAD_ATTEMPTS",
		"max-concurrent-uploads":      envPrefix + "MAX_CONCURRENT_UPLOADS",
		"signaling-idle-seconds":      envPrefix + "SIGNALING_IDLE_SECONDS",
		"signal-retention-hours":      envPrefix + "SIGNAL_RETENTION_HOURS",
		"max-signal-bytes":            envPrefix + "MAX_SIGNAL_BYTES",
		"escalation-tick-seconds":     envPrefix + "ESCALATION_TICK_SECONDS",
		"escalation-cooldown-seconds": envPrefix + "ESCALATION_COOLDOWN_SECONDS",
		"max-dispatch-attempts":       envPrefix + "MAX_DISPATCH_ATTEMPTS",
		"status-cache-seconds":        envPrefix + "STATUS_CACHE_SECONDS",
		"event-stream-max-age-hours":  envPrefix + "EVENT_STREAM_MAX_AGE_HOURS",
		"directory-url":               envPrefix + "DIRECTORY_URL",
		"fcm-credentials-file":        envPrefix + "FCM_CREDENTIALS_FILE",
		"webhook-url":                 envPrefix + "WEBHOOK_URL",
		"webhook-username":            envPrefix + "WEBHOOK_USERNAME",
		"webhook-password":            envPrefix + "WEBHOOK_PASSWORD",
		"smtp-host":                   envPrefix + "SMTP_HOST",
		"smtp-port":                   envPrefix + "SMTP_PORT",
		"smtp-username":               envPrefix + "SMTP_USERNAME",
		"smtp-password":               envPrefix + "SMTP_PASSWORD",
		"smtp-from":                   envPrefix + "SMTP_FROM",
		"role-emails":                 envPrefix + "ROLE_EMAILS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "database-url":
			cfg.DatabaseURL = val
		case "redis-addr":
			cfg.RedisAddr = val
		case "redis-db":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RedisDB = v
			}
		case "nats-url":
			cfg.NATSURL = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "storage-kind":
			cfg.StorageKind = val
		case "minio-endpoint":
			cfg.MinioEndpoint = val
		case "minio-access-key":
			cfg.MinioAccessKey = val
		case "minio-secret-key":
			cfg.MinioSecretKey = val
		case "minio-bucket":
			cfg.MinioBucket = val
		case "minio-use-ssl":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.MinioUseSSL = v
			}
		case "recording-keys":
			cfg.RecordingKeys = val
		case "active-recording-key":
			cfg.ActiveRecordingKey = val
		case "retention-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RetentionDays = v
			}
		case "max-upload-attempts":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxUploadAttempts = v
			}
		case "max-concurrent-uploads":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxConcurrentUploads = v
			}
		case "signaling-idle-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SignalingIdleSeconds = v
			}
		case "signal-retention-hours":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SignalRetentionHours = v
			}
		case "max-signal-bytes":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.MaxSignalBytes = v
			}
		case "escalation-tick-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EscalationTickSeconds = v
			}
		case "escalation-cooldown-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EscalationCooldownSeconds = v
			}
		case "max-dispatch-attempts":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxDispatchAttempts = v
			}
		case "status-cache-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.StatusCacheSeconds = v
			}
		case "event-stream-max-age-hours":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EventStreamMaxAgeH = v
			}
		case "directory-url":
			cfg.DirectoryURL = val
		case "fcm-credentials-file":
			cfg.FCMCredentialsFile = val
		case "webhook-url":
			cfg.WebhookURL = val
		case "webhook-username":
			cfg.WebhookUsername = val
		case "webhook-password":
			cfg.WebhookPassword = val
		case "smtp-host":
			cfg.SMTPHost = val
		case "smtp-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SMTPPort = v
			}
		case "smtp-username":
			cfg.SMTPUsername = val
		case "smtp-password":
			cfg.SMTPPassword = val
		case "smtp-from":
			cfg.SMTPFrom = val
		case "role-emails":
			cfg.RoleEmails = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.StorageKind {
	case "local":
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("storage-kind minio requires minio-endpoint, minio-access-key, and minio-secret-key")
		}
		if c.MinioBucket == "" {
			return fmt.Errorf("storage-kind minio requires minio-bucket")
		}
	default:
		return fmt.Errorf("storage-kind must be one of local, minio; got %q", c.StorageKind)
	}

	if c.RetentionDays < 1 {
		return fmt.Errorf("retention-days must be at least 1, got %d", c.RetentionDays)
	}
	if c.MaxUploadAttempts < 1 {
		return fmt.Errorf("max-upload-attempts must be at least 1, got %d", c.MaxUploadAttempts)
	}
	if c.MaxConcurrentUploads < 1 {
		return fmt.Errorf("max-concurrent-uploads must be at least 1, got %d", c.MaxConcurrentUploads)
	}
	if c.SignalingIdleSeconds < 1 {
		return fmt.Errorf("signaling-idle-seconds must be at least 1, got %d", c.SignalingIdleSeconds)
	}
	if c.SignalRetentionHours < 1 {
		return fmt.Errorf("signal-retention-hours must be at least 1, got %d", c.SignalRetentionHours)
	}
	if c.MaxSignalBytes < 1024 {
		return fmt.Errorf("max-signal-bytes must be at least 1024, got %d", c.MaxSignalBytes)
	}
	if c.EscalationTickSeconds < 1 {
		return fmt.Errorf("escalation-tick-seconds must be at least 1, got %d", c.EscalationTickSeconds)
	}
	if c.EscalationCooldownSeconds < 0 {
		return fmt.Errorf("escalation-cooldown-seconds must not be negative, got %d", c.EscalationCooldownSeconds)
	}
	if c.MaxDispatchAttempts < 1 {
		return fmt.Errorf("max-dispatch-attempts must be at least 1, got %d", c.MaxDispatchAttempts)
	}
	if c.StatusCacheSeconds < 0 {
		return fmt.Errorf("status-cache-seconds must not be negative, got %d", c.StatusCacheSeconds)
	}
	if c.EventStreamMaxAgeH < 1 {
		return fmt.Errorf("event-stream-max-age-hours must be at least 1, got %d", c.EventStreamMaxAgeH)
	}

	// The keyring must parse, and the active key must resolve when set.
	keys, err := c.RecordingKeyring()
	if err != nil {
		return err
	}
	if c.ActiveRecordingKey != "" {
		if _, ok := keys[c.ActiveRecordingKey]; !ok {
			return fmt.Errorf("active-recording-key %q not present in recording-keys", c.ActiveRecordingKey)
		}
	}
	if c.ActiveRecordingKey == "" && len(keys) > 0 {
		return fmt.Errorf("recording-keys configured but active-recording-key is empty")
	}

	if _, err := c.RoleEmailMap(); err != nil {
		return err
	}

	return nil
}

// RecordingKeyring parses the configured keyring into key id to 32-byte key.
// An empty configuration returns an empty map.
func (c *Config) RecordingKeyring() (map[string][]byte, error) {
	keys := make(map[string][]byte)
	if c.RecordingKeys == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(c.RecordingKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, hexKey, ok := strings.Cut(pair, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("recording-keys entry %q must be id:hex32", pair)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decoding recording key %s: %w", id, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("recording key %s must decode to 32 bytes, got %d", id, len(key))
		}
		keys[id] = key
	}
	return keys, nil
}

// RoleEmailMap parses role-emails into role to recipient addresses.
func (c *Config) RoleEmailMap() (map[string][]string, error) {
	recipients := make(map[string][]string)
	if c.RoleEmails == "" {
		return recipients, nil
	}
	for _, pair := range strings.Split(c.RoleEmails, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		role, addrs, ok := strings.Cut(pair, "=")
		if !ok || role == "" || addrs == "" {
			return nil, fmt.Errorf("role-emails entry %q must be role=addr[;addr]", pair)
		}
		for _, addr := range strings.Split(addrs, ";") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				recipients[role] = append(recipients[role], addr)
			}
		}
	}
	return recipients, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SignalingIdleTimeout returns the idle window as a duration.
func (c *Config) SignalingIdleTimeout() time.Duration {
	return time.Duration(c.SignalingIdleSeconds) * time.Second
}

// SignalRetention returns the signaling retention window as a duration.
func (c *Config) SignalRetention() time.Duration {
	return time.Duration(c.SignalRetentionHours) * time.Hour
}

// EscalationTick returns the engine evaluation interval as a duration.
func (c *Config) EscalationTick() time.Duration {
	return time.Duration(c.EscalationTickSeconds) * time.Second
}

// EscalationCooldown returns the per-rule cooldown as a duration.
func (c *Config) EscalationCooldown() time.Duration {
	return time.Duration(c.EscalationCooldownSeconds) * time.Second
}

// RecordingRetention returns the recording retention window as a duration.
func (c *Config) RecordingRetention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// StatusCacheTTL returns the status cache TTL as a duration.
func (c *Config) StatusCacheTTL() time.Duration {
	return time.Duration(c.StatusCacheSeconds) * time.Second
}

// EventStreamMaxAge returns the JetStream retention window as a duration.
func (c *Config) EventStreamMaxAge() time.Duration {
	return time.Duration(c.EventStreamMaxAgeH) * time.Hour
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
