package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

// clearEnv unsets every callbridge env var that could leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"CALLBRIDGE_DATA_DIR", "CALLBRIDGE_HTTP_PORT", "CALLBRIDGE_DATABASE_URL",
		"CALLBRIDGE_REDIS_ADDR", "CALLBRIDGE_NATS_URL", "CALLBRIDGE_LOG_LEVEL",
		"CALLBRIDGE_LOG_FORMAT", "CALLBRIDGE_JWT_SECRET", "CALLBRIDGE_STORAGE_KIND",
		"CALLBRIDGE_RECORDING_KEYS", "CALLBRIDGE_ACTIVE_RECORDING_KEY",
		"CALLBRIDGE_RETENTION_DAYS", "CALLBRIDGE_MAX_SIGNAL_BYTES",
		"CALLBRIDGE_ESCALATION_TICK_SECONDS", "CALLBRIDGE_ROLE_EMAILS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callbridge"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.StorageKind != defaultStorageKind {
		t.Errorf("StorageKind = %q, want %q", cfg.StorageKind, defaultStorageKind)
	}
	if cfg.RetentionDays != defaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", cfg.RetentionDays, defaultRetentionDays)
	}
	if cfg.MaxSignalBytes != defaultMaxSignalBytes {
		t.Errorf("MaxSignalBytes = %d, want %d", cfg.MaxSignalBytes, defaultMaxSignalBytes)
	}
	if cfg.EscalationTickSeconds != defaultEscalationTickSecs {
		t.Errorf("EscalationTickSeconds = %d, want %d", cfg.EscalationTickSeconds, defaultEscalationTickSecs)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty (sqlite default)", cfg.DatabaseURL)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callbridge"}
	t.Setenv("CALLBRIDGE_HTTP_PORT", "9090")
	t.Setenv("CALLBRIDGE_DATA_DIR", "/tmp/callbridge-test")
	t.Setenv("CALLBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("CALLBRIDGE_MAX_SIGNAL_BYTES", "32768")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/callbridge-test" {
		t.Errorf("DataDir = %q, want /tmp/callbridge-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MaxSignalBytes != 32768 {
		t.Errorf("MaxSignalBytes = %d, want 32768", cfg.MaxSignalBytes)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	clearEnv(t)
	os.Args = []string{"callbridge", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("CALLBRIDGE_HTTP_PORT", "9090")
	t.Setenv("CALLBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callbridge", "--http-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callbridge", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateMinioRequiresCredentials(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callbridge", "--storage-kind", "minio"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for minio without endpoint and keys, got nil")
	}
}

func TestValidateActiveKeyMustResolve(t *testing.T) {
	clearEnv(t)
	key := strings.Repeat("ab", 32)
	os.Args = []string{"callbridge",
		"--recording-keys", "k1:" + key,
		"--active-recording-key", "k2",
	}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for active key missing from keyring, got nil")
	}
}

func TestValidateKeyringRequiresActiveKey(t *testing.T) {
	clearEnv(t)
	key := strings.Repeat("ab", 32)
	os.Args = []string{"callbridge", "--recording-keys", "k1:" + key}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for keyring without active key, got nil")
	}
}

func TestRecordingKeyring(t *testing.T) {
	key1 := strings.Repeat("aa", 32)
	key2 := strings.Repeat("bb", 32)
	cfg := &Config{RecordingKeys: "k1:" + key1 + ", k2:" + key2}

	keys, err := cfg.RecordingKeyring()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if len(keys["k1"]) != 32 || len(keys["k2"]) != 32 {
		t.Errorf("expected 32-byte keys, got %d and %d", len(keys["k1"]), len(keys["k2"]))
	}
}

func TestRecordingKeyring_RejectsShortKey(t *testing.T) {
	cfg := &Config{RecordingKeys: "k1:abcd"}
	if _, err := cfg.RecordingKeyring(); err == nil {
		t.Fatal("expected error for short key, got nil")
	}
}

func TestRecordingKeyring_RejectsMissingID(t *testing.T) {
	cfg := &Config{RecordingKeys: strings.Repeat("aa", 32)}
	if _, err := cfg.RecordingKeyring(); err == nil {
		t.Fatal("expected error for entry without id, got nil")
	}
}

func TestRoleEmailMap(t *testing.T) {
	cfg := &Config{RoleEmails: "admin=ops@example.com;oncall@example.com, provider=desk@example.com"}

	m, err := cfg.RoleEmailMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m["admin"]) != 2 {
		t.Errorf("expected 2 admin recipients, got %d", len(m["admin"]))
	}
	if len(m["provider"]) != 1 {
		t.Errorf("expected 1 provider recipient, got %d", len(m["provider"]))
	}
}

func TestRoleEmailMap_RejectsMalformed(t *testing.T) {
	cfg := &Config{RoleEmails: "adminops@example.com"}
	if _, err := cfg.RoleEmailMap(); err == nil {
		t.Fatal("expected error for pair without =, got nil")
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{JWTSecret: strings.Repeat("cd", 32)}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
}

func TestJWTSecretBytes_GeneratesWhenEmpty(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected generated 32-byte key, got %d", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("expected generated secret stored back on the config")
	}
}

func TestJWTSecretBytes_RejectsWrongLength(t *testing.T) {
	cfg := &Config{JWTSecret: "abcd"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Fatal("expected error for short secret, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		SignalingIdleSeconds:      120,
		SignalRetentionHours:      24,
		EscalationTickSeconds:     5,
		EscalationCooldownSeconds: 60,
		RetentionDays:             30,
		StatusCacheSeconds:        5,
	}

	if got := cfg.SignalingIdleTimeout().Seconds(); got != 120 {
		t.Errorf("SignalingIdleTimeout = %vs, want 120s", got)
	}
	if got := cfg.SignalRetention().Hours(); got != 24 {
		t.Errorf("SignalRetention = %vh, want 24h", got)
	}
	if got := cfg.EscalationTick().Seconds(); got != 5 {
		t.Errorf("EscalationTick = %vs, want 5s", got)
	}
	if got := cfg.EscalationCooldown().Seconds(); got != 60 {
		t.Errorf("EscalationCooldown = %vs, want 60s", got)
	}
	if got := cfg.RecordingRetention().Hours(); got != 30*24 {
		t.Errorf("RecordingRetention = %vh, want %vh", got, 30*24)
	}
	if got := cfg.StatusCacheTTL().Seconds(); got != 5 {
		t.Errorf("StatusCacheTTL = %vs, want 5s", got)
	}
}
