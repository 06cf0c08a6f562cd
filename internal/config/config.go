package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted for the shared API secret, in order.
var apiKeyEnv = []string{"PIPER_API_KEY", "LOQA_TTS_API_KEY"}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind               string   `yaml:"bind"`
	Port               int      `yaml:"port"`
	WriteTimeoutSec    int      `yaml:"write_timeout_seconds"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
}

// AuthConfig is never read from the config file; the secret only comes from the environment.
type AuthConfig struct {
	APIKey string `yaml:"-"`
}

type VoicesConfig struct {
	Model       string   `yaml:"model"`
	DataDirs    []string `yaml:"data_dirs"`
	DownloadDir string   `yaml:"download_dir"`
}

// SynthesisConfig holds launch-time defaults. Nil pointers mean "use the voice's own default".
type SynthesisConfig struct {
	Speaker         *int     `yaml:"speaker"`
	LengthScale     *float64 `yaml:"length_scale"`
	NoiseScale      *float64 `yaml:"noise_scale"`
	NoiseWScale     *float64 `yaml:"noise_w_scale"`
	SentenceSilence float64  `yaml:"sentence_silence"`
}

type EngineConfig struct {
	Mode    string `yaml:"mode"` // exec, mock
	Command string `yaml:"command"`
	UseCUDA bool   `yaml:"cuda"`
}

type CatalogConfig struct {
	VoicesURL       string `yaml:"voices_url"`
	BaseURL         string `yaml:"base_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	Embedded       bool     `yaml:"embedded"`
	EmbeddedHost   string   `yaml:"embedded_host"`
	EmbeddedPort   int      `yaml:"embedded_port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Auth        AuthConfig       `yaml:"-"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Voices      VoicesConfig     `yaml:"voices"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Engine      EngineConfig     `yaml:"engine"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TraceExporter:  "none",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Voices: VoicesConfig{
			DataDirs: []string{"."},
		},
		Engine: EngineConfig{
			Mode:    "exec",
			Command: "piper",
		},
		Catalog: CatalogConfig{
			VoicesURL:       "https://huggingface.co/rhasspy/piper-voices/resolve/main/voices.json?download=true",
			BaseURL:         "https://huggingface.co/rhasspy/piper-voices/resolve/main",
			CacheTTLSeconds: 600,
			TimeoutSeconds:  60,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "tts.events",
			EmbeddedHost:   "127.0.0.1",
			EmbeddedPort:   4222,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path, a .env file,
// LOQA_TTS_* environment variables and finally the given overrides (command-line flags).
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	for _, override := range overrides {
		override(&cfg)
	}
	if cfg.Voices.DownloadDir == "" && len(cfg.Voices.DataDirs) > 0 {
		cfg.Voices.DownloadDir = cfg.Voices.DataDirs[0]
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Addr returns the host:port the API server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}

// SlogLevel maps the configured log level onto slog.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, key := range apiKeyEnv {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			cfg.Auth.APIKey = value
			break
		}
	}
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideInt(&cfg.HTTP.WriteTimeoutSec, "LOQA_TTS_HTTP_WRITE_TIMEOUT_SECONDS")
	overrideStringSlice(&cfg.HTTP.CORSAllowedOrigins, "LOQA_TTS_HTTP_CORS_ALLOWED_ORIGINS")
	overrideFloat(&cfg.HTTP.RateLimitRPS, "LOQA_TTS_HTTP_RATE_LIMIT_RPS")
	overrideInt(&cfg.HTTP.RateLimitBurst, "LOQA_TTS_HTTP_RATE_LIMIT_BURST")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TTS_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTS_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Voices.Model, "LOQA_TTS_MODEL")
	overrideStringSlice(&cfg.Voices.DataDirs, "LOQA_TTS_DATA_DIRS")
	overrideString(&cfg.Voices.DownloadDir, "LOQA_TTS_DOWNLOAD_DIR")
	overrideOptionalInt(&cfg.Synthesis.Speaker, "LOQA_TTS_SPEAKER")
	overrideOptionalFloat(&cfg.Synthesis.LengthScale, "LOQA_TTS_LENGTH_SCALE")
	overrideOptionalFloat(&cfg.Synthesis.NoiseScale, "LOQA_TTS_NOISE_SCALE")
	overrideOptionalFloat(&cfg.Synthesis.NoiseWScale, "LOQA_TTS_NOISE_W_SCALE")
	overrideFloat(&cfg.Synthesis.SentenceSilence, "LOQA_TTS_SENTENCE_SILENCE")
	overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	overrideBool(&cfg.Engine.UseCUDA, "LOQA_TTS_ENGINE_CUDA")
	overrideString(&cfg.Catalog.VoicesURL, "LOQA_TTS_CATALOG_VOICES_URL")
	overrideString(&cfg.Catalog.BaseURL, "LOQA_TTS_CATALOG_BASE_URL")
	overrideInt(&cfg.Catalog.CacheTTLSeconds, "LOQA_TTS_CATALOG_CACHE_TTL_SECONDS")
	overrideInt(&cfg.Catalog.TimeoutSeconds, "LOQA_TTS_CATALOG_TIMEOUT_SECONDS")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "LOQA_TTS_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_TTS_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.EmbeddedPort, "LOQA_TTS_BUS_EMBEDDED_PORT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideOptionalInt(target **int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = &parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideOptionalFloat(target **float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = &parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.WriteTimeoutSec < 0 {
		return errors.New("http.write_timeout_seconds must be >= 0")
	}
	if cfg.HTTP.RateLimitRPS < 0 || cfg.HTTP.RateLimitBurst < 0 {
		return errors.New("http.rate_limit_rps and http.rate_limit_burst must be >= 0")
	}
	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst == 0 {
		return errors.New("http.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if strings.TrimSpace(cfg.Voices.Model) == "" {
		return errors.New("voices.model must not be empty")
	}
	if len(cfg.Voices.DataDirs) == 0 {
		return errors.New("voices.data_dirs must not be empty")
	}
	if cfg.Synthesis.Speaker != nil && *cfg.Synthesis.Speaker < 0 {
		return errors.New("synthesis.speaker must be >= 0")
	}
	if cfg.Synthesis.SentenceSilence < 0 {
		return errors.New("synthesis.sentence_silence must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if strings.TrimSpace(cfg.Engine.Command) == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	default:
		return errors.New("engine.mode must be one of exec|mock")
	}
	if cfg.Catalog.VoicesURL == "" || cfg.Catalog.BaseURL == "" {
		return errors.New("catalog.voices_url and catalog.base_url must not be empty")
	}
	if cfg.Catalog.CacheTTLSeconds < 0 {
		return errors.New("catalog.cache_ttl_seconds must be >= 0")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Embedded && (cfg.Bus.EmbeddedPort < -1 || cfg.Bus.EmbeddedPort > 65535) {
		return errors.New("bus.embedded_port must be between -1 and 65535")
	}
	if cfg.Bus.Enabled && !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is enabled")
	}
	return nil
}
