package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Session     SessionConfig     `yaml:"session"`
	TTS         TTSConfig         `yaml:"tts"`
	Narrator    NarratorConfig    `yaml:"narrator"`
	Certificate CertificateConfig `yaml:"certificate"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SessionConfig struct {
	DefaultMinutes int `yaml:"default_minutes"`
	MaxCheckinLen  int `yaml:"max_checkin_len"`
}

type TTSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"` // mock, openai
	APIKey      string `yaml:"api_key"`
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	Voice       string `yaml:"voice"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxRetries  int    `yaml:"max_retries"`
	RetryBaseMS int    `yaml:"retry_base_ms"`
}

type NarratorConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, openai
	APIKey      string  `yaml:"api_key"`
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type CertificateConfig struct {
	Title    string `yaml:"title"`
	Filename string `yaml:"filename"`
}

func Default() Config {
	return Config{
		RuntimeName: "om-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8704,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/om-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			DefaultMinutes: 10,
			MaxCheckinLen:  2000,
		},
		TTS: TTSConfig{
			Enabled:     true,
			Mode:        "mock",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini-tts",
			Voice:       "verse",
			TimeoutMS:   15000,
			MaxRetries:  3,
			RetryBaseMS: 250,
		},
		Narrator: NarratorConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   400,
			Temperature: 0.5,
			TimeoutMS:   30000,
		},
		Certificate: CertificateConfig{
			Title:    "Om - Participation Certificate",
			Filename: "om_certificate.pdf",
		},
	}
}

func Load(path string) (Config, error) {
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "OM_RUNTIME_NAME")
	overrideString(&cfg.Environment, "OM_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "OM_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "OM_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "OM_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OM_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "OM_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "OM_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "OM_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "OM_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "OM_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "OM_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "OM_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "OM_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "OM_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "OM_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "OM_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "OM_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "OM_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "OM_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.DefaultMinutes, "OM_SESSION_DEFAULT_MINUTES")
	overrideInt(&cfg.Session.MaxCheckinLen, "OM_SESSION_MAX_CHECKIN_LEN")
	overrideBool(&cfg.TTS.Enabled, "OM_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "OM_TTS_MODE")
	overrideString(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.APIKey, "OM_TTS_API_KEY")
	overrideString(&cfg.TTS.Endpoint, "OM_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Model, "OM_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "OM_TTS_VOICE")
	overrideInt(&cfg.TTS.TimeoutMS, "OM_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxRetries, "OM_TTS_MAX_RETRIES")
	overrideInt(&cfg.TTS.RetryBaseMS, "OM_TTS_RETRY_BASE_MS")
	overrideBool(&cfg.Narrator.Enabled, "OM_NARRATOR_ENABLED")
	overrideString(&cfg.Narrator.Mode, "OM_NARRATOR_MODE")
	overrideString(&cfg.Narrator.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Narrator.APIKey, "OM_NARRATOR_API_KEY")
	overrideString(&cfg.Narrator.Endpoint, "OM_NARRATOR_ENDPOINT")
	overrideString(&cfg.Narrator.Model, "OM_NARRATOR_MODEL")
	overrideInt(&cfg.Narrator.MaxTokens, "OM_NARRATOR_MAX_TOKENS")
	overrideFloat(&cfg.Narrator.Temperature, "OM_NARRATOR_TEMPERATURE")
	overrideInt(&cfg.Narrator.TimeoutMS, "OM_NARRATOR_TIMEOUT_MS")
	overrideString(&cfg.Certificate.Title, "OM_CERTIFICATE_TITLE")
	overrideString(&cfg.Certificate.Filename, "OM_CERTIFICATE_FILENAME")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty when persistence is enabled")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Session.DefaultMinutes <= 0 {
		return errors.New("session.default_minutes must be positive")
	}
	if cfg.Session.MaxCheckinLen <= 0 {
		return errors.New("session.max_checkin_len must be positive")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "openai":
		default:
			return errors.New("tts.mode must be one of mock|openai")
		}
		if cfg.TTS.Mode == "openai" {
			if cfg.TTS.APIKey == "" {
				return errors.New("tts.api_key must be set when mode=openai (set OM_TTS_API_KEY or OPENAI_API_KEY)")
			}
			if cfg.TTS.Endpoint == "" {
				return errors.New("tts.endpoint must be set when mode=openai")
			}
		}
		if cfg.TTS.TimeoutMS <= 0 {
			return errors.New("tts.timeout_ms must be positive")
		}
		if cfg.TTS.MaxRetries < 0 {
			return errors.New("tts.max_retries must be >= 0")
		}
	}
	if cfg.Narrator.Enabled {
		switch cfg.Narrator.Mode {
		case "mock", "openai":
		default:
			return errors.New("narrator.mode must be one of mock|openai")
		}
		if cfg.Narrator.Mode == "openai" {
			if cfg.Narrator.APIKey == "" {
				return errors.New("narrator.api_key must be set when mode=openai (set OM_NARRATOR_API_KEY or OPENAI_API_KEY)")
			}
			if cfg.Narrator.Endpoint == "" {
				return errors.New("narrator.endpoint must be set when mode=openai")
			}
		}
		if cfg.Narrator.MaxTokens < 0 {
			return errors.New("narrator.max_tokens must be >= 0")
		}
	}
	if cfg.Certificate.Filename == "" {
		return errors.New("certificate.filename must not be empty")
	}
	return nil
}
