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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Telephony   TelephonyConfig `yaml:"telephony"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	Assistant   AssistantConfig `yaml:"assistant"`
	Functions   FunctionsConfig `yaml:"functions"`
	Call        CallConfig      `yaml:"call"`
}

// BusConfig controls where call lifecycle events are published.
type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

// TelephonyConfig describes the media-stream provider side of a call.
type TelephonyConfig struct {
	IncomingPath      string `yaml:"incoming_path"`
	StreamPath        string `yaml:"stream_path"`
	PublicHost        string `yaml:"public_host"`
	AuthToken         string `yaml:"auth_token"`
	ValidateSignature bool   `yaml:"validate_signature"`
}

// RealtimeConfig describes the upstream speech-to-speech model connection.
type RealtimeConfig struct {
	URL                string  `yaml:"url"`
	Model              string  `yaml:"model"`
	APIKey             string  `yaml:"api_key"`
	BetaHeader         string  `yaml:"beta_header"`
	Voice              string  `yaml:"voice"`
	Temperature        float64 `yaml:"temperature"`
	TurnDetection      string  `yaml:"turn_detection"`
	InputAudioFormat   string  `yaml:"input_audio_format"`
	OutputAudioFormat  string  `yaml:"output_audio_format"`
	HandshakeTimeoutMS int     `yaml:"handshake_timeout_ms"`
	WriteTimeoutMS     int     `yaml:"write_timeout_ms"`
}

type AssistantConfig struct {
	Instructions     string `yaml:"instructions"`
	InstructionsPath string `yaml:"instructions_path"`
	EndCallPolicy    bool   `yaml:"end_call_policy"`
	Greeting         string `yaml:"greeting"`
}

type FunctionsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CallConfig struct {
	MaxCalls                 int    `yaml:"max_calls"`
	StateTTLMinutes          int    `yaml:"state_ttl_minutes"`
	InactivityTimeoutSeconds int    `yaml:"inactivity_timeout_seconds"`
	EndCallGraceMS           int    `yaml:"end_call_grace_ms"`
	MarkName                 string `yaml:"mark_name"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-callbridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "loqa",
		},
		Telephony: TelephonyConfig{
			IncomingPath: "/api/phonecalls/incoming",
			StreamPath:   "/ws/customer-service",
		},
		Realtime: RealtimeConfig{
			URL:                "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview-2024-10-01",
			BetaHeader:         "realtime=v1",
			Voice:              "echo",
			Temperature:        0.8,
			TurnDetection:      "server_vad",
			InputAudioFormat:   "g711_ulaw",
			OutputAudioFormat:  "g711_ulaw",
			HandshakeTimeoutMS: 10000,
			WriteTimeoutMS:     5000,
		},
		Assistant: AssistantConfig{
			EndCallPolicy: true,
		},
		Functions: FunctionsConfig{
			Enabled:   false,
			TimeoutMS: 10000,
		},
		Call: CallConfig{
			MaxCalls:                 1000,
			StateTTLMinutes:          120,
			InactivityTimeoutSeconds: 300,
			EndCallGraceMS:           10000,
			MarkName:                 "responsePart",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Telephony.IncomingPath, "LOQA_TELEPHONY_INCOMING_PATH")
	overrideString(&cfg.Telephony.StreamPath, "LOQA_TELEPHONY_STREAM_PATH")
	overrideString(&cfg.Telephony.PublicHost, "LOQA_TELEPHONY_PUBLIC_HOST")
	overrideString(&cfg.Telephony.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Telephony.AuthToken, "LOQA_TELEPHONY_AUTH_TOKEN")
	overrideBool(&cfg.Telephony.ValidateSignature, "LOQA_TELEPHONY_VALIDATE_SIGNATURE")
	overrideString(&cfg.Realtime.URL, "LOQA_REALTIME_URL")
	overrideString(&cfg.Realtime.Model, "LOQA_REALTIME_MODEL")
	overrideString(&cfg.Realtime.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Realtime.APIKey, "LOQA_REALTIME_API_KEY")
	overrideString(&cfg.Realtime.BetaHeader, "LOQA_REALTIME_BETA_HEADER")
	overrideString(&cfg.Realtime.Voice, "LOQA_REALTIME_VOICE")
	overrideFloat(&cfg.Realtime.Temperature, "LOQA_REALTIME_TEMPERATURE")
	overrideString(&cfg.Realtime.TurnDetection, "LOQA_REALTIME_TURN_DETECTION")
	overrideString(&cfg.Realtime.InputAudioFormat, "LOQA_REALTIME_INPUT_AUDIO_FORMAT")
	overrideString(&cfg.Realtime.OutputAudioFormat, "LOQA_REALTIME_OUTPUT_AUDIO_FORMAT")
	overrideInt(&cfg.Realtime.HandshakeTimeoutMS, "LOQA_REALTIME_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Realtime.WriteTimeoutMS, "LOQA_REALTIME_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Assistant.Instructions, "LOQA_ASSISTANT_INSTRUCTIONS")
	overrideString(&cfg.Assistant.InstructionsPath, "LOQA_ASSISTANT_INSTRUCTIONS_PATH")
	overrideBool(&cfg.Assistant.EndCallPolicy, "LOQA_ASSISTANT_END_CALL_POLICY")
	overrideString(&cfg.Assistant.Greeting, "LOQA_ASSISTANT_GREETING")
	overrideBool(&cfg.Functions.Enabled, "LOQA_FUNCTIONS_ENABLED")
	overrideString(&cfg.Functions.Path, "LOQA_FUNCTIONS_PATH")
	overrideInt(&cfg.Functions.TimeoutMS, "LOQA_FUNCTIONS_TIMEOUT_MS")
	overrideInt(&cfg.Call.MaxCalls, "LOQA_CALL_MAX_CALLS")
	overrideInt(&cfg.Call.StateTTLMinutes, "LOQA_CALL_STATE_TTL_MINUTES")
	overrideInt(&cfg.Call.InactivityTimeoutSeconds, "LOQA_CALL_INACTIVITY_TIMEOUT_SECONDS")
	overrideInt(&cfg.Call.EndCallGraceMS, "LOQA_CALL_END_CALL_GRACE_MS")
	overrideString(&cfg.Call.MarkName, "LOQA_CALL_MARK_NAME")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if !strings.HasPrefix(cfg.Telephony.IncomingPath, "/") {
		return errors.New("telephony.incoming_path must start with '/'")
	}
	if !strings.HasPrefix(cfg.Telephony.StreamPath, "/") {
		return errors.New("telephony.stream_path must start with '/'")
	}
	if cfg.Telephony.IncomingPath == cfg.Telephony.StreamPath {
		return errors.New("telephony.incoming_path and telephony.stream_path must differ")
	}
	if cfg.Telephony.ValidateSignature && cfg.Telephony.AuthToken == "" {
		return errors.New("telephony.auth_token must be set when validate_signature is enabled")
	}
	if cfg.Realtime.URL == "" {
		return errors.New("realtime.url must not be empty")
	}
	if strings.TrimSpace(cfg.Realtime.APIKey) == "" {
		return errors.New("realtime.api_key is required")
	}
	if strings.TrimSpace(cfg.Realtime.Model) == "" {
		return errors.New("realtime.model must not be empty")
	}
	if strings.TrimSpace(cfg.Realtime.Voice) == "" {
		return errors.New("realtime.voice must not be empty")
	}
	if cfg.Realtime.Temperature <= 0 {
		return errors.New("realtime.temperature must be positive")
	}
	if cfg.Realtime.HandshakeTimeoutMS <= 0 {
		return errors.New("realtime.handshake_timeout_ms must be positive")
	}
	if strings.TrimSpace(cfg.Assistant.Instructions) == "" && cfg.Assistant.InstructionsPath == "" {
		return errors.New("assistant.instructions or assistant.instructions_path is required")
	}
	if cfg.Functions.Enabled && cfg.Functions.Path == "" {
		return errors.New("functions.path must be set when functions are enabled")
	}
	if cfg.Functions.TimeoutMS <= 0 {
		return errors.New("functions.timeout_ms must be positive")
	}
	if cfg.Call.MaxCalls < 0 {
		return errors.New("call.max_calls must be >= 0")
	}
	if cfg.Call.StateTTLMinutes <= 0 {
		return errors.New("call.state_ttl_minutes must be positive")
	}
	if cfg.Call.InactivityTimeoutSeconds < 0 {
		return errors.New("call.inactivity_timeout_seconds must be >= 0")
	}
	if cfg.Call.EndCallGraceMS < 0 {
		return errors.New("call.end_call_grace_ms must be >= 0")
	}
	if cfg.Call.MarkName == "" {
		return errors.New("call.mark_name must not be empty")
	}
	return nil
}
