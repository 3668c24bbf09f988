package session

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
)

type Config struct {
	VADThreshold    float64         `mapstructure:"vad_threshold"`
	QuietPeriodMS   int             `mapstructure:"quiet_period_ms"`
	BargeInEnabled  bool            `mapstructure:"barge_in_enabled"`
	InputDevice     string          `mapstructure:"input_device"`
	OutputDevice    string          `mapstructure:"output_device"`
	ReconnectDelayS float64         `mapstructure:"reconnect_delay_s"`
	Agent           AgentConfig     `mapstructure:"agent"`
	Audio           AudioConfig     `mapstructure:"audio"`
	Transport       TransportConfig `mapstructure:"transport"`
	Playback        PlaybackConfig  `mapstructure:"playback"`
	Tools           ToolsConfig     `mapstructure:"tools"`
	LogLevel        string          `mapstructure:"log_level"`
	LogFormat       string          `mapstructure:"log_format"`
	Privacy         PrivacyConfig   `mapstructure:"privacy"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
}

type AgentConfig struct {
	ID           string `mapstructure:"id"`
	APIKey       string `mapstructure:"api_key"`
	URL          string `mapstructure:"url"`
	LanguageCode string `mapstructure:"language_code"`
	VoiceID      string `mapstructure:"voice_id"`
}

type AudioConfig struct {
	Backend          string         `mapstructure:"backend"`
	InputSampleRate  int            `mapstructure:"input_sample_rate"`
	OutputSampleRate int            `mapstructure:"output_sample_rate"`
	InputEncoding    string         `mapstructure:"input_encoding"`
	OutputEncoding   string         `mapstructure:"output_encoding"`
	FrameMS          int            `mapstructure:"frame_ms"`
	Settings         map[string]any `mapstructure:"settings"`
}

type TransportConfig struct {
	ConnectTimeoutS float64 `mapstructure:"connect_timeout_s"`
	WriteTimeoutMS  int     `mapstructure:"write_timeout_ms"`
	SendBuffer      int     `mapstructure:"send_buffer"`
}

type PlaybackConfig struct {
	HighWatermarkMS int `mapstructure:"high_watermark_ms"`
	SubChunkMS      int `mapstructure:"sub_chunk_ms"`
}

type ToolsConfig struct {
	Provider       string         `mapstructure:"provider"`
	TimeoutMS      int            `mapstructure:"timeout_ms"`
	Concurrency    int            `mapstructure:"concurrency"`
	Retries        int            `mapstructure:"retries"`
	RetryBackoffMS int            `mapstructure:"retry_backoff_ms"`
	Settings       map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	ListenAddr    string  `mapstructure:"listen_addr"`
	JSONLPath     string  `mapstructure:"jsonl_path"`
	VADSampleRate float64 `mapstructure:"vad_sample_rate"`
	TimelineDir   string  `mapstructure:"timeline_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vad_threshold", 0.5)
	v.SetDefault("quiet_period_ms", 700)
	v.SetDefault("barge_in_enabled", true)
	v.SetDefault("input_device", "")
	v.SetDefault("output_device", "")
	v.SetDefault("reconnect_delay_s", 5)
	v.SetDefault("agent.url", "wss://api.elevenlabs.io/v1/convai/conversation")
	v.SetDefault("audio.backend", "portaudio")
	v.SetDefault("audio.input_sample_rate", 16000)
	v.SetDefault("audio.output_sample_rate", 24000)
	v.SetDefault("audio.input_encoding", string(frames.EncodingPCM16))
	v.SetDefault("audio.output_encoding", string(frames.EncodingPCM16))
	v.SetDefault("audio.frame_ms", 20)
	v.SetDefault("transport.connect_timeout_s", 10)
	v.SetDefault("transport.write_timeout_ms", 2000)
	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("playback.high_watermark_ms", 15000)
	v.SetDefault("playback.sub_chunk_ms", 20)
	v.SetDefault("tools.provider", "none")
	v.SetDefault("tools.timeout_ms", 8000)
	v.SetDefault("tools.concurrency", 1)
	v.SetDefault("tools.retries", 0)
	v.SetDefault("tools.retry_backoff_ms", 200)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.vad_sample_rate", 0.1)
	v.SetDefault("metrics.timeline_dir", "")
	v.SetDefault("metrics.retention_days", 0)
}

// DefaultConfig returns the configuration LoadConfig produces for an empty
// file.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// LoadConfig reads path, applies defaults, expands ${ENV} references in
// string values and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfigInvalid)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfigInvalid)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Agent.ID) == "" {
		problems = append(problems, "agent.id is required")
	}
	if c.VADThreshold <= 0 || c.VADThreshold > 1 {
		problems = append(problems, "vad_threshold must be in (0, 1]")
	}
	if c.QuietPeriodMS <= 0 {
		problems = append(problems, "quiet_period_ms must be positive")
	}
	if c.ReconnectDelayS <= 0 {
		problems = append(problems, "reconnect_delay_s must be positive")
	}
	if strings.TrimSpace(c.Audio.Backend) == "" {
		problems = append(problems, "audio.backend is required")
	}
	if _, err := c.InputFormat(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.OutputFormat(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Tools.Concurrency < 0 || c.Tools.Retries < 0 {
		problems = append(problems, "tools.concurrency and tools.retries must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return errorsx.Wrap(fmt.Errorf("%s", strings.Join(problems, "; ")), errorsx.ReasonConfigInvalid)
}

func (c Config) InputFormat() (frames.Format, error) {
	return parseFormat("audio.input", c.Audio.InputEncoding, c.Audio.InputSampleRate)
}

func (c Config) OutputFormat() (frames.Format, error) {
	return parseFormat("audio.output", c.Audio.OutputEncoding, c.Audio.OutputSampleRate)
}

func parseFormat(key, encoding string, rate int) (frames.Format, error) {
	if rate <= 0 {
		return frames.Format{}, fmt.Errorf("%s_sample_rate must be positive", key)
	}
	switch frames.Encoding(strings.ToLower(strings.TrimSpace(encoding))) {
	case "", frames.EncodingPCM16:
		return frames.PCM16(rate), nil
	case frames.EncodingULaw:
		return frames.ULaw(rate), nil
	default:
		return frames.Format{}, fmt.Errorf("%s_encoding %q is not supported", key, encoding)
	}
}

func (c Config) QuietPeriod() time.Duration { return ms(c.QuietPeriodMS) }

func (c Config) ReconnectDelay() time.Duration { return seconds(c.ReconnectDelayS) }

func (c Config) FrameDuration() time.Duration { return ms(c.Audio.FrameMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Audio.Settings = expandSettings(cfg.Audio.Settings)
	cfg.Tools.Settings = expandSettings(cfg.Tools.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
