package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/speaktogether/capture-pipeline/pkg/capture"
)

// Config is the agent's file configuration. Secrets come from the
// environment, never from the file.
type Config struct {
	MetricsAddr string `yaml:"metrics_addr"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Sink SinkConfig `yaml:"sink"`

	Session SessionConfig `yaml:"session"`

	Speech SpeechConfig `yaml:"speech"`
}

// SinkConfig selects and parameterizes the transcription backend.
type SinkConfig struct {
	// Kind is one of "google", "whisper" or "stream".
	Kind string `yaml:"kind"`
	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env"`
	// BaseURL overrides the whisper endpoint; empty uses the default.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Host is the websocket host for the stream sink.
	Host string `yaml:"host"`
}

// SessionConfig mirrors the capture session parameters.
type SessionConfig struct {
	SampleRate   int      `yaml:"sample_rate"`
	Channels     int      `yaml:"channels"`
	ChunkFrames  int      `yaml:"chunk_frames"`
	Source       string   `yaml:"source"`
	DeviceID     string   `yaml:"device_id"`
	Language     string   `yaml:"language"`
	AltLanguages []string `yaml:"alt_languages"`
}

// SpeechConfig is the file form of the segmentation thresholds, in
// seconds rather than durations.
type SpeechConfig struct {
	TargetBufferSeconds float64 `yaml:"target_buffer_seconds"`
	MaxBufferSeconds    float64 `yaml:"max_buffer_seconds"`
	MinBufferSeconds    float64 `yaml:"min_buffer_seconds"`
	SilenceSeconds      float64 `yaml:"silence_seconds"`
	VolumeThreshold     float64 `yaml:"volume_threshold"`
}

// Default returns the built-in configuration used when no file exists.
func Default() Config {
	var c Config
	c.MetricsAddr = ":9090"
	c.Log.Level = "info"
	c.Log.Pretty = true
	c.Sink.Kind = "whisper"
	c.Sink.APIKeyEnv = "TRANSCRIPTION_API_KEY"
	c.Session.Source = string(capture.SourceMicrophone)
	return c
}

// Load reads a yaml config file. A missing file is not an error; the
// defaults apply.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate rejects configurations that cannot produce a working agent.
func (c Config) Validate() error {
	switch c.Sink.Kind {
	case "google", "whisper", "stream":
	default:
		return fmt.Errorf("unknown sink kind %q", c.Sink.Kind)
	}
	if c.Sink.Kind == "stream" && c.Sink.Host == "" {
		return fmt.Errorf("stream sink requires a host")
	}
	switch c.Session.Source {
	case "", string(capture.SourceMicrophone), string(capture.SourceLoopback):
	default:
		return fmt.Errorf("unknown source %q", c.Session.Source)
	}
	if c.Session.SampleRate < 0 || c.Session.Channels < 0 || c.Session.ChunkFrames < 0 {
		return fmt.Errorf("session parameters must not be negative")
	}
	return nil
}

// APIKey resolves the sink credential from the environment.
func (c Config) APIKey() string {
	if c.Sink.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Sink.APIKeyEnv)
}

// CaptureConfig converts the file configuration into a session config.
// Zero values fall through to the capture defaults.
func (c Config) CaptureConfig() capture.SessionConfig {
	cfg := capture.SessionConfig{
		SampleRate:   c.Session.SampleRate,
		Channels:     c.Session.Channels,
		ChunkFrames:  c.Session.ChunkFrames,
		Source:       capture.SourceKind(c.Session.Source),
		DeviceID:     c.Session.DeviceID,
		Language:     c.Session.Language,
		AltLanguages: c.Session.AltLanguages,
		Speech:       c.SpeechSettings(),
	}
	return cfg
}

// SpeechSettings converts the seconds-based file form into durations.
// Unset fields take the defaults.
func (c Config) SpeechSettings() capture.SpeechSettings {
	s := capture.DefaultSpeechSettings()
	if c.Speech.TargetBufferSeconds > 0 {
		s.TargetBufferDuration = secondsToDuration(c.Speech.TargetBufferSeconds)
	}
	if c.Speech.MaxBufferSeconds > 0 {
		s.MaxBufferDuration = secondsToDuration(c.Speech.MaxBufferSeconds)
	}
	if c.Speech.MinBufferSeconds > 0 {
		s.MinBufferDuration = secondsToDuration(c.Speech.MinBufferSeconds)
	}
	if c.Speech.SilenceSeconds > 0 {
		s.SilenceThreshold = secondsToDuration(c.Speech.SilenceSeconds)
	}
	if c.Speech.VolumeThreshold > 0 {
		s.VolumeThreshold = c.Speech.VolumeThreshold
	}
	return s
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
