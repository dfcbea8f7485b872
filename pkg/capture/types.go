package capture

import (
	"context"
	"time"

	"github.com/speaktogether/capture-pipeline/pkg/audio"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// SourceKind selects what a session listens to.
type SourceKind string

const (
	SourceMicrophone SourceKind = "microphone"
	SourceLoopback   SourceKind = "loopback"
)

// DeviceKind is the result of classifying an enumerated device.
type DeviceKind string

const (
	DeviceMicrophone DeviceKind = "microphone"
	DeviceLoopback   DeviceKind = "loopback"
	DeviceUnknown    DeviceKind = "unknown"
)

// AudioDevice describes one enumerated hardware input or output.
// The list is read-only after enumeration.
type AudioDevice struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	IsDefault         bool    `json:"is_default"`
}

// DeviceClassifier decides whether a device is a microphone, a loopback
// source ("what you hear") or neither. Platform-specific matching rules
// plug in here without touching the capture engine.
type DeviceClassifier interface {
	Classify(device AudioDevice) DeviceKind
}

// SessionConfig is fixed once a session starts. Only the language hints
// may be replaced afterwards, through UpdateLanguage.
type SessionConfig struct {
	SampleRate  int        `json:"sample_rate"`
	Channels    int        `json:"channels"`
	ChunkFrames int        `json:"chunk_frames"`
	Source      SourceKind `json:"source"`
	// DeviceID selects a specific device; empty means auto-select.
	DeviceID string `json:"device_id,omitempty"`

	Language string `json:"language,omitempty"`
	// AltLanguages carries optional alternative language hints. Sinks
	// may ignore them.
	AltLanguages []string `json:"alt_languages,omitempty"`

	Speech SpeechSettings `json:"speech"`
}

// withDefaults fills unset fields. Loopback sources default to stereo
// because system mixes are almost always two channels.
func (c SessionConfig) withDefaults() SessionConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Source == "" {
		c.Source = SourceMicrophone
	}
	if c.Channels <= 0 {
		if c.Source == SourceLoopback {
			c.Channels = 2
		} else {
			c.Channels = 1
		}
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = 1024
	}
	if c.Speech == (SpeechSettings{}) {
		c.Speech = DefaultSpeechSettings()
	}
	return c
}

// AudioChunk is one device callback's worth of PCM plus derived metrics.
// It is produced on the capture goroutine and consumed exactly once by
// the session handler.
type AudioChunk struct {
	Data      []byte
	Timestamp time.Time
	Frames    int
	Metrics   audio.Metrics
}

// Engine abstracts a single hardware input stream turned into a chunk
// producer. The production implementation is MalgoEngine; tests inject
// fakes so no hardware is needed.
type Engine interface {
	// Initialize enumerates devices and resolves which one to open.
	Initialize() ([]AudioDevice, error)
	// Start opens the stream and begins delivering chunks to onChunk
	// from a dedicated goroutine. onChunk must not block for long.
	Start(onChunk func(AudioChunk)) error
	// Stop halts delivery. After Stop returns, onChunk is never
	// invoked again.
	Stop()
	// Cleanup releases the device context. Idempotent.
	Cleanup()
	// Overruns reports how many chunks the driver callback dropped
	// because the queue was full.
	Overruns() uint64
	// Channels reports the channel count actually opened, which may
	// be lower than requested.
	Channels() int
}

// SinkResult is what a transcription service returns for one utterance.
type SinkResult struct {
	Transcript       string  `json:"transcript"`
	Confidence       float64 `json:"confidence"`
	DetectedLanguage string  `json:"detected_language,omitempty"`
}

// TranscriptionSink consumes a flushed utterance. Implementations must
// tolerate silent input by returning an empty transcript, not an error.
type TranscriptionSink interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string, altLanguages []string) (SinkResult, error)
	Name() string
}

type EventType string

const (
	SessionStarted EventType = "session_started"
	SessionEnded   EventType = "session_ended"
	// ChunkCaptured carries metrics only, never raw bytes.
	ChunkCaptured       EventType = "audio_chunk"
	TranscriptionResult EventType = "transcription_result"
	StatusEvent         EventType = "status"
	DevicesEvent        EventType = "devices"
	ErrorEvent          EventType = "error"
)

// Event is one entry in the ordered stream a session reports through.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

// Transcription is the payload of a TranscriptionResult event.
type Transcription struct {
	Transcript       string        `json:"transcript"`
	Confidence       float64       `json:"confidence"`
	DetectedLanguage string        `json:"detected_language,omitempty"`
	AudioDuration    time.Duration `json:"audio_duration"`
	Reason           FlushReason   `json:"reason"`
}

// ChunkInfo is the payload of a ChunkCaptured monitoring event.
type ChunkInfo struct {
	SizeBytes int           `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
	Metrics   audio.Metrics `json:"metrics"`
}

type ControlType string

const (
	StartCapture         ControlType = "start_capture"
	StopCapture          ControlType = "stop_capture"
	UpdateLanguageConfig ControlType = "update_language_config"
	UpdateSpeechConfig   ControlType = "update_speech_settings"
	GetStatus            ControlType = "get_status"
	GetDevices           ControlType = "get_devices"
)

// ControlMessage is the inbound command set a caller can dispatch
// against a session.
type ControlMessage struct {
	Type         ControlType     `json:"type"`
	Config       *SessionConfig  `json:"config,omitempty"`
	Language     string          `json:"language,omitempty"`
	AltLanguages []string        `json:"alt_languages,omitempty"`
	Settings     *SpeechSettings `json:"settings,omitempty"`
}
