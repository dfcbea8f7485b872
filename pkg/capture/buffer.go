package capture

import (
	"fmt"
	"sync"
	"time"
)

// FlushReason records why an accumulated buffer was finalized.
type FlushReason string

const (
	// FlushMaxDuration caps unbounded growth on continuous speech.
	FlushMaxDuration FlushReason = "max_duration_reached"
	// FlushSilenceBreak marks a natural utterance boundary.
	FlushSilenceBreak FlushReason = "silence_break_detected"
	// FlushTargetDuration is the steady cadence fallback when no
	// silence occurs.
	FlushTargetDuration FlushReason = "target_duration_reached"
	// FlushSessionStop is the best-effort final flush on session stop.
	FlushSessionStop FlushReason = "session_stopped"
)

// SpeechSettings tunes utterance segmentation. VolumeThreshold is a
// percentage on the 0-100 volume scale; chunks below it count as silence.
type SpeechSettings struct {
	TargetBufferDuration time.Duration `json:"target_buffer_duration"`
	MaxBufferDuration    time.Duration `json:"max_buffer_duration"`
	MinBufferDuration    time.Duration `json:"min_buffer_duration"`
	SilenceThreshold     time.Duration `json:"silence_threshold"`
	VolumeThreshold      float64       `json:"volume_threshold"`
}

// DefaultSpeechSettings returns the segmentation defaults. A fixed short
// window truncates ordinary sentences; silence-based flushing aligns
// segment boundaries with natural utterance breaks while the max/min
// bounds cap both latency and fragmentation.
func DefaultSpeechSettings() SpeechSettings {
	return SpeechSettings{
		TargetBufferDuration: 5 * time.Second,
		MaxBufferDuration:    15 * time.Second,
		MinBufferDuration:    2 * time.Second,
		SilenceThreshold:     1500 * time.Millisecond,
		VolumeThreshold:      20.0,
	}
}

// Validate enforces min <= target <= max and sane thresholds.
func (s SpeechSettings) Validate() error {
	if s.MinBufferDuration <= 0 || s.TargetBufferDuration <= 0 || s.MaxBufferDuration <= 0 {
		return fmt.Errorf("%w: buffer durations must be positive", ErrInvalidSettings)
	}
	if s.MinBufferDuration > s.TargetBufferDuration {
		return fmt.Errorf("%w: min %v exceeds target %v", ErrInvalidSettings, s.MinBufferDuration, s.TargetBufferDuration)
	}
	if s.TargetBufferDuration > s.MaxBufferDuration {
		return fmt.Errorf("%w: target %v exceeds max %v", ErrInvalidSettings, s.TargetBufferDuration, s.MaxBufferDuration)
	}
	if s.SilenceThreshold <= 0 {
		return fmt.Errorf("%w: silence threshold must be positive", ErrInvalidSettings)
	}
	if s.VolumeThreshold < 0 || s.VolumeThreshold > 100 {
		return fmt.Errorf("%w: volume threshold must be within 0-100", ErrInvalidSettings)
	}
	return nil
}

// Utterance is a finalized span of buffered audio handed downstream as
// one transcription unit.
type Utterance struct {
	Data     []byte
	Duration time.Duration
	Reason   FlushReason
}

// UtteranceBuffer accumulates chunks for one session and decides when
// the accumulated audio forms a complete utterance. Buffer state is
// mutated only by the owning session handler; settings have their own
// lock because they can be replaced live from the manager.
type UtteranceBuffer struct {
	settingsMu sync.Mutex
	settings   SpeechSettings

	sampleRate int

	data       []byte
	duration   time.Duration
	silence    time.Duration
	lastSpeech time.Time
	closed     bool
}

// NewUtteranceBuffer creates a buffer with validated settings.
func NewUtteranceBuffer(sampleRate int, settings SpeechSettings) (*UtteranceBuffer, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &UtteranceBuffer{
		settings:   settings,
		sampleRate: sampleRate,
	}, nil
}

// UpdateSettings replaces the segmentation thresholds. Invalid settings
// are rejected and the previous ones retained. Updates take effect on
// the next evaluation, never retroactively on an in-flight buffer.
func (b *UtteranceBuffer) UpdateSettings(settings SpeechSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	b.settingsMu.Lock()
	b.settings = settings
	b.settingsMu.Unlock()
	return nil
}

// Settings returns the current segmentation thresholds.
func (b *UtteranceBuffer) Settings() SpeechSettings {
	b.settingsMu.Lock()
	defer b.settingsMu.Unlock()
	return b.settings
}

// Append adds one chunk and evaluates the flush conditions in priority
// order (max > silence > target). It returns a non-nil Utterance when
// the buffer flushed, after which buffer, duration and silence are reset
// to zero. The last-speech timestamp survives flushes.
func (b *UtteranceBuffer) Append(chunk AudioChunk) *Utterance {
	if b.closed {
		return nil
	}

	settings := b.Settings()
	chunkDuration := frameDuration(chunk.Frames, b.sampleRate)

	b.data = append(b.data, chunk.Data...)
	b.duration += chunkDuration

	if chunk.Metrics.VolumePercent < settings.VolumeThreshold {
		b.silence += chunkDuration
	} else {
		b.silence = 0
		b.lastSpeech = chunk.Timestamp
	}

	switch {
	case b.duration >= settings.MaxBufferDuration:
		return b.flush(FlushMaxDuration)
	case b.duration >= settings.MinBufferDuration && b.silence >= settings.SilenceThreshold:
		return b.flush(FlushSilenceBreak)
	case b.duration >= settings.TargetBufferDuration:
		return b.flush(FlushTargetDuration)
	}
	return nil
}

// Final flushes whatever is accumulated if it is long enough to be worth
// a transcription attempt. Called once when the session stops.
func (b *UtteranceBuffer) Final() *Utterance {
	if b.closed {
		return nil
	}
	if b.duration < b.Settings().MinBufferDuration {
		return nil
	}
	return b.flush(FlushSessionStop)
}

// Close marks the buffer terminal. Further appends are ignored.
func (b *UtteranceBuffer) Close() {
	b.closed = true
	b.data = nil
	b.duration = 0
	b.silence = 0
}

// Duration reports the accumulated duration since the last flush.
func (b *UtteranceBuffer) Duration() time.Duration {
	return b.duration
}

// SilenceDuration reports the trailing silence accumulated so far.
func (b *UtteranceBuffer) SilenceDuration() time.Duration {
	return b.silence
}

// LastSpeech reports when above-threshold audio was last seen.
func (b *UtteranceBuffer) LastSpeech() time.Time {
	return b.lastSpeech
}

// Len reports the accumulated byte count.
func (b *UtteranceBuffer) Len() int {
	return len(b.data)
}

func (b *UtteranceBuffer) flush(reason FlushReason) *Utterance {
	out := &Utterance{
		Data:     b.data,
		Duration: b.duration,
		Reason:   reason,
	}
	b.data = nil
	b.duration = 0
	b.silence = 0
	return out
}

func frameDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
}
