package capture

import (
	"sync"
	"time"
)

// SessionState transitions Idle -> Capturing -> Stopped, monotonically.
// Identifiers are never reused after Stopped.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateCapturing SessionState = "capturing"
	StateStopped   SessionState = "stopped"
)

// CaptureSession binds one engine, one utterance buffer and one result
// sink channel under a single identifier. The identifier is the sole
// cross-component join key; no other component holds a reference into
// another session's state.
type CaptureSession struct {
	ID string

	mu     sync.Mutex
	config SessionConfig
	state  SessionState

	engine Engine
	bridge *bridge
	buffer *UtteranceBuffer
	events chan<- Event

	startedAt time.Time

	// done is closed when the session begins stopping; no new chunks
	// are accepted past that point. handlerDone is closed when the
	// handler goroutine has drained and exited.
	done        chan struct{}
	handlerDone chan struct{}

	// Lifetime counters, guarded by mu. The buffered/silence snapshots
	// are copied out of the handler-owned buffer after each append so
	// status reads never touch buffer internals.
	totalChunks      uint64
	totalBytes       uint64
	bufferedDuration time.Duration
	silenceDuration  time.Duration
	flushes          map[FlushReason]uint64
	sinkSuccesses    uint64
	sinkFailures     uint64
}

// SessionStatus is a point-in-time snapshot of one session.
type SessionStatus struct {
	SessionID string        `json:"session_id"`
	State     SessionState  `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Config SessionConfig `json:"config"`

	TotalChunks      uint64        `json:"total_chunks"`
	TotalBytes       uint64        `json:"total_bytes"`
	Overruns         uint64        `json:"overruns"`
	BridgeDrops      uint64        `json:"bridge_drops"`
	BufferedDuration time.Duration `json:"buffered_duration"`
	SilenceDuration  time.Duration `json:"silence_duration"`

	Flushes       map[FlushReason]uint64 `json:"flushes"`
	SinkSuccesses uint64                 `json:"sink_successes"`
	SinkFailures  uint64                 `json:"sink_failures"`
}

// status must be called without holding s.mu.
func (s *CaptureSession) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushes := make(map[FlushReason]uint64, len(s.flushes))
	for reason, count := range s.flushes {
		flushes[reason] = count
	}

	return SessionStatus{
		SessionID:        s.ID,
		State:            s.state,
		StartedAt:        s.startedAt,
		Duration:         time.Since(s.startedAt),
		Config:           s.config,
		TotalChunks:      s.totalChunks,
		TotalBytes:       s.totalBytes,
		Overruns:         s.engine.Overruns(),
		BridgeDrops:      s.bridge.Dropped(),
		BufferedDuration: s.bufferedDuration,
		SilenceDuration:  s.silenceDuration,
		Flushes:          flushes,
		SinkSuccesses:    s.sinkSuccesses,
		SinkFailures:     s.sinkFailures,
	}
}

// languageHints returns the current language configuration. Hints may
// be replaced live, so reads go through the lock.
func (s *CaptureSession) languageHints() (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Language, s.config.AltLanguages
}

func (s *CaptureSession) setLanguageHints(language string, altLanguages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Language = language
	s.config.AltLanguages = altLanguages
}

func (s *CaptureSession) recordChunk(chunk AudioChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalChunks++
	s.totalBytes += uint64(len(chunk.Data))
	s.bufferedDuration = s.buffer.Duration()
	s.silenceDuration = s.buffer.SilenceDuration()
}

func (s *CaptureSession) recordFlush(reason FlushReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes[reason]++
	s.bufferedDuration = 0
	s.silenceDuration = 0
}

func (s *CaptureSession) recordSinkResult(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.sinkSuccesses++
	} else {
		s.sinkFailures++
	}
}

func (s *CaptureSession) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
