package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/speaktogether/capture-pipeline/pkg/metrics"
)

// Manager owns the session table. Every session operation funnels
// through it; no other component can reach into another session's
// state. Sessions are fully independent of each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*CaptureSession

	sink       TranscriptionSink
	classifier DeviceClassifier
	logger     Logger
	telemetry  *metrics.Metrics

	// newEngine is swapped out in tests to run without hardware.
	newEngine func(cfg SessionConfig, classifier DeviceClassifier, logger Logger) Engine

	// Retired totals from sessions that already ended, folded into the
	// on-demand stats projection. Guarded by mu.
	totalStarted   uint64
	retiredChunks  uint64
	retiredBytes   uint64
	retiredDrops   uint64
	retiredOverrun uint64
	retiredFlushes map[FlushReason]uint64
}

// CaptureStats is a process-wide projection aggregated from per-session
// counters at reporting time. Non-authoritative; rebuilt on demand.
type CaptureStats struct {
	TotalSessionsStarted uint64                 `json:"total_sessions_started"`
	ActiveSessions       int                    `json:"active_sessions"`
	TotalChunks          uint64                 `json:"total_chunks"`
	TotalBytes           uint64                 `json:"total_bytes"`
	TotalOverruns        uint64                 `json:"total_overruns"`
	TotalBridgeDrops     uint64                 `json:"total_bridge_drops"`
	Flushes              map[FlushReason]uint64 `json:"flushes"`
}

// New creates a manager with a no-op logger.
func New(sink TranscriptionSink) *Manager {
	return NewWithLogger(sink, &NoOpLogger{})
}

// NewWithLogger creates a manager with a custom logger.
// If logger is nil, a no-op logger is used.
func NewWithLogger(sink TranscriptionSink, logger Logger) *Manager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	m := &Manager{
		sessions:       make(map[string]*CaptureSession),
		sink:           sink,
		classifier:     NameClassifier{},
		logger:         logger,
		retiredFlushes: make(map[FlushReason]uint64),
	}
	m.newEngine = func(cfg SessionConfig, classifier DeviceClassifier, logger Logger) Engine {
		return NewMalgoEngine(cfg, classifier, logger)
	}
	return m
}

// SetTelemetry attaches Prometheus instrumentation. Optional.
func (m *Manager) SetTelemetry(t *metrics.Metrics) {
	m.telemetry = t
}

// SetClassifier replaces the device classifier used for loopback
// detection.
func (m *Manager) SetClassifier(c DeviceClassifier) {
	if c != nil {
		m.classifier = c
	}
}

// StartSession creates and starts a capture session. Starting an
// identifier that is already active is an idempotent no-op success.
// Lifecycle and transcription events are delivered on the provided
// channel, which the caller must keep draining.
func (m *Manager) StartSession(id string, cfg SessionConfig, events chan<- Event) error {
	cfg = cfg.withDefaults()
	if err := cfg.Speech.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		m.logger.Warn("session already exists", "sessionID", id)
		return nil
	}

	engine := m.newEngine(cfg, m.classifier, m.logger)
	if _, err := engine.Initialize(); err != nil {
		return fmt.Errorf("starting session %q: %w", id, err)
	}

	buffer, err := NewUtteranceBuffer(cfg.SampleRate, cfg.Speech)
	if err != nil {
		engine.Cleanup()
		return err
	}

	done := make(chan struct{})
	depth := 2 * cfg.SampleRate / cfg.ChunkFrames
	s := &CaptureSession{
		ID:          id,
		config:      cfg,
		state:       StateIdle,
		engine:      engine,
		bridge:      newBridge(depth, done, m.logger, id),
		buffer:      buffer,
		events:      events,
		startedAt:   time.Now(),
		done:        done,
		handlerDone: make(chan struct{}),
		flushes:     make(map[FlushReason]uint64),
	}

	go m.runSession(s)

	if err := engine.Start(func(chunk AudioChunk) { s.bridge.Deliver(chunk) }); err != nil {
		close(done)
		s.bridge.close()
		<-s.handlerDone
		engine.Cleanup()
		return fmt.Errorf("starting session %q: %w", id, err)
	}

	s.setState(StateCapturing)
	m.sessions[id] = s
	m.totalStarted++

	if m.telemetry != nil {
		m.telemetry.RecordSessionStarted(len(m.sessions))
	}

	m.logger.Info("session started", "sessionID", id, "source", string(cfg.Source))
	m.emit(s, Event{Type: SessionStarted, SessionID: id, Data: cfg})
	return nil
}

// StopSession stops a session, flushes any partially accumulated buffer
// as a best-effort final transcription attempt when it is long enough,
// emits the final counters and removes the session. Stopping an unknown
// identifier returns ErrSessionNotFound; callers racing a disconnect
// treat that as "not found", never a failure. Calling it twice is safe.
func (m *Manager) StopSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	s.setState(StateStopped)
	close(s.done)
	s.engine.Stop()
	s.bridge.close()
	// Any in-flight dispatch runs to completion before the handler
	// exits; stop is not interruptible mid-flush.
	<-s.handlerDone

	if utterance := s.buffer.Final(); utterance != nil {
		s.recordFlush(utterance.Reason)
		m.recordFlushTelemetry(utterance)
		m.dispatch(s, utterance)
	}
	s.buffer.Close()
	s.engine.Cleanup()

	final := s.status()
	m.retire(final)

	if m.telemetry != nil {
		m.telemetry.RecordSessionEnded(active, final.Duration.Seconds(), final.Overruns, final.BridgeDrops)
	}

	m.logger.Info("session stopped",
		"sessionID", id,
		"chunks", final.TotalChunks,
		"bytes", final.TotalBytes,
		"overruns", final.Overruns)

	// Delivered unconditionally: the caller asked for the stop and is
	// expected to read the terminal event.
	s.events <- Event{Type: SessionEnded, SessionID: id, Data: final}
	return nil
}

// Close stops every active session. Used for process shutdown.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.StopSession(id); err != nil && err != ErrSessionNotFound {
			m.logger.Error("failed to stop session", "sessionID", id, "error", err)
		}
	}
}

// GetStatus returns a snapshot of one session, or false when the
// identifier is unknown.
func (m *Manager) GetStatus(id string) (SessionStatus, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return SessionStatus{}, false
	}
	return s.status(), true
}

// UpdateLanguage replaces a session's language hints. This is the only
// part of SessionConfig that may change after start.
func (m *Manager) UpdateLanguage(id, language string, altLanguages []string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.setLanguageHints(language, altLanguages)
	m.logger.Info("language hints updated", "sessionID", id, "language", language)
	return nil
}

// UpdateSpeechSettings replaces a session's segmentation thresholds.
// Invalid settings are rejected and the previous ones retained.
func (m *Manager) UpdateSpeechSettings(id string, settings SpeechSettings) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.buffer.UpdateSettings(settings); err != nil {
		return err
	}
	s.mu.Lock()
	s.config.Speech = settings
	s.mu.Unlock()
	m.logger.Info("speech settings updated", "sessionID", id)
	return nil
}

// Devices enumerates the platform's audio devices without starting a
// session.
func (m *Manager) Devices() ([]AudioDevice, error) {
	engine := m.newEngine(SessionConfig{}.withDefaults(), m.classifier, m.logger)
	defer engine.Cleanup()
	return engine.Initialize()
}

// DispatchControl routes an inbound control message to the matching
// session operation. Responses that carry data (status, devices) are
// emitted on the events channel.
func (m *Manager) DispatchControl(id string, msg ControlMessage, events chan<- Event) error {
	switch msg.Type {
	case StartCapture:
		var cfg SessionConfig
		if msg.Config != nil {
			cfg = *msg.Config
		}
		return m.StartSession(id, cfg, events)

	case StopCapture:
		return m.StopSession(id)

	case UpdateLanguageConfig:
		return m.UpdateLanguage(id, msg.Language, msg.AltLanguages)

	case UpdateSpeechConfig:
		if msg.Settings == nil {
			return fmt.Errorf("%w: missing settings payload", ErrInvalidSettings)
		}
		return m.UpdateSpeechSettings(id, *msg.Settings)

	case GetStatus:
		var data interface{}
		if status, ok := m.GetStatus(id); ok {
			data = status
		}
		events <- Event{Type: StatusEvent, SessionID: id, Data: data}
		return nil

	case GetDevices:
		devices, err := m.Devices()
		if err != nil {
			return err
		}
		events <- Event{Type: DevicesEvent, SessionID: id, Data: devices}
		return nil

	default:
		return fmt.Errorf("unknown control message type %q", msg.Type)
	}
}

// Stats rebuilds the process-wide counters from per-session state.
func (m *Manager) Stats() CaptureStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := CaptureStats{
		TotalSessionsStarted: m.totalStarted,
		ActiveSessions:       len(m.sessions),
		TotalChunks:          m.retiredChunks,
		TotalBytes:           m.retiredBytes,
		TotalOverruns:        m.retiredOverrun,
		TotalBridgeDrops:     m.retiredDrops,
		Flushes:              make(map[FlushReason]uint64, len(m.retiredFlushes)),
	}
	for reason, count := range m.retiredFlushes {
		stats.Flushes[reason] = count
	}

	for _, s := range m.sessions {
		status := s.status()
		stats.TotalChunks += status.TotalChunks
		stats.TotalBytes += status.TotalBytes
		stats.TotalOverruns += status.Overruns
		stats.TotalBridgeDrops += status.BridgeDrops
		for reason, count := range status.Flushes {
			stats.Flushes[reason] += count
		}
	}
	return stats
}

// runSession is the session's async handler: the single goroutine that
// owns BufferState. It consumes chunks from the bridge until the bridge
// closes during stop.
func (m *Manager) runSession(s *CaptureSession) {
	defer close(s.handlerDone)
	for chunk := range s.bridge.Chunks() {
		m.handleChunk(s, chunk)
	}
}

func (m *Manager) handleChunk(s *CaptureSession, chunk AudioChunk) {
	utterance := s.buffer.Append(chunk)
	s.recordChunk(chunk)

	if m.telemetry != nil {
		m.telemetry.RecordChunk(len(chunk.Data))
	}

	// Monitoring event carries metrics only, never raw bytes. May be
	// dropped under pressure.
	m.emitDroppable(s, Event{
		Type:      ChunkCaptured,
		SessionID: s.ID,
		Data: ChunkInfo{
			SizeBytes: len(chunk.Data),
			Duration:  frameDuration(chunk.Frames, s.config.SampleRate),
			Metrics:   chunk.Metrics,
		},
	})

	if utterance != nil {
		s.recordFlush(utterance.Reason)
		m.recordFlushTelemetry(utterance)
		m.dispatch(s, utterance)
	}
}

// dispatch hands a flushed utterance to the transcription sink and
// forwards the result. Sink failures are logged and counted; the buffer
// was already reset, so there is no retry storm.
func (m *Manager) dispatch(s *CaptureSession, utterance *Utterance) {
	language, altLanguages := s.languageHints()

	start := time.Now()
	result, err := m.sink.Transcribe(context.Background(), utterance.Data,
		s.config.SampleRate, s.engine.Channels(), language, altLanguages)
	elapsed := time.Since(start)

	if m.telemetry != nil {
		m.telemetry.RecordTranscription(err == nil, elapsed.Seconds())
	}

	if err != nil {
		s.recordSinkResult(false)
		m.logger.Error("transcription failed",
			"sessionID", s.ID,
			"sink", m.sink.Name(),
			"reason", string(utterance.Reason),
			"error", err)
		return
	}

	s.recordSinkResult(true)
	if result.Transcript == "" {
		m.logger.Debug("empty transcription", "sessionID", s.ID, "reason", string(utterance.Reason))
		return
	}

	m.logger.Info("transcription completed",
		"sessionID", s.ID,
		"reason", string(utterance.Reason),
		"length", len(result.Transcript))

	// Transcripts share the terminal event's delivery guarantee: the
	// final flush during stop must reach the caller before session_ended,
	// so it is never dropped even when the channel is momentarily full.
	s.events <- Event{
		Type:      TranscriptionResult,
		SessionID: s.ID,
		Data: Transcription{
			Transcript:       result.Transcript,
			Confidence:       result.Confidence,
			DetectedLanguage: result.DetectedLanguage,
			AudioDuration:    utterance.Duration,
			Reason:           utterance.Reason,
		},
	}
}

func (m *Manager) recordFlushTelemetry(utterance *Utterance) {
	if m.telemetry != nil {
		m.telemetry.RecordFlush(string(utterance.Reason), utterance.Duration.Seconds())
	}
}

// emit delivers a control event. Control events are never dropped while
// the session lives; during shutdown delivery gives way to the stop.
func (m *Manager) emit(s *CaptureSession, ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
		select {
		case s.events <- ev:
		default:
			m.logger.Warn("event dropped during shutdown", "sessionID", s.ID, "type", string(ev.Type))
		}
	}
}

// emitDroppable delivers a monitoring event without ever blocking the
// handler.
func (m *Manager) emitDroppable(s *CaptureSession, ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// retire folds a finished session's counters into the manager totals.
func (m *Manager) retire(final SessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retiredChunks += final.TotalChunks
	m.retiredBytes += final.TotalBytes
	m.retiredOverrun += final.Overruns
	m.retiredDrops += final.BridgeDrops
	for reason, count := range final.Flushes {
		m.retiredFlushes[reason] += count
	}
}
