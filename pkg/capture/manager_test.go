package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu      sync.Mutex
	onChunk func(AudioChunk)

	initErr  error
	startErr error

	started  bool
	stopped  bool
	cleaned  bool
	overruns uint64
	devices  []AudioDevice
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		devices: []AudioDevice{
			{ID: "dev0", Name: "Fake Microphone", MaxInputChannels: 1, IsDefault: true},
		},
	}
}

func (f *fakeEngine) Initialize() ([]AudioDevice, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.devices, nil
}

func (f *fakeEngine) Start(onChunk func(AudioChunk)) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.onChunk = onChunk
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.onChunk = nil
	f.mu.Unlock()
}

func (f *fakeEngine) Cleanup() {
	f.mu.Lock()
	f.cleaned = true
	f.mu.Unlock()
}

func (f *fakeEngine) Overruns() uint64 { return f.overruns }
func (f *fakeEngine) Channels() int    { return 1 }

// push feeds one chunk through the registered callback, standing in for
// the capture goroutine.
func (f *fakeEngine) push(chunk AudioChunk) {
	f.mu.Lock()
	onChunk := f.onChunk
	f.mu.Unlock()
	if onChunk != nil {
		onChunk(chunk)
	}
}

type sinkCall struct {
	bytes    int
	channels int
	language string
}

type fakeSink struct {
	mu     sync.Mutex
	calls  []sinkCall
	err    error
	result SinkResult
	delay  time.Duration
}

func newFakeSink() *fakeSink {
	return &fakeSink{result: SinkResult{Transcript: "hello world", Confidence: 0.9}}
}

func (f *fakeSink) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string, altLanguages []string) (SinkResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{bytes: len(pcm), channels: channels, language: language})
	if f.err != nil {
		return SinkResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSink) lastCall() sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestManager(sink TranscriptionSink) (*Manager, *fakeEngine) {
	fe := newFakeEngine()
	m := New(sink)
	m.newEngine = func(cfg SessionConfig, classifier DeviceClassifier, logger Logger) Engine {
		return fe
	}
	return m, fe
}

func waitForEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func drainEvents(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// feed pushes chunks one at a time, waiting for the handler to absorb
// each before the next. The bridge drops on overflow, so an unpaced
// burst would lose chunks instead of accumulating duration.
func feed(t *testing.T, m *Manager, fe *fakeEngine, id string, n int, chunk AudioChunk) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; i < n; i++ {
		fe.push(chunk)
		for {
			status, ok := m.GetStatus(id)
			if !ok || status.TotalChunks >= uint64(i+1) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("handler did not absorb chunk %d of %d", i+1, n)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func TestStartAndStopSession(t *testing.T) {
	m, fe := newTestManager(newFakeSink())
	events := make(chan Event, 256)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if !fe.started {
		t.Error("engine was not started")
	}

	ev := waitForEvent(t, events, SessionStarted)
	if ev.SessionID != "s1" {
		t.Errorf("expected session id s1, got %q", ev.SessionID)
	}

	status, ok := m.GetStatus("s1")
	if !ok {
		t.Fatal("expected status for active session")
	}
	if status.State != StateCapturing {
		t.Errorf("expected state %s, got %s", StateCapturing, status.State)
	}

	if err := m.StopSession("s1"); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if !fe.stopped || !fe.cleaned {
		t.Error("engine was not stopped and cleaned up")
	}

	ended := waitForEvent(t, events, SessionEnded)
	final, ok := ended.Data.(SessionStatus)
	if !ok {
		t.Fatalf("expected SessionStatus payload, got %T", ended.Data)
	}
	if final.State != StateStopped {
		t.Errorf("expected final state %s, got %s", StateStopped, final.State)
	}

	if _, ok := m.GetStatus("s1"); ok {
		t.Error("stopped session should not be queryable")
	}
	if err := m.StopSession("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on second stop, got %v", err)
	}
}

func TestStartSessionIdempotent(t *testing.T) {
	sink := newFakeSink()
	fe := newFakeEngine()
	m := New(sink)
	engineCalls := 0
	m.newEngine = func(cfg SessionConfig, classifier DeviceClassifier, logger Logger) Engine {
		engineCalls++
		return fe
	}

	events := make(chan Event, 256)
	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("first StartSession failed: %v", err)
	}
	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("duplicate StartSession should be a no-op success, got %v", err)
	}
	if engineCalls != 1 {
		t.Errorf("expected 1 engine, got %d", engineCalls)
	}

	stats := m.Stats()
	if stats.TotalSessionsStarted != 1 {
		t.Errorf("expected 1 session started, got %d", stats.TotalSessionsStarted)
	}

	m.Close()
}

func TestStopUnknownSession(t *testing.T) {
	m, _ := newTestManager(newFakeSink())
	if err := m.StopSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartSessionRejectsInvalidSettings(t *testing.T) {
	m, _ := newTestManager(newFakeSink())
	cfg := SessionConfig{Speech: SpeechSettings{
		TargetBufferDuration: 5 * time.Second,
		MaxBufferDuration:    3 * time.Second, // below target
		MinBufferDuration:    2 * time.Second,
		SilenceThreshold:     time.Second,
		VolumeThreshold:      20,
	}}
	events := make(chan Event, 16)
	if err := m.StartSession("s1", cfg, events); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestStartSessionEngineFailure(t *testing.T) {
	sink := newFakeSink()
	fe := newFakeEngine()
	fe.startErr = errors.New("device busy")
	m := New(sink)
	m.newEngine = func(cfg SessionConfig, classifier DeviceClassifier, logger Logger) Engine {
		return fe
	}

	events := make(chan Event, 16)
	if err := m.StartSession("s1", SessionConfig{}, events); err == nil {
		t.Fatal("expected StartSession to fail")
	}
	if !fe.cleaned {
		t.Error("engine should be cleaned up after a failed start")
	}
	if _, ok := m.GetStatus("s1"); ok {
		t.Error("failed session should not be registered")
	}
}

func TestTranscriptionFlow(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// 5.1 seconds of continuous speech crosses the 5s target.
	feed(t, m, fe, "s1", 51, speechChunk())

	ev := waitForEvent(t, events, TranscriptionResult)
	result, ok := ev.Data.(Transcription)
	if !ok {
		t.Fatalf("expected Transcription payload, got %T", ev.Data)
	}
	if result.Transcript != "hello world" {
		t.Errorf("expected transcript %q, got %q", "hello world", result.Transcript)
	}
	if result.Reason != FlushTargetDuration {
		t.Errorf("expected reason %s, got %s", FlushTargetDuration, result.Reason)
	}
	if result.AudioDuration != 5*time.Second {
		t.Errorf("expected audio duration 5s, got %v", result.AudioDuration)
	}

	if err := m.StopSession("s1"); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}

	stats := m.Stats()
	if stats.TotalChunks != 51 {
		t.Errorf("expected 51 chunks recorded, got %d", stats.TotalChunks)
	}
	if stats.Flushes[FlushTargetDuration] != 1 {
		t.Errorf("expected 1 target flush, got %d", stats.Flushes[FlushTargetDuration])
	}
}

func TestFinalFlushOnStop(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// 3 seconds: above the 2s minimum, below the 5s target.
	for i := 0; i < 30; i++ {
		fe.push(speechChunk())
	}

	if err := m.StopSession("s1"); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if sink.callCount() != 1 {
		t.Fatalf("expected 1 transcription call, got %d", sink.callCount())
	}

	all := drainEvents(events)
	resultIdx, endedIdx := -1, -1
	var result Transcription
	for i, ev := range all {
		switch ev.Type {
		case TranscriptionResult:
			resultIdx = i
			result = ev.Data.(Transcription)
		case SessionEnded:
			endedIdx = i
		}
	}
	if resultIdx == -1 {
		t.Fatal("expected a transcription result from the final flush")
	}
	if endedIdx == -1 {
		t.Fatal("expected a session ended event")
	}
	if resultIdx > endedIdx {
		t.Error("final transcription must be emitted before session ended")
	}
	if result.Reason != FlushSessionStop {
		t.Errorf("expected reason %s, got %s", FlushSessionStop, result.Reason)
	}
}

func TestShortBufferDiscardedOnStop(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	for i := 0; i < 10; i++ { // 1s, below the 2s minimum
		fe.push(speechChunk())
	}
	if err := m.StopSession("s1"); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if sink.callCount() != 0 {
		t.Errorf("expected no transcription for a short buffer, got %d calls", sink.callCount())
	}
}

func TestSinkFailureDoesNotEmitResult(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("service unavailable")
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	feed(t, m, fe, "s1", 51, speechChunk())

	deadline := time.After(2 * time.Second)
	for sink.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("sink was never called")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := m.StopSession("s1"); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	for _, ev := range drainEvents(events) {
		if ev.Type == TranscriptionResult {
			t.Error("sink failure must not produce a transcription result")
		}
	}
}

func TestUpdateLanguage(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	cfg := SessionConfig{Language: "en-US"}
	if err := m.StartSession("s1", cfg, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := m.UpdateLanguage("s1", "uk-UA", []string{"en-US"}); err != nil {
		t.Fatalf("UpdateLanguage failed: %v", err)
	}
	if err := m.UpdateLanguage("missing", "en-US", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	feed(t, m, fe, "s1", 51, speechChunk())
	waitForEvent(t, events, TranscriptionResult)
	if got := sink.lastCall().language; got != "uk-UA" {
		t.Errorf("expected language uk-UA, got %q", got)
	}

	m.Close()
}

func TestUpdateSpeechSettings(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	tighter := DefaultSpeechSettings()
	tighter.MinBufferDuration = 1 * time.Second
	tighter.TargetBufferDuration = 2 * time.Second
	if err := m.UpdateSpeechSettings("s1", tighter); err != nil {
		t.Fatalf("UpdateSpeechSettings failed: %v", err)
	}

	bad := DefaultSpeechSettings()
	bad.VolumeThreshold = 200
	if err := m.UpdateSpeechSettings("s1", bad); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}

	// The tightened 2s target now drives the flush cadence.
	for i := 0; i < 21; i++ {
		fe.push(speechChunk())
	}
	ev := waitForEvent(t, events, TranscriptionResult)
	result := ev.Data.(Transcription)
	if result.AudioDuration != 2*time.Second {
		t.Errorf("expected 2s utterance under updated settings, got %v", result.AudioDuration)
	}

	m.Close()
}

func TestDispatchControl(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	events := make(chan Event, 256)

	if err := m.DispatchControl("s1", ControlMessage{Type: StartCapture}, events); err != nil {
		t.Fatalf("start_capture failed: %v", err)
	}
	waitForEvent(t, events, SessionStarted)

	if err := m.DispatchControl("s1", ControlMessage{Type: GetStatus}, events); err != nil {
		t.Fatalf("get_status failed: %v", err)
	}
	ev := waitForEvent(t, events, StatusEvent)
	if _, ok := ev.Data.(SessionStatus); !ok {
		t.Errorf("expected SessionStatus payload, got %T", ev.Data)
	}

	if err := m.DispatchControl("s1", ControlMessage{Type: GetDevices}, events); err != nil {
		t.Fatalf("get_devices failed: %v", err)
	}
	devEv := waitForEvent(t, events, DevicesEvent)
	devices, ok := devEv.Data.([]AudioDevice)
	if !ok || len(devices) != len(fe.devices) {
		t.Errorf("expected %d devices, got %v", len(fe.devices), devEv.Data)
	}

	if err := m.DispatchControl("s1", ControlMessage{Type: UpdateSpeechConfig}, events); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings for missing payload, got %v", err)
	}

	if err := m.DispatchControl("s1", ControlMessage{Type: "bogus"}, events); err == nil {
		t.Error("expected an error for an unknown control type")
	}

	if err := m.DispatchControl("s1", ControlMessage{Type: StopCapture}, events); err != nil {
		t.Fatalf("stop_capture failed: %v", err)
	}
	waitForEvent(t, events, SessionEnded)
}

func TestDispatchControlStatusUnknownSession(t *testing.T) {
	m, _ := newTestManager(newFakeSink())
	events := make(chan Event, 16)

	if err := m.DispatchControl("missing", ControlMessage{Type: GetStatus}, events); err != nil {
		t.Fatalf("get_status failed: %v", err)
	}
	ev := waitForEvent(t, events, StatusEvent)
	if ev.Data != nil {
		t.Errorf("expected nil status payload for unknown session, got %v", ev.Data)
	}
}

func TestCloseStopsAllSessions(t *testing.T) {
	sink := newFakeSink()
	m := New(sink)
	engines := make(map[string]*fakeEngine)
	m.newEngine = func(cfg SessionConfig, classifier DeviceClassifier, logger Logger) Engine {
		fe := newFakeEngine()
		engines[cfg.DeviceID] = fe
		return fe
	}

	e1 := make(chan Event, 256)
	e2 := make(chan Event, 256)
	if err := m.StartSession("s1", SessionConfig{DeviceID: "dev0"}, e1); err != nil {
		t.Fatalf("StartSession s1 failed: %v", err)
	}
	if err := m.StartSession("s2", SessionConfig{DeviceID: "dev0-b"}, e2); err != nil {
		t.Fatalf("StartSession s2 failed: %v", err)
	}

	m.Close()

	if stats := m.Stats(); stats.ActiveSessions != 0 {
		t.Errorf("expected no active sessions after Close, got %d", stats.ActiveSessions)
	}
	for id, fe := range engines {
		if !fe.stopped || !fe.cleaned {
			t.Errorf("engine %q was not stopped and cleaned", id)
		}
	}
}

func TestBurstOverflowCountsBridgeDrops(t *testing.T) {
	sink := newFakeSink()
	// A slow sink keeps the handler busy so the burst overflows the
	// bridge instead of being drained as fast as it arrives.
	sink.delay = 50 * time.Millisecond
	m, fe := newTestManager(sink)
	events := make(chan Event, 1024)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// Unpaced burst: silence flushes at the 2s minimum, the dispatch
	// blocks the handler, and the remaining pushes hit a full bridge.
	for i := 0; i < 200; i++ {
		fe.push(silentChunk())
	}

	if err := m.StopSession("s1"); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}

	stats := m.Stats()
	if stats.TotalBridgeDrops == 0 {
		t.Error("expected the burst to overflow the bridge")
	}
	// Every push is either delivered to the handler or counted dropped.
	if stats.TotalChunks+stats.TotalBridgeDrops != 200 {
		t.Errorf("expected delivered+dropped to equal 200, got %d+%d",
			stats.TotalChunks, stats.TotalBridgeDrops)
	}
}

func TestFinalTranscriptDeliveredWhenChannelFull(t *testing.T) {
	sink := newFakeSink()
	m, fe := newTestManager(sink)
	// Capacity one: the session_started event fills the channel, so the
	// final transcript can only get through if its delivery blocks
	// rather than dropping.
	events := make(chan Event, 1)

	if err := m.StartSession("s1", SessionConfig{}, events); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	feed(t, m, fe, "s1", 30, speechChunk()) // 3s, above the 2s minimum

	stopDone := make(chan error, 1)
	go func() { stopDone <- m.StopSession("s1") }()

	var seen []EventType
	deadline := time.After(2 * time.Second)
	for {
		var ended bool
		select {
		case ev := <-events:
			seen = append(seen, ev.Type)
			ended = ev.Type == SessionEnded
		case <-deadline:
			t.Fatalf("timed out waiting for session end, saw %v", seen)
		}
		if ended {
			break
		}
	}
	if err := <-stopDone; err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}

	resultIdx := -1
	for i, typ := range seen {
		if typ == TranscriptionResult {
			resultIdx = i
		}
	}
	if resultIdx == -1 {
		t.Fatalf("final transcript was dropped, saw %v", seen)
	}
	if seen[len(seen)-1] != SessionEnded || resultIdx >= len(seen)-1 {
		t.Errorf("expected transcript before session end, saw %v", seen)
	}
}
