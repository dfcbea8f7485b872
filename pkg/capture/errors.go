package capture

import "errors"

// Custom error types for better error discrimination
var (
	// ErrDeviceInit is returned when device enumeration or opening fails.
	// Fatal to that session start; the engine stays idle.
	ErrDeviceInit = errors.New("audio device initialization failed")

	// ErrDeviceNotFound is returned when an explicitly requested device
	// identifier does not exist.
	ErrDeviceNotFound = errors.New("requested audio device not found")

	// ErrEngineNotIdle is returned when Start is called on an engine that
	// is already capturing or was stopped.
	ErrEngineNotIdle = errors.New("capture engine is not idle")

	// ErrSessionNotFound is returned when an operation names an unknown
	// session identifier. Callers racing a disconnect treat this as a
	// benign "not found", never as a failure.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when a control message reaches a
	// session that is already shutting down.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInvalidSettings is returned when speech settings violate the
	// min <= target <= max ordering or contain non-positive thresholds.
	ErrInvalidSettings = errors.New("invalid speech settings")

	// ErrSinkFailed wraps transcription sink errors. The utterance is
	// dropped and the buffer reset; the session keeps running.
	ErrSinkFailed = errors.New("transcription sink failed")
)
