package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/speaktogether/capture-pipeline/pkg/audio"
)

const (
	engineIdle int32 = iota
	engineCapturing
	engineStopped
)

// joinTimeout bounds how long Stop waits for the capture goroutine.
// Missing the join is logged as a warning, not an error; the goroutine
// cannot outlive the process in a harmful way once the device is closed.
const joinTimeout = 2 * time.Second

type rawChunk struct {
	data      []byte
	frames    int
	timestamp time.Time
}

// MalgoEngine owns exactly one miniaudio capture stream and turns its
// callback-driven delivery into a channel-based producer. The driver
// callback runs on a high-priority thread and must never block: it does
// a non-blocking push into a bounded queue and drops on overflow. A
// dedicated goroutine pops the queue, computes metrics and invokes the
// registered chunk callback.
type MalgoEngine struct {
	cfg        SessionConfig
	classifier DeviceClassifier
	logger     Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	deviceIDs map[string]malgo.DeviceID
	selected  AudioDevice
	explicit  bool
	channels  int

	queue    chan rawChunk
	stop     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	state    atomic.Int32
	overruns atomic.Uint64

	cleanupOnce sync.Once
}

// NewMalgoEngine creates an engine for one session. Initialize must be
// called before Start.
func NewMalgoEngine(cfg SessionConfig, classifier DeviceClassifier, logger Logger) *MalgoEngine {
	if classifier == nil {
		classifier = NameClassifier{}
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &MalgoEngine{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		deviceIDs:  make(map[string]malgo.DeviceID),
	}
}

// Initialize enumerates the platform's audio devices and resolves which
// capture device this session will open. Loopback requests degrade to
// the default input with a warning when no loopback-style device exists;
// that is an explicit non-fatal degradation, never a hard failure.
func (e *MalgoEngine) Initialize() ([]AudioDevice, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceInit, err)
	}
	e.ctx = mctx

	captureInfos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		e.Cleanup()
		return nil, fmt.Errorf("%w: enumerating capture devices: %v", ErrDeviceInit, err)
	}

	devices := make([]AudioDevice, 0, len(captureInfos))
	var inputs []AudioDevice
	for _, info := range captureInfos {
		dev := e.describeDevice(info, malgo.Capture)
		e.deviceIDs[dev.ID] = info.ID
		devices = append(devices, dev)
		inputs = append(inputs, dev)
	}

	// Playback devices are reported for completeness; they are never
	// opened by this engine.
	if playbackInfos, err := mctx.Devices(malgo.Playback); err == nil {
		for _, info := range playbackInfos {
			devices = append(devices, e.describeDevice(info, malgo.Playback))
		}
	}

	if len(inputs) == 0 {
		e.Cleanup()
		return nil, fmt.Errorf("%w: no capture devices available", ErrDeviceInit)
	}

	selected, explicit, err := e.selectDevice(inputs)
	if err != nil {
		e.Cleanup()
		return nil, err
	}
	e.selected = selected
	e.explicit = explicit

	e.logger.Info("capture device resolved",
		"device", selected.Name,
		"source", string(e.cfg.Source),
		"explicit", explicit)

	return devices, nil
}

func (e *MalgoEngine) describeDevice(info malgo.DeviceInfo, kind malgo.DeviceType) AudioDevice {
	dev := AudioDevice{
		ID:        fmt.Sprintf("%x", info.ID),
		Name:      info.Name(),
		IsDefault: info.IsDefault != 0,
	}

	// Channel limits require a full device query; failures leave the
	// counts at zero rather than failing enumeration.
	if full, err := e.ctx.DeviceInfo(kind, info.ID, malgo.Shared); err == nil {
		channels, sampleRate := bestFormat(full.Formats)
		if kind == malgo.Capture {
			if channels == 0 {
				channels = 1
			}
			dev.MaxInputChannels = channels
		} else {
			dev.MaxOutputChannels = channels
		}
		dev.DefaultSampleRate = sampleRate
	} else if kind == malgo.Capture {
		// Assume mono input so channel clamping stays conservative.
		dev.MaxInputChannels = 1
	}
	return dev
}

// bestFormat reduces a device's native format list to the widest channel
// count and the highest sample rate it advertises.
func bestFormat(formats []malgo.DataFormat) (channels int, sampleRate float64) {
	for _, f := range formats {
		if int(f.Channels) > channels {
			channels = int(f.Channels)
		}
		if float64(f.SampleRate) > sampleRate {
			sampleRate = float64(f.SampleRate)
		}
	}
	return channels, sampleRate
}

// selectDevice returns the device to open and whether it was chosen by
// an explicit identifier (rather than default selection).
func (e *MalgoEngine) selectDevice(inputs []AudioDevice) (AudioDevice, bool, error) {
	if e.cfg.DeviceID != "" {
		for _, dev := range inputs {
			if dev.ID == e.cfg.DeviceID {
				return dev, true, nil
			}
		}
		return AudioDevice{}, false, fmt.Errorf("%w: %q", ErrDeviceNotFound, e.cfg.DeviceID)
	}

	if e.cfg.Source == SourceLoopback {
		for _, dev := range inputs {
			if e.classifier.Classify(dev) == DeviceLoopback {
				return dev, true, nil
			}
		}
		e.logger.Warn("no loopback device found, falling back to default input")
	}

	for _, dev := range inputs {
		if dev.IsDefault {
			return dev, false, nil
		}
	}
	return inputs[0], false, nil
}

// Start opens the stream and spawns the capture goroutine. A partial
// failure tears down whatever was set up before returning, so the
// engine never leaks a device handle.
func (e *MalgoEngine) Start(onChunk func(AudioChunk)) error {
	if e.ctx == nil {
		return fmt.Errorf("%w: engine not initialized", ErrDeviceInit)
	}
	if !e.state.CompareAndSwap(engineIdle, engineCapturing) {
		return ErrEngineNotIdle
	}

	e.channels = e.cfg.Channels
	if e.selected.MaxInputChannels > 0 && e.channels > e.selected.MaxInputChannels {
		e.logger.Warn("reducing channels to device maximum",
			"requested", e.cfg.Channels,
			"maximum", e.selected.MaxInputChannels)
		e.channels = e.selected.MaxInputChannels
	}

	// Queue capacity is twice the number of chunks per second, enough
	// to absorb scheduling hiccups without masking a stuck consumer.
	depth := 2 * e.cfg.SampleRate / e.cfg.ChunkFrames
	if depth < 8 {
		depth = 8
	}
	e.queue = make(chan rawChunk, depth)
	e.stop = make(chan struct{})
	e.loopDone = make(chan struct{})

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(e.channels)
	deviceConfig.SampleRate = uint32(e.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(e.cfg.ChunkFrames)
	deviceConfig.Alsa.NoMMap = 1 // Better compatibility on some systems
	if e.explicit {
		if id, ok := e.deviceIDs[e.selected.ID]; ok {
			deviceConfig.Capture.DeviceID = id.Pointer()
		}
	}

	onRecv := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput == nil {
			return
		}
		// The driver thread must not block: copy and push, drop on a
		// full queue. No retry, no sleep.
		data := make([]byte, len(pInput))
		copy(data, pInput)
		select {
		case e.queue <- rawChunk{data: data, frames: int(frameCount), timestamp: time.Now()}:
		default:
			e.overruns.Add(1)
		}
	}

	device, err := malgo.InitDevice(e.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		e.state.Store(engineStopped)
		e.Cleanup()
		return fmt.Errorf("%w: opening stream: %v", ErrDeviceInit, err)
	}
	e.device = device

	go e.captureLoop(onChunk)

	if err := device.Start(); err != nil {
		e.Stop()
		e.Cleanup()
		return fmt.Errorf("%w: starting stream: %v", ErrDeviceInit, err)
	}

	e.logger.Info("capture started",
		"device", e.selected.Name,
		"sampleRate", e.cfg.SampleRate,
		"channels", e.channels,
		"chunkFrames", e.cfg.ChunkFrames)
	return nil
}

// captureLoop runs on its own goroutine, off the driver callback thread.
func (e *MalgoEngine) captureLoop(onChunk func(AudioChunk)) {
	defer close(e.loopDone)
	for {
		select {
		case <-e.stop:
			return
		case rc := <-e.queue:
			m, err := audio.ComputeMetrics(rc.data)
			if err != nil {
				e.logger.Warn("malformed chunk treated as silence", "error", err)
				m = audio.SilentMetrics()
			}
			onChunk(AudioChunk{
				Data:      rc.data,
				Timestamp: rc.timestamp,
				Frames:    rc.frames,
				Metrics:   m,
			})
		}
	}
}

// Stop closes the stream, joins the capture goroutine with a bounded
// timeout and drains the queue. After Stop returns the chunk callback
// is never invoked again. Safe to call more than once.
func (e *MalgoEngine) Stop() {
	e.stopOnce.Do(func() {
		wasCapturing := e.state.Swap(engineStopped) == engineCapturing
		if !wasCapturing {
			return
		}

		if e.device != nil {
			e.device.Uninit()
			e.device = nil
		}

		close(e.stop)
		select {
		case <-e.loopDone:
		case <-time.After(joinTimeout):
			e.logger.Warn("capture loop did not stop within timeout")
		}

		for {
			select {
			case <-e.queue:
			default:
				e.logger.Info("capture stopped",
					"device", e.selected.Name,
					"overruns", e.overruns.Load())
				return
			}
		}
	})
}

// Cleanup releases the miniaudio context. Idempotent; safe after Stop
// or on top of a failed Initialize.
func (e *MalgoEngine) Cleanup() {
	e.cleanupOnce.Do(func() {
		if e.ctx != nil {
			_ = e.ctx.Uninit()
			e.ctx.Free()
			e.ctx = nil
		}
	})
}

// Overruns reports how many chunks the driver callback dropped.
func (e *MalgoEngine) Overruns() uint64 {
	return e.overruns.Load()
}

// Channels reports the channel count actually opened.
func (e *MalgoEngine) Channels() int {
	if e.channels > 0 {
		return e.channels
	}
	return e.cfg.Channels
}
