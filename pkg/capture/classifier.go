package capture

import "strings"

// loopbackKeywords match the device names platforms use for "what you
// hear" style inputs. Heuristic by necessity; swap the classifier to
// change the rules.
var loopbackKeywords = []string{
	"stereo mix",
	"what u hear",
	"what you hear",
	"loopback",
	"system audio",
	"monitor of",
	"blackhole",
	"soundflower",
}

// NameClassifier classifies devices by their display name.
type NameClassifier struct{}

func (NameClassifier) Classify(device AudioDevice) DeviceKind {
	if device.MaxInputChannels <= 0 {
		return DeviceUnknown
	}

	name := strings.ToLower(device.Name)
	for _, keyword := range loopbackKeywords {
		if strings.Contains(name, keyword) {
			return DeviceLoopback
		}
	}
	return DeviceMicrophone
}
