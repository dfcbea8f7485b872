package audio

import (
	"errors"
	"math"
)

// SilenceFloorDBFS is the dBFS value reported for an all-zero buffer.
// Using a finite floor instead of -Inf keeps downstream volume math sane.
const SilenceFloorDBFS = -60.0

const maxSampleValue = 32767.0

// ErrOddLength is returned when a PCM buffer does not contain whole
// 16-bit samples. Callers should treat the chunk as silence.
var ErrOddLength = errors.New("pcm buffer length must be a multiple of 2")

// Metrics holds loudness and clipping signals derived from one PCM chunk.
// All values are computed from the raw samples; identical input always
// yields identical metrics.
type Metrics struct {
	RMS           float64 `json:"rms"`
	DBFS          float64 `json:"volume_db"`
	VolumePercent float64 `json:"volume_percent"`
	Peak          float64 `json:"peak"`
	Clipping      bool    `json:"clipping"`
}

// ComputeMetrics analyzes a buffer of signed 16-bit little-endian PCM.
// An empty buffer is valid and reports the silence floor.
func ComputeMetrics(pcm []byte) (Metrics, error) {
	if len(pcm)%2 != 0 {
		return Metrics{}, ErrOddLength
	}

	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return silentMetrics(), nil
	}

	var sumSquares float64
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		f := float64(sample)
		sumSquares += f * f
		if abs := math.Abs(f); abs > peak {
			peak = abs
		}
	}

	rms := math.Sqrt(sumSquares / float64(sampleCount))

	dbfs := SilenceFloorDBFS
	if rms > 0 {
		dbfs = 20 * math.Log10(rms/maxSampleValue)
		if dbfs < SilenceFloorDBFS {
			dbfs = SilenceFloorDBFS
		}
	}

	// Linear remap of [-60, 0] dBFS onto [0, 100].
	volume := (dbfs + 60) * 100 / 60
	if volume < 0 {
		volume = 0
	} else if volume > 100 {
		volume = 100
	}

	return Metrics{
		RMS:           rms,
		DBFS:          dbfs,
		VolumePercent: volume,
		Peak:          peak,
		Clipping:      peak >= 0.95*maxSampleValue,
	}, nil
}

func silentMetrics() Metrics {
	return Metrics{DBFS: SilenceFloorDBFS}
}

// SilentMetrics returns the metrics of an all-zero chunk. Used when a
// malformed buffer has to be treated as silence.
func SilentMetrics() Metrics {
	return silentMetrics()
}
