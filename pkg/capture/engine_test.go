package capture

import (
	"testing"

	"github.com/gen2brain/malgo"
)

func TestBestFormat(t *testing.T) {
	formats := []malgo.DataFormat{
		{Format: malgo.FormatS16, Channels: 1, SampleRate: 16000},
		{Format: malgo.FormatS16, Channels: 2, SampleRate: 48000},
		{Format: malgo.FormatF32, Channels: 2, SampleRate: 44100},
	}

	channels, sampleRate := bestFormat(formats)
	if channels != 2 {
		t.Errorf("expected 2 channels, got %d", channels)
	}
	if sampleRate != 48000 {
		t.Errorf("expected 48000 Hz, got %v", sampleRate)
	}
}

func TestBestFormatEmpty(t *testing.T) {
	channels, sampleRate := bestFormat(nil)
	if channels != 0 || sampleRate != 0 {
		t.Errorf("expected zero capabilities for an empty format list, got %d channels at %v Hz", channels, sampleRate)
	}
}
