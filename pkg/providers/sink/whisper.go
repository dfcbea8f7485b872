package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/speaktogether/capture-pipeline/pkg/audio"
	"github.com/speaktogether/capture-pipeline/pkg/capture"
)

// WhisperSink sends utterances to an OpenAI-compatible transcription
// endpoint as WAV file uploads. Works against the OpenAI and Groq hosted
// APIs and against local whisper servers exposing the same route.
type WhisperSink struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewWhisperSink(apiKey, baseURL, model string) *WhisperSink {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &WhisperSink{
		apiKey: apiKey,
		url:    baseURL + "/audio/transcriptions",
		model:  model,
		client: http.DefaultClient,
	}
}

func (s *WhisperSink) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string, altLanguages []string) (capture.SinkResult, error) {
	wavData := audio.NewWavBuffer(pcm, sampleRate, channels)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return capture.SinkResult{}, err
	}

	// Whisper takes a single bare language code ("en", not "en-US") and
	// no alternatives; detection is automatic when the field is absent.
	if language != "" {
		if err := writer.WriteField("language", bareLanguage(language)); err != nil {
			return capture.SinkResult{}, err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return capture.SinkResult{}, err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return capture.SinkResult{}, err
	}

	if err := writer.Close(); err != nil {
		return capture.SinkResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, body)
	if err != nil {
		return capture.SinkResult{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return capture.SinkResult{}, fmt.Errorf("%w: %v", capture.ErrSinkFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return capture.SinkResult{}, fmt.Errorf("%w: whisper error (status %d): %v", capture.ErrSinkFailed, resp.StatusCode, errResp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return capture.SinkResult{}, err
	}

	return capture.SinkResult{Transcript: result.Text}, nil
}

func (s *WhisperSink) Name() string {
	return "whisper"
}

// bareLanguage strips a BCP-47 region suffix: "en-US" becomes "en".
func bareLanguage(code string) string {
	for i := 0; i < len(code); i++ {
		if code[i] == '-' || code[i] == '_' {
			return code[:i]
		}
	}
	return code
}
