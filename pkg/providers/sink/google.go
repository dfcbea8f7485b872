package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/speaktogether/capture-pipeline/pkg/capture"
)

// GoogleSink sends utterances to the Google Cloud Speech-to-Text
// synchronous recognize endpoint. Silent audio comes back with no
// results, which is reported as an empty transcript, not an error.
type GoogleSink struct {
	apiKey string
	url    string
	client *http.Client
}

func NewGoogleSink(apiKey string) *GoogleSink {
	return &GoogleSink{
		apiKey: apiKey,
		url:    "https://speech.googleapis.com/v1/speech:recognize",
		client: http.DefaultClient,
	}
}

type googleRecognitionConfig struct {
	Encoding                   string   `json:"encoding"`
	SampleRateHertz            int      `json:"sampleRateHertz"`
	AudioChannelCount          int      `json:"audioChannelCount,omitempty"`
	LanguageCode               string   `json:"languageCode"`
	AlternativeLanguageCodes   []string `json:"alternativeLanguageCodes,omitempty"`
	EnableAutomaticPunctuation bool     `json:"enableAutomaticPunctuation"`
}

type googleRecognizeRequest struct {
	Config googleRecognitionConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type googleRecognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
		LanguageCode string `json:"languageCode"`
	} `json:"results"`
}

func (s *GoogleSink) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string, altLanguages []string) (capture.SinkResult, error) {
	if language == "" {
		language = "en-US"
	}

	reqBody := googleRecognizeRequest{
		Config: googleRecognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            sampleRate,
			AudioChannelCount:          channels,
			LanguageCode:               language,
			AlternativeLanguageCodes:   altLanguages,
			EnableAutomaticPunctuation: true,
		},
	}
	reqBody.Audio.Content = base64.StdEncoding.EncodeToString(pcm)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return capture.SinkResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url+"?key="+s.apiKey, bytes.NewReader(payload))
	if err != nil {
		return capture.SinkResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return capture.SinkResult{}, fmt.Errorf("%w: %v", capture.ErrSinkFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return capture.SinkResult{}, fmt.Errorf("%w: google speech error (status %d): %v", capture.ErrSinkFailed, resp.StatusCode, errResp)
	}

	var result googleRecognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return capture.SinkResult{}, err
	}

	// No results means the service heard nothing worth transcribing.
	if len(result.Results) == 0 || len(result.Results[0].Alternatives) == 0 {
		return capture.SinkResult{}, nil
	}

	best := result.Results[0].Alternatives[0]
	return capture.SinkResult{
		Transcript:       best.Transcript,
		Confidence:       best.Confidence,
		DetectedLanguage: result.Results[0].LanguageCode,
	}, nil
}

func (s *GoogleSink) Name() string {
	return "google-speech"
}
