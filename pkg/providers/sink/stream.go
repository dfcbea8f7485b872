package sink

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/speaktogether/capture-pipeline/pkg/capture"
)

// StreamSink sends utterances to a websocket transcription service.
// Each request writes a JSON header describing the audio, then the raw
// PCM as one binary frame, and reads JSON results until the server
// acknowledges the utterance. The connection is reused across requests
// and re-dialed after any failure.
type StreamSink struct {
	apiKey string
	host   string
	scheme string
	mu     sync.Mutex
	conn   *websocket.Conn
}

func NewStreamSink(apiKey, host string) *StreamSink {
	scheme := "wss"
	if h, ok := strings.CutPrefix(host, "ws://"); ok {
		scheme, host = "ws", h
	} else if h, ok := strings.CutPrefix(host, "wss://"); ok {
		host = h
	}
	return &StreamSink{
		apiKey: apiKey,
		host:   host,
		scheme: scheme,
	}
}

func (s *StreamSink) getConn(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	u := url.URL{Scheme: s.scheme, Host: s.host, Path: "/v1/transcribe", RawQuery: "api_key=" + s.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", capture.ErrSinkFailed, s.host, err)
	}

	conn.SetReadLimit(10 * 1024 * 1024)

	s.conn = conn
	return conn, nil
}

type streamRequest struct {
	SampleRate   int      `json:"sample_rate"`
	Channels     int      `json:"channels"`
	Language     string   `json:"language,omitempty"`
	AltLanguages []string `json:"alt_languages,omitempty"`
}

type streamResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Final      bool    `json:"final"`
	Error      string  `json:"error,omitempty"`
}

func (s *StreamSink) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string, altLanguages []string) (capture.SinkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.getConn(ctx)
	if err != nil {
		return capture.SinkResult{}, err
	}

	header := streamRequest{
		SampleRate:   sampleRate,
		Channels:     channels,
		Language:     language,
		AltLanguages: altLanguages,
	}
	if err := wsjson.Write(ctx, conn, header); err != nil {
		s.drop(conn)
		return capture.SinkResult{}, fmt.Errorf("%w: sending header: %v", capture.ErrSinkFailed, err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		s.drop(conn)
		return capture.SinkResult{}, fmt.Errorf("%w: sending audio: %v", capture.ErrSinkFailed, err)
	}

	// Partial results stream in until the final one; only the final
	// result is returned.
	for {
		var resp streamResponse
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			s.drop(conn)
			return capture.SinkResult{}, fmt.Errorf("%w: reading result: %v", capture.ErrSinkFailed, err)
		}
		if resp.Error != "" {
			return capture.SinkResult{}, fmt.Errorf("%w: %s", capture.ErrSinkFailed, resp.Error)
		}
		if resp.Final {
			return capture.SinkResult{
				Transcript:       resp.Transcript,
				Confidence:       resp.Confidence,
				DetectedLanguage: resp.Language,
			}, nil
		}
	}
}

// drop discards a broken connection so the next request re-dials.
// Callers must hold s.mu.
func (s *StreamSink) drop(conn *websocket.Conn) {
	conn.Close(websocket.StatusAbnormalClosure, "request failed")
	s.conn = nil
}

func (s *StreamSink) Name() string {
	return "stream"
}

func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close(websocket.StatusNormalClosure, "")
		s.conn = nil
		return err
	}
	return nil
}
