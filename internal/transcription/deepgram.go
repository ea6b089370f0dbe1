package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// DefaultDeepgramEndpoint is the Deepgram live streaming endpoint
const DefaultDeepgramEndpoint = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig contains Deepgram live streaming parameters
type DeepgramConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	ConnectTimeout time.Duration
	KeepAlive      time.Duration // idle interval before a KeepAlive frame, zero for the default
	QueueSize      int
}

// DeepgramDialer creates links to Deepgram live streaming
type DeepgramDialer struct {
	config DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramDialer creates a dialer for Deepgram
func NewDeepgramDialer(config DeepgramConfig, logger zerolog.Logger) *DeepgramDialer {
	if config.Endpoint == "" {
		config.Endpoint = DefaultDeepgramEndpoint
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaultKeepAlive
	}
	return &DeepgramDialer{
		config: config,
		logger: logger.With().Str("component", "transcription").Logger(),
	}
}

func (d *DeepgramDialer) Provider() string {
	return ProviderDeepgram
}

// NewLink returns an unopened Deepgram link
func (d *DeepgramDialer) NewLink(handler Handler) Link {
	opts := linkOptions{
		provider:       ProviderDeepgram,
		connectTimeout: d.config.ConnectTimeout,
		keepAlive:      d.config.KeepAlive,
		queueSize:      d.config.QueueSize,
	}
	return newStreamLink(opts, d.dial, handler, d.logger)
}

// listenURL builds the streaming URL with the audio format query
func (d *DeepgramDialer) listenURL() (string, error) {
	endpoint, err := url.Parse(d.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	q := endpoint.Query()
	if d.config.Model != "" {
		q.Set("model", d.config.Model)
	}
	q.Set("encoding", "linear16")
	if d.config.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	}
	if d.config.Channels > 0 {
		q.Set("channels", strconv.Itoa(d.config.Channels))
	}
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

func (d *DeepgramDialer) dial(ctx context.Context) (stream, error) {
	endpoint, err := d.listenURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.config.APIKey)

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &deepgramStream{conn: conn}, nil
}

type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn *websocket.Conn
}

var (
	deepgramKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	deepgramCloseStream = []byte(`{"type":"CloseStream"}`)
)

func (s *deepgramStream) Send(ctx context.Context, pcm []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStream) KeepAlive(ctx context.Context) error {
	return s.conn.Write(ctx, websocket.MessageText, deepgramKeepAlive)
}

func (s *deepgramStream) Recv(ctx context.Context) ([]string, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, nil
	}

	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// Metadata, SpeechStarted and UtteranceEnd carry no text
	if resp.Type != "Results" || !resp.IsFinal {
		return nil, nil
	}
	transcript := ""
	if len(resp.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	}
	return []string{transcript}, nil
}

func (s *deepgramStream) Close() error {
	// Ask Deepgram to flush before tearing down; best effort
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = s.conn.Write(ctx, websocket.MessageText, deepgramCloseStream)
	cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
