package transcription

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/rs/zerolog"
)

// awsLocales maps short language codes to Transcribe locales
var awsLocales = map[string]types.LanguageCode{
	"en": types.LanguageCodeEnUs,
	"ja": types.LanguageCodeJaJp,
	"es": types.LanguageCodeEsUs,
	"fr": types.LanguageCodeFrFr,
	"de": types.LanguageCodeDeDe,
	"zh": types.LanguageCodeZhCn,
	"ko": types.LanguageCodeKoKr,
	"pt": types.LanguageCodePtBr,
	"it": types.LanguageCodeItIt,
}

// AWSConfig contains AWS Transcribe Streaming parameters
type AWSConfig struct {
	Region          string
	AccessKeyID     string // empty uses the default credential chain
	SecretAccessKey string
	Endpoint        string // optional endpoint override
	Language        string
	SampleRate      int
	ConnectTimeout  time.Duration
	KeepAlive       time.Duration
	QueueSize       int
}

// AWSDialer creates links to AWS Transcribe Streaming
type AWSDialer struct {
	config AWSConfig
	client *transcribestreaming.Client
	logger zerolog.Logger
}

// NewAWSDialer resolves AWS credentials and creates a dialer
func NewAWSDialer(ctx context.Context, config AWSConfig, logger zerolog.Logger) (*AWSDialer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := transcribestreaming.NewFromConfig(awsCfg, func(o *transcribestreaming.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})

	if config.KeepAlive <= 0 {
		config.KeepAlive = defaultKeepAlive
	}
	return &AWSDialer{
		config: config,
		client: client,
		logger: logger.With().Str("component", "transcription").Logger(),
	}, nil
}

func (d *AWSDialer) Provider() string {
	return ProviderAWS
}

// NewLink returns an unopened AWS link
func (d *AWSDialer) NewLink(handler Handler) Link {
	opts := linkOptions{
		provider:       ProviderAWS,
		connectTimeout: d.config.ConnectTimeout,
		keepAlive:      d.config.KeepAlive,
		queueSize:      d.config.QueueSize,
	}
	return newStreamLink(opts, d.dial, handler, d.logger)
}

func (d *AWSDialer) dial(ctx context.Context) (stream, error) {
	out, err := d.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         awsLanguageCode(d.config.Language),
		MediaSampleRateHertz: aws.Int32(int32(d.config.SampleRate)),
		MediaEncoding:        types.MediaEncodingPcm,
	})
	if err != nil {
		return nil, err
	}
	return newAWSStream(out.GetStream(), d.config.SampleRate), nil
}

// awsLanguageCode maps short codes to Transcribe locales; full locales pass through
func awsLanguageCode(language string) types.LanguageCode {
	if code, ok := awsLocales[strings.ToLower(language)]; ok {
		return code
	}
	if language == "" {
		return types.LanguageCodeEnUs
	}
	return types.LanguageCode(language)
}

// awsEventStream is the part of the Transcribe event stream a link uses
type awsEventStream interface {
	Send(ctx context.Context, event types.AudioStream) error
	Events() <-chan types.TranscriptResultStream
	Close() error
	Err() error
}

type awsStream struct {
	events  awsEventStream
	silence []byte
}

func newAWSStream(events awsEventStream, sampleRate int) *awsStream {
	return &awsStream{
		events:  events,
		silence: make([]byte, sampleRate/10*2), // 100ms of 16-bit mono
	}
}

func (s *awsStream) Send(ctx context.Context, pcm []byte) error {
	return s.events.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: pcm},
	})
}

// KeepAlive sends a short block of silence; Transcribe has no control frame
func (s *awsStream) KeepAlive(ctx context.Context) error {
	return s.Send(ctx, s.silence)
}

func (s *awsStream) Recv(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case event, ok := <-s.events.Events():
		if !ok {
			if err := s.events.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return awsFinals(event), nil
	}
}

func (s *awsStream) Close() error {
	return s.events.Close()
}

// awsFinals extracts the non-partial transcripts of one event
func awsFinals(event types.TranscriptResultStream) []string {
	e, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
	if !ok || e.Value.Transcript == nil {
		return nil
	}
	var finals []string
	for _, result := range e.Value.Transcript.Results {
		if result.IsPartial {
			continue
		}
		if len(result.Alternatives) == 0 || result.Alternatives[0].Transcript == nil {
			continue
		}
		finals = append(finals, strings.TrimSpace(*result.Alternatives[0].Transcript))
	}
	return finals
}
