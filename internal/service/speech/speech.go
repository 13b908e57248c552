package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"mikuai/internal/config"
	"mikuai/internal/models"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultMIMEType  = "audio/wav"
	transcribePrompt = "Transcribe the spoken words in this audio clip. " +
		"Reply with the transcript only. If nothing intelligible was said, reply with an empty message."
)

// DefaultRecordCommand captures five seconds of mono 16 kHz audio from the
// default ALSA device and writes a WAV stream to stdout.
var DefaultRecordCommand = []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-d", "5", "-t", "wav", "-"}

// Recorder captures one utterance from the microphone.
type Recorder interface {
	Record(ctx context.Context) ([]byte, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Recognizer listens once and returns the recognised text.
type Recognizer struct {
	recorder    Recorder
	transcriber Transcriber
	timeout     time.Duration
	logger      *zap.Logger
}

func NewRecognizer(recorder Recorder, transcriber Transcriber, timeout time.Duration, logger *zap.Logger) *Recognizer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recognizer{recorder: recorder, transcriber: transcriber, timeout: timeout, logger: logger}
}

// New builds the recognizer from configuration. It returns nil when speech is
// disabled.
func New(ctx context.Context, cfg config.SpeechConfig, logger *zap.Logger) (*Recognizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	transcriber, err := NewGeminiTranscriber(ctx, cfg.APIKey, cfg.Model, cfg.MIMEType)
	if err != nil {
		return nil, err
	}
	recorder := NewCommandRecorder(cfg.RecordCommand)
	return NewRecognizer(recorder, transcriber, time.Duration(cfg.TimeoutSeconds)*time.Second, logger), nil
}

// Listen records and transcribes a single utterance within the timeout.
// Failures are returned as *models.SpeechError.
func (r *Recognizer) Listen(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	audio, err := r.recorder.Record(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &models.SpeechError{Kind: models.SpeechTimeout, Err: err}
		}
		return "", &models.SpeechError{Kind: models.SpeechDevice, Err: err}
	}
	if len(audio) == 0 {
		return "", &models.SpeechError{Kind: models.SpeechUnrecognized, Err: errors.New("no audio captured")}
	}
	r.logger.Debug("audio captured", zap.Int("bytes", len(audio)))

	text, err := r.transcriber.Transcribe(ctx, audio)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return "", &models.SpeechError{Kind: models.SpeechTimeout, Err: err}
		}
		return "", &models.SpeechError{Kind: models.SpeechConnectivity, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &models.SpeechError{Kind: models.SpeechUnrecognized}
	}
	return text, nil
}

// CommandRecorder runs an external capture program and reads audio from its stdout.
type CommandRecorder struct {
	args []string
}

func NewCommandRecorder(args []string) *CommandRecorder {
	if len(args) == 0 {
		args = DefaultRecordCommand
	}
	return &CommandRecorder{args: append([]string(nil), args...)}
}

func (c *CommandRecorder) Record(ctx context.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("record audio: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("record audio: %w", err)
	}
	return stdout.Bytes(), nil
}

// GeminiTranscriber sends audio to a Gemini model as inline data.
type GeminiTranscriber struct {
	client   *genai.Client
	model    string
	mimeType string
}

func NewGeminiTranscriber(ctx context.Context, apiKey, model, mimeType string) (*GeminiTranscriber, error) {
	if apiKey == "" {
		return nil, errors.New("speech api key not configured")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiTranscriber{client: client, model: model, mimeType: mimeType}, nil
}

func (g *GeminiTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: transcribePrompt},
			{InlineData: &genai.Blob{MIMEType: g.mimeType, Data: audio}},
		},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return resp.Text(), nil
}
