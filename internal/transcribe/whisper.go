package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// audioService is the minimal OpenAI surface Whisper transcription needs.
type audioService interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// Whisper downloads the voice note and transcribes it with OpenAI Whisper.
type Whisper struct {
	audio      audioService
	httpClient *http.Client
}

// NewWhisper builds a Whisper transcriber. The API key falls back to
// OPENAI_API_KEY.
func NewWhisper(apiKey string) (*Whisper, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &Whisper{
		audio:      openai.NewClient(apiKey),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// Transcribe fetches mediaURL into a temp file and runs Whisper over it.
func (w *Whisper) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	path, err := w.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	start := time.Now()
	resp, err := w.audio.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
	})
	if err != nil {
		slog.Error("Whisper transcription failed", "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	slog.Debug("Whisper transcription succeeded", "duration", time.Since(start), "text_len", len(resp.Text))
	return resp.Text, nil
}

func (w *Whisper) download(ctx context.Context, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "whatia-voice-*.ogg")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	return tmp.Name(), nil
}
