package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	defaultAssemblyAIBaseURL = "https://api.assemblyai.com/v2"
	defaultPollInterval      = 3 * time.Second
	defaultHTTPTimeout       = 60 * time.Second
)

// AssemblyAI submits a transcription job for a media URL and polls the job
// endpoint until it completes, returning the first paragraph of the result.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	httpClient   *http.Client
}

// AssemblyAIOption configures the AssemblyAI client.
type AssemblyAIOption func(*AssemblyAI)

// WithAssemblyAIBaseURL overrides the API base URL (tests).
func WithAssemblyAIBaseURL(url string) AssemblyAIOption {
	return func(a *AssemblyAI) { a.baseURL = url }
}

// WithPollInterval overrides the completion poll interval.
func WithPollInterval(d time.Duration) AssemblyAIOption {
	return func(a *AssemblyAI) { a.pollInterval = d }
}

// NewAssemblyAI builds a client. The API key falls back to ASSEMBLYAI_API_KEY.
func NewAssemblyAI(apiKey string, opts ...AssemblyAIOption) (*AssemblyAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ASSEMBLYAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ASSEMBLYAI_API_KEY not set")
	}
	a := &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      defaultAssemblyAIBaseURL,
		pollInterval: defaultPollInterval,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type transcriptJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type transcriptParagraphs struct {
	Paragraphs []struct {
		Text string `json:"text"`
	} `json:"paragraphs"`
}

// Transcribe submits mediaURL and waits for the transcript, polling until the
// job reports completed or error.
func (a *AssemblyAI) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	job, err := a.submit(ctx, mediaURL)
	if err != nil {
		return "", err
	}
	slog.Debug("AssemblyAI transcript submitted", "job_id", job.ID)

	for {
		switch job.Status {
		case "completed":
			return a.firstParagraph(ctx, job.ID)
		case "error":
			slog.Error("AssemblyAI transcript failed", "job_id", job.ID, "error", job.Error)
			return "", fmt.Errorf("transcription failed: %s", job.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.pollInterval):
		}
		job, err = a.poll(ctx, job.ID)
		if err != nil {
			return "", err
		}
	}
}

func (a *AssemblyAI) submit(ctx context.Context, mediaURL string) (*transcriptJob, error) {
	payload, _ := json.Marshal(map[string]string{"audio_url": mediaURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("authorization", a.apiKey)
	req.Header.Set("content-type", "application/json")

	var job transcriptJob
	if err := a.do(req, &job); err != nil {
		return nil, fmt.Errorf("failed to submit transcript: %w", err)
	}
	return &job, nil
}

func (a *AssemblyAI) poll(ctx context.Context, jobID string) (*transcriptJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/transcript/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("authorization", a.apiKey)

	var job transcriptJob
	if err := a.do(req, &job); err != nil {
		return nil, fmt.Errorf("failed to poll transcript %s: %w", jobID, err)
	}
	return &job, nil
}

func (a *AssemblyAI) firstParagraph(ctx context.Context, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/transcript/"+jobID+"/paragraphs", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("authorization", a.apiKey)

	var out transcriptParagraphs
	if err := a.do(req, &out); err != nil {
		return "", fmt.Errorf("failed to fetch paragraphs for %s: %w", jobID, err)
	}
	if len(out.Paragraphs) == 0 {
		return "", fmt.Errorf("transcript %s has no paragraphs", jobID)
	}
	return out.Paragraphs[0].Text, nil
}

func (a *AssemblyAI) do(req *http.Request, out interface{}) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
