package genai

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ak-intelligence/whatia/internal/models"
)

type mockChatService struct {
	lastReq  openai.ChatCompletionRequest
	reply    string
	imageURL string
	err      error
}

func (m *mockChatService) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.lastReq = req
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.reply}},
		},
	}, nil
}

func (m *mockChatService) CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	if m.err != nil {
		return openai.ImageResponse{}, m.err
	}
	return openai.ImageResponse{Data: []openai.ImageResponseDataInner{{URL: m.imageURL}}}, nil
}

func TestConversePassesHistoryAndMaxTokens(t *testing.T) {
	mock := &mockChatService{reply: "Bonjour !"}
	client := newClientWithService(mock)

	history := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "You are a helpful assistant."},
		{Role: models.RoleUser, Content: "salut"},
	}
	reply, err := client.Converse(context.Background(), history, 200)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if reply != "Bonjour !" {
		t.Errorf("reply = %q", reply)
	}
	if len(mock.lastReq.Messages) != 2 {
		t.Fatalf("expected 2 messages forwarded, got %d", len(mock.lastReq.Messages))
	}
	if mock.lastReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("system message not first: %+v", mock.lastReq.Messages[0])
	}
	if mock.lastReq.MaxTokens != 200 {
		t.Errorf("MaxTokens = %d, want 200", mock.lastReq.MaxTokens)
	}
}

func TestConverseDefaultsMaxTokens(t *testing.T) {
	mock := &mockChatService{reply: "ok"}
	client := newClientWithService(mock)

	if _, err := client.Converse(context.Background(), []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, 0); err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if mock.lastReq.MaxTokens != DefaultMaxReplyTokens {
		t.Errorf("MaxTokens = %d, want %d", mock.lastReq.MaxTokens, DefaultMaxReplyTokens)
	}
}

func TestConverseUpstreamError(t *testing.T) {
	mock := &mockChatService{err: errors.New("boom")}
	client := newClientWithService(mock)

	if _, err := client.Converse(context.Background(), nil, 0); err == nil {
		t.Fatal("expected error from upstream failure")
	}
}

func TestGenerateImageReturnsURL(t *testing.T) {
	mock := &mockChatService{imageURL: "https://img.example/1.png"}
	client := newClientWithService(mock)

	url, err := client.GenerateImage(context.Background(), "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if url != "https://img.example/1.png" {
		t.Errorf("url = %q", url)
	}
}

func TestLimiterBoundedWait(t *testing.T) {
	client := newClientWithService(&mockChatService{reply: "late"})
	// One-shot limiter with an hour between slots and a tiny max wait: the
	// second call must give up instead of stalling the turn forever.
	client.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	client.maxWait = 20 * time.Millisecond

	if _, err := client.Converse(context.Background(), nil, 0); err != nil {
		t.Fatalf("first call should pass the limiter: %v", err)
	}
	_, err := client.Converse(context.Background(), nil, 0)
	if !errors.Is(err, models.ErrLimiterDeadline) {
		t.Errorf("second call: got %v, want ErrLimiterDeadline", err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without API key")
	}
	if c, err := NewClient(WithAPIKey("sk-test"), WithCallsPerMinute(10)); err != nil || c == nil {
		t.Fatalf("NewClient with key: %v", err)
	}
}
