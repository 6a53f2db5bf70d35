package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/ak-intelligence/whatia/internal/store"
	"github.com/ak-intelligence/whatia/internal/tokens"
)

type mockMessenger struct {
	sent  []string
	media []string
	err   error
}

func (m *mockMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (m *mockMessenger) SendMessage(_ context.Context, _ string, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, body)
	return nil
}

func (m *mockMessenger) SendMediaMessage(_ context.Context, _ string, body string, mediaURL string) error {
	if m.err != nil {
		return m.err
	}
	m.media = append(m.media, mediaURL)
	return nil
}

type mockModel struct {
	reply       string
	imageURL    string
	err         error
	converseN   int
	imageN      int
	lastHistory []models.ChatMessage
	lastMax     int
}

func (m *mockModel) Converse(_ context.Context, history []models.ChatMessage, maxTokens int) (string, error) {
	m.converseN++
	m.lastHistory = history
	m.lastMax = maxTokens
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *mockModel) GenerateImage(_ context.Context, _ string) (string, error) {
	m.imageN++
	if m.err != nil {
		return "", m.err
	}
	return m.imageURL, nil
}

type mockTranscriber struct {
	text string
	err  error
}

func (m *mockTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	return m.text, m.err
}

const testSender = "whatsapp:+15551234567"

func newTestOrchestrator(t *testing.T, model ModelGateway, options ...Option) (*Orchestrator, *store.InMemoryStore, *mockMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := &mockMessenger{}
	o := NewOrchestrator(st, msg, model, tokens.NewCounter(""), options...)
	return o, st, msg
}

func TestHandleTurnOnboardsNewSender(t *testing.T) {
	model := &mockModel{reply: "bonjour"}
	o, st, msg := newTestOrchestrator(t, model)

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "Salut"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeOnboard {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeOnboard)
	}
	if model.converseN != 0 {
		t.Errorf("model called %d times on first contact, want 0", model.converseN)
	}
	if len(msg.sent) != 2 {
		t.Fatalf("sent %d messages, want welcome + examples", len(msg.sent))
	}
	if msg.sent[0] != welcomeMessage || msg.sent[1] != exampleMessage {
		t.Errorf("unexpected onboarding messages: %q", msg.sent)
	}
	u, err := st.FindByPhone("+15551234567")
	if err != nil || u == nil {
		t.Fatalf("user not created: user=%v err=%v", u, err)
	}
}

func TestHandleTurnRejectsEmptyBody(t *testing.T) {
	o, st, msg := newTestOrchestrator(t, &mockModel{})

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "   "})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeRejectEmpty {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeRejectEmpty)
	}
	if len(msg.sent) != 1 || msg.sent[0] != promptForTextMessage {
		t.Errorf("sent = %q, want text prompt", msg.sent)
	}
	if u, _ := st.FindByPhone("+15551234567"); u != nil {
		t.Error("empty turn should not create a user record")
	}
}

func TestHandleTurnRejectsOverlongQuestion(t *testing.T) {
	o, _, msg := newTestOrchestrator(t, &mockModel{}, WithMaxInboundTokens(5))

	long := strings.Repeat("mot ", 200)
	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: long})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeRejectTooLong {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeRejectTooLong)
	}
	if len(msg.sent) != 1 || msg.sent[0] != tooLongMessage {
		t.Errorf("sent = %q, want too-long notice", msg.sent)
	}
}

func TestHandleTurnAnswersAndPersists(t *testing.T) {
	model := &mockModel{reply: "La capitale de la France est Paris."}
	o, st, msg := newTestOrchestrator(t, model)
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "Quelle est la capitale de la France ?"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeAnswer {
		t.Fatalf("outcome = %q, want %q", res.Outcome, models.OutcomeAnswer)
	}
	if res.Reply != model.reply {
		t.Errorf("reply = %q, want model reply", res.Reply)
	}
	if len(msg.sent) != 1 || msg.sent[0] != model.reply {
		t.Errorf("sent = %q, want single chunk with reply", msg.sent)
	}
	if len(model.lastHistory) != 2 || model.lastHistory[0].Role != models.RoleSystem {
		t.Errorf("model history = %+v, want system seed + user turn", model.lastHistory)
	}

	u, err := st.FindByPhone("+15551234567")
	if err != nil || u == nil {
		t.Fatalf("user lookup failed: %v", err)
	}
	if len(u.History) != 3 {
		t.Errorf("stored history length = %d, want 3 (system, user, assistant)", len(u.History))
	}
	if u.NbMessages != 1 {
		t.Errorf("NbMessages = %d, want 1", u.NbMessages)
	}
	if u.NbTokens == 0 {
		t.Error("NbTokens not incremented")
	}
}

func TestHandleTurnTrialReplyBudget(t *testing.T) {
	model := &mockModel{reply: "ok"}
	o, st, _ := newTestOrchestrator(t, model, WithMaxReplyTokens(400, 200))
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}

	if _, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "bonjour"}); err != nil {
		t.Fatal(err)
	}
	if model.lastMax != 200 {
		t.Errorf("trial max tokens = %d, want 200", model.lastMax)
	}

	end := time.Now().Add(24 * time.Hour)
	if err := st.UpsertSubscription("+15551234567", end); err != nil {
		t.Fatal(err)
	}
	o.cache.Flush()
	if _, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "bonjour"}); err != nil {
		t.Fatal(err)
	}
	if model.lastMax != 400 {
		t.Errorf("paid max tokens = %d, want 400", model.lastMax)
	}
}

func TestHandleTurnBlocksExhaustedTrial(t *testing.T) {
	model := &mockModel{reply: "ok"}
	o, st, msg := newTestOrchestrator(t, model, WithFreeTrialLimit(2), WithWebsite("https://example.test"))
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementCounters("+15551234567", 50, 2); err != nil {
		t.Fatal(err)
	}

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "encore une question"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeRejectBlocked {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeRejectBlocked)
	}
	if model.converseN != 0 {
		t.Error("blocked turn must not reach the model")
	}
	if len(msg.sent) != 1 || !strings.Contains(msg.sent[0], "https://example.test") {
		t.Errorf("sent = %q, want trial-ended notice with website", msg.sent)
	}
	u, _ := st.FindByPhone("+15551234567")
	if u == nil || !u.IsBlocked {
		t.Error("triggering turn must persist the block")
	}

	// The block survives later turns too.
	res, err = o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "toujours là"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != models.OutcomeRejectBlocked {
		t.Errorf("second outcome = %q, want %q", res.Outcome, models.OutcomeRejectBlocked)
	}
}

func TestHandleTurnPaidUserIgnoresTrialLimit(t *testing.T) {
	model := &mockModel{reply: "ok"}
	o, st, _ := newTestOrchestrator(t, model, WithFreeTrialLimit(1))
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertSubscription("+15551234567", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementCounters("+15551234567", 100, 10); err != nil {
		t.Fatal(err)
	}

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "bonjour"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeAnswer {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeAnswer)
	}
}

func TestHandleTurnStaleHistoryReseeds(t *testing.T) {
	model := &mockModel{reply: "ok"}
	o, st, _ := newTestOrchestrator(t, model, WithHistoryTTL(time.Minute))
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	old := []models.ChatMessage{
		{Role: models.RoleSystem, Content: defaultSystemPrompt},
		{Role: models.RoleUser, Content: "vieille question"},
		{Role: models.RoleAssistant, Content: "vieille réponse"},
	}
	if err := st.UpdateHistory("+15551234567", old, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	if _, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "nouvelle question"}); err != nil {
		t.Fatal(err)
	}
	if len(model.lastHistory) != 2 {
		t.Fatalf("model history length = %d, want fresh 2-entry seed", len(model.lastHistory))
	}
	if model.lastHistory[1].Content != "nouvelle question" {
		t.Errorf("seed user turn = %q", model.lastHistory[1].Content)
	}
}

func TestHandleTurnTrimsHistoryWindow(t *testing.T) {
	model := &mockModel{reply: "réponse"}
	o, st, _ := newTestOrchestrator(t, model)
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	full := []models.ChatMessage{
		{Role: models.RoleSystem, Content: defaultSystemPrompt},
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "r1"},
		{Role: models.RoleUser, Content: "q2"},
	}
	if err := st.UpdateHistory("+15551234567", full, time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "q3"}); err != nil {
		t.Fatal(err)
	}
	u, _ := st.FindByPhone("+15551234567")
	if u == nil {
		t.Fatal("user missing")
	}
	if len(u.History) > models.MaxHistoryEntries {
		t.Errorf("history length = %d, want <= %d", len(u.History), models.MaxHistoryEntries)
	}
	last := u.History[len(u.History)-1]
	if last.Role != models.RoleAssistant || last.Content != "réponse" {
		t.Errorf("last entry = %+v, want latest assistant reply", last)
	}
}

func TestHandleTurnChunksLongReply(t *testing.T) {
	reply := "Première phrase assez longue pour compter. Deuxième phrase tout aussi longue ici. Troisième phrase pour finir le tout."
	model := &mockModel{reply: reply}
	o, st, msg := newTestOrchestrator(t, model, WithChunkMaxLen(60))
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}

	if _, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "raconte"}); err != nil {
		t.Fatal(err)
	}
	if len(msg.sent) < 2 {
		t.Fatalf("sent %d chunks, want the reply split", len(msg.sent))
	}
	for i, chunk := range msg.sent {
		if len(chunk) > 60 {
			t.Errorf("chunk %d length = %d, want <= 60", i, len(chunk))
		}
	}
}

func TestHandleTurnImageCommand(t *testing.T) {
	model := &mockModel{imageURL: "https://img.test/cat.png"}
	o, st, msg := newTestOrchestrator(t, model)
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}
	seed := []models.ChatMessage{{Role: models.RoleSystem, Content: defaultSystemPrompt}}
	if err := st.UpdateHistory("+15551234567", seed, time.Now()); err != nil {
		t.Fatal(err)
	}

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "!image un chat qui dort"})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeImage {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeImage)
	}
	if res.ImageURL != model.imageURL {
		t.Errorf("image URL = %q", res.ImageURL)
	}
	if model.converseN != 0 {
		t.Error("image command must not run a chat completion")
	}
	if len(msg.media) != 1 || msg.media[0] != model.imageURL {
		t.Errorf("media sends = %q", msg.media)
	}
	u, _ := st.FindByPhone("+15551234567")
	if u == nil {
		t.Fatal("user missing")
	}
	if u.NbMessages != 1 {
		t.Errorf("NbMessages = %d, image turns are metered", u.NbMessages)
	}
	if len(u.History) != 1 {
		t.Errorf("history length = %d, image turns must not touch history", len(u.History))
	}
}

func TestHandleTurnVoiceNoteTranscribed(t *testing.T) {
	model := &mockModel{reply: "réponse vocale"}
	o, st, _ := newTestOrchestrator(t, model,
		WithTranscriber(&mockTranscriber{text: "quelle heure est-il"}))
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{
		From:             testSender,
		MediaURL:         "https://media.test/voice.ogg",
		MediaContentType: "audio/ogg",
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeAnswer {
		t.Fatalf("outcome = %q, want %q", res.Outcome, models.OutcomeAnswer)
	}
	if model.lastHistory[len(model.lastHistory)-1].Content != "quelle heure est-il" {
		t.Errorf("transcript not used as the user turn: %+v", model.lastHistory)
	}
}

func TestHandleTurnVoiceNoteWithoutTranscriber(t *testing.T) {
	o, _, msg := newTestOrchestrator(t, &mockModel{})

	res, err := o.HandleTurn(context.Background(), models.InboundMessage{
		From:             testSender,
		MediaURL:         "https://media.test/voice.ogg",
		MediaContentType: "audio/ogg",
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Outcome != models.OutcomeRejectEmpty {
		t.Errorf("outcome = %q, want %q", res.Outcome, models.OutcomeRejectEmpty)
	}
	if len(msg.sent) != 1 || msg.sent[0] != promptForTextMessage {
		t.Errorf("sent = %q, want text prompt", msg.sent)
	}
}

func TestHandleTurnModelFailure(t *testing.T) {
	wantErr := errors.New("upstream down")
	model := &mockModel{err: wantErr}
	o, st, msg := newTestOrchestrator(t, model)
	if err := st.CreateUser(models.User{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatal(err)
	}

	_, err := o.HandleTurn(context.Background(), models.InboundMessage{From: testSender, Body: "bonjour"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("HandleTurn() error = %v, want wrapped upstream error", err)
	}
	if len(msg.sent) != 0 {
		t.Errorf("failed turn must not send a reply, got %q", msg.sent)
	}
	u, _ := st.FindByPhone("+15551234567")
	if u.NbMessages != 0 {
		t.Error("failed turn must not be metered")
	}
}

func TestHandleTurnUnparseableSender(t *testing.T) {
	o, _, msg := newTestOrchestrator(t, &mockModel{})

	if _, err := o.HandleTurn(context.Background(), models.InboundMessage{From: "not a number", Body: "salut"}); err == nil {
		t.Fatal("expected error for unparseable sender")
	}
	if len(msg.sent) != 0 {
		t.Errorf("no reply possible without a number, got %q", msg.sent)
	}
}
