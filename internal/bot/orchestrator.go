// Package bot implements the conversation orchestrator: the per-turn state
// machine that gates, answers, and persists every inbound WhatsApp message.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ak-intelligence/whatia/internal/chunker"
	"github.com/ak-intelligence/whatia/internal/messaging"
	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/ak-intelligence/whatia/internal/phone"
	"github.com/ak-intelligence/whatia/internal/store"
	"github.com/ak-intelligence/whatia/internal/tokens"
	"github.com/ak-intelligence/whatia/internal/transcribe"
)

// ModelGateway is the slice of the GenAI client the orchestrator consumes.
type ModelGateway interface {
	Converse(ctx context.Context, history []models.ChatMessage, maxTokens int) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// User read cache parameters. The cache only smooths bursts from one sender;
// the store stays authoritative.
const (
	userCacheTTL     = 60 * time.Second
	userCacheCleanup = 5 * time.Minute
)

// imageCommand matches the "!image <prompt>" command prefix, tolerant of
// spacing between "!" and "image".
var imageCommand = regexp.MustCompile(`(?i)^!\s*image\s+(.+)`)

// Opts holds orchestrator configuration.
type Opts struct {
	HistoryTTL          time.Duration
	FreeTrialLimit      int
	MaxInboundTokens    int
	MaxReplyTokens      int
	MaxReplyTokensTrial int
	ChunkMaxLen         int
	Website             string
	SystemPrompt        string
	Transcriber         transcribe.Transcriber
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithHistoryTTL sets how long stored history stays usable.
func WithHistoryTTL(d time.Duration) Option {
	return func(o *Opts) { o.HistoryTTL = d }
}

// WithFreeTrialLimit sets the answered-turn quota for unpaid users.
func WithFreeTrialLimit(n int) Option {
	return func(o *Opts) { o.FreeTrialLimit = n }
}

// WithMaxInboundTokens sets the inbound question token ceiling.
func WithMaxInboundTokens(n int) Option {
	return func(o *Opts) { o.MaxInboundTokens = n }
}

// WithMaxReplyTokens sets the reply budget for paid and trial users.
func WithMaxReplyTokens(paid, trial int) Option {
	return func(o *Opts) { o.MaxReplyTokens = paid; o.MaxReplyTokensTrial = trial }
}

// WithChunkMaxLen sets the messaging-provider per-message size limit.
func WithChunkMaxLen(n int) Option {
	return func(o *Opts) { o.ChunkMaxLen = n }
}

// WithWebsite sets the subscription page advertised to blocked users.
func WithWebsite(url string) Option {
	return func(o *Opts) { o.Website = url }
}

// WithSystemPrompt overrides the seed system message.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// WithTranscriber enables voice-note transcription.
func WithTranscriber(t transcribe.Transcriber) Option {
	return func(o *Opts) { o.Transcriber = t }
}

// Orchestrator decides the outcome of each inbound turn.
type Orchestrator struct {
	st      store.Store
	msg     messaging.Service
	model   ModelGateway
	counter *tokens.Counter
	cache   *gocache.Cache
	opts    Opts

	// turnLocks serializes overlapping turns per phone number so the
	// read-modify-write over history cannot race against itself.
	mu        sync.Mutex
	turnLocks map[string]*sync.Mutex
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(st store.Store, msg messaging.Service, model ModelGateway, counter *tokens.Counter, options ...Option) *Orchestrator {
	opts := Opts{
		HistoryTTL:          models.DefaultHistoryTTL,
		FreeTrialLimit:      models.DefaultFreeTrialLimit,
		MaxInboundTokens:    models.DefaultMaxInboundTokens,
		MaxReplyTokens:      400,
		MaxReplyTokensTrial: 200,
		ChunkMaxLen:         models.DefaultChunkMaxLen,
		SystemPrompt:        defaultSystemPrompt,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return &Orchestrator{
		st:        st,
		msg:       msg,
		model:     model,
		counter:   counter,
		cache:     gocache.New(userCacheTTL, userCacheCleanup),
		opts:      opts,
		turnLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockPhone(phoneNumber string) func() {
	o.mu.Lock()
	l, ok := o.turnLocks[phoneNumber]
	if !ok {
		l = &sync.Mutex{}
		o.turnLocks[phoneNumber] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HandleTurn processes one inbound message end to end. It always terminates
// the turn: every path either sends a canned reply, onboards, or answers.
func (o *Orchestrator) HandleTurn(ctx context.Context, in models.InboundMessage) (models.TurnResult, error) {
	phoneNumber, ok := phone.Extract(strings.ToLower(in.From))
	if !ok {
		slog.Warn("HandleTurn: unparseable sender", "from", in.From)
		return models.TurnResult{Outcome: models.OutcomeRejectEmpty}, fmt.Errorf("unparseable sender field %q", in.From)
	}
	result := models.TurnResult{PhoneNumber: phoneNumber}

	text := strings.TrimSpace(strings.ToLower(in.Body))

	// Voice notes become text before any gating.
	if text == "" && in.MediaURL != "" {
		transcript, ok := o.transcribeVoice(ctx, in)
		if !ok {
			o.sendCanned(ctx, phoneNumber, promptForTextMessage)
			result.Outcome = models.OutcomeRejectEmpty
			return result, nil
		}
		text = strings.TrimSpace(transcript)
	}
	if text == "" {
		slog.Debug("HandleTurn: empty turn", "phone", phoneNumber)
		o.sendCanned(ctx, phoneNumber, promptForTextMessage)
		result.Outcome = models.OutcomeRejectEmpty
		return result, nil
	}

	inboundTokens := o.counter.Count(text)
	if inboundTokens >= o.opts.MaxInboundTokens {
		slog.Debug("HandleTurn: question too long", "phone", phoneNumber, "tokens", inboundTokens)
		o.sendCanned(ctx, phoneNumber, tooLongMessage)
		result.Outcome = models.OutcomeRejectTooLong
		return result, nil
	}

	unlock := o.lockPhone(phoneNumber)
	defer unlock()

	user, err := o.loadUser(phoneNumber)
	if err != nil {
		return result, err
	}
	if user == nil {
		return o.onboard(ctx, phoneNumber)
	}

	// Trial gate. The block is written before the check so the triggering
	// turn itself is rejected, and the flag stays set for every later turn.
	if user.NbMessages >= o.opts.FreeTrialLimit && !user.HasActivePeriod() && !user.IsBlocked {
		if err := o.st.Block(phoneNumber); err != nil {
			slog.Error("HandleTurn: failed to block user", "error", err, "phone", phoneNumber)
		}
		user.IsBlocked = true
		o.cache.Set(phoneNumber, user, gocache.DefaultExpiration)
	}
	if user.IsBlocked {
		slog.Info("HandleTurn: blocked user rejected", "phone", phoneNumber)
		o.sendCanned(ctx, phoneNumber, trialEndedMessage(o.opts.FreeTrialLimit, o.opts.Website))
		result.Outcome = models.OutcomeRejectBlocked
		return result, nil
	}

	if m := imageCommand.FindStringSubmatch(text); m != nil {
		return o.handleImageCommand(ctx, phoneNumber, user, m[1], inboundTokens)
	}

	return o.answer(ctx, phoneNumber, user, text, inboundTokens)
}

// transcribeVoice runs the configured transcriber over an audio attachment.
// Returns false when the attachment cannot become text (no transcriber,
// non-audio media, or transcription failure).
func (o *Orchestrator) transcribeVoice(ctx context.Context, in models.InboundMessage) (string, bool) {
	if o.opts.Transcriber == nil {
		slog.Debug("transcribeVoice: no transcriber configured")
		return "", false
	}
	if !strings.HasPrefix(in.MediaContentType, "audio/") {
		slog.Debug("transcribeVoice: unsupported media type", "content_type", in.MediaContentType)
		return "", false
	}
	transcript, err := o.opts.Transcriber.Transcribe(ctx, in.MediaURL)
	if err != nil {
		slog.Error("transcribeVoice: transcription failed", "error", err)
		return "", false
	}
	slog.Debug("transcribeVoice: voice note transcribed", "len", len(transcript))
	return transcript, true
}

// loadUser reads the user through the short-TTL cache.
func (o *Orchestrator) loadUser(phoneNumber string) (*models.User, error) {
	if cached, ok := o.cache.Get(phoneNumber); ok {
		if u, ok := cached.(*models.User); ok {
			return u, nil
		}
	}
	u, err := o.st.FindByPhone(phoneNumber)
	if err != nil {
		slog.Error("loadUser: store lookup failed", "error", err, "phone", phoneNumber)
		return nil, err
	}
	if u != nil {
		o.cache.Set(phoneNumber, u, gocache.DefaultExpiration)
	}
	return u, nil
}

// onboard creates the record for a first-contact sender and sends the
// multi-part welcome. No model call on first contact.
func (o *Orchestrator) onboard(ctx context.Context, phoneNumber string) (models.TurnResult, error) {
	result := models.TurnResult{PhoneNumber: phoneNumber, Outcome: models.OutcomeOnboard}
	user := models.User{
		PhoneNumber:      phoneNumber,
		HistoryTimestamp: time.Now(),
	}
	if err := o.st.CreateUser(user); err != nil && !errors.Is(err, models.ErrDuplicateUser) {
		slog.Error("onboard: failed to create user", "error", err, "phone", phoneNumber)
		return result, err
	}
	o.cache.Set(phoneNumber, &user, gocache.DefaultExpiration)
	o.sendCanned(ctx, phoneNumber, welcomeMessage)
	o.sendCanned(ctx, phoneNumber, exampleMessage)
	slog.Info("onboard: new user welcomed", "phone", phoneNumber)
	return result, nil
}

// handleImageCommand generates an image for "!image <prompt>". The image path
// never touches conversation history, but it meters usage so the trial gate
// still counts it.
func (o *Orchestrator) handleImageCommand(ctx context.Context, phoneNumber string, user *models.User, prompt string, inboundTokens int) (models.TurnResult, error) {
	result := models.TurnResult{PhoneNumber: phoneNumber, Outcome: models.OutcomeImage}
	url, err := o.model.GenerateImage(ctx, prompt)
	if err != nil {
		slog.Error("handleImageCommand: generation failed", "error", err, "phone", phoneNumber)
		return result, err
	}
	if err := o.msg.SendMediaMessage(ctx, phoneNumber, "Voilà ton image !", url); err != nil {
		slog.Error("handleImageCommand: media send failed", "error", err, "phone", phoneNumber)
	}
	if err := o.st.IncrementCounters(phoneNumber, inboundTokens, 1); err != nil {
		slog.Error("handleImageCommand: counter update failed", "error", err, "phone", phoneNumber)
	}
	user.NbTokens += inboundTokens
	user.NbMessages++
	o.cache.Set(phoneNumber, user, gocache.DefaultExpiration)
	result.ImageURL = url
	result.TokensUsed = inboundTokens
	slog.Info("handleImageCommand: image delivered", "phone", phoneNumber)
	return result, nil
}

// answer runs the model over the effective history and delivers the chunked
// reply.
func (o *Orchestrator) answer(ctx context.Context, phoneNumber string, user *models.User, text string, inboundTokens int) (models.TurnResult, error) {
	result := models.TurnResult{PhoneNumber: phoneNumber, Outcome: models.OutcomeAnswer}
	now := time.Now()

	var working []models.ChatMessage
	if user.HistoryStale(now, o.opts.HistoryTTL) {
		working = []models.ChatMessage{
			{Role: models.RoleSystem, Content: o.opts.SystemPrompt},
			{Role: models.RoleUser, Content: text},
		}
		slog.Debug("answer: fresh history seed", "phone", phoneNumber, "stale", len(user.History) > 0)
	} else {
		working = append(append([]models.ChatMessage(nil), user.History...), models.ChatMessage{Role: models.RoleUser, Content: text})
	}

	maxReply := o.opts.MaxReplyTokens
	if !user.HasActivePeriod() {
		maxReply = o.opts.MaxReplyTokensTrial
	}
	reply, err := o.model.Converse(ctx, working, maxReply)
	if err != nil {
		// Upstream failures never surface to the sender; the turn just ends
		// without a reply (see ErrLimiterDeadline for the bounded-wait case).
		slog.Error("answer: model call failed", "error", err, "phone", phoneNumber)
		return result, err
	}

	turnTokens := inboundTokens + o.counter.Count(reply)

	for i, chunk := range chunker.Split(reply, o.opts.ChunkMaxLen) {
		if err := o.msg.SendMessage(ctx, phoneNumber, chunk); err != nil {
			// No rollback: remaining chunks are still attempted.
			slog.Error("answer: chunk send failed", "error", err, "phone", phoneNumber, "chunk", i)
		}
	}

	working = append(working, models.ChatMessage{Role: models.RoleAssistant, Content: reply})
	working = trimHistory(working)

	if err := o.st.UpdateHistory(phoneNumber, working, now); err != nil {
		slog.Error("answer: history update failed", "error", err, "phone", phoneNumber)
	}
	if err := o.st.IncrementCounters(phoneNumber, turnTokens, 1); err != nil {
		slog.Error("answer: counter update failed", "error", err, "phone", phoneNumber)
	}

	user.History = working
	user.HistoryTimestamp = now
	user.NbTokens += turnTokens
	user.NbMessages++
	o.cache.Set(phoneNumber, user, gocache.DefaultExpiration)

	result.Reply = reply
	result.TokensUsed = turnTokens
	slog.Info("answer: turn completed", "phone", phoneNumber, "tokens", turnTokens, "history_len", len(working))
	return result, nil
}

// trimHistory drops the oldest two entries while the window exceeds
// models.MaxHistoryEntries, keeping one prior exchange plus the new one.
func trimHistory(h []models.ChatMessage) []models.ChatMessage {
	for len(h) > models.MaxHistoryEntries {
		h = h[2:]
	}
	return h
}

// sendCanned delivers a canned reply, logging rather than propagating send
// failures.
func (o *Orchestrator) sendCanned(ctx context.Context, phoneNumber, body string) {
	if err := o.msg.SendMessage(ctx, phoneNumber, body); err != nil {
		slog.Error("sendCanned: delivery failed", "error", err, "phone", phoneNumber)
	}
}
