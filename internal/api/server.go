// Package api exposes the HTTP surface of the service: the Twilio inbound
// webhook, the Stripe billing webhook, and a health probe.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/ak-intelligence/whatia/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":5000"
	// DefaultSweepInterval sets how often expired subscriptions are purged.
	DefaultSweepInterval = time.Hour

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// TurnHandler processes an inbound WhatsApp message end to end.
type TurnHandler interface {
	HandleTurn(ctx context.Context, in models.InboundMessage) (models.TurnResult, error)
}

// BillingProcessor verifies and applies Stripe webhook events.
type BillingProcessor interface {
	VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error)
	HandleEvent(ctx context.Context, event stripe.Event) error
}

// Opts holds server configuration.
type Opts struct {
	Addr          string
	SweepInterval time.Duration
}

// Option defines a configuration option for the server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSweepInterval overrides the expired-subscription sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = d }
}

// Server routes webhook traffic to the orchestrator and billing service.
type Server struct {
	turns   TurnHandler
	billing BillingProcessor
	st      store.Store
	opts    Opts
}

// NewServer builds a Server around its collaborators.
func NewServer(turns TurnHandler, billing BillingProcessor, st store.Store, options ...Option) *Server {
	opts := Opts{
		Addr:          DefaultAddr,
		SweepInterval: DefaultSweepInterval,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return &Server{turns: turns, billing: billing, st: st, opts: opts}
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot", s.botWebhookHandler)
	mux.HandleFunc("/webhook", s.stripeWebhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run serves HTTP until ctx is cancelled, running the expiry sweep alongside.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go s.sweepExpired(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
			return err
		}
		slog.Info("Server.Run: shut down cleanly")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	}
}

// sweepExpired periodically removes users whose paid period has lapsed. The
// next message from a removed user re-onboards them on the free trial.
func (s *Server) sweepExpired(ctx context.Context) {
	if s.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.st.DeleteExpired(time.Now())
			if err != nil {
				slog.Error("Server.sweepExpired: sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Server.sweepExpired: expired subscriptions purged", "removed", removed)
			}
		}
	}
}
