// Package billing processes Stripe webhook events and keeps the user store's
// subscription state in sync with Stripe.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/ak-intelligence/whatia/internal/messaging"
	"github.com/ak-intelligence/whatia/internal/store"
)

// Checkout amounts are mapped to access periods. Anything unrecognized gets
// the short period so a mispriced session never grants a month.
const (
	weekPassAmountCents  = 299
	monthPassAmountCents = 999
	weekPassPeriod       = 7 * 24 * time.Hour
	monthPassPeriod      = 30 * 24 * time.Hour
)

const (
	subscriptionActiveMessage = "Ton abonnement est activé ! Tu peux maintenant discuter avec moi sans limite. 🎉"
	subscriptionEndedMessage  = "Ton abonnement est arrivé à son terme. Merci d'avoir utilisé le service, tu peux le renouveler à tout moment !"
)

// CustomerResolver resolves a Stripe customer ID to the phone number stored on
// the customer record.
type CustomerResolver interface {
	PhoneFor(ctx context.Context, customerID string) (string, error)
}

type stripeCustomerResolver struct {
	api *stripeclient.API
}

func (r *stripeCustomerResolver) PhoneFor(_ context.Context, customerID string) (string, error) {
	cust, err := r.api.Customers.Get(customerID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve customer %s: %w", customerID, err)
	}
	if cust.Phone == "" {
		return "", fmt.Errorf("customer %s has no phone number", customerID)
	}
	return cust.Phone, nil
}

// Opts holds billing service configuration.
type Opts struct {
	WebhookSecret string
	APIKey        string
	Resolver      CustomerResolver
}

// Option defines a configuration option for the billing service.
type Option func(*Opts)

// WithWebhookSecret sets the endpoint signing secret used to verify payloads.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// WithAPIKey sets the Stripe API key used for customer lookups.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithCustomerResolver overrides the Stripe-backed customer lookup.
func WithCustomerResolver(r CustomerResolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// Service applies Stripe subscription lifecycle events to the user store and
// notifies the affected user over WhatsApp.
type Service struct {
	st       store.Store
	msg      messaging.Service
	resolver CustomerResolver
	secret   string
}

// NewService creates a billing service. The webhook secret and API key fall
// back to STRIPE_ENDPOINT_SECRET and STRIPE_SECRET_KEY.
func NewService(st store.Store, msg messaging.Service, options ...Option) (*Service, error) {
	opts := Opts{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.WebhookSecret == "" {
		opts.WebhookSecret = os.Getenv("STRIPE_ENDPOINT_SECRET")
	}
	if opts.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret not configured")
	}
	if opts.Resolver == nil {
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("STRIPE_SECRET_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("stripe API key not configured")
		}
		api := &stripeclient.API{}
		api.Init(key, nil)
		opts.Resolver = &stripeCustomerResolver{api: api}
	}
	return &Service{
		st:       st,
		msg:      msg,
		resolver: opts.Resolver,
		secret:   opts.WebhookSecret,
	}, nil
}

// VerifyEvent checks the payload signature and returns the parsed event.
func (s *Service) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(
		payload,
		sigHeader,
		s.secret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return event, nil
}

// HandleEvent dispatches a verified event. Unhandled event types are logged
// and acknowledged so Stripe stops retrying them.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	slog.Debug("HandleEvent: processing stripe event", "type", event.Type, "id", event.ID)
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChange(ctx, event)
	case "customer.subscription.deleted", "customer.subscription.paused":
		return s.handleSubscriptionGone(ctx, event)
	default:
		slog.Warn("HandleEvent: unhandled stripe event type", "type", event.Type, "id", event.ID)
		return nil
	}
}

// handleCheckoutCompleted grants a one-shot access pass sized by the amount
// paid. The phone comes from the checkout's customer details when present,
// otherwise from the customer record.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	phone := ""
	if sess.CustomerDetails != nil {
		phone = sess.CustomerDetails.Phone
	}
	if phone == "" {
		if sess.Customer == nil || sess.Customer.ID == "" {
			return fmt.Errorf("checkout session %s has no customer reference", sess.ID)
		}
		var err error
		phone, err = s.resolver.PhoneFor(ctx, sess.Customer.ID)
		if err != nil {
			return err
		}
	}
	phone, err := s.msg.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return fmt.Errorf("checkout session %s has an invalid phone: %w", sess.ID, err)
	}

	period := weekPassPeriod
	if sess.AmountTotal == monthPassAmountCents {
		period = monthPassPeriod
	} else if sess.AmountTotal != weekPassAmountCents {
		slog.Warn("handleCheckoutCompleted: unrecognized amount, granting short pass",
			"amount", sess.AmountTotal, "session", sess.ID)
	}

	periodEnd := time.Now().Add(period)
	if err := s.st.UpsertSubscription(phone, periodEnd); err != nil {
		return fmt.Errorf("failed to record access pass for %s: %w", phone, err)
	}
	s.notify(ctx, phone, subscriptionActiveMessage)
	slog.Info("handleCheckoutCompleted: access pass granted",
		"phone", phone, "amount", sess.AmountTotal, "period_end", periodEnd)
	return nil
}

// handleSubscriptionChange reacts to created and updated subscription events.
// Live statuses activate access through the period end; terminal statuses tear
// it down, keeping the remaining period only when the user cancelled at period
// end.
func (s *Service) handleSubscriptionChange(ctx context.Context, event stripe.Event) error {
	sub, phone, err := s.subscriptionAndPhone(ctx, event)
	if err != nil {
		return err
	}

	switch sub.Status {
	case stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusActive:
		periodEnd := time.Unix(sub.CurrentPeriodEnd, 0)
		if err := s.st.UpsertSubscription(phone, periodEnd); err != nil {
			return fmt.Errorf("failed to activate subscription for %s: %w", phone, err)
		}
		s.notify(ctx, phone, subscriptionActiveMessage)
		slog.Info("handleSubscriptionChange: subscription active",
			"phone", phone, "status", sub.Status, "period_end", periodEnd)
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid:
		if sub.CancelAtPeriodEnd {
			// Paid-through cancellation keeps access until the period runs out.
			periodEnd := time.Unix(sub.CurrentPeriodEnd, 0)
			if err := s.st.UpsertSubscription(phone, periodEnd); err != nil {
				return fmt.Errorf("failed to keep remaining period for %s: %w", phone, err)
			}
		} else {
			if err := s.st.DeleteUser(phone); err != nil {
				return fmt.Errorf("failed to remove user %s: %w", phone, err)
			}
		}
		s.notify(ctx, phone, subscriptionEndedMessage)
		slog.Info("handleSubscriptionChange: subscription ended",
			"phone", phone, "status", sub.Status, "cancel_at_period_end", sub.CancelAtPeriodEnd)
	default:
		slog.Debug("handleSubscriptionChange: status ignored", "phone", phone, "status", sub.Status)
	}
	return nil
}

// handleSubscriptionGone removes the user record on deleted or paused
// subscriptions. The next inbound message re-onboards them on the free trial.
func (s *Service) handleSubscriptionGone(ctx context.Context, event stripe.Event) error {
	_, phone, err := s.subscriptionAndPhone(ctx, event)
	if err != nil {
		return err
	}
	if err := s.st.DeleteUser(phone); err != nil {
		return fmt.Errorf("failed to remove user %s: %w", phone, err)
	}
	s.notify(ctx, phone, subscriptionEndedMessage)
	slog.Info("handleSubscriptionGone: user removed", "phone", phone, "type", event.Type)
	return nil
}

func (s *Service) subscriptionAndPhone(ctx context.Context, event stripe.Event) (stripe.Subscription, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return sub, "", fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return sub, "", fmt.Errorf("subscription %s has no customer reference", sub.ID)
	}
	phone, err := s.resolver.PhoneFor(ctx, sub.Customer.ID)
	if err != nil {
		return sub, "", err
	}
	phone, err = s.msg.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return sub, "", fmt.Errorf("customer %s has an invalid phone: %w", sub.Customer.ID, err)
	}
	return sub, phone, nil
}

// notify sends a billing status message, logging delivery failures. Billing
// state changes are already committed when the notification goes out.
func (s *Service) notify(ctx context.Context, phone, body string) {
	if err := s.msg.SendMessage(ctx, phone, body); err != nil {
		slog.Error("notify: billing notification failed", "error", err, "phone", phone)
	}
}
