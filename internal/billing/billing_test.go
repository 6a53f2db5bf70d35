package billing

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/ak-intelligence/whatia/internal/messaging"
	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/ak-intelligence/whatia/internal/store"
)

const (
	testSecret = "whsec_test_secret"
	testPhone  = "+15551234567"
)

type mockMessenger struct {
	sent []string
}

func (m *mockMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return messaging.Canonicalize(recipient)
}

func (m *mockMessenger) SendMessage(_ context.Context, _ string, body string) error {
	m.sent = append(m.sent, body)
	return nil
}

func (m *mockMessenger) SendMediaMessage(_ context.Context, _ string, _ string, _ string) error {
	return nil
}

type mockResolver struct {
	phones map[string]string
}

func (m *mockResolver) PhoneFor(_ context.Context, customerID string) (string, error) {
	phone, ok := m.phones[customerID]
	if !ok {
		return "", fmt.Errorf("no such customer %s", customerID)
	}
	return phone, nil
}

func newTestService(t *testing.T) (*Service, *store.InMemoryStore, *mockMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	msg := &mockMessenger{}
	svc, err := NewService(st, msg,
		WithWebhookSecret(testSecret),
		WithCustomerResolver(&mockResolver{phones: map[string]string{"cus_123": testPhone}}))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, st, msg
}

func signedHeader(t *testing.T, payload []byte) string {
	t.Helper()
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"data":{"object":%s}}`, eventType, object))
}

func mustHandle(t *testing.T, svc *Service, payload []byte) {
	t.Helper()
	event, err := svc.VerifyEvent(payload, signedHeader(t, payload))
	if err != nil {
		t.Fatalf("VerifyEvent() error = %v", err)
	}
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
}

func TestVerifyEventRejectsBadSignature(t *testing.T) {
	svc, _, _ := newTestService(t)
	payload := eventPayload("customer.subscription.deleted", `{"id":"sub_1","customer":"cus_123"}`)

	if _, err := svc.VerifyEvent(payload, "t=1,v1=deadbeef"); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}

func TestSubscriptionActivatedUpsertsAndNotifies(t *testing.T) {
	svc, st, msg := newTestService(t)
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	payload := eventPayload("customer.subscription.created", fmt.Sprintf(
		`{"id":"sub_1","customer":"cus_123","status":"active","current_period_end":%d}`, periodEnd))

	mustHandle(t, svc, payload)

	u, err := st.FindByPhone(testPhone)
	if err != nil || u == nil {
		t.Fatalf("user not upserted: user=%v err=%v", u, err)
	}
	if u.CurrentPeriodEnd == nil || u.CurrentPeriodEnd.Unix() != periodEnd {
		t.Errorf("CurrentPeriodEnd = %v, want unix %d", u.CurrentPeriodEnd, periodEnd)
	}
	if len(msg.sent) != 1 || msg.sent[0] != subscriptionActiveMessage {
		t.Errorf("sent = %q, want activation notice", msg.sent)
	}
}

func TestSubscriptionActivatedClearsBlock(t *testing.T) {
	svc, st, _ := newTestService(t)
	if err := st.CreateUser(models.User{PhoneNumber: testPhone}); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementCounters(testPhone, 500, 10); err != nil {
		t.Fatal(err)
	}
	if err := st.Block(testPhone); err != nil {
		t.Fatal(err)
	}

	periodEnd := time.Now().Add(7 * 24 * time.Hour).Unix()
	payload := eventPayload("customer.subscription.updated", fmt.Sprintf(
		`{"id":"sub_1","customer":"cus_123","status":"trialing","current_period_end":%d}`, periodEnd))
	mustHandle(t, svc, payload)

	u, _ := st.FindByPhone(testPhone)
	if u == nil {
		t.Fatal("user missing after upsert")
	}
	if u.IsBlocked {
		t.Error("activation must clear the block")
	}
	if u.NbMessages != 0 || u.NbTokens != 0 {
		t.Errorf("counters = (%d, %d), activation must reset them", u.NbTokens, u.NbMessages)
	}
}

func TestSubscriptionCanceledRemovesUser(t *testing.T) {
	svc, st, msg := newTestService(t)
	if err := st.CreateUser(models.User{PhoneNumber: testPhone}); err != nil {
		t.Fatal(err)
	}

	payload := eventPayload("customer.subscription.updated",
		`{"id":"sub_1","customer":"cus_123","status":"canceled","cancel_at_period_end":false}`)
	mustHandle(t, svc, payload)

	if u, _ := st.FindByPhone(testPhone); u != nil {
		t.Error("canceled subscription must remove the user")
	}
	if len(msg.sent) != 1 || msg.sent[0] != subscriptionEndedMessage {
		t.Errorf("sent = %q, want end notice", msg.sent)
	}
}

func TestSubscriptionCanceledAtPeriodEndKeepsAccess(t *testing.T) {
	svc, st, _ := newTestService(t)
	periodEnd := time.Now().Add(10 * 24 * time.Hour).Unix()
	payload := eventPayload("customer.subscription.updated", fmt.Sprintf(
		`{"id":"sub_1","customer":"cus_123","status":"canceled","cancel_at_period_end":true,"current_period_end":%d}`, periodEnd))

	mustHandle(t, svc, payload)

	u, _ := st.FindByPhone(testPhone)
	if u == nil {
		t.Fatal("paid-through cancellation must keep the user")
	}
	if u.CurrentPeriodEnd == nil || u.CurrentPeriodEnd.Unix() != periodEnd {
		t.Errorf("CurrentPeriodEnd = %v, want unix %d", u.CurrentPeriodEnd, periodEnd)
	}
}

func TestSubscriptionDeletedRemovesUser(t *testing.T) {
	svc, st, msg := newTestService(t)
	if err := st.CreateUser(models.User{PhoneNumber: testPhone}); err != nil {
		t.Fatal(err)
	}

	payload := eventPayload("customer.subscription.deleted", `{"id":"sub_1","customer":"cus_123"}`)
	mustHandle(t, svc, payload)

	if u, _ := st.FindByPhone(testPhone); u != nil {
		t.Error("deleted subscription must remove the user")
	}
	if len(msg.sent) != 1 || msg.sent[0] != subscriptionEndedMessage {
		t.Errorf("sent = %q, want end notice", msg.sent)
	}
}

func TestCheckoutCompletedGrantsTieredPass(t *testing.T) {
	cases := []struct {
		name       string
		amount     int64
		wantPeriod time.Duration
	}{
		{name: "week pass", amount: 299, wantPeriod: 7 * 24 * time.Hour},
		{name: "month pass", amount: 999, wantPeriod: 30 * 24 * time.Hour},
		{name: "unknown amount falls back to week", amount: 500, wantPeriod: 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, st, msg := newTestService(t)
			payload := eventPayload("checkout.session.completed", fmt.Sprintf(
				`{"id":"cs_1","customer":"cus_123","amount_total":%d,"customer_details":{"phone":%q}}`,
				tc.amount, testPhone))

			before := time.Now()
			mustHandle(t, svc, payload)

			u, _ := st.FindByPhone(testPhone)
			if u == nil || u.CurrentPeriodEnd == nil {
				t.Fatalf("user or period missing: %v", u)
			}
			got := u.CurrentPeriodEnd.Sub(before)
			if got < tc.wantPeriod-time.Minute || got > tc.wantPeriod+time.Minute {
				t.Errorf("granted period = %v, want about %v", got, tc.wantPeriod)
			}
			if len(msg.sent) != 1 || msg.sent[0] != subscriptionActiveMessage {
				t.Errorf("sent = %q, want activation notice", msg.sent)
			}
		})
	}
}

func TestCheckoutCompletedResolvesPhoneFromCustomer(t *testing.T) {
	svc, st, _ := newTestService(t)
	payload := eventPayload("checkout.session.completed",
		`{"id":"cs_1","customer":"cus_123","amount_total":299}`)

	mustHandle(t, svc, payload)

	if u, _ := st.FindByPhone(testPhone); u == nil {
		t.Error("phone should be resolved through the customer record")
	}
}

func TestUnhandledEventAcknowledged(t *testing.T) {
	svc, _, msg := newTestService(t)
	payload := eventPayload("invoice.paid", `{"id":"in_1"}`)

	mustHandle(t, svc, payload)

	if len(msg.sent) != 0 {
		t.Errorf("unhandled event must not notify, got %q", msg.sent)
	}
}

func TestUnknownCustomerFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	payload := eventPayload("customer.subscription.deleted", `{"id":"sub_1","customer":"cus_999"}`)

	event, err := svc.VerifyEvent(payload, signedHeader(t, payload))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleEvent(context.Background(), event); err == nil {
		t.Fatal("expected error for unknown customer")
	}
}
