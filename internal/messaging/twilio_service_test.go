package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/ak-intelligence/whatia/internal/twiliowhatsapp"
)

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 555 123-4567", "+15551234567", false},
		{"+15551234567", "+15551234567", false},
		{"15551234567", "+15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true}, // below minimum digit count
	}
	for _, tc := range cases {
		got, err := svc.ValidateAndCanonicalizeRecipient(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ValidateAndCanonicalizeRecipient(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSendMessageCanonicalizesBeforeSend(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+1 (555) 123-4567", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "+15551234567" {
		t.Errorf("sent to %q, want canonical form", mock.SentMessages[0].To)
	}
}

func TestSendMediaMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMediaMessage(context.Background(), "+15551234567", "your image", "https://img.example/1.png"); err != nil {
		t.Fatalf("SendMediaMessage: %v", err)
	}
	if len(mock.MediaMessages) != 1 || mock.MediaMessages[0].MediaURL != "https://img.example/1.png" {
		t.Errorf("media message not recorded: %+v", mock.MediaMessages)
	}
}

func TestStoppedServiceRefusesSends(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	svc.Stop()

	if err := svc.SendMessage(context.Background(), "+15551234567", "hi"); !errors.Is(err, models.ErrServiceStopped) {
		t.Errorf("got %v, want ErrServiceStopped", err)
	}
}
