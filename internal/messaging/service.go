// Package messaging provides the pluggable message delivery abstraction used
// by the orchestrator and the billing handler.
package messaging

import (
	"context"
	"fmt"
	"regexp"
)

// Service defines a message delivery abstraction over one WhatsApp transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// phone number, returning the canonical form or an error.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage delivers one text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMediaMessage delivers one message with attached media.
	SendMediaMessage(ctx context.Context, to string, body string, mediaURL string) error
}

// nonPhoneChars strips everything that is not a digit; the leading "+" is
// preserved separately.
var nonPhoneChars = regexp.MustCompile(`[^0-9]`)

// MinPhoneDigits is the minimum digit count accepted for a recipient.
const MinPhoneDigits = 6

// Canonicalize normalizes a phone number to "+<digits>" and validates its
// length. Shared by transport implementations.
func Canonicalize(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := nonPhoneChars.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinPhoneDigits)
	}
	return "+" + digits, nil
}
