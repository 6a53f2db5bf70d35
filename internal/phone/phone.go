// Package phone parses provider-formatted WhatsApp sender identifiers.
package phone

import "regexp"

// senderPattern matches a "whatsapp:" prefixed phone number: an optional
// international code of 1-3 digits after "+", then 10-14 digits. This is a
// straight capture, not a validity check on the country code.
var senderPattern = regexp.MustCompile(`\bwhatsapp:(\+\d{1,3}\s?)?(\d{10,14})\b`)

// Extract returns the canonical phone number (international code concatenated
// with the digits, no separator) from a raw sender field such as
// "whatsapp:+15551234567". The second return value is false when the field
// does not contain a parseable number.
func Extract(raw string) (string, bool) {
	m := senderPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	code := m[1]
	if len(code) > 0 && code[len(code)-1] == ' ' {
		code = code[:len(code)-1]
	}
	return code + m[2], true
}
