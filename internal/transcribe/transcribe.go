// Package transcribe turns WhatsApp voice notes into text.
//
// Two collaborators are supported: AssemblyAI (submit the media URL, poll
// until the transcript is ready, return its first paragraph) and OpenAI
// Whisper (download the media and transcribe the file). Which one runs is a
// deployment choice made in configuration.
package transcribe

import "context"

// Transcriber converts a recorded message, referenced by media URL, into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}
