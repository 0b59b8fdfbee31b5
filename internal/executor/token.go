package executor

import (
	"crypto/rand"
)

// tokenAlphabet excludes visually ambiguous characters (0/O, 1/I/L) so a
// token read over the phone survives transcription.
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const tokenLength = 8

// NewTrackingToken returns a fresh 8-character public tracking token drawn
// from the restricted alphabet.
func NewTrackingToken() string {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}
