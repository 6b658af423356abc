package event

import "crypto/rand"

const (
	tokenLen     = 8
	tokenCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Token creates the random 8-character id attached to connection and
// unauthorized events. Tokens are lowercase alphanumeric so they can be
// carried in the /block redirect path.
func Token() string {
	buf := make([]byte, tokenLen)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = tokenCharset[int(b)%len(tokenCharset)]
	}
	return string(buf)
}
