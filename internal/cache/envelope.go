package cache

import (
	"bytes"
	"crypto/sha256"
)

var envelopeMagic = []byte("OHC1")

const envelopeHeaderLen = 4 + sha256.Size

// Seal prefixes value with a magic marker and checksum so blob backends can
// detect truncated or foreign objects.
func Seal(value []byte) []byte {
	sum := sha256.Sum256(value)
	out := make([]byte, 0, envelopeHeaderLen+len(value))
	out = append(out, envelopeMagic...)
	out = append(out, sum[:]...)
	return append(out, value...)
}

// Open validates a sealed object and returns its payload. Any mismatch is
// reported as false so callers can treat it as a miss.
func Open(sealed []byte) ([]byte, bool) {
	if len(sealed) < envelopeHeaderLen || !bytes.Equal(sealed[:4], envelopeMagic) {
		return nil, false
	}
	payload := sealed[envelopeHeaderLen:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], sealed[4:envelopeHeaderLen]) {
		return nil, false
	}
	return payload, true
}
