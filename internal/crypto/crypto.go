// Package crypto implements request signing: Ed25519 keypairs, the
// canonical request digest, timestamp freshness, and the deterministic
// acceptance-criteria hash.
//
// Every verification fails closed: malformed keys, signatures, or
// timestamps yield a negative result, never a panic.
package crypto

import (
	cryptoed "crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateKeypair returns a new Ed25519 keypair as lowercase hex
// (64-byte private seed+public, 32-byte public).
func GenerateKeypair() (privateHex, publicHex string, err error) {
	pub, priv, err := cryptoed.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	return hex.EncodeToString(priv), hex.EncodeToString(pub), nil
}

// BuildSignatureMessage assembles the canonical bytes that are signed:
// timestamp, uppercased method, path, and the hex SHA-256 of the body,
// joined by LF.
func BuildSignatureMessage(timestamp, method, path string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	msg := timestamp + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + hex.EncodeToString(bodyHash[:])
	return []byte(msg)
}

// SignRequest signs the canonical message and returns the hex signature.
func SignRequest(privateHex, timestamp, method, path string, body []byte) (string, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	var key cryptoed.PrivateKey
	switch len(raw) {
	case cryptoed.PrivateKeySize:
		key = cryptoed.PrivateKey(raw)
	case cryptoed.SeedSize:
		key = cryptoed.NewKeyFromSeed(raw)
	default:
		return "", fmt.Errorf("private key must be %d or %d bytes, got %d", cryptoed.SeedSize, cryptoed.PrivateKeySize, len(raw))
	}
	sig := cryptoed.Sign(key, BuildSignatureMessage(timestamp, method, path, body))
	return hex.EncodeToString(sig), nil
}

// VerifySignature checks an Ed25519 signature over the canonical message.
// Any malformed input returns false.
func VerifySignature(publicHex, signatureHex, timestamp, method, path string, body []byte) bool {
	pub, err := hex.DecodeString(publicHex)
	if err != nil || len(pub) != cryptoed.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != cryptoed.SignatureSize {
		return false
	}
	return cryptoed.Verify(cryptoed.PublicKey(pub), BuildSignatureMessage(timestamp, method, path, body), sig)
}

// GenerateNonce returns 16 random bytes as hex.
func GenerateNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b[:])
}

// TimestampFresh reports whether ts is an RFC 3339 timestamp carrying an
// explicit offset and within maxAge of now. Timestamps without a zone and
// unparseable strings are stale by definition.
func TimestampFresh(ts string, now time.Time, maxAge time.Duration) bool {
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return false
	}
	// RFC 3339 always carries an offset, but reject the degenerate forms
	// some clients emit where the zone was dropped before parsing.
	if !strings.ContainsAny(ts[10:], "Zz+-") {
		return false
	}
	delta := now.Sub(parsed)
	if delta < 0 {
		delta = -delta
	}
	return delta <= maxAge
}
