package websub

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"
)

const (
	HeaderSignature256 = "X-Hub-Signature-256"
	HeaderSignature    = "X-Hub-Signature"
)

// VerifySignature checks the hub signature of body. X-Hub-Signature-256 wins
// when both headers are present. A missing header is a mismatch.
func VerifySignature(secret string, body []byte, h http.Header) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(h.Get(HeaderSignature256))
	if sig == "" {
		sig = strings.TrimSpace(h.Get(HeaderSignature))
	}
	algo, hexSig, ok := strings.Cut(sig, "=")
	if !ok {
		return false
	}
	var newHash func() hash.Hash
	switch strings.ToLower(algo) {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	default:
		return false
	}
	want, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
