package websub

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
)

func hmacSHA1Hex(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
