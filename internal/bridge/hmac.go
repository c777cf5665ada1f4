package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var errVerification = errors.New("bridge verification failed")

// verifySignature checks an HMAC-SHA256 signature of body in constant time.
// Every failure returns the same error.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return errVerification
	}
	return nil
}

// parseSignature accepts "sha256=<hex>" or plain hex.
func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
}

// Sign returns the "sha256=<hex>" signature of body. Connectors use it to
// sign their requests.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
