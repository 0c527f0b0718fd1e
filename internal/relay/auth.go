package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignToken mints a relay token for userID: "<userID>.<hex hmac-sha256>".
func SignToken(secret, userID string) string {
	return userID + "." + sign(secret, userID)
}

// VerifyToken checks a token minted by SignToken and returns its user id.
// Uses constant-time comparison to prevent timing attacks.
func VerifyToken(secret, token string) (string, bool) {
	if secret == "" || token == "" {
		return "", false
	}
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	userID, sig := token[:i], token[i+1:]

	expected := sign(secret, userID)
	if len(sig) != len(expected) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", false
	}
	return userID, true
}

func sign(secret, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}
