// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tuya

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// stringToSign builds the canonical request representation:
// METHOD, body digest, signed headers (none) and the path with its query.
func stringToSign(method string, body []byte, pathWithQuery string) string {
	digest := sha256.Sum256(body)
	return strings.ToUpper(method) + "\n" +
		hex.EncodeToString(digest[:]) + "\n" +
		"\n" +
		pathWithQuery
}

// sign computes the HMAC-SHA256 request signature. token is empty for the
// token request itself.
func sign(secret, clientID, token, timestamp, nonce, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID + token + timestamp + nonce + canonical))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
