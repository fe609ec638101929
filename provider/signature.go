package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignMessage returns the base64 HMAC-SHA256 of message under key, the
// form message signatures take on the wire.
func SignMessage(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
