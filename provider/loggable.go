package provider

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// signaturePrefixLen is how much of the token signature is kept in the
// loggable form so tokens can be correlated without being replayable.
const signaturePrefixLen = 6

// LoggableToken renders the claims of a JWT-shaped token without its
// signature. The result is safe to log. Tokens that are not JWTs yield an
// empty string.
func LoggableToken(token string) string {
	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	_, parts, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return ""
	}

	if len(parts) == 3 {
		sig := parts[2]
		if len(sig) > signaturePrefixLen {
			sig = sig[:signaturePrefixLen]
		}
		claims["sip"] = sig
	}

	out, err := json.Marshal(claims)
	if err != nil {
		return ""
	}
	return string(out)
}
