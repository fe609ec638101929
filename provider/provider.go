// Package provider defines the attestation provider capability consumed by
// the gateway and the token fetch result it returns.
//
// A provider asserts app and device integrity and issues short-lived trust
// tokens. Concrete providers are platform adapters (see the android and ios
// packages), the remote backend client, or the Static provider used for
// development.
package provider

import (
	"context"
	"errors"
)

// Provider is the attestation capability the gateway depends on.
type Provider interface {
	// FetchToken obtains a token for the domain of the given URL. It may
	// suspend for a network round trip and must honour ctx cancellation.
	FetchToken(ctx context.Context, url string) (*Result, error)

	// FetchConfig returns the provider's current dynamic configuration, or
	// an empty string if none is available. The value is opaque.
	FetchConfig(ctx context.Context) (string, error)

	// Pins returns the public-key-sha256 pins per domain. It must not
	// perform network I/O: pins are fetched ahead of time and cached.
	Pins() map[string][]string

	// SetDataHashInToken registers a value whose hash is embedded in
	// subsequently fetched tokens.
	SetDataHashInToken(data string) error
}

// Initializer is implemented by providers that need the initial and the
// persisted dynamic configuration before first use.
type Initializer interface {
	Initialize(ctx context.Context, initialConfig, dynamicConfig string) error
}

// SecretFetcher is implemented by providers that can resolve secure strings
// for header and query parameter substitution.
type SecretFetcher interface {
	// FetchSecureString looks up key. A non-nil newDef defines a new value
	// for this app instance; an empty newDef removes the entry.
	FetchSecureString(ctx context.Context, key string, newDef *string) (*Result, error)
}

// DeviceIdentifier is implemented by providers that expose the identifier
// the attestation service uses for this installation.
type DeviceIdentifier interface {
	DeviceID(ctx context.Context) (string, error)
}

// MessageSigner is implemented by providers holding an account message
// signing key. The key arrives with a successful token fetch; before one,
// ErrNoSignature is returned. Callers should sign a message that includes
// a token so the signature cannot be replayed.
type MessageSigner interface {
	// MessageSignature returns the base64 signature of message.
	MessageSignature(ctx context.Context, message string) (string, error)
}

// CustomJWTFetcher is implemented by providers that issue JWTs carrying
// caller-supplied claims.
type CustomJWTFetcher interface {
	// FetchCustomJWT fetches a JWT with the claims in payload, a marshaled
	// JSON object. On success the JWT is in Result.Token.
	FetchCustomJWT(ctx context.Context, payload string) (*Result, error)
}

// Common errors returned by providers.
var (
	ErrFetchTimeout   = errors.New("token fetch timed out")
	ErrNotInitialized = errors.New("provider not initialized")
	ErrNoSignature    = errors.New("no message signature available")
)

// Result is the outcome of a token or secure string fetch.
type Result struct {
	// Status is the fetch status reported by the provider.
	Status Status

	// Token is the attestation token, set when Status is StatusSuccess.
	Token string

	// SecureString is the looked up value for secure string fetches.
	SecureString string

	// ConfigChanged indicates a dynamic configuration update is available
	// and should be persisted.
	ConfigChanged bool

	// ForceApplyPins indicates cached pinning state must be re-derived.
	ForceApplyPins bool

	// LoggableToken is a representation of the token that is safe to log.
	LoggableToken string

	// ARC is the attestation response code for rejections.
	ARC string

	// RejectionReasons lists the reasons for a rejection, if enabled.
	RejectionReasons string
}

// Kind classifies the result's status.
func (r *Result) Kind() Kind {
	if r == nil {
		return KindPermanent
	}
	return r.Status.Kind()
}
