package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures.
type ErrorKind int

const (
	// KindStructural means the request was malformed, e.g. a required
	// binding header is missing. Never retry; fix the request.
	KindStructural ErrorKind = iota + 1

	// KindAttestationRetryable means a token could not be fetched for a
	// transient reason. The whole operation may be retried.
	KindAttestationRetryable

	// KindAttestationPermanent means the URL cannot be attested under the
	// current configuration. Do not retry automatically.
	KindAttestationPermanent

	// KindPinning means the server failed the public key pin check. This
	// is security relevant and must not be retried silently.
	KindPinning

	// KindTransport is an ordinary network or HTTP failure.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindAttestationRetryable:
		return "attestation_retryable"
	case KindAttestationPermanent:
		return "attestation_permanent"
	case KindPinning:
		return "pinning"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// PinningFailedReason is the reason reported for pin mismatches.
const PinningFailedReason = "pinning failed, request cancelled"

// Common errors wrapped by *Error.
var (
	ErrMissingBindingHeader = errors.New("missing binding header")
	ErrInvalidMethod        = errors.New("invalid method")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrNotInitialized       = errors.New("gateway not initialized")
	ErrReinitialize         = errors.New("attempt to reinitialize with a different configuration")
	ErrClosed               = errors.New("gateway is closed")
	ErrResponseTooLarge     = errors.New("response body too large")
	ErrTokenFetch           = errors.New("token fetch failed")
	ErrSubstitution         = errors.New("secure string substitution failed")
	ErrUnsupported          = errors.New("not supported by provider")
	ErrCustomJWT            = errors.New("custom JWT fetch failed")
)

// Error is the failure envelope returned by the gateway.
type Error struct {
	Kind ErrorKind

	// Message is a stable description of the failure.
	Message string

	// StatusCode is the HTTP status, or 0 if the network was never reached.
	StatusCode int

	// Reason is a short human-readable reason.
	Reason string

	// Body is the raw response body, if any.
	Body []byte

	// Headers are the response headers, if any.
	Headers Headers

	// ARC and RejectionReasons describe an attestation rejection.
	ARC              string
	RejectionReasons string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
