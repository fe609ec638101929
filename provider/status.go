package provider

import "strings"

// Status is a token fetch status.
type Status int

// Status values. The numeric order follows the iOS SDK enumeration; the
// Android SDK reports the same statuses by name.
const (
	StatusSuccess Status = iota
	StatusNoNetwork
	StatusMITMDetected
	StatusPoorNetwork
	StatusNoApproovService
	StatusBadURL
	StatusUnknownURL
	StatusUnprotectedURL
	StatusNotInitialized
	StatusRejected
	StatusDisabled
	StatusUnknownKey
	StatusBadKey
	StatusBadPayload
	StatusInternalError
)

var statusNames = [...]string{
	StatusSuccess:          "SUCCESS",
	StatusNoNetwork:        "NO_NETWORK",
	StatusMITMDetected:     "MITM_DETECTED",
	StatusPoorNetwork:      "POOR_NETWORK",
	StatusNoApproovService: "NO_APPROOV_SERVICE",
	StatusBadURL:           "BAD_URL",
	StatusUnknownURL:       "UNKNOWN_URL",
	StatusUnprotectedURL:   "UNPROTECTED_URL",
	StatusNotInitialized:   "NOT_INITIALIZED",
	StatusRejected:         "REJECTED",
	StatusDisabled:         "DISABLED",
	StatusUnknownKey:       "UNKNOWN_KEY",
	StatusBadKey:           "BAD_KEY",
	StatusBadPayload:       "BAD_PAYLOAD",
	StatusInternalError:    "INTERNAL_ERROR",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "INTERNAL_ERROR"
	}
	return statusNames[s]
}

// ParseStatus maps a status name to a Status. Unknown names map to
// StatusInternalError and ok is false.
func ParseStatus(name string) (s Status, ok bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == name {
			return Status(i), true
		}
	}
	return StatusInternalError, false
}

// Kind is the coarse classification of a Status.
type Kind int

const (
	// KindSuccess means a token was issued.
	KindSuccess Kind = iota

	// KindNoAttestation means the request proceeds without a token.
	KindNoAttestation

	// KindRetryable means the fetch failed transiently; the request must
	// not proceed but may be retried later.
	KindRetryable

	// KindPermanent means attestation is impossible for this URL under the
	// current configuration.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNoAttestation:
		return "no_attestation"
	case KindRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Kind classifies the status.
func (s Status) Kind() Kind {
	switch s {
	case StatusSuccess:
		return KindSuccess
	case StatusNoApproovService, StatusUnknownURL, StatusUnprotectedURL:
		return KindNoAttestation
	case StatusNoNetwork, StatusPoorNetwork, StatusMITMDetected:
		return KindRetryable
	default:
		return KindPermanent
	}
}
