// Package ios adapts the iOS attestation SDK to provider.Provider.
//
// The SDK delivers fetch results to a completion handler and reports
// statuses as integer codes. Codes outside the known range are treated as
// internal errors.
package ios

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kacy/approov-gateway/provider"
)

// Status codes reported by the SDK.
const (
	StatusSuccess = iota
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

// TokenFetchResult mirrors the SDK's fetch result.
type TokenFetchResult struct {
	Status           int
	Token            string
	ARC              string
	RejectionReasons string
	IsConfigChanged  bool
	IsForceApplyPins bool
	LoggableToken    string
}

// SDK is the surface of the iOS SDK the adapter needs.
type SDK interface {
	// Initialize starts the SDK. It reports false with an error when the
	// configuration is rejected.
	Initialize(baseConfig, updateConfig, comment string) (bool, error)
	FetchApproovToken(completion func(*TokenFetchResult), url string)
	FetchConfig() string
	GetPins(pinType string) map[string][]string
	SetDataHashInToken(data string)

	// GetDeviceID returns "" before initialization.
	GetDeviceID() string

	// GetMessageSignature returns "" when no signing key is available.
	GetMessageSignature(message string) string
	FetchCustomJWT(completion func(*TokenFetchResult), payload string)
}

// ErrInitializationRejected is returned when the SDK refuses the
// configuration without giving a reason.
var ErrInitializationRejected = errors.New("iOS SDK rejected configuration")

// Config holds configuration for the adapter.
type Config struct {
	// SDK is the platform SDK binding (required).
	SDK SDK

	Logger *slog.Logger
}

// Adapter implements provider.Provider on top of the iOS SDK.
type Adapter struct {
	sdk    SDK
	logger *slog.Logger
}

var (
	_ provider.Provider         = (*Adapter)(nil)
	_ provider.Initializer      = (*Adapter)(nil)
	_ provider.DeviceIdentifier = (*Adapter)(nil)
	_ provider.MessageSigner    = (*Adapter)(nil)
	_ provider.CustomJWTFetcher = (*Adapter)(nil)
)

// New creates an adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.SDK == nil {
		return nil, errors.New("iOS SDK is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{sdk: cfg.SDK, logger: logger}, nil
}

// Initialize starts the SDK.
func (a *Adapter) Initialize(ctx context.Context, initialConfig, dynamicConfig string) error {
	update := dynamicConfig
	if update == "" {
		update = "auto"
	}
	ok, err := a.sdk.Initialize(initialConfig, update, "")
	if err != nil {
		return fmt.Errorf("iOS SDK initialization failed: %w", err)
	}
	if !ok {
		return ErrInitializationRejected
	}
	return nil
}

// FetchToken fetches a token for url.
func (a *Adapter) FetchToken(ctx context.Context, url string) (*provider.Result, error) {
	return provider.Await(ctx, func(done func(*provider.Result)) {
		a.sdk.FetchApproovToken(func(r *TokenFetchResult) {
			if r == nil {
				done(nil)
				return
			}
			done(a.convert(r))
		}, url)
	})
}

// FetchConfig returns the SDK's current dynamic configuration.
func (a *Adapter) FetchConfig(ctx context.Context) (string, error) {
	return a.sdk.FetchConfig(), nil
}

// Pins returns the SDK's public-key pins.
func (a *Adapter) Pins() map[string][]string {
	return a.sdk.GetPins(provider.PinTypePublicKeySHA256)
}

// SetDataHashInToken passes data to the SDK.
func (a *Adapter) SetDataHashInToken(data string) error {
	a.sdk.SetDataHashInToken(data)
	return nil
}

// DeviceID returns the SDK's device identifier.
func (a *Adapter) DeviceID(ctx context.Context) (string, error) {
	id := a.sdk.GetDeviceID()
	if id == "" {
		return "", provider.ErrNotInitialized
	}
	return id, nil
}

// MessageSignature signs message with the SDK's message signing key.
func (a *Adapter) MessageSignature(ctx context.Context, message string) (string, error) {
	sig := a.sdk.GetMessageSignature(message)
	if sig == "" {
		return "", provider.ErrNoSignature
	}
	return sig, nil
}

// FetchCustomJWT fetches a JWT carrying payload's claims.
func (a *Adapter) FetchCustomJWT(ctx context.Context, payload string) (*provider.Result, error) {
	return provider.Await(ctx, func(done func(*provider.Result)) {
		a.sdk.FetchCustomJWT(func(r *TokenFetchResult) {
			if r == nil {
				done(nil)
				return
			}
			done(a.convert(r))
		}, payload)
	})
}

func (a *Adapter) convert(r *TokenFetchResult) *provider.Result {
	status := provider.StatusInternalError
	if r.Status >= StatusSuccess && r.Status <= StatusInternalError {
		status = provider.Status(r.Status)
	} else {
		a.logger.Warn("unknown token fetch status", "status", r.Status)
	}
	return &provider.Result{
		Status:           status,
		Token:            r.Token,
		ConfigChanged:    r.IsConfigChanged,
		ForceApplyPins:   r.IsForceApplyPins,
		LoggableToken:    r.LoggableToken,
		ARC:              r.ARC,
		RejectionReasons: r.RejectionReasons,
	}
}
