// Package android adapts the Android attestation SDK to provider.Provider.
//
// The SDK reports fetch results through a callback and names statuses as
// strings; the adapter turns each callback into a context-bounded call
// and maps status names onto provider.Status.
package android

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kacy/approov-gateway/provider"
)

// TokenFetchResult mirrors the SDK's fetch result.
type TokenFetchResult struct {
	// Status is the status name, e.g. "SUCCESS" or "NO_NETWORK".
	Status           string
	Token            string
	SecureString     string
	IsConfigChanged  bool
	IsForceApplyPins bool
	LoggableToken    string
	ARC              string
	RejectionReasons string
}

// SDK is the surface of the Android SDK the adapter needs.
type SDK interface {
	// Initialize starts the SDK. updateConfig is the persisted dynamic
	// configuration, or "auto" to let the SDK manage it.
	Initialize(config, updateConfig string) error
	FetchApproovToken(handler func(TokenFetchResult), url string)
	FetchSecureString(handler func(TokenFetchResult), key string, newDef *string)
	FetchConfig() string
	GetPins(pinType string) map[string][]string
	SetDataHashInToken(data string)

	// GetDeviceID fails if the SDK is not initialized.
	GetDeviceID() (string, error)

	// GetMessageSignature returns "" when no signing key is available.
	GetMessageSignature(message string) (string, error)
	FetchCustomJWT(handler func(TokenFetchResult), payload string)
}

// Config holds configuration for the adapter.
type Config struct {
	// SDK is the platform SDK binding (required).
	SDK SDK

	Logger *slog.Logger
}

// Adapter implements provider.Provider on top of the Android SDK.
type Adapter struct {
	sdk    SDK
	logger *slog.Logger
}

var (
	_ provider.Provider      = (*Adapter)(nil)
	_ provider.Initializer   = (*Adapter)(nil)
	_ provider.SecretFetcher = (*Adapter)(nil)

	_ provider.DeviceIdentifier = (*Adapter)(nil)
	_ provider.MessageSigner    = (*Adapter)(nil)
	_ provider.CustomJWTFetcher = (*Adapter)(nil)
)

// New creates an adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.SDK == nil {
		return nil, errors.New("android SDK is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{sdk: cfg.SDK, logger: logger}, nil
}

// Initialize starts the SDK with the initial configuration and, if one
// was persisted, the dynamic configuration.
func (a *Adapter) Initialize(ctx context.Context, initialConfig, dynamicConfig string) error {
	update := dynamicConfig
	if update == "" {
		update = "auto"
	}
	if err := a.sdk.Initialize(initialConfig, update); err != nil {
		return fmt.Errorf("android SDK initialization failed: %w", err)
	}
	return nil
}

// FetchToken fetches a token for url.
func (a *Adapter) FetchToken(ctx context.Context, url string) (*provider.Result, error) {
	return provider.Await(ctx, func(done func(*provider.Result)) {
		a.sdk.FetchApproovToken(func(r TokenFetchResult) {
			done(a.convert(r))
		}, url)
	})
}

// FetchSecureString looks up or defines a secure string.
func (a *Adapter) FetchSecureString(ctx context.Context, key string, newDef *string) (*provider.Result, error) {
	return provider.Await(ctx, func(done func(*provider.Result)) {
		a.sdk.FetchSecureString(func(r TokenFetchResult) {
			done(a.convert(r))
		}, key, newDef)
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
	id, err := a.sdk.GetDeviceID()
	if err != nil {
		return "", fmt.Errorf("android SDK device ID: %w", err)
	}
	return id, nil
}

// MessageSignature signs message with the SDK's message signing key.
func (a *Adapter) MessageSignature(ctx context.Context, message string) (string, error) {
	sig, err := a.sdk.GetMessageSignature(message)
	if err != nil {
		return "", fmt.Errorf("android SDK message signature: %w", err)
	}
	if sig == "" {
		return "", provider.ErrNoSignature
	}
	return sig, nil
}

// FetchCustomJWT fetches a JWT carrying payload's claims.
func (a *Adapter) FetchCustomJWT(ctx context.Context, payload string) (*provider.Result, error) {
	return provider.Await(ctx, func(done func(*provider.Result)) {
		a.sdk.FetchCustomJWT(func(r TokenFetchResult) {
			done(a.convert(r))
		}, payload)
	})
}

func (a *Adapter) convert(r TokenFetchResult) *provider.Result {
	status, ok := provider.ParseStatus(r.Status)
	if !ok {
		a.logger.Warn("unknown token fetch status", "status", r.Status)
	}
	return &provider.Result{
		Status:           status,
		Token:            r.Token,
		SecureString:     r.SecureString,
		ConfigChanged:    r.IsConfigChanged,
		ForceApplyPins:   r.IsForceApplyPins,
		LoggableToken:    r.LoggableToken,
		ARC:              r.ARC,
		RejectionReasons: r.RejectionReasons,
	}
}
