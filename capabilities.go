package gateway

import (
	"context"
	"fmt"

	"github.com/kacy/approov-gateway/provider"
)

// DeviceID returns the identifier the attestation service uses for this
// installation. It changes if the app is reinstalled.
func (g *Gateway) DeviceID(ctx context.Context) (string, error) {
	ident, ok := g.provider.(provider.DeviceIdentifier)
	if !ok {
		return "", &Error{Kind: KindAttestationPermanent, Message: "device ID", Err: ErrUnsupported}
	}
	if !g.State().Initialized {
		return "", &Error{Kind: KindAttestationPermanent, Message: "device ID", Err: ErrNotInitialized}
	}

	id, err := ident.DeviceID(ctx)
	if err != nil {
		return "", &Error{Kind: KindAttestationPermanent, Message: "device ID", Err: err}
	}
	return id, nil
}

// MessageSignature signs message with the account's message signing key.
// The key only verifies after a successful attestation, so message should
// include a token fetched for the same request.
func (g *Gateway) MessageSignature(ctx context.Context, message string) (string, error) {
	signer, ok := g.provider.(provider.MessageSigner)
	if !ok {
		return "", &Error{Kind: KindAttestationPermanent, Message: "message signature", Err: ErrUnsupported}
	}
	if !g.State().Initialized {
		return "", &Error{Kind: KindAttestationPermanent, Message: "message signature", Err: ErrNotInitialized}
	}

	sig, err := signer.MessageSignature(ctx, message)
	if err != nil {
		return "", &Error{Kind: KindAttestationPermanent, Message: "message signature", Err: err}
	}
	return sig, nil
}

// FetchCustomJWT fetches a JWT carrying the claims in payload, a marshaled
// JSON object. Network statuses are retryable; rejections carry the ARC
// and rejection reasons.
func (g *Gateway) FetchCustomJWT(ctx context.Context, payload string) (string, error) {
	fetcher, ok := g.provider.(provider.CustomJWTFetcher)
	if !ok {
		return "", &Error{Kind: KindAttestationPermanent, Message: "custom JWT", Err: ErrUnsupported}
	}
	if !g.State().Initialized {
		return "", &Error{Kind: KindAttestationPermanent, Message: "custom JWT", Err: ErrNotInitialized}
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	result, err := fetcher.FetchCustomJWT(ctx, payload)
	if err != nil {
		return "", fetchError("custom JWT", fmt.Errorf("%w: %w", ErrCustomJWT, err))
	}
	if result == nil {
		result = &provider.Result{Status: provider.StatusInternalError}
	}
	g.logger.Debug("custom JWT fetched", "status", result.Status.String(), "token", result.LoggableToken)
	g.applySideEffects(result, g.logger)

	if result.Status != provider.StatusSuccess {
		return "", statusError("custom JWT", result, ErrCustomJWT)
	}
	return result.Token, nil
}
