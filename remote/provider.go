// Package remote provides a provider.Provider that obtains tokens from an
// attestation backend over HTTP.
//
// Requests and responses are CBOR encoded. Tokens are cached per host and
// binding hash until they expire; pins and the dynamic configuration
// arrive piggybacked on token responses and are held in memory so Pins and
// FetchConfig never touch the network.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kacy/approov-gateway/provider"
)

const (
	contentTypeCBOR = "application/cbor"
	maxResponseSize = 1 << 20
)

type tokenRequest struct {
	URL      string `cbor:"url"`
	DataHash string `cbor:"data_hash,omitempty"`
	DeviceID string `cbor:"device_id"`
	Config   string `cbor:"config,omitempty"`
}

type tokenResponse struct {
	Status           string              `cbor:"status"`
	Token            string              `cbor:"token,omitempty"`
	TTL              uint32              `cbor:"ttl,omitempty"`
	ARC              string              `cbor:"arc,omitempty"`
	RejectionReasons string              `cbor:"rejection_reasons,omitempty"`
	Config           string              `cbor:"config,omitempty"`
	Pins             map[string][]string `cbor:"pins,omitempty"`
	SigningKey       []byte              `cbor:"signing_key,omitempty"`
}

type customJWTRequest struct {
	Payload  string `cbor:"payload"`
	DataHash string `cbor:"data_hash,omitempty"`
	DeviceID string `cbor:"device_id"`
	Config   string `cbor:"config,omitempty"`
}

type secureStringRequest struct {
	Key      string  `cbor:"key"`
	NewDef   *string `cbor:"new_def,omitempty"`
	DeviceID string  `cbor:"device_id"`
}

type secureStringResponse struct {
	Status           string `cbor:"status"`
	Value            string `cbor:"value,omitempty"`
	ARC              string `cbor:"arc,omitempty"`
	RejectionReasons string `cbor:"rejection_reasons,omitempty"`
}

// Config holds configuration for the remote provider.
type Config struct {
	// Endpoint is the backend base URL (required).
	Endpoint string

	// Client performs backend calls (default: client with a 10 second timeout).
	Client *http.Client

	// DeviceID identifies this gateway instance (default: random UUID).
	DeviceID string

	// Cache configures the token cache.
	Cache CacheConfig

	Logger *slog.Logger
}

// Provider is a provider.Provider backed by a remote attestation service.
type Provider struct {
	endpoint string
	client   *http.Client
	deviceID string
	cache    *tokenCache
	logger   *slog.Logger

	mu          sync.RWMutex
	initialized bool
	config      string
	pins        map[string][]string
	dataHash    string
	signingKey  []byte
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.Initializer   = (*Provider)(nil)
	_ provider.SecretFetcher = (*Provider)(nil)

	_ provider.DeviceIdentifier = (*Provider)(nil)
	_ provider.MessageSigner    = (*Provider)(nil)
	_ provider.CustomJWTFetcher = (*Provider)(nil)
)

// New creates a remote provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   client,
		deviceID: deviceID,
		cache:    newTokenCache(cfg.Cache),
		logger:   logger,
		pins:     make(map[string][]string),
	}, nil
}

// Initialize records the dynamic configuration to present to the backend.
// The persisted dynamic configuration takes precedence over the initial one.
func (p *Provider) Initialize(ctx context.Context, initialConfig, dynamicConfig string) error {
	cfg := dynamicConfig
	if cfg == "" {
		cfg = initialConfig
	}

	p.mu.Lock()
	p.initialized = true
	p.config = cfg
	p.mu.Unlock()

	p.cache.clear()
	return nil
}

// FetchToken returns a cached token for the URL's host or asks the backend
// for a new one.
func (p *Provider) FetchToken(ctx context.Context, url string) (*provider.Result, error) {
	p.mu.RLock()
	initialized := p.initialized
	cfg := p.config
	dataHash := p.dataHash
	p.mu.RUnlock()

	if !initialized {
		return &provider.Result{Status: provider.StatusNotInitialized}, nil
	}

	key := provider.Hostname(url) + "|" + dataHash
	if r, ok := p.cache.get(key); ok {
		return r, nil
	}

	var resp tokenResponse
	result, err := p.call(ctx, "/token", tokenRequest{
		URL:      url,
		DataHash: dataHash,
		DeviceID: p.deviceID,
		Config:   cfg,
	}, &resp)
	if err != nil || result != nil {
		return result, err
	}

	status, ok := provider.ParseStatus(resp.Status)
	if !ok {
		p.logger.Warn("unknown token fetch status from backend", "status", resp.Status)
	}

	r := &provider.Result{
		Status:           status,
		Token:            resp.Token,
		ARC:              resp.ARC,
		RejectionReasons: resp.RejectionReasons,
	}
	r.ConfigChanged, r.ForceApplyPins = p.update(resp.Config, resp.Pins)
	if status == provider.StatusSuccess && len(resp.SigningKey) > 0 {
		p.mu.Lock()
		p.signingKey = resp.SigningKey
		p.mu.Unlock()
	}

	if status == provider.StatusSuccess && r.Token != "" {
		r.LoggableToken = provider.LoggableToken(r.Token)
		p.cache.put(key, r, time.Duration(resp.TTL)*time.Second)
	}
	return r, nil
}

// update applies configuration and pins from a backend response and
// reports which of them changed.
func (p *Provider) update(cfg string, pins map[string][]string) (configChanged, pinsChanged bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg != "" && cfg != p.config {
		p.config = cfg
		configChanged = true
	}
	if pins != nil && !samePins(p.pins, pins) {
		p.pins = make(map[string][]string, len(pins))
		for host, hashes := range pins {
			p.pins[host] = append([]string(nil), hashes...)
		}
		pinsChanged = true
	}
	return configChanged, pinsChanged
}

func samePins(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for host, as := range a {
		bs, ok := b[host]
		if !ok || len(as) != len(bs) {
			return false
		}
		set := make(map[string]struct{}, len(as))
		for _, h := range as {
			set[h] = struct{}{}
		}
		for _, h := range bs {
			if _, ok := set[h]; !ok {
				return false
			}
		}
	}
	return true
}

// FetchSecureString looks up or defines a secure string on the backend.
func (p *Provider) FetchSecureString(ctx context.Context, key string, newDef *string) (*provider.Result, error) {
	p.mu.RLock()
	initialized := p.initialized
	p.mu.RUnlock()

	if !initialized {
		return &provider.Result{Status: provider.StatusNotInitialized}, nil
	}

	var resp secureStringResponse
	result, err := p.call(ctx, "/secure-string", secureStringRequest{
		Key:      key,
		NewDef:   newDef,
		DeviceID: p.deviceID,
	}, &resp)
	if err != nil || result != nil {
		return result, err
	}

	status, _ := provider.ParseStatus(resp.Status)
	return &provider.Result{
		Status:           status,
		SecureString:     resp.Value,
		ARC:              resp.ARC,
		RejectionReasons: resp.RejectionReasons,
	}, nil
}

// call posts req to path and decodes the reply into resp. Failures the
// backend protocol expresses as statuses are returned as a non-nil result.
func (p *Provider) call(ctx context.Context, path string, req, resp any) (*provider.Result, error) {
	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return &provider.Result{Status: provider.StatusBadURL}, nil
	}
	httpReq.Header.Set("Content-Type", contentTypeCBOR)
	httpReq.Header.Set("Accept", contentTypeCBOR)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", provider.ErrFetchTimeout, ctxErr)
			}
			return nil, ctxErr
		}
		p.logger.Debug("attestation backend unreachable", "path", path, "error", err)
		return &provider.Result{Status: provider.StatusNoNetwork}, nil
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusInternalServerError {
		p.logger.Debug("attestation backend error", "path", path, "status", httpResp.StatusCode)
		return &provider.Result{Status: provider.StatusPoorNetwork}, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		p.logger.Warn("unexpected attestation backend response", "path", path, "status", httpResp.StatusCode)
		return &provider.Result{Status: provider.StatusInternalError}, nil
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return &provider.Result{Status: provider.StatusPoorNetwork}, nil
	}
	if err := cbor.Unmarshal(data, resp); err != nil {
		p.logger.Warn("failed to decode attestation backend response", "path", path, "error", err)
		return &provider.Result{Status: provider.StatusInternalError}, nil
	}
	return nil, nil
}

// FetchConfig returns the latest dynamic configuration.
func (p *Provider) FetchConfig(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config, nil
}

// Pins returns a copy of the latest pins.
func (p *Provider) Pins() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]string, len(p.pins))
	for host, hashes := range p.pins {
		out[host] = append([]string(nil), hashes...)
	}
	return out
}

// SetDataHashInToken sets the hash sent with subsequent token requests.
func (p *Provider) SetDataHashInToken(data string) error {
	sum := sha256.Sum256([]byte(data))

	p.mu.Lock()
	p.dataHash = base64.StdEncoding.EncodeToString(sum[:])
	p.mu.Unlock()
	return nil
}

// DeviceID returns the identifier sent to the backend.
func (p *Provider) DeviceID(ctx context.Context) (string, error) {
	return p.deviceID, nil
}

// MessageSignature signs message with the key delivered by the last
// successful token fetch.
func (p *Provider) MessageSignature(ctx context.Context, message string) (string, error) {
	p.mu.RLock()
	key := p.signingKey
	p.mu.RUnlock()

	if len(key) == 0 {
		return "", provider.ErrNoSignature
	}
	return provider.SignMessage(key, message), nil
}

// FetchCustomJWT asks the backend for a JWT carrying payload's claims.
// Custom JWTs are never cached.
func (p *Provider) FetchCustomJWT(ctx context.Context, payload string) (*provider.Result, error) {
	p.mu.RLock()
	initialized := p.initialized
	cfg := p.config
	dataHash := p.dataHash
	p.mu.RUnlock()

	if !initialized {
		return &provider.Result{Status: provider.StatusNotInitialized}, nil
	}

	var resp tokenResponse
	result, err := p.call(ctx, "/custom-jwt", customJWTRequest{
		Payload:  payload,
		DataHash: dataHash,
		DeviceID: p.deviceID,
		Config:   cfg,
	}, &resp)
	if err != nil || result != nil {
		return result, err
	}

	status, ok := provider.ParseStatus(resp.Status)
	if !ok {
		p.logger.Warn("unknown custom JWT status from backend", "status", resp.Status)
	}

	r := &provider.Result{
		Status:           status,
		Token:            resp.Token,
		LoggableToken:    provider.LoggableToken(resp.Token),
		ARC:              resp.ARC,
		RejectionReasons: resp.RejectionReasons,
	}
	r.ConfigChanged, r.ForceApplyPins = p.update(resp.Config, resp.Pins)
	return r, nil
}

// Close stops the token cache's cleanup loop.
func (p *Provider) Close() error {
	p.cache.close()
	return nil
}
