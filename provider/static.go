package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StaticConfig holds configuration for a Static provider.
type StaticConfig struct {
	// Tokens maps a domain to the token issued for it. Domains not listed
	// report StatusUnknownURL.
	Tokens map[string]string

	// Pins maps a domain to its public-key-sha256 pins.
	Pins map[string][]string

	// Secrets maps secure string keys to their values.
	Secrets map[string]string

	// DynamicConfig is returned by FetchConfig.
	DynamicConfig string

	// DeviceID is reported by DeviceID (default: random UUID).
	DeviceID string

	// SigningKey signs messages and custom JWTs (HS256). Without it
	// MessageSignature fails and custom JWTs are disabled.
	SigningKey []byte
}

// Static is a Provider that issues fixed tokens from memory.
// Suitable for testing and development. For production, use a platform
// adapter or the remote provider.
type Static struct {
	mu       sync.RWMutex
	tokens   map[string]string
	pins     map[string][]string
	secrets  map[string]string
	config   string
	dataHash string
	deviceID string
	key      []byte
}

// NewStatic creates a new static provider.
func NewStatic(cfg StaticConfig) *Static {
	s := &Static{
		tokens:   make(map[string]string, len(cfg.Tokens)),
		pins:     make(map[string][]string, len(cfg.Pins)),
		secrets:  make(map[string]string, len(cfg.Secrets)),
		config:   cfg.DynamicConfig,
		deviceID: cfg.DeviceID,
		key:      append([]byte(nil), cfg.SigningKey...),
	}
	if s.deviceID == "" {
		s.deviceID = uuid.NewString()
	}
	for domain, token := range cfg.Tokens {
		s.tokens[domain] = token
	}
	for domain, pins := range cfg.Pins {
		s.pins[domain] = append([]string(nil), pins...)
	}
	for key, value := range cfg.Secrets {
		s.secrets[key] = value
	}
	return s
}

// FetchToken returns the configured token for the URL's domain.
func (s *Static) FetchToken(ctx context.Context, url string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	host := hostOf(url)

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[host]
	if !ok {
		return &Result{Status: StatusUnknownURL}, nil
	}
	return &Result{
		Status:        StatusSuccess,
		Token:         token,
		LoggableToken: LoggableToken(token),
	}, nil
}

// FetchConfig returns the configured dynamic configuration.
func (s *Static) FetchConfig(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, nil
}

// Pins returns a copy of the configured pins.
func (s *Static) Pins() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.pins))
	for domain, pins := range s.pins {
		out[domain] = append([]string(nil), pins...)
	}
	return out
}

// SetDataHashInToken records the SHA-256 hash of data.
func (s *Static) SetDataHashInToken(data string) error {
	sum := sha256.Sum256([]byte(data))

	s.mu.Lock()
	s.dataHash = base64.StdEncoding.EncodeToString(sum[:])
	s.mu.Unlock()
	return nil
}

// DataHash returns the hash recorded by the last SetDataHashInToken call.
func (s *Static) DataHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataHash
}

// FetchSecureString looks up or defines a secure string.
func (s *Static) FetchSecureString(ctx context.Context, key string, newDef *string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if newDef != nil {
		if *newDef == "" {
			delete(s.secrets, key)
			return &Result{Status: StatusUnknownKey}, nil
		}
		s.secrets[key] = *newDef
	}

	value, ok := s.secrets[key]
	if !ok {
		return &Result{Status: StatusUnknownKey}, nil
	}
	return &Result{Status: StatusSuccess, SecureString: value}, nil
}

// DeviceID returns the configured device identifier.
func (s *Static) DeviceID(ctx context.Context) (string, error) {
	return s.deviceID, nil
}

// MessageSignature signs message with the configured key.
func (s *Static) MessageSignature(ctx context.Context, message string) (string, error) {
	if len(s.key) == 0 {
		return "", ErrNoSignature
	}
	return SignMessage(s.key, message), nil
}

// FetchCustomJWT issues an HS256 JWT with the payload's claims, valid for
// five minutes unless the payload sets its own expiry.
func (s *Static) FetchCustomJWT(ctx context.Context, payload string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.key) == 0 {
		return &Result{Status: StatusDisabled}, nil
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal([]byte(payload), &claims); err != nil {
		return &Result{Status: StatusBadPayload}, nil
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(5 * time.Minute).Unix()
	}
	claims["did"] = s.deviceID

	s.mu.RLock()
	if s.dataHash != "" {
		claims["pay"] = s.dataHash
	}
	s.mu.RUnlock()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return &Result{Status: StatusInternalError}, nil
	}
	return &Result{Status: StatusSuccess, Token: token, LoggableToken: LoggableToken(token)}, nil
}
