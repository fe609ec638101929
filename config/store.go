// Package config provides the gateway's configuration store: per-domain
// token header bindings, URL exclusion rules and secret substitution rules.
//
// The store is populated at startup, before the first request, and is
// read-mostly thereafter. Updates are visible to requests that start after
// the update; a request reads its binding once and uses it consistently.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// DefaultTokenHeader is the header the token is added on unless a binding
// says otherwise.
const DefaultTokenHeader = "Approov-Token"

// ErrInvalidPattern is returned for exclusion rules or substitution query
// parameters that do not compile.
var ErrInvalidPattern = errors.New("invalid pattern")

// ErrBindingConflict is returned when a binding header is also a
// substitution header. The token hash is taken before substitution, so it
// would not match the header as sent.
var ErrBindingConflict = errors.New("binding header is also a substitution header")

// Binding describes how tokens are attached to requests for a domain.
type Binding struct {
	// TokenHeader is the header that carries the token (default: "Approov-Token").
	TokenHeader string `yaml:"token_header"`

	// TokenPrefix is prepended to the token value, e.g. "Bearer ".
	TokenPrefix string `yaml:"token_prefix,omitempty"`

	// BindingHeader, when set, names a request header whose value is hashed
	// into the token. Requests without it are rejected.
	BindingHeader string `yaml:"binding_header,omitempty"`
}

// Store is an in-memory configuration store safe for concurrent use.
type Store struct {
	mu                   sync.RWMutex
	defaultBinding       Binding
	bindings             map[string]Binding
	exclusions           map[string]*regexp.Regexp
	substitutionHeaders  map[string]string
	substitutionParams   map[string]*regexp.Regexp
	proceedOnNetworkFail bool
}

// NewStore creates an empty store with the default binding.
func NewStore() *Store {
	return &Store{
		defaultBinding:      Binding{TokenHeader: DefaultTokenHeader},
		bindings:            make(map[string]Binding),
		exclusions:          make(map[string]*regexp.Regexp),
		substitutionHeaders: make(map[string]string),
		substitutionParams:  make(map[string]*regexp.Regexp),
	}
}

// SetDomainHeader sets the binding for domain, replacing any previous one.
func (s *Store) SetDomainHeader(domain string, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := conflict(b, s.substitutionHeaders); err != nil {
		return fmt.Errorf("domain %s: %w", domain, err)
	}
	s.bindings[domain] = b
	return nil
}

// RemoveDomainHeader removes the binding for domain.
func (s *Store) RemoveDomainHeader(domain string) {
	s.mu.Lock()
	delete(s.bindings, domain)
	s.mu.Unlock()
}

// DomainHeader returns the binding for domain. Unknown domains get the
// default binding; a stored binding without a token header inherits the
// default header.
func (s *Store) DomainHeader(domain string) Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[domain]
	if !ok {
		return s.defaultBinding
	}
	if b.TokenHeader == "" {
		b.TokenHeader = s.defaultBinding.TokenHeader
	}
	return b
}

// SetDefaultBinding sets the binding used for domains without their own.
// An empty token header resets it to DefaultTokenHeader.
func (s *Store) SetDefaultBinding(b Binding) error {
	if b.TokenHeader == "" {
		b.TokenHeader = DefaultTokenHeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := conflict(b, s.substitutionHeaders); err != nil {
		return fmt.Errorf("default binding: %w", err)
	}
	s.defaultBinding = b
	return nil
}

// Domains returns the domains that have an explicit binding.
func (s *Store) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.bindings))
	for domain := range s.bindings {
		out = append(out, domain)
	}
	return out
}

// AddExclusionRule adds a URL regular expression. Matching URLs bypass
// attestation entirely.
func (s *Store) AddExclusionRule(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	s.mu.Lock()
	s.exclusions[pattern] = re
	s.mu.Unlock()
	return nil
}

// RemoveExclusionRule removes a rule previously added with AddExclusionRule.
func (s *Store) RemoveExclusionRule(pattern string) {
	s.mu.Lock()
	delete(s.exclusions, pattern)
	s.mu.Unlock()
}

// ExclusionRules returns the source text of all exclusion rules.
func (s *Store) ExclusionRules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.exclusions))
	for pattern := range s.exclusions {
		out = append(out, pattern)
	}
	return out
}

// IsExcluded reports whether url matches any exclusion rule.
func (s *Store) IsExcluded(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, re := range s.exclusions {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// AddSubstitutionHeader marks header for secret substitution. Only values
// starting with requiredPrefix (which may be empty) are substituted; the
// prefix is kept.
func (s *Store) AddSubstitutionHeader(header, requiredPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := conflicts(s.defaultBinding, s.bindings, map[string]string{header: requiredPrefix}); err != nil {
		return err
	}
	s.substitutionHeaders[header] = requiredPrefix
	return nil
}

func conflict(b Binding, headers map[string]string) error {
	if b.BindingHeader == "" {
		return nil
	}
	for h := range headers {
		if strings.EqualFold(h, b.BindingHeader) {
			return fmt.Errorf("%w: %s", ErrBindingConflict, h)
		}
	}
	return nil
}

func conflicts(def Binding, bindings map[string]Binding, headers map[string]string) error {
	if err := conflict(def, headers); err != nil {
		return fmt.Errorf("default binding: %w", err)
	}
	for domain, b := range bindings {
		if err := conflict(b, headers); err != nil {
			return fmt.Errorf("domain %s: %w", domain, err)
		}
	}
	return nil
}

// RemoveSubstitutionHeader removes a header added with AddSubstitutionHeader.
func (s *Store) RemoveSubstitutionHeader(header string) {
	s.mu.Lock()
	delete(s.substitutionHeaders, header)
	s.mu.Unlock()
}

// SubstitutionHeaders returns a copy of the substitution headers mapped to
// their required prefixes.
func (s *Store) SubstitutionHeaders() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.substitutionHeaders))
	for k, v := range s.substitutionHeaders {
		out[k] = v
	}
	return out
}

// AddSubstitutionQueryParam marks the query parameter key for secret
// substitution.
func (s *Store) AddSubstitutionQueryParam(key string) error {
	re, err := regexp.Compile(`[\?&]` + regexp.QuoteMeta(key) + `=([^&;]+)`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	s.mu.Lock()
	s.substitutionParams[key] = re
	s.mu.Unlock()
	return nil
}

// RemoveSubstitutionQueryParam removes a key added with
// AddSubstitutionQueryParam.
func (s *Store) RemoveSubstitutionQueryParam(key string) {
	s.mu.Lock()
	delete(s.substitutionParams, key)
	s.mu.Unlock()
}

// SubstitutionQueryParams returns a copy of the substitution query
// parameters mapped to the pattern that captures their value.
func (s *Store) SubstitutionQueryParams() map[string]*regexp.Regexp {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*regexp.Regexp, len(s.substitutionParams))
	for k, v := range s.substitutionParams {
		out[k] = v
	}
	return out
}

// SetProceedOnNetworkFail controls whether requests proceed without a token
// when the token fetch fails for network reasons. Use with caution: it lets
// requests through before any dynamic pins have been received.
func (s *Store) SetProceedOnNetworkFail(proceed bool) {
	s.mu.Lock()
	s.proceedOnNetworkFail = proceed
	s.mu.Unlock()
}

// ProceedOnNetworkFail reports the current setting.
func (s *Store) ProceedOnNetworkFail() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proceedOnNetworkFail
}
