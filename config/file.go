package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// File is the on-disk representation of the store.
//
//	default:
//	  token_header: Approov-Token
//	domains:
//	  api.example.com:
//	    binding_header: Authorization
//	exclusions:
//	  - ^https://cdn\.example\.com/
//	substitution_headers:
//	  Api-Key: ""
//	substitution_query_params: [api_key]
type File struct {
	Default                 *Binding           `yaml:"default,omitempty"`
	Domains                 map[string]Binding `yaml:"domains,omitempty"`
	Exclusions              []string           `yaml:"exclusions,omitempty"`
	SubstitutionHeaders     map[string]string  `yaml:"substitution_headers,omitempty"`
	SubstitutionQueryParams []string           `yaml:"substitution_query_params,omitempty"`
	ProceedOnNetworkFail    bool               `yaml:"proceed_on_network_fail,omitempty"`
}

// ParseFile decodes a YAML configuration. Unknown fields are rejected.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &f, nil
}

// LoadFile reads and decodes the YAML configuration at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseFile(data)
}

// Apply replaces the store's contents with f. Nothing is changed if any
// pattern in f fails to compile or a binding header is also a substitution
// header.
func (s *Store) Apply(f *File) error {
	exclusions := make(map[string]*regexp.Regexp, len(f.Exclusions))
	for _, pattern := range f.Exclusions {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: exclusion %q: %v", ErrInvalidPattern, pattern, err)
		}
		exclusions[pattern] = re
	}

	params := make(map[string]*regexp.Regexp, len(f.SubstitutionQueryParams))
	for _, key := range f.SubstitutionQueryParams {
		params[key] = regexp.MustCompile(`[\?&]` + regexp.QuoteMeta(key) + `=([^&;]+)`)
	}

	bindings := make(map[string]Binding, len(f.Domains))
	for domain, b := range f.Domains {
		bindings[domain] = b
	}

	headers := make(map[string]string, len(f.SubstitutionHeaders))
	for k, v := range f.SubstitutionHeaders {
		headers[k] = v
	}

	def := Binding{TokenHeader: DefaultTokenHeader}
	if f.Default != nil {
		def = *f.Default
		if def.TokenHeader == "" {
			def.TokenHeader = DefaultTokenHeader
		}
	}

	if err := conflicts(def, bindings, headers); err != nil {
		return err
	}

	s.mu.Lock()
	s.defaultBinding = def
	s.bindings = bindings
	s.exclusions = exclusions
	s.substitutionHeaders = headers
	s.substitutionParams = params
	s.proceedOnNetworkFail = f.ProceedOnNetworkFail
	s.mu.Unlock()
	return nil
}

// LoadStore creates a store populated from the YAML file at path.
func LoadStore(path string) (*Store, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := NewStore()
	if err := s.Apply(f); err != nil {
		return nil, err
	}
	return s, nil
}
