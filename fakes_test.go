package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kacy/approov-gateway/provider"
)

// fakeProvider returns canned results per host and records every call.
type fakeProvider struct {
	mu        sync.Mutex
	results   map[string]*provider.Result
	fallback  *provider.Result
	secrets   map[string]*provider.Result
	err       error
	delay     time.Duration
	config    string
	pins      map[string][]string
	fetches   []string
	secretReq []string
	dataHash  []string
	events    []string
	inits     [][2]string
	initErr   error
	deviceID  string
	signKey   []byte
	jwt       *provider.Result
	payloads  []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		results:  make(map[string]*provider.Result),
		fallback: &provider.Result{Status: provider.StatusUnknownURL},
		secrets:  make(map[string]*provider.Result),
	}
}

func (p *fakeProvider) setResult(host string, r *provider.Result) {
	p.mu.Lock()
	p.results[host] = r
	p.mu.Unlock()
}

func (p *fakeProvider) setSecret(key string, r *provider.Result) {
	p.mu.Lock()
	p.secrets[key] = r
	p.mu.Unlock()
}

func (p *fakeProvider) Initialize(ctx context.Context, initialConfig, dynamicConfig string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits = append(p.inits, [2]string{initialConfig, dynamicConfig})
	return p.initErr
}

func (p *fakeProvider) FetchToken(ctx context.Context, url string) (*provider.Result, error) {
	p.mu.Lock()
	p.fetches = append(p.fetches, url)
	p.events = append(p.events, "fetch:"+url)
	delay, err := p.delay, p.err
	r, ok := p.results[provider.Hostname(url)]
	if !ok {
		r = p.fallback
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := *r
	return &c, nil
}

func (p *fakeProvider) FetchSecureString(ctx context.Context, key string, newDef *string) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secretReq = append(p.secretReq, key)
	if p.err != nil {
		return nil, p.err
	}
	r, ok := p.secrets[key]
	if !ok {
		return &provider.Result{Status: provider.StatusUnknownKey}, nil
	}
	c := *r
	return &c, nil
}

func (p *fakeProvider) FetchConfig(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config, nil
}

func (p *fakeProvider) Pins() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins
}

func (p *fakeProvider) SetDataHashInToken(data string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataHash = append(p.dataHash, data)
	p.events = append(p.events, "hash:"+data)
	return nil
}

func (p *fakeProvider) DeviceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.deviceID, nil
}

func (p *fakeProvider) MessageSignature(ctx context.Context, message string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.signKey) == 0 {
		return "", provider.ErrNoSignature
	}
	return provider.SignMessage(p.signKey, message), nil
}

func (p *fakeProvider) FetchCustomJWT(ctx context.Context, payload string) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	if p.err != nil {
		return nil, p.err
	}
	if p.jwt == nil {
		return &provider.Result{Status: provider.StatusDisabled}, nil
	}
	c := *p.jwt
	return &c, nil
}

func (p *fakeProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fetches)
}

// asyncBindingSDK mimics a platform SDK that keeps a single data hash and
// reads it on a background goroutine after the fetch has started.
type asyncBindingSDK struct {
	mu   sync.Mutex
	hash string
}

func (s *asyncBindingSDK) SetDataHashInToken(data string) error {
	s.mu.Lock()
	s.hash = data
	s.mu.Unlock()
	return nil
}

func (s *asyncBindingSDK) FetchToken(ctx context.Context, url string) (*provider.Result, error) {
	return provider.Await(ctx, func(done func(*provider.Result)) {
		go func() {
			time.Sleep(time.Millisecond)
			s.mu.Lock()
			hash := s.hash
			s.mu.Unlock()
			done(&provider.Result{Status: provider.StatusSuccess, Token: "bound:" + hash})
		}()
	})
}

func (s *asyncBindingSDK) FetchConfig(ctx context.Context) (string, error) { return "", nil }
func (s *asyncBindingSDK) Pins() map[string][]string { return nil }

// tokenOnly hides the optional provider interfaces.
type tokenOnly struct {
	p *fakeProvider
}

func (t tokenOnly) FetchToken(ctx context.Context, url string) (*provider.Result, error) {
	return t.p.FetchToken(ctx, url)
}
func (t tokenOnly) FetchConfig(ctx context.Context) (string, error) { return t.p.FetchConfig(ctx) }
func (t tokenOnly) Pins() map[string][]string { return t.p.Pins() }
func (t tokenOnly) SetDataHashInToken(data string) error { return t.p.SetDataHashInToken(data) }

// recordingClient captures outgoing requests and returns a canned response.
type recordingClient struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	status   int
	header   http.Header
	body     string
	err      error
	resets   int
}

func newRecordingClient() *recordingClient {
	return &recordingClient{status: http.StatusOK, header: http.Header{}}
}

func (c *recordingClient) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	c.bodies = append(c.bodies, body)
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: c.status,
		Header:     c.header.Clone(),
		Body:       io.NopCloser(strings.NewReader(c.body)),
		Request:    req,
	}, nil
}

func (c *recordingClient) ResetPins() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func (c *recordingClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *recordingClient) last() *http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func (c *recordingClient) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}
