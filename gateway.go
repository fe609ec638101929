package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kacy/approov-gateway/config"
	"github.com/kacy/approov-gateway/pinning"
	"github.com/kacy/approov-gateway/provider"
	"github.com/kacy/approov-gateway/settings"
	"github.com/kacy/approov-gateway/wire"
)

const (
	// DefaultMaxResponseSize is the response body limit applied unless a
	// request sets AllowLargeResponse.
	DefaultMaxResponseSize = 4 << 20

	prefetchHost       = "approov.io"
	precheckKey        = "precheck-dummy-key"
	persistTimeout     = 10 * time.Second
	tracerName         = "github.com/kacy/approov-gateway"
	outcomeOK          = "ok"
	outcomePassthrough = "passthrough"
)

// HTTPClient performs the underlying network call.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// PinResetter is implemented by clients that cache pinning state.
type PinResetter interface {
	ResetPins()
}

// Config holds configuration for a Gateway.
type Config struct {
	// Provider issues attestation tokens (required).
	Provider provider.Provider

	// Store holds domain bindings and rules (default: empty store).
	Store *config.Store

	// Settings persists the provider's dynamic configuration
	// (default: in-memory store).
	Settings settings.Store

	// HTTPClient performs requests (default: a pinning.Client using the
	// provider's pins).
	HTTPClient HTTPClient

	// MaxResponseSize limits response bodies (default: DefaultMaxResponseSize).
	MaxResponseSize int64

	// Metrics records request and token fetch metrics (optional).
	Metrics *Metrics

	// Tracer creates spans (default: the global OpenTelemetry tracer).
	Tracer trace.Tracer

	Logger *slog.Logger
}

// State is the gateway's lifecycle state.
type State struct {
	Initialized   bool
	InitialConfig string
	Closed        bool
}

// Gateway performs HTTP requests with attestation tokens attached.
// It holds no per-request state and is safe for concurrent use.
type Gateway struct {
	provider provider.Provider
	store    *config.Store
	settings settings.Store
	client   HTTPClient
	maxBody  int64
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu    sync.RWMutex
	state State
	wg    sync.WaitGroup

	// bindMu is held from SetDataHashInToken until the matching fetch
	// returns; providers keep the data hash as shared state.
	bindMu sync.Mutex
}

// New creates a gateway. It must be initialized before requests are
// attested; until then requests are passed through unchanged.
func New(cfg Config) (*Gateway, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := cfg.Store
	if store == nil {
		store = config.NewStore()
	}

	st := cfg.Settings
	if st == nil {
		st = settings.NewMemoryStore()
	}

	client := cfg.HTTPClient
	if client == nil {
		pc, err := pinning.New(pinning.Config{Pins: cfg.Provider, Logger: logger})
		if err != nil {
			return nil, err
		}
		client = pc
	}

	maxBody := cfg.MaxResponseSize
	if maxBody == 0 {
		maxBody = DefaultMaxResponseSize
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Gateway{
		provider: cfg.Provider,
		store:    store,
		settings: st,
		client:   client,
		maxBody:  maxBody,
		metrics:  cfg.Metrics,
		tracer:   tracer,
		logger:   logger,
	}, nil
}

// Initialize starts attestation with initialConfig. Calling it again with
// the same configuration is a no-op; a different configuration fails with
// ErrReinitialize.
func (g *Gateway) Initialize(ctx context.Context, initialConfig string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.Closed {
		return ErrClosed
	}
	if g.state.Initialized {
		if g.state.InitialConfig == initialConfig {
			return nil
		}
		return ErrReinitialize
	}

	dynamic, err := settings.LoadDynamicConfig(ctx, g.settings)
	if err != nil {
		g.logger.Warn("failed to load dynamic config, using initial config", "error", err)
		dynamic = ""
	}

	if init, ok := g.provider.(provider.Initializer); ok {
		if err := init.Initialize(ctx, initialConfig, dynamic); err != nil {
			return fmt.Errorf("provider initialization failed: %w", err)
		}
	}

	if cfg, err := g.provider.FetchConfig(ctx); err != nil {
		g.logger.Warn("failed to fetch dynamic config", "error", err)
	} else if err := settings.SaveDynamicConfig(ctx, g.settings, cfg); err != nil {
		g.logger.Warn("failed to save dynamic config", "error", err)
	}

	g.resetPins()

	g.state.Initialized = true
	g.state.InitialConfig = initialConfig
	g.logger.Info("gateway initialized", "dynamic_config", dynamic != "")
	return nil
}

// State returns a snapshot of the lifecycle state.
func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Store returns the configuration store.
func (g *Gateway) Store() *config.Store {
	return g.store
}

// Close waits for background configuration saves to finish. Later
// requests fail with ErrClosed.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.state.Closed {
		g.mu.Unlock()
		return nil
	}
	g.state.Closed = true
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}

// PerformRequest executes req, attaching a token when the URL requires one.
// On failure the error is an *Error whose Kind says how to react.
func (g *Gateway) PerformRequest(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := g.logger.With("request_id", requestID)

	ctx, span := g.tracer.Start(ctx, "gateway.PerformRequest", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, outcome, err := g.performRequest(ctx, req, logger)

	span.SetAttributes(
		attribute.String("gateway.request_id", requestID),
		attribute.String("gateway.outcome", outcome),
	)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Debug("request failed", "outcome", outcome, "error", err)
	}
	g.metrics.observeRequest(outcome, time.Since(start))
	return resp, err
}

func (g *Gateway) performRequest(ctx context.Context, req *Request, logger *slog.Logger) (*Response, string, error) {
	fail := func(err *Error) (*Response, string, error) {
		return nil, err.Kind.String(), err
	}

	if req == nil {
		return fail(&Error{Kind: KindStructural, Message: "nil request", Err: ErrInvalidRequest})
	}

	state := g.State()
	if state.Closed {
		return fail(&Error{Kind: KindStructural, Message: "gateway closed", Err: ErrClosed})
	}

	r := req.Clone()
	if err := r.normalize(); err != nil {
		return fail(&Error{Kind: KindStructural, Message: "invalid request", Err: err})
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if !state.Initialized || g.store.IsExcluded(r.URL) {
		logger.Debug("request forwarded without attestation", "url", r.URL, "initialized", state.Initialized)
		return outcomeOf(g.do(ctx, r), outcomePassthrough)
	}

	host := ExtractHostname(r.URL)
	if host == "" {
		logger.Debug("no hostname in url, proceeding without token", "url", r.URL)
		return outcomeOf(g.do(ctx, r), outcomePassthrough)
	}
	if isLocalhost(host) {
		logger.Debug("localhost forwarded", "url", r.URL)
		return outcomeOf(g.do(ctx, r), outcomePassthrough)
	}
	logger = logger.With("host", host)

	if err := g.attest(ctx, r, host, logger); err != nil {
		return fail(err)
	}
	return outcomeOf(g.do(ctx, r), outcomeOK)
}

type doResult struct {
	resp *Response
	err  error
}

func outcomeOf(res doResult, outcome string) (*Response, string, error) {
	if res.err != nil {
		return nil, KindOf(res.err).String(), res.err
	}
	return res.resp, outcome, nil
}

// attest binds, fetches and injects the token, then applies secret
// substitutions. r is modified in place; on error it must not be sent.
func (g *Gateway) attest(ctx context.Context, r *Request, host string, logger *slog.Logger) *Error {
	binding := g.store.DomainHeader(host)

	var (
		result *provider.Result
		ferr   *Error
	)
	if binding.BindingHeader != "" {
		value, ok := bindingValue(r.Headers, binding.BindingHeader)
		if !ok {
			return &Error{
				Kind:    KindStructural,
				Message: fmt.Sprintf("binding header %q missing for %s", binding.BindingHeader, host),
				Err:     ErrMissingBindingHeader,
			}
		}
		result, ferr = g.fetchBound(ctx, r.URL, host, value)
	} else {
		result, ferr = g.fetchFor(ctx, r.URL, host)
	}
	if ferr != nil {
		return ferr
	}
	logger.Debug("token fetched", "status", result.Status.String(), "token", result.LoggableToken)

	g.applySideEffects(result, logger)

	switch result.Kind() {
	case provider.KindSuccess:
		if result.Token != "" {
			r.Headers.Set(binding.TokenHeader, binding.TokenPrefix+result.Token)
		}
	case provider.KindNoAttestation:
	case provider.KindRetryable:
		if !g.store.ProceedOnNetworkFail() {
			return statusError("token fetch for "+host, result, ErrTokenFetch)
		}
		logger.Warn("proceeding without token after network failure", "status", result.Status.String())
	default:
		return statusError("token fetch for "+host, result, ErrTokenFetch)
	}

	// Secrets are only substituted for domains the provider knows.
	if result.Status == provider.StatusSuccess || result.Status == provider.StatusUnprotectedURL {
		if err := g.substitute(ctx, r, logger); err != nil {
			return err
		}
	}
	return nil
}

// fetchBound registers value as the token's data hash and fetches the
// token without letting another bound request change the hash in between.
func (g *Gateway) fetchBound(ctx context.Context, url, host, value string) (*provider.Result, *Error) {
	g.bindMu.Lock()
	defer g.bindMu.Unlock()

	if err := g.provider.SetDataHashInToken(value); err != nil {
		return nil, &Error{
			Kind:    KindAttestationRetryable,
			Message: "token binding for " + host,
			Err:     fmt.Errorf("%w: %v", ErrTokenFetch, err),
		}
	}
	return g.fetchFor(ctx, url, host)
}

func (g *Gateway) fetchFor(ctx context.Context, url, host string) (*provider.Result, *Error) {
	result, err := g.fetch(ctx, url)
	if err != nil {
		return nil, fetchError("token fetch for "+host, err)
	}
	return result, nil
}

func bindingValue(h Headers, name string) (string, bool) {
	_, v, ok := h.lookup(name)
	return v, ok
}

// fetch calls the provider and records the outcome.
func (g *Gateway) fetch(ctx context.Context, url string) (*provider.Result, error) {
	result, err := g.provider.FetchToken(ctx, url)
	switch {
	case err != nil:
		g.metrics.observeTokenFetch("error")
		return nil, err
	case result == nil:
		result = &provider.Result{Status: provider.StatusInternalError}
	}
	g.metrics.observeTokenFetch(result.Status.String())
	return result, nil
}

// applySideEffects persists changed configuration in the background and
// drops cached pinning state when asked to.
func (g *Gateway) applySideEffects(result *provider.Result, logger *slog.Logger) {
	if result.ConfigChanged {
		logger.Info("dynamic configuration update received")
		g.persistConfig()
	}
	if result.ForceApplyPins {
		logger.Info("forced pin update received")
		g.resetPins()
	}
}

func (g *Gateway) persistConfig() {
	g.mu.RLock()
	closed := g.state.Closed
	if !closed {
		g.wg.Add(1)
	}
	g.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		cfg, err := g.provider.FetchConfig(ctx)
		if err == nil {
			err = settings.SaveDynamicConfig(ctx, g.settings, cfg)
		}
		g.metrics.observeConfigPersist(err)
		if err != nil {
			g.logger.Warn("failed to persist dynamic config", "error", err)
		}
	}()
}

func (g *Gateway) resetPins() {
	if r, ok := g.client.(PinResetter); ok {
		r.ResetPins()
		g.metrics.observePinReset()
	}
}

// fetchError translates a provider error. Provider errors are transient
// from the caller's point of view, timeouts included.
func fetchError(msg string, err error) *Error {
	return &Error{
		Kind:    KindAttestationRetryable,
		Message: msg,
		Reason:  reasonOf(err),
		Err:     fmt.Errorf("%w: %w", ErrTokenFetch, err),
	}
}

func reasonOf(err error) string {
	if errors.Is(err, provider.ErrFetchTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// statusError builds the error for a non-success provider status.
func statusError(msg string, result *provider.Result, sentinel error) *Error {
	kind := KindAttestationPermanent
	if result.Kind() == provider.KindRetryable {
		kind = KindAttestationRetryable
	}

	reason := result.RejectionReasons
	if reason == "" {
		reason = result.Status.String()
	}

	message := msg + ": " + result.Status.String()
	if result.ARC != "" {
		message += ": " + result.ARC
	}

	return &Error{
		Kind:             kind,
		Message:          message,
		Reason:           reason,
		ARC:              result.ARC,
		RejectionReasons: result.RejectionReasons,
		Err:              sentinel,
	}
}

// do performs the network call and normalizes the outcome.
func (g *Gateway) do(ctx context.Context, r *Request) doResult {
	httpReq, err := g.build(ctx, r)
	if err != nil {
		return doResult{err: &Error{Kind: KindStructural, Message: "invalid request", Err: err}}
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if pinning.IsRejected(err) {
			g.logger.Warn("pinning failed, cancelling request", "url", r.URL)
			return doResult{err: &Error{
				Kind:    KindPinning,
				Message: "request to " + r.URL,
				Reason:  PinningFailedReason,
				Err:     err,
			}}
		}
		return doResult{err: &Error{
			Kind:    KindTransport,
			Message: "request to " + r.URL,
			Reason:  reasonOf(err),
			Err:     err,
		}}
	}
	defer httpResp.Body.Close()

	headers := FromHTTP(httpResp.Header)

	body, err := g.readBody(httpResp.Body, r.AllowLargeResponse)
	if err != nil {
		return doResult{err: &Error{
			Kind:       KindTransport,
			Message:    "reading response from " + r.URL,
			StatusCode: httpResp.StatusCode,
			Reason:     err.Error(),
			Headers:    headers,
			Err:        err,
		}}
	}

	finalURL := r.URL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return doResult{err: &Error{
			Kind:       KindTransport,
			Message:    fmt.Sprintf("request to %s failed with status %d", r.URL, httpResp.StatusCode),
			StatusCode: httpResp.StatusCode,
			Reason:     http.StatusText(httpResp.StatusCode),
			Body:       body,
			Headers:    headers,
		}}
	}

	return doResult{resp: &Response{
		StatusCode: httpResp.StatusCode,
		Content:    wire.DecodeContent(headers.Get("Content-Type"), body),
		Body:       body,
		Headers:    headers,
		URL:        finalURL,
	}}
}

func (g *Gateway) readBody(body io.Reader, unlimited bool) ([]byte, error) {
	if unlimited {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, g.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > g.maxBody {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, g.maxBody)
	}
	return data, nil
}

func (g *Gateway) build(ctx context.Context, r *Request) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		payload, err := wire.Encode(r.Body, r.Headers.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			r.Headers.Set(headerKey(r.Headers, "Content-Type"), payload.ContentType)
			body = bytes.NewReader(payload.Body)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for name, value := range r.Headers {
		if name == "Host" || name == "host" {
			httpReq.Host = value
			continue
		}
		// Assigned directly so the caller's casing reaches the wire.
		httpReq.Header[name] = []string{value}
	}
	return httpReq, nil
}

// headerKey returns the stored spelling of name, or name itself.
func headerKey(h Headers, name string) string {
	if k, _, ok := h.lookup(name); ok {
		return k
	}
	return name
}

// FetchToken fetches a token for url without performing a request.
func (g *Gateway) FetchToken(ctx context.Context, url string) (string, error) {
	if !g.State().Initialized {
		return "", &Error{Kind: KindAttestationPermanent, Message: "token fetch", Err: ErrNotInitialized}
	}

	result, err := g.fetch(ctx, url)
	if err != nil {
		return "", fetchError("token fetch for "+url, err)
	}
	g.applySideEffects(result, g.logger)

	if result.Status != provider.StatusSuccess {
		return "", statusError("token fetch for "+url, result, ErrTokenFetch)
	}
	return result.Token, nil
}

// FetchSecureString looks up, defines or (with an empty newDef) removes a
// secure string. A missing key yields an empty string and no error.
func (g *Gateway) FetchSecureString(ctx context.Context, key string, newDef *string) (string, error) {
	fetcher, ok := g.provider.(provider.SecretFetcher)
	if !ok {
		return "", &Error{Kind: KindAttestationPermanent, Message: "secure string", Err: ErrUnsupported}
	}
	if !g.State().Initialized {
		return "", &Error{Kind: KindAttestationPermanent, Message: "secure string", Err: ErrNotInitialized}
	}

	result, err := fetcher.FetchSecureString(ctx, key, newDef)
	if err != nil {
		return "", fetchError("secure string for "+key, err)
	}
	g.applySideEffects(result, g.logger)

	switch result.Status {
	case provider.StatusSuccess:
		return result.SecureString, nil
	case provider.StatusUnknownKey:
		return "", nil
	default:
		return "", statusError("secure string for "+key, result, ErrSubstitution)
	}
}

// Prefetch fetches a token in the background so later requests find the
// provider warmed up. Cancelling ctx abandons it; Close waits for it.
func (g *Gateway) Prefetch(ctx context.Context) {
	g.mu.RLock()
	ok := g.state.Initialized && !g.state.Closed
	if ok {
		g.wg.Add(1)
	}
	g.mu.RUnlock()
	if !ok {
		return
	}

	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()

		result, err := g.fetch(ctx, "https://"+prefetchHost)
		switch {
		case err != nil:
			g.logger.Debug("prefetch failed", "error", err)
		case result.Status == provider.StatusSuccess || result.Status == provider.StatusUnknownURL:
			g.logger.Debug("prefetch: success")
		default:
			g.logger.Debug("prefetch", "status", result.Status.String())
		}
		if err == nil {
			g.applySideEffects(result, g.logger)
		}
	}()
}

// Precheck reports whether the app would currently pass attestation. It
// looks up a key that does not exist: UNKNOWN_KEY means attestation passed.
func (g *Gateway) Precheck(ctx context.Context) error {
	fetcher, ok := g.provider.(provider.SecretFetcher)
	if !ok {
		return &Error{Kind: KindAttestationPermanent, Message: "precheck", Err: ErrUnsupported}
	}
	if !g.State().Initialized {
		return &Error{Kind: KindAttestationPermanent, Message: "precheck", Err: ErrNotInitialized}
	}

	result, err := fetcher.FetchSecureString(ctx, precheckKey, nil)
	if err != nil {
		return fetchError("precheck", err)
	}
	g.applySideEffects(result, g.logger)

	switch result.Status {
	case provider.StatusSuccess, provider.StatusUnknownKey:
		return nil
	default:
		return statusError("precheck", result, ErrTokenFetch)
	}
}
