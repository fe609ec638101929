// Package proxy exposes a gateway as a local HTTP forward endpoint. Each
// incoming request is replayed through the gateway against the URL named
// by the X-Target-URL header (or the absolute request URI) and the result
// is written back to the client.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gateway "github.com/kacy/approov-gateway"
	"github.com/kacy/approov-gateway/wire"
)

// TargetHeader names the upstream URL for requests that are not in
// absolute form.
const TargetHeader = "X-Target-URL"

const maxRequestBody = 4 << 20

// hopHeaders are not forwarded upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	TargetHeader,
}

// Performer runs a request through the gateway. *gateway.Gateway and
// *gateway.Service implement it.
type Performer interface {
	PerformRequest(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

// Config holds configuration for a Handler.
type Config struct {
	// Gateway performs the requests (required).
	Gateway Performer

	// Timeout bounds each upstream attempt (default: gateway.DefaultTimeout).
	Timeout time.Duration

	Logger *slog.Logger
}

// Handler is an http.Handler forwarding requests through a gateway.
type Handler struct {
	gateway Performer
	timeout time.Duration
	logger  *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = gateway.DefaultTimeout
	}

	return &Handler{
		gateway: cfg.Gateway,
		timeout: timeout,
		logger:  logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := targetURL(r)
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing "+TargetHeader+" header", nil)
		return
	}

	req := &gateway.Request{
		URL:     target,
		Method:  r.Method,
		Headers: gateway.FromHTTP(r.Header),
		Timeout: h.timeout,
	}
	for _, name := range hopHeaders {
		req.Headers.Del(name)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}
	if len(body) > 0 {
		// Forwarded as sent; the client already chose the encoding.
		req.Body = wire.Raw(body)
		if !req.Headers.Has("Content-Type") {
			req.Headers.Set("Content-Type", "application/octet-stream")
		}
	}

	resp, err := h.gateway.PerformRequest(r.Context(), req)
	if err != nil {
		h.writeGatewayError(w, target, err)
		return
	}

	copyHeaders(w.Header(), resp.Headers)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func targetURL(r *http.Request) string {
	if v := r.Header.Get(TargetHeader); v != "" {
		return v
	}
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return ""
}

func (h *Handler) writeGatewayError(w http.ResponseWriter, target string, err error) {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		h.logger.Error("gateway request failed", "target", target, "error", err)
		writeError(w, http.StatusBadGateway, err.Error(), nil)
		return
	}

	status := StatusFor(gerr)
	h.logger.Warn("gateway request failed",
		"target", target,
		"kind", gerr.Kind.String(),
		"status", status,
		"error", err,
	)

	if gerr.Kind == gateway.KindTransport && gerr.StatusCode != 0 {
		copyHeaders(w.Header(), gerr.Headers)
		w.WriteHeader(gerr.StatusCode)
		w.Write(gerr.Body)
		return
	}
	writeError(w, status, gerr.Error(), gerr)
}

// StatusFor maps a gateway error to the status returned to the client.
func StatusFor(err *gateway.Error) int {
	switch err.Kind {
	case gateway.KindStructural:
		return http.StatusBadRequest
	case gateway.KindAttestationPermanent:
		return http.StatusForbidden
	case gateway.KindAttestationRetryable:
		return http.StatusServiceUnavailable
	case gateway.KindTransport:
		if err.StatusCode != 0 {
			return err.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

type errorBody struct {
	Error            string `json:"error"`
	Kind             string `json:"kind,omitempty"`
	Reason           string `json:"reason,omitempty"`
	ARC              string `json:"arc,omitempty"`
	RejectionReasons string `json:"rejection_reasons,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, gerr *gateway.Error) {
	body := errorBody{Error: msg}
	if gerr != nil {
		body.Kind = gerr.Kind.String()
		body.Reason = gerr.Reason
		body.ARC = gerr.ARC
		body.RejectionReasons = gerr.RejectionReasons
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func copyHeaders(dst http.Header, src gateway.Headers) {
	for k, v := range src {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		dst.Set(k, v)
	}
}
