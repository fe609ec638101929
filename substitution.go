package gateway

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/kacy/approov-gateway/provider"
)

// substitute replaces registered header values and query parameters with
// the secure strings they name. Values the provider does not know are
// left as they are.
func (g *Gateway) substitute(ctx context.Context, r *Request, logger *slog.Logger) *Error {
	headers := g.store.SubstitutionHeaders()
	params := g.store.SubstitutionQueryParams()
	if len(headers) == 0 && len(params) == 0 {
		return nil
	}

	fetcher, ok := g.provider.(provider.SecretFetcher)
	if !ok {
		logger.Debug("provider has no secure strings, skipping substitution")
		return nil
	}

	for name, prefix := range headers {
		key, value, ok := r.Headers.lookup(name)
		if !ok || !strings.HasPrefix(value, prefix) || len(value) <= len(prefix) {
			continue
		}

		secret, found, err := g.secureString(ctx, fetcher, value[len(prefix):], logger)
		if err != nil {
			return err
		}
		if found {
			logger.Debug("substituting header", "header", key)
			r.Headers[key] = prefix + secret
		}
	}

	if len(params) == 0 || !strings.HasPrefix(strings.ToLower(r.URL), "https://") {
		return nil
	}
	for name, re := range params {
		m := re.FindStringSubmatchIndex(r.URL)
		if m == nil || m[2] < 0 {
			continue
		}

		secret, found, err := g.secureString(ctx, fetcher, r.URL[m[2]:m[3]], logger)
		if err != nil {
			return err
		}
		if found {
			logger.Debug("substituting query parameter", "key", name)
			r.URL = r.URL[:m[2]] + url.QueryEscape(secret) + r.URL[m[3]:]
		}
	}
	return nil
}

// secureString resolves key. found is false when the provider does not
// know the key, or when a network failure is tolerated by configuration.
func (g *Gateway) secureString(ctx context.Context, fetcher provider.SecretFetcher, key string, logger *slog.Logger) (string, bool, *Error) {
	result, err := fetcher.FetchSecureString(ctx, key, nil)
	if err != nil {
		return "", false, fetchError("secure string fetch", err)
	}
	g.applySideEffects(result, logger)

	switch {
	case result.Status == provider.StatusSuccess:
		return result.SecureString, true, nil
	case result.Status == provider.StatusUnknownKey:
		return "", false, nil
	case result.Status == provider.StatusRejected:
		return "", false, statusError("secure string fetch", result, ErrSubstitution)
	case result.Kind() == provider.KindRetryable:
		if g.store.ProceedOnNetworkFail() {
			logger.Warn("proceeding without substitution after network failure", "status", result.Status.String())
			return "", false, nil
		}
		return "", false, statusError("secure string fetch", result, ErrSubstitution)
	default:
		return "", false, statusError("secure string fetch", result, ErrSubstitution)
	}
}
