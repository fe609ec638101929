// Package gateway performs outgoing HTTP requests on behalf of a mobile app
// and attaches short-lived attestation tokens to them.
//
// For every request the gateway decides whether the URL is exempt from
// attestation, fetches a token for the request's domain from a
// provider.Provider, injects it into the header configured for that domain
// and optionally binds it to another header's value. It then performs the
// call and normalizes the outcome into a *Response or an *Error whose Kind
// tells the caller how to react.
//
// # Basic Usage
//
//	store := config.NewStore()
//	store.SetDomainHeader("api.example.com", config.Binding{
//	    TokenHeader:   "Approov-Token",
//	    BindingHeader: "Authorization",
//	})
//
//	gw, err := gateway.New(gateway.Config{
//	    Provider: provider.NewStatic(provider.StaticConfig{
//	        Tokens: map[string]string{"api.example.com": "tok123"},
//	    }),
//	    Store: store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := gw.Initialize(ctx, "initial-config"); err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := gw.PerformRequest(ctx, &gateway.Request{
//	    URL:     "https://api.example.com/v1/shapes",
//	    Headers: gateway.Headers{"Authorization": "Bearer abc"},
//	})
//
// Service bundles a gateway with persistent settings, a watched bindings
// file and metrics.
//
// # Subpackages
//
//   - config: domain bindings, exclusion rules and substitution rules
//   - provider: the attestation provider capability and token statuses
//   - android, ios: adapters for the platform SDK callback APIs
//   - remote: a provider backed by an attestation service over HTTP
//   - pinning: an HTTP client enforcing public key pins
//   - settings, redis: persistence for the provider's dynamic configuration
//   - wire: request body encoding and response decoding
//   - proxy: an http.Handler exposing the gateway as a forward endpoint
package gateway
