package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kacy/approov-gateway/proxy"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway as a local forward proxy",
		Long: `Serves the gateway over HTTP. Requests name their upstream with the
X-Target-URL header or an absolute request URI. The bindings file is
reloaded when it changes. Metrics are exposed on /metrics.`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}

	cmd.Flags().String("listen", "127.0.0.1:8787", "Address to listen on")
	cmd.Flags().Bool("prefetch", true, "Fetch a token at startup")
	a.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	a.v.BindPFlag("prefetch", cmd.Flags().Lookup("prefetch"))
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, cleanup, err := a.newService(ctx, reg, true)
	if err != nil {
		return err
	}
	defer cleanup()

	if a.v.GetBool("prefetch") {
		svc.Gateway().Prefetch(ctx)
	}

	handler := proxy.NewHandler(proxy.Config{
		Gateway: svc,
		Timeout: a.timeout(),
		Logger:  a.logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/", otelhttp.NewHandler(handler, "approov.proxy"))

	// Absolute-form proxy requests bypass the mux, which would otherwise
	// match on the upstream's path.
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() {
			otelhttp.NewHandler(handler, "approov.proxy").ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	server := &http.Server{
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: a.timeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", a.v.GetString("listen"))
	if err != nil {
		return err
	}
	a.logger.Info("gateway listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
