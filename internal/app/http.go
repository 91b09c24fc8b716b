package app

import (
	"context"
	"net/http"

	"chatd/pkg/api"
	"chatd/pkg/auth"
	"chatd/pkg/banner"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
	"chatd/pkg/ws"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// setupHTTPHandlers sets up all HTTP handlers on the provided mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/ws", ws.NewHandler(a.hub, a.proc, a.eff.Config.Security.CORS.AllowedOrigins, a.eff.Config.Chat.RoomBuffer))
	mux.Handle("/", api.Handler(a.proc))
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", promhttp.Handler())
}

// readyzHandler handles the /readyz endpoint.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	// check store
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"status\":\"not ready\"}"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	// include the running version to help ops verify what binary is active
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	_, _ = w.Write([]byte("{\"status\":\"ok\",\"version\":\"" + ver + "\"}"))
}

// healthzHandler handles the /healthz endpoint.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	// create a new http mux
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	// wrap mux with auth middleware, then telemetry middleware
	secCfg := auth.NewSecConfig(a.eff.Config)
	wrapped := auth.AuthenticateRequestMiddleware(secCfg)(mux)
	wrapped = telemetry.Middleware(wrapped)

	// create http server
	a.srv = &http.Server{Addr: a.eff.Addr, Handler: wrapped}

	// start server in goroutine and return error channel
	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}
