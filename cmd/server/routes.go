package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/metrics"
)

type proxyHandler interface {
	Native() http.Handler
	OpenAI() http.Handler
}

type monitorHandler interface {
	Live(http.ResponseWriter, *http.Request)
	Ready(http.ResponseWriter, *http.Request)
	ListSessions(http.ResponseWriter, *http.Request)
	GetSession(http.ResponseWriter, *http.Request)
	IssueToken(http.ResponseWriter, *http.Request)
}

type muxes struct {
	Data  *http.ServeMux
	Admin *http.ServeMux
}

var errNilConfig = errors.New("config is required")

// buildMuxes lays out the routes. With an admin port, metrics move to the admin mux;
// health checks are served on both so either listener can be checked.
func buildMuxes(cfg *config.Config, proxy proxyHandler, monitor monitorHandler) (muxes, error) {
	if cfg == nil {
		return muxes{}, errNilConfig
	}

	dataMux := http.NewServeMux()
	registerHealthRoutes(dataMux, monitor)
	registerDataRoutes(dataMux, proxy, monitor)

	if cfg.Server.AdminPort > 0 {
		adminMux := http.NewServeMux()
		registerHealthRoutes(adminMux, monitor)
		registerMetricsRoute(adminMux, cfg)
		return muxes{Data: dataMux, Admin: adminMux}, nil
	}

	registerMetricsRoute(dataMux, cfg)
	return muxes{Data: dataMux}, nil
}

func registerHealthRoutes(mux *http.ServeMux, monitor monitorHandler) {
	if monitor == nil {
		return
	}
	mux.HandleFunc("GET /health/live", monitor.Live)
	mux.HandleFunc("GET /health/ready", monitor.Ready)
}

func registerDataRoutes(mux *http.ServeMux, proxy proxyHandler, monitor monitorHandler) {
	if monitor != nil {
		mux.Handle("GET /v1/sessions", metrics.Middleware("sessions", http.HandlerFunc(monitor.ListSessions)))
		mux.Handle("GET /v1/sessions/{id}", metrics.Middleware("sessions", http.HandlerFunc(monitor.GetSession)))
		mux.Handle("POST /v1/auth/token", metrics.Middleware("auth_token", http.HandlerFunc(monitor.IssueToken)))
	}

	if proxy == nil {
		return
	}
	// OpenAI-compatible chat is the only translated route; every other path is
	// forwarded to native providers unchanged.
	mux.Handle("POST /v1/chat/completions", metrics.Middleware("openai", proxy.OpenAI()))
	mux.Handle("/", metrics.Middleware("native", proxy.Native()))
}

func registerMetricsRoute(mux *http.ServeMux, cfg *config.Config) {
	if !cfg.Metrics.Enabled {
		return
	}
	mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
}
