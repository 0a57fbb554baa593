package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcpbridge/internal/api"
	"github.com/gaspardpetit/mcpbridge/internal/config"
	"github.com/gaspardpetit/mcpbridge/internal/metrics"
)

// New constructs the HTTP handler for the bridge and the registry its
// metrics are collected in.
func New(cfg config.ServerConfig, sess api.Session) (http.Handler, *prometheus.Registry) {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)

	impl := &api.API{Session: sess, Options: api.Options{MaxBodyBytes: cfg.MaxBodyBytes, ExposeStack: cfg.ExposeStack}}
	r.Get("/health", impl.Health)
	r.Get("/tools", impl.ListTools)
	r.Post("/tools/call", impl.CallTool)
	r.Get("/openapi.json", api.OpenAPIHandler())
	r.Get("/docs", api.SwaggerHandler())

	if cfg.MetricsOnAPIPort() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r, preg
}
