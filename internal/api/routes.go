package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/broker"
)

type Options struct {
	Broker *broker.Broker
	Logger *zap.Logger

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// AllowedOrigins limits websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

func SetupRoutes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(opts.Logger))

	ws := NewWSHandler(opts.Broker, opts.Logger, opts.AllowedOrigins)
	r.Get("/ws", ws.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", handleChannels(opts.Broker))
		r.Get("/live", handleLive(opts.Broker.Registry()))
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	return r
}
