package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/api"
	"github.com/zoravur/syncbroker/internal/auth"
	"github.com/zoravur/syncbroker/internal/broker"
	"github.com/zoravur/syncbroker/internal/config"
	"github.com/zoravur/syncbroker/internal/metrics"
	"github.com/zoravur/syncbroker/internal/reactive"
	"github.com/zoravur/syncbroker/internal/storage"
	"github.com/zoravur/syncbroker/internal/wal"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	httpServer *http.Server
	db         *storage.DB
	broker     *broker.Broker
	users      *storage.UserStore
	tokens     auth.TokenCodec
	wal        *wal.Consumer
}

// NewServer opens the database, builds the configured channels and wires
// the broker behind the HTTP routes. The caller owns the returned server
// and must Close it if Run is never called.
func NewServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.L()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, log: log, db: db}
	if err := s.build(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg
	if cfg.Database.Migrate {
		if err := storage.Migrate(ctx, s.db); err != nil {
			return err
		}
	}

	channels, err := storage.BuildChannels(ctx, s.db, cfg.Channels, s.log)
	if err != nil {
		return err
	}

	policy, err := reactive.ParsePolicy(cfg.Sync.Policy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	col := metrics.NewCollector()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		col,
	)

	s.users = storage.NewUserStore(s.db, s.log)
	opts := broker.Options{
		Logger:     s.log,
		Policy:     policy,
		Exhaustive: cfg.Sync.Exhaustive,
		Debug:      cfg.Debug,
		Observer:   col,
	}
	if !cfg.Auth.Disabled {
		codec, err := auth.NewJWTCodec([]byte(cfg.Auth.Secret),
			auth.WithIssuer(cfg.Auth.Issuer),
			auth.WithTTL(cfg.Auth.TokenTTL))
		if err != nil {
			return err
		}
		s.tokens = codec
		opts.Tokens = codec
		opts.Exempt = cfg.Auth.Exempt
		switch cfg.Auth.Provider {
		case "static":
			opts.Provider = auth.StaticProvider{User: auth.User{ID: "1", Name: "auto"}}
		default:
			opts.Provider = s.users
		}
	} else {
		s.log.Warn("auth disabled, every message is accepted")
	}

	b, err := broker.New(opts)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if err := b.AddChannel(ch); err != nil {
			return err
		}
	}
	b.Use404()
	s.broker = b

	routes := api.SetupRoutes(api.Options{
		Broker:         b,
		Logger:         s.log,
		Metrics:        metrics.Handler(reg),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.WAL.Addr != "" {
		s.wal = wal.NewConsumer(b.Engine(), s.log)
	}
	return nil
}

func (s *Server) Broker() *broker.Broker    { return s.broker }
func (s *Server) Users() *storage.UserStore { return s.users }
func (s *Server) DB() *storage.DB           { return s.db }
func (s *Server) Handler() http.Handler     { return s.httpServer.Handler }

// Tokens is nil when auth is disabled.
func (s *Server) Tokens() auth.TokenCodec { return s.tokens }

// Run serves until ctx is cancelled or the process gets SIGINT/SIGTERM,
// then shuts down gracefully and closes the database.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer s.Close()

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	if s.wal != nil {
		go func() {
			if err := s.wal.Listen(ctx, s.cfg.WAL.Addr); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("wal feed stopped", zap.Error(err))
			}
		}()
	}

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(sctx)
}

func (s *Server) Close() error {
	return s.db.Close()
}
