package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jjudge-oj/authgate/config"
	"github.com/jjudge-oj/authgate/internal/auth"
	"github.com/jjudge-oj/authgate/internal/db"
	"github.com/jjudge-oj/authgate/internal/handlers"
	"github.com/jjudge-oj/authgate/internal/idp"
	"github.com/jjudge-oj/authgate/internal/mq"
	"github.com/jjudge-oj/authgate/internal/services"
	"github.com/jjudge-oj/authgate/internal/storage"
	"github.com/jjudge-oj/authgate/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	serviceName     = "authgate"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Deps are the collaborators the router needs.
type Deps struct {
	Accounts handlers.AccountService
	Verifier auth.TokenVerifier
	Health   handlers.Pinger
	Logger   *slog.Logger
}

// NewRouter builds the route table behind the auth middleware. Only the
// paths in auth.PublicRoutes are reachable without a bearer token.
func NewRouter(d Deps) *chi.Mux {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		handlers.RequestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		auth.Middleware(d.Verifier, auth.PublicRoutes, logger),
	)

	router.Get("/", handlers.Root)
	router.Get("/healthz", handlers.Health(d.Health, logger))
	handlers.AuthRouter(router, d.Accounts, logger)
	router.Route("/user", func(r chi.Router) {
		handlers.UserRouter(r, d.Accounts, logger)
	})
	return router
}

// Server owns the HTTP listener and every long-lived resource behind it.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	mirror   *store.Mirror
	broker   mq.Backend
	objects  storage.ObjectStorage
	consumer *mq.EmailVerifiedConsumer
	accounts *services.AccountService

	closeOnce sync.Once
}

// New loads the verification key, connects the mirror database and the
// optional broker and object store, and wires the router. A key that cannot
// be loaded is an error: no authenticated route could be served.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	key, err := auth.LoadPublicKey(cfg.Auth.PublicKeyFile)
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(key, auth.VerifierConfig{
		Audience:      cfg.Auth.Audience,
		Issuer:        cfg.Auth.Issuer,
		SubjectPrefix: cfg.Auth.SubjectPrefix,
	})
	if err != nil {
		return nil, err
	}

	provider, err := idp.NewClient(cfg.IDP, cfg.Auth.Audience, nil, logger)
	if err != nil {
		return nil, err
	}

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger: logger,
		mirror: store.NewMirror(pool, store.Options{
			StorePasswords: cfg.PasswordPolicy == config.PasswordPolicyHashed,
			Logger:         logger,
		}),
	}

	s.broker, err = mq.Open(ctx, cfg.MQ, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	s.objects, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, err
	}

	opts := services.AccountOptions{
		Events: mq.NewPublisher(s.broker, cfg.MQ.EventsChannel, logger),
		Tokens: verifier,
		Logger: logger,
	}
	if s.objects != nil {
		archiver, err := storage.NewArchiver(s.objects)
		if err != nil {
			s.close()
			return nil, err
		}
		opts.Archiver = archiver
	}
	s.accounts = services.NewAccountService(s.mirror, provider, opts)

	if cfg.MQ.Backend != config.BackendNone && cfg.MQ.Backend != "" {
		s.consumer = mq.NewEmailVerifiedConsumer(s.broker, cfg.MQ.EmailVerifiedChannel, cfg.Auth.SubjectPrefix, s.accounts, logger)
	}

	s.router = NewRouter(Deps{
		Accounts: s.accounts,
		Verifier: verifier,
		Health:   s.mirror,
		Logger:   logger,
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      otelhttp.NewHandler(s.router, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Router exposes the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Accounts exposes the account flows for operator commands.
func (s *Server) Accounts() *services.AccountService {
	return s.accounts
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests and
// releases every resource.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(consumerCtx); err != nil {
				s.logger.Error("email verification consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}

// Shutdown stops the listener immediately and releases resources.
func (s *Server) Shutdown() error {
	err := s.httpServer.Close()
	s.close()
	return err
}

// close releases the broker, the object store and finally the mirror, which
// waits for in-flight statements.
func (s *Server) close() {
	s.closeOnce.Do(func() {
		if s.broker != nil {
			if err := s.broker.Close(); err != nil {
				s.logger.Warn("closing broker", slog.String("error", err.Error()))
			}
		}
		if s.objects != nil {
			if err := s.objects.Close(); err != nil {
				s.logger.Warn("closing object storage", slog.String("error", err.Error()))
			}
		}
		if s.mirror != nil {
			if err := s.mirror.Close(); err != nil {
				s.logger.Warn("closing mirror", slog.String("error", err.Error()))
			}
		}
	})
}
