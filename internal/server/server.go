package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/carlot-app/apiserver/config"
	"github.com/carlot-app/apiserver/internal/db"
	"github.com/carlot-app/apiserver/internal/events"
	"github.com/carlot-app/apiserver/internal/handlers"
	"github.com/carlot-app/apiserver/internal/media"
	"github.com/carlot-app/apiserver/internal/mq"
	"github.com/carlot-app/apiserver/internal/services"
	"github.com/carlot-app/apiserver/internal/storage"
	"github.com/carlot-app/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// gcsPublicBaseURL is where GCS serves public bucket objects.
const gcsPublicBaseURL = "https://storage.googleapis.com"

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	broker     *mq.MQ
}

// New constructs a Server with all dependencies explicitly wired:
// db -> repositories -> media store -> broker -> services -> handlers.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	userRepo := store.NewUserRepository(dbConn)
	carRepo := store.NewCarRepository(dbConn)

	mediaStore, err := newMediaStore(ctx, cfg.Media)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	broker, err := mq.FromConfig(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	var publisher events.Publisher
	if broker != nil {
		publisher = events.NewMQPublisher(broker)
	}

	userService := services.NewUserService(userRepo)
	carService := services.NewCarService(carRepo, mediaStore, publisher, nil)

	jwtSecret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if jwtSecret == "" {
		_ = dbConn.Close()
		return nil, errors.New("JWT_SECRET is required")
	}

	authMiddleware := handlers.RequireAuth(jwtSecret)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/api/auth", func(r chi.Router) {
		handlers.AuthRouter(r, userService, jwtSecret)
	})
	router.Route("/api/cars", func(r chi.Router) {
		handlers.CarRouter(r, carService, authMiddleware)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		broker:     broker,
	}, nil
}

// newMediaStore builds the configured object-storage backend and wraps it
// as a media store.
func newMediaStore(ctx context.Context, cfg config.MediaConfig) (*media.ObjectStore, error) {
	var backend storage.ObjectStorage
	var baseURL string

	switch cfg.Backend {
	case "", "minio":
		client, err := storage.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		backend = client
		baseURL = cfg.Minio.PublicBaseURL
	case "gcs":
		client, err := storage.NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		backend = client
		baseURL = gcsPublicBaseURL
	default:
		return nil, fmt.Errorf("unsupported media backend %q", cfg.Backend)
	}

	st := storage.NewStorage(backend)
	if err := st.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	return media.NewObjectStore(st, baseURL, cfg.Folder)
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.broker != nil {
		_ = s.broker.Close()
	}
	return s.httpServer.Close()
}
