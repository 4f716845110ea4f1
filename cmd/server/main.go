package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/mado-gateway/internal/aedir"
	"github.com/otcheredev/mado-gateway/internal/cache"
	"github.com/otcheredev/mado-gateway/internal/config"
	"github.com/otcheredev/mado-gateway/internal/database"
	"github.com/otcheredev/mado-gateway/internal/fhir"
	"github.com/otcheredev/mado-gateway/internal/handlers"
	"github.com/otcheredev/mado-gateway/internal/manifest"
	"github.com/otcheredev/mado-gateway/internal/metadata"
	"github.com/otcheredev/mado-gateway/internal/metrics"
	"github.com/otcheredev/mado-gateway/internal/middleware"
	"github.com/otcheredev/mado-gateway/internal/repository"
	"github.com/otcheredev/mado-gateway/internal/scp"
	"github.com/otcheredev/mado-gateway/internal/wado"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
	"github.com/otcheredev/mado-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting MADO gateway")

	// Optional destination persistence.
	var destRepo *repository.DestinationRepository
	if cfg.Database.Enabled {
		if err := database.Connect(cfg.Database); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		destRepo = repository.NewDestinationRepository()
		log.Info().Msg("Database connected")
	}

	// Raw manifest byte cache.
	var manifestCache cache.Cache
	if cfg.ManifestCache.Enabled {
		if cfg.ManifestCache.Type == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			manifestCache, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Info().Msg("Redis manifest cache initialized")
		} else {
			manifestCache = cache.NewMemoryCache()
			log.Info().Msg("Memory manifest cache initialized")
		}
		defer manifestCache.Close()
	}

	instanceCache := cache.NewInstanceCache(
		int64(cfg.InstanceCache.MaxSizeMB)<<20,
		cfg.InstanceCache.TTL,
		cfg.InstanceCache.Enabled,
	)
	if cfg.Metrics.Enabled {
		metrics.RegisterInstanceCache(instanceCache)
	}

	// Upstream clients and the metadata service.
	fhirClient := fhir.NewClient(cfg.Upstream)
	wadoClient := wado.NewClient(cfg.Upstream)
	parser := manifest.NewParser(cfg.Upstream.WADOBaseURL)
	metadataSvc := metadata.NewService(fhirClient, parser, manifestCache,
		cfg.ManifestCache.TTL, cfg.MetadataCache.TTL)

	// AE destination directory: environment seed, optional fallback, then
	// persisted rows on top.
	directory := aedir.New()
	if err := directory.Seed(cfg.AE.Destinations); err != nil {
		log.Fatal().Err(err).Msg("Invalid AE_DESTINATIONS")
	}
	if cfg.AE.FallbackEnabled {
		directory.SetFallback(cfg.AE.FallbackHost, cfg.AE.FallbackPort)
	}
	if destRepo != nil {
		rows, err := destRepo.List(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load destinations")
		}
		for _, row := range rows {
			directory.Upsert(aedir.Destination{
				AETitle:     row.AETitle,
				Host:        row.Host,
				Port:        row.Port,
				Description: row.Description,
			})
		}
		log.Info().Int("count", len(rows)).Msg("Destinations loaded from database")
	}

	// The DIMSE service.
	assocCache := dimse.NewAssociationCache(cfg.DIMSE.IdleTimeout)
	defer assocCache.Close()

	mover := scp.NewMover(metadataSvc, wadoClient, directory, instanceCache,
		assocCache, cfg.Move, cfg.DIMSE)
	engine := scp.NewEngine(cfg.DIMSE, metadataSvc, mover)
	if cfg.DIMSE.AutoStart {
		if err := engine.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start SCP engine")
		}
	}
	defer engine.Stop()

	healthHandler := handlers.NewHealthHandler(engine)
	managementHandler := handlers.NewManagementHandler(engine, directory,
		metadataSvc, instanceCache, cfg.Upstream, destRepo)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", managementHandler.Status)

		r.Post("/scp/start", managementHandler.StartSCP)
		r.Post("/scp/stop", managementHandler.StopSCP)

		r.Get("/cache/stats", managementHandler.CacheStats)
		r.Post("/cache/clear", managementHandler.ClearCaches)
		r.Delete("/cache/studies/{studyUID}", managementHandler.InvalidateStudy)

		r.Get("/destinations", managementHandler.ListDestinations)
		r.Post("/destinations", managementHandler.CreateDestination)
		r.Delete("/destinations/{aeTitle}", managementHandler.DeleteDestination)
		r.Post("/destinations/test", managementHandler.TestConnection)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Management server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
