package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync-server/internal/config"
	"docsync-server/internal/handler"
	"docsync-server/internal/hub"
	"docsync-server/internal/middleware"
	"docsync-server/internal/repository"
	"docsync-server/internal/service"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.Fatalf("Failed to check database existence: %v", err)
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		log.Printf("Created database: %s", cfg.Database.Name)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			// The cache is an optimization; a dead Redis must not
			// keep the service down.
			log.Printf("Redis unreachable, continuing without snapshot cache: %v", err)
			rdb = nil
		}
	}

	snapshotRepo := repository.NewCouchSnapshotRepository(client, cfg.Database.Name)
	store := repository.NewCachedSnapshotRepository(snapshotRepo, rdb, cfg.Redis.TTL)

	authGateway := service.NewJWTAuthGateway(cfg.JWT.Secret)

	registry := hub.NewRegistry(authGateway, store, hub.Config{
		AuthTimeout:        cfg.Hub.AuthTimeout,
		LoadTimeout:        cfg.Hub.LoadTimeout,
		StoreTimeout:       cfg.Hub.StoreTimeout,
		StoreRetries:       cfg.Hub.StoreRetries,
		StoreBackoff:       cfg.Hub.StoreBackoff,
		CheckpointInterval: cfg.Hub.CheckpointInterval,
		TeardownGrace:      cfg.Hub.TeardownGrace,
		IdleTimeout:        cfg.Hub.IdleTimeout,
		OpTailLimit:        cfg.Hub.OpTailLimit,
	})

	wsHandler := handler.NewWebSocketHandler(registry, cfg.WebSocket)
	internalHandler := handler.NewInternalHandler(registry, store)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(cfg.CORS))

	r.HandleFunc("/ws/{document_id}", wsHandler.HandleConnection)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(middleware.InternalAuthMiddleware(cfg.Internal.SecretHash))
	internal.HandleFunc("/documents/{document_id}/state", internalHandler.GetDocumentState).Methods("GET", "OPTIONS")
	internal.HandleFunc("/documents/{document_id}/checkpoint", internalHandler.ForceCheckpoint).Methods("POST", "OPTIONS")

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting Docsync Server on %s (env: %s)", addr, cfg.Server.Env)
		log.Printf("Connected to CouchDB at %s:%s", cfg.Database.Host, cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Flush every open document before exit.
	registry.Shutdown(ctx)

	log.Println("Server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"docsync-server"}`))
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"Docsync Server API","version":"1.0.0","endpoints":{"/ws/{document_id}":"WebSocket","/internal/documents/{id}/state":"GET (internal)","/internal/documents/{id}/checkpoint":"POST (internal)"}}`))
}
