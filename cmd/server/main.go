package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/dimkeeper/internal/config"
	"github.com/rpattn/dimkeeper/internal/db"
	"github.com/rpattn/dimkeeper/internal/dimensions"
	"github.com/rpattn/dimkeeper/internal/export"
	"github.com/rpattn/dimkeeper/internal/history"
	"github.com/rpattn/dimkeeper/internal/loader"
	"github.com/rpattn/dimkeeper/internal/middleware"
	"github.com/rpattn/dimkeeper/internal/orgs"
	"github.com/rpattn/dimkeeper/internal/repository"

	"github.com/rs/cors"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg, serverCfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := db.RunMigrations(dbCfg, "./migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	conn, err := db.NewConnection(ctx, dbCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Repositories
	orgRepo := repository.NewOrganizationRepository(conn.Pool)
	dimensionRepo := repository.NewDimensionRepository(conn.Pool)
	recordRepo := repository.NewDimensionRecordRepository(conn.Pool)
	logRepo := repository.NewLoadLogRepository(conn.Pool)

	// Services
	loaderService := loader.NewService(orgRepo, dimensionRepo, recordRepo, logRepo)
	historyService := history.NewService(dimensionRepo, recordRepo)
	exportService := export.NewService(dimensionRepo, recordRepo)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   serverCfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	mux := http.NewServeMux()
	mount := func(pattern string, handler http.Handler) {
		wrapped := middleware.LoggingMiddleware(middleware.OrganizationScopeMiddleware(handler))
		mux.Handle(pattern, corsHandler.Handler(wrapped))
	}

	mount("/api/organizations", orgs.NewHTTPHandler(orgRepo))
	mount("/api/organizations/", orgs.NewHTTPHandler(orgRepo))
	mount("/api/dimensions", dimensions.NewHTTPHandler(dimensionRepo, recordRepo))
	mount("/api/dimensions/", dimensions.NewHTTPHandler(dimensionRepo, recordRepo))
	mount("/api/load", loader.NewHTTPHandler(loaderService))
	mount("/api/load/", loader.NewHTTPHandler(loaderService))
	mount("/api/history", history.NewHTTPHandler(historyService))
	mount("/api/history/", history.NewHTTPHandler(historyService))
	mount("/api/export", export.NewHTTPHandler(exportService))

	server := &http.Server{
		Addr:         serverCfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", serverCfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
