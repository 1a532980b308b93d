package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"classdesk/internal/api"
	"classdesk/internal/config"
	"classdesk/internal/db"
	"classdesk/internal/merge"
	"classdesk/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	database, err := db.ConnectFromEnv(ctx)
	if err != nil {
		log.Printf("database connection warning: %v", err)
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}()
	}

	docStore := store.NewStore()
	if err := docStore.LoadFrom(cfg.DataDir); err != nil {
		log.Printf("snapshot load warning: %v", err)
	}
	if database != nil {
		if found, err := docStore.LoadFromDatabase(database.SQL()); err != nil {
			log.Printf("database snapshot load warning: %v", err)
		} else if found {
			log.Printf("state restored from database snapshot")
		}
	}

	session := merge.NewSession()

	server := &api.Server{
		Database:  database,
		Store:     docStore,
		Session:   session,
		Operator:  cfg.Operator,
		DataDir:   cfg.DataDir,
		Retention: cfg.SnapshotRetention,
	}
	router := api.NewRouter(server)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	autosave := time.NewTicker(cfg.AutosaveInterval)
	defer autosave.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-autosave.C:
				if err := docStore.SaveToWithRetention(cfg.DataDir, cfg.SnapshotRetention); err != nil {
					log.Printf("autosave failed: %v", err)
				}
			}
		}
	}()

	<-ctx.Done()
	stop()

	if err := docStore.SaveToWithRetention(cfg.DataDir, cfg.SnapshotRetention); err != nil {
		log.Printf("final snapshot save failed: %v", err)
	}
	if database != nil {
		if err := docStore.SaveToDatabaseWithRetention(database.SQL(), cfg.SnapshotRetention); err != nil {
			log.Printf("final database snapshot save failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
