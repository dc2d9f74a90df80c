package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/diewo77/payment-core/internal/config"
	"github.com/diewo77/payment-core/internal/db"
	"github.com/diewo77/payment-core/internal/janitor"
	"github.com/diewo77/payment-core/internal/plugin"
	"github.com/diewo77/payment-core/internal/server"
	"github.com/diewo77/payment-core/internal/services"
	"github.com/diewo77/payment-core/internal/statemachine"
)

var migrateOnlyFlag = flag.Bool("migrate-only", false, "Run DB migrations and exit")

func main() {
	flag.Parse()
	_ = godotenv.Load()
	if migrateOnlyFlag != nil && *migrateOnlyFlag {
		if _, err := db.ConnectAndMigrate(); err != nil {
			log.Fatalf("migrate-only failed: %v", err)
		}
		log.Println("migrations completed; exiting as requested")
		return
	}
	cfg := config.Load()
	dbConn, err := db.ConnectAndMigrate()
	if err != nil {
		log.Fatalf("DB connection failed: %v", err)
	}
	log.Printf("Starting server env=%s port=%s state_machine=%s", cfg.Env, cfg.Port, cfg.StateMachine)

	registry := plugin.NewRegistry()
	registry.RegisterGateway(plugin.NewNoOpGateway(cfg.DefaultPlugin))

	svc := services.NewPaymentService(dbConn, registry, statemachine.ForName(cfg.StateMachine), cfg.PluginTimeout)
	svc.DefaultPluginName = cfg.DefaultPlugin

	j := janitor.New(dbConn, registry, cfg.JanitorInterval, cfg.JanitorGrace)
	j.DefaultPluginName = cfg.DefaultPlugin
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	if cfg.JanitorEnabled {
		go j.Run(janitorCtx)
	} else {
		log.Println("janitor loop disabled; /admin/janitor/run remains available")
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: server.New(dbConn, svc, j)}

	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")
	stopJanitor()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server gracefully stopped")
}
