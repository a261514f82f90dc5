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

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/application/dispatch"
	"github.com/tkuiper/audiofleet/internal/config"
	"github.com/tkuiper/audiofleet/internal/infra/bus/mqtt"
	"github.com/tkuiper/audiofleet/internal/infra/db"
	"github.com/tkuiper/audiofleet/internal/infra/httpserver"
	minioStore "github.com/tkuiper/audiofleet/internal/infra/storage"
	"github.com/tkuiper/audiofleet/internal/middleware"
)

// The api binary serves the ops HTTP surface and runs the dispatch sweep
// that turns pending model records into training jobs.
func main() {
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repos, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("database connect error: %v", err)
	}
	defer repos.Close()

	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		log.Fatalf("minio init error: %v", err)
	}

	bus := mqtt.NewClient(mqtt.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	if err := bus.Connect(ctx); err != nil {
		log.Fatalf("mqtt connect error: %v", err)
	}
	defer bus.Disconnect()

	dispatcher := dispatch.NewService(repos.Models, bus, application.SystemClock{}, dispatch.Config{
		TrainingTopic:     cfg.MQTT.TrainingTopic,
		PendingAge:        cfg.PendingAge(),
		ProcessingTimeout: cfg.ProcessingTimeout(),
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
	})
	go dispatcher.Run(ctx, cfg.DispatchInterval())

	checkers := map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: repos.DB},
		"storage":  middleware.CheckerFunc(store.Check),
		"bus": middleware.CheckerFunc(func(context.Context) error {
			if !bus.IsConnected() {
				return fmt.Errorf("mqtt disconnected")
			}
			return nil
		}),
	}

	var handler http.Handler = httpserver.NewRouter(
		repos.Audio, repos.Models, repos.Recorders, application.SystemClock{}, checkers)
	handler = middleware.MetricsMiddleware(handler)
	if len(cfg.Server.APIKeys) > 0 {
		handler = middleware.RateLimitMiddleware(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.PerSecond)(handler)
		handler = middleware.APIKeyAuth(cfg.Server.APIKeys)(handler)
	}
	handler = middleware.LoggingMiddleware(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")
	cancel()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
