package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/application/inference"
	"github.com/tkuiper/audiofleet/internal/config"
	"github.com/tkuiper/audiofleet/internal/domain/bus"
	"github.com/tkuiper/audiofleet/internal/infra/bus/mqtt"
	"github.com/tkuiper/audiofleet/internal/infra/db"
	"github.com/tkuiper/audiofleet/internal/infra/executor/gmm"
	minioStore "github.com/tkuiper/audiofleet/internal/infra/storage"
	"github.com/tkuiper/audiofleet/internal/middleware"
)

// The inference binary consumes the inference topic: each message carries
// one audio record ID. Deliveries stay unacked when the epoch model is not
// trained yet, so the broker keeps redelivering them until it is.
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

	runner := gmm.NewRunner(cfg.Training.FitCommand, cfg.Analysis.ScoreCommand, cfg.FitTimeout())

	svc := inference.NewService(
		repos.Audio, repos.Models, repos.Recorders, store, runner,
		application.SystemClock{},
		inference.Config{
			AnalysisID:      cfg.Analysis.ID,
			FeatureAnalysis: cfg.Analysis.FeatureAnalysis,
			FeatureFilename: cfg.Analysis.FeatureFilename,
			ValidityDays:    cfg.Analysis.ValidityDays,
			WorkDir:         cfg.Analysis.WorkDir,
		})

	client := mqtt.NewClient(mqtt.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("mqtt connect error: %v", err)
	}
	defer client.Disconnect()

	handler := func(ctx context.Context, msg bus.Message) {
		audioID := strings.TrimSpace(string(msg.Payload()))
		if audioID == "" {
			msg.Ack()
			return
		}

		outcome, err := svc.HandleAudio(ctx, audioID)
		if err != nil {
			log.Printf("audio %s not finished: %v", audioID, err)
		}
		switch outcome {
		case inference.OutcomeProcessed:
			middleware.IncrementAudioProcessed()
			msg.Ack()
		case inference.OutcomeSkipped:
			middleware.IncrementAudioSkipped()
			msg.Ack()
		case inference.OutcomeDeferred:
			// unacked: the broker redelivers once the model exists
			middleware.IncrementAudioDeferred()
		}
	}

	if err := client.Subscribe(ctx, cfg.MQTT.InferenceTopic, handler); err != nil {
		log.Fatalf("subscribe error: %v", err)
	}
	log.Printf("inference worker consuming %s", cfg.MQTT.InferenceTopic)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down inference worker...")
	cancel()
}
