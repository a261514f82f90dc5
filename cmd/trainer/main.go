package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/application/training"
	"github.com/tkuiper/audiofleet/internal/config"
	"github.com/tkuiper/audiofleet/internal/domain/bus"
	"github.com/tkuiper/audiofleet/internal/infra/bus/mqtt"
	"github.com/tkuiper/audiofleet/internal/infra/db"
	"github.com/tkuiper/audiofleet/internal/infra/executor/gmm"
	minioStore "github.com/tkuiper/audiofleet/internal/infra/storage"
	"github.com/tkuiper/audiofleet/internal/middleware"
)

// The trainer binary consumes the training topic. Jobs are acked on accept:
// the record's status row is the source of truth, and the dispatcher sweep
// requeues any job whose worker died mid-run.
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

	svc := training.NewService(
		repos.Audio, repos.Models, store, runner, client,
		application.SystemClock{},
		training.Config{
			FeatureAnalysis:       cfg.Analysis.FeatureAnalysis,
			FeatureFilename:       cfg.Analysis.FeatureFilename,
			InferenceTopic:        cfg.MQTT.InferenceTopic,
			WorkDir:               cfg.Analysis.WorkDir,
			FailOnMissingFeatures: cfg.Training.FailOnMissingFeatures,
		})

	handler := func(ctx context.Context, msg bus.Message) {
		msg.Ack()
		middleware.IncrementTrainings()

		job, err := training.ParseJob(msg.Payload())
		if err != nil {
			log.Printf("discarding malformed job: %v", err)
			return
		}
		if err := svc.HandleJob(ctx, job); err != nil {
			middleware.IncrementTrainingsFailed()
			log.Printf("training %s failed: %v", job.Request, err)
		}
	}

	if err := client.Subscribe(ctx, cfg.MQTT.TrainingTopic, handler); err != nil {
		log.Fatalf("subscribe error: %v", err)
	}
	log.Printf("trainer consuming %s", cfg.MQTT.TrainingTopic)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down trainer...")
	cancel()
}
