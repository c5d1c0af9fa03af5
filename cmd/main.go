package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"photomesh/internal/blob"
	"photomesh/internal/inference"
	"photomesh/internal/models"
	"photomesh/internal/pipeline"
	"photomesh/internal/server"
	"photomesh/internal/storage"
	"photomesh/internal/sweeper"
)

func main() {
	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer db.Close()

	blobs, err := blob.NewStore(cfg.Blob, logger)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}
	if err := blobs.EnsureBuckets(context.Background()); err != nil {
		log.Fatalf("failed to ensure buckets: %v", err)
	}

	gateway := inference.NewHTTPClient(cfg.Inference, logger)
	pipe := pipeline.New(db, blobs, gateway, pipeline.ConfigFromApp(cfg), logger)
	sweep := sweeper.New(db, blobs, cfg.Blob.ImageBucket, cfg.Blob.ModelBucket, logger)

	// Kafka producer for async generation jobs
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{cfg.KafkaBroker},
		Topic:   cfg.KafkaTopic,
	})

	// Start Kafka consumer in background
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
			GroupID: "photomesh-generator-group",
		})
		defer consumer.Close()

		for {
			msg, err := consumer.ReadMessage(ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				logger.Error("error reading message", zap.Error(err))
				continue
			}
			var job pipeline.Job
			if err := json.Unmarshal(msg.Value, &job); err != nil {
				logger.Error("bad job payload", zap.Error(err))
				continue
			}
			// The consumer owns the job lifetime; an abandoned HTTP
			// client must not cancel in-flight generation.
			if _, err := pipe.Resume(context.Background(), job.UploadID, job.Params); err != nil {
				logger.Error("generation job failed",
					zap.String("upload_id", job.UploadID.String()),
					zap.Error(err),
				)
			}
		}
	}()

	srv := server.NewServer(cfg, pipe, db, sweep, producer, logger)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	producer.Close()
}
