package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/walship/walship/admin"
	"github.com/walship/walship/cfg"
	"github.com/walship/walship/publisher"
	"github.com/walship/walship/publisher/sink"
	"github.com/walship/walship/source"
	"github.com/walship/walship/telemetry"
	"github.com/walship/walship/validator"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("database", cfg.Config.Database.Name).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Walship - PostgreSQL change data forwarding agent")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Pre-flight validator checks and repairs the database side before
	// the replication stream opens.
	preflight := validator.New(validator.Config{
		Host:            cfg.Config.Database.Host,
		Database:        cfg.Config.Database.Name,
		User:            cfg.Config.Database.User,
		Schema:          cfg.Config.Database.Schema,
		SlotName:        cfg.Config.Replication.SlotName,
		PublicationName: cfg.Config.Replication.PublicationName,
		ConnectAttempts: cfg.Config.Validator.ConnectAttempts,
		ConnectDelay:    time.Duration(cfg.Config.Validator.ConnectDelaySeconds) * time.Second,
		RecheckDelay:    time.Duration(cfg.Config.Validator.RecheckDelaySeconds) * time.Second,
		SettleTimeout:   time.Duration(cfg.Config.Validator.SettleTimeoutSeconds) * time.Second,
	}, validator.PgxConnector(cfg.Config.Database.DSN()))

	replicator, err := source.NewReplicator(source.Config{
		DSN:             cfg.Config.Database.ReplicationDSN(),
		Database:        cfg.Config.Database.Name,
		SlotName:        cfg.Config.Replication.SlotName,
		PublicationName: cfg.Config.Replication.PublicationName,
		StandbyTimeout:  time.Duration(cfg.Config.Replication.StandbyTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize replication source")
		return
	}

	filter, err := publisher.NewGlobFilter(cfg.Config.Filter.Schemas, cfg.Config.Filter.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid filter patterns")
		return
	}

	httpSink, err := sink.NewHTTPSink(sink.HTTPConfig{
		BaseURL:         cfg.Config.Sink.BaseURL,
		APIKey:          cfg.Config.Sink.APIKey,
		ConnectTimeout:  time.Duration(cfg.Config.Sink.ConnectTimeoutMS) * time.Millisecond,
		RequestTimeout:  time.Duration(cfg.Config.Sink.RequestTimeoutMS) * time.Millisecond,
		MaxRetries:      cfg.Config.Sink.MaxRetries,
		RetryInitial:    time.Duration(cfg.Config.Sink.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(cfg.Config.Sink.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: cfg.Config.Sink.RetryMultiplier,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sink")
		return
	}
	defer httpSink.Close()

	pipeline, err := publisher.NewPipeline(publisher.PipelineConfig{
		Validator:   preflight,
		Source:      replicator,
		Sink:        httpSink,
		Transformer: publisher.NewTransformer(cfg.Config.Database.Name),
		Filter:      filter,
		BufferSize:  cfg.Config.Replication.EventBufferSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start pipeline")
		return
	}
	defer pipeline.Stop()

	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Config.Admin.Address, cfg.Config.Admin.Port, pipeline)
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().
		Str("slot", cfg.Config.Replication.SlotName).
		Str("publication", cfg.Config.Replication.PublicationName).
		Str("sink", cfg.Config.Sink.BaseURL).
		Msg("Walship started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
