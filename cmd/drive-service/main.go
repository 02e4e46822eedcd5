package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"drive-service/internal/api"
	"drive-service/internal/config"
	"drive-service/internal/core"
	"drive-service/internal/hardware"
	"drive-service/internal/logger"
	"drive-service/internal/messaging"
	"drive-service/internal/storage"
)

func main() {
	// Service log level
	var serviceLogLevel int
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	// Create leveled logger
	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))

	l.Infof("Starting drive service...")

	cfg, err := config.Load()
	if err != nil {
		l.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gateway core.DriveGateway
	if cfg.PostgresURL != "" {
		pool, err := storage.Connect(cfg.PostgresURL)
		if err != nil {
			l.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer pool.Close()
		if err := storage.Migrate(ctx, pool); err != nil {
			l.Fatalf("Failed to migrate database: %v", err)
		}
		gateway = storage.NewStore(pool, l.WithTag("storage"))
	} else {
		l.Warnf("No PostgreSQL URL configured, drives will not be persisted")
	}

	var lifecycle core.Notifier
	if cfg.AMQPURL != "" {
		publisher, err := messaging.NewLifecyclePublisher(cfg.AMQPURL, l.WithTag("amqp"))
		if err != nil {
			l.Errorf("Lifecycle events disabled: %v", err)
		} else {
			defer publisher.Close()
			lifecycle = publisher
		}
	}

	redis := messaging.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, l.WithTag("redis"), messaging.Callbacks{})
	system := core.NewDriveSystem(redis, gateway, lifecycle, l)
	if err := system.Start(ctx); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}

	if cfg.HTTPAddr != "" {
		server := api.NewServer(system.Detector(), l.WithTag("http"))
		if err := server.Start(cfg.HTTPAddr); err != nil {
			l.Errorf("Failed to start HTTP API: %v", err)
		} else {
			defer server.Shutdown()
		}
	}

	if cfg.IgnitionChip != "" && cfg.IgnitionLine >= 0 {
		ignition := hardware.NewIgnition(cfg.IgnitionChip, cfg.IgnitionLine, l.WithTag("ignition"), system.HandleEvent)
		if err := ignition.Start(); err != nil {
			l.Errorf("Ignition input disabled: %v", err)
		} else {
			defer ignition.Close()
		}
	}

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	system.Shutdown()
	l.Infof("Shutdown complete")
}
