package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/unspoken/chat-app/internal/messaging"
	"github.com/unspoken/chat-app/internal/presence"
	"github.com/unspoken/chat-app/internal/ratelimit"
	"github.com/unspoken/chat-app/internal/relay"
)

type config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8765"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"10000"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`
	RedisAddr         string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NATSURL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	ServerName        string        `envconfig:"SERVER_NAME"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		logrus.WithError(err).Fatal("config error")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("component", "main")

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to NATS")
	}

	presenceStore, err := presence.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}

	roomStore := relay.NewRoomStore(presenceStore.Client())
	limiter := ratelimit.NewLimiter(presenceStore.Client())
	registry := relay.NewRegistry()
	handlers := relay.NewHandlers(registry, roomStore, presenceStore, natsClient, limiter)

	serverConfig := relay.ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		MaxConnections:    cfg.MaxConnections,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}
	server := relay.NewServer(serverConfig, registry, handlers, limiter)

	log.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"redis_addr":  cfg.RedisAddr,
		"nats_url":    cfg.NATSURL,
		"server_name": serverName,
	}).Info("Unspoken relay starting")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("initiating graceful shutdown")
		if err := server.Shutdown(); err != nil {
			log.WithError(err).Warn("shutdown error")
		}
		natsClient.Close()
		if err := presenceStore.Close(); err != nil {
			log.WithError(err).Warn("presence store close error")
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("server error")
	}
}
