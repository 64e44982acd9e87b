package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/victornm/peerprep/internal/config"
	"github.com/victornm/peerprep/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	c := defaultConfig()

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}

// defaultConfig holds the values used for keys missing from the file and environment.
func defaultConfig() server.Config {
	var c server.Config

	c.HTTP.Port = 8080
	c.GRPC.Port = 9090

	c.Redis.Match.Prefix = "peerprep"
	c.Redis.Pubsub.Prefix = "peerprep"
	c.Redis.Document.Prefix = "peerprep"
	c.Redis.Progress.Prefix = "peerprep"

	c.Match.Timeout = 60 * time.Second
	c.Match.SweepInterval = time.Second

	c.Collab.SnapshotTTL = 24 * time.Hour
	c.Collab.SnapshotDelay = 2 * time.Second

	c.Execution.URL = "http://code-execution-controller:8000"
	c.Execution.Timeout = 60 * time.Second

	c.Log.Level = "info"
	c.Tracing.Service = "peerprep"

	return c
}
