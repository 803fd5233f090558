package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayhub/relayhub/internal/core/config"
	"github.com/relayhub/relayhub/internal/core/observability/log"
	"github.com/relayhub/relayhub/internal/core/routing"
	"github.com/relayhub/relayhub/internal/server"
)

// logGroupSink stands in for the chat-plane connector: routed server events
// are logged instead of delivered. Deployments replace it with a real
// connector.
type logGroupSink struct {
	logger log.Log
}

func (s *logGroupSink) SendToGroup(_ context.Context, groupID, content string) error {
	s.logger.Info("group message",
		log.String("group_id", groupID),
		log.String("content", content),
	)
	return nil
}

var _ routing.GroupSink = (*logGroupSink)(nil)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Println("Error loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	hub := server.NewHub(cfg, &logGroupSink{logger: logger}, server.WithLogger(logger))

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err := hub.Start(ctx); err != nil {
		fmt.Println("Error starting hub:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()
	if err := hub.Stop(context.Background()); err != nil {
		fmt.Println("Error stopping hub:", err)
	}
}
