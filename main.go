package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"vcp-gateway/logic"
	"vcp-gateway/webui"
)

func main() {
	configPath := flag.String("config", envOr("VCP_CONFIG", "vcp.yaml"), "path of the YAML configuration")
	flag.Parse()

	cfg, err := logic.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("MAIN: Error loading configuration: %v", err)
	}
	if err := logic.SetupLogging(cfg.Log); err != nil {
		logrus.Fatalf("MAIN: %v", err)
	}

	// Initialize the SQLite database at the configured path
	db, err := logic.InitDB(cfg.DB.Path)
	if err != nil {
		logrus.Fatalf("MAIN: Error initializing database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := logic.NewManager(cfg, db)
	if err := m.StartBroker(); err != nil {
		logrus.Fatalf("MAIN: Error starting broker: %v", err)
	}
	if err := m.BuildRegistry(ctx); err != nil {
		m.StopAllPlugins()
		logrus.Fatalf("MAIN: Error building plugins: %v", err)
	}
	if err := m.StartAllPlugins(ctx); err != nil {
		m.StopAllPlugins()
		logrus.Fatalf("MAIN: Error starting plugins: %v", err)
	}

	api := webui.New(cfg.HTTP, m)
	api.Start()
	logrus.Info("MAIN: Gateway started.")

	<-ctx.Done()
	logrus.Info("MAIN: Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("MAIN: Error stopping HTTP server: %v", err)
	}
	if err := m.StopAllPlugins(); err != nil {
		logrus.Errorf("MAIN: Error stopping plugins: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
