package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/agent"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/capability"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/capture"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/hrclient"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/session"
)

func main() {
	cfg := config.LoadAgent()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("agentd: %v", err)
	}
}

func run(cfg config.Agent) error {
	// The bare client carries no credentials; refresh and terminal
	// registration must not recurse through the session they feed.
	bare := hrclient.New(cfg.HubURL, nil)

	sessions := session.NewManager(session.NewStore(cfg.StatePath), bare.Refresh, func() {
		log.Println("operator session expired, sign-in required")
	})
	operator := hrclient.New(cfg.HubURL, sessions)
	terminal := hrclient.New(cfg.HubURL, session.NewTerminalSource(bare, cfg.TerminalID))

	camera := capability.NewSpoolCamera(cfg.SpoolDir)
	var locator capture.Locator
	if cfg.GeoEnabled {
		locator = capability.NewFixedLocator(cfg.TerminalLat, cfg.TerminalLng, cfg.TerminalRadiusM)
	} else {
		locator = capability.NewDeniedLocator()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      agent.NewServer(cfg, operator, terminal, sessions, camera, locator).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("agentd %s listening on :%s (hub=%s geo=%v)", cfg.TerminalID, cfg.HTTPPort, cfg.HubURL, cfg.GeoEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}

	log.Println("agentd exited")
	return nil
}
