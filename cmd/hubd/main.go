package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/auth"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/faceverify"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/hub"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/photoarchive"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/punchlog"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/queue"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/store"
)

func main() {
	cfg := config.LoadHub()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("hubd: %v", err)
	}
}

func run(cfg config.Hub) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		db      *store.DB
		backend punchlog.Store
	)
	switch cfg.StoreBackend {
	case "postgres":
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		pg := punchlog.NewPostgresStore(db.Client)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		backend = pg
	default:
		log.Println("using in-memory store; records are lost on restart")
		backend = punchlog.NewMemoryStore()
	}

	var (
		redisClient *store.Redis
		q           queue.Queue
	)
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient = store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, "hr:events")
	}

	var faces faceverify.Verifier
	if cfg.FaceServiceURL != "" {
		client := faceverify.NewClient(cfg.FaceServiceURL)
		if err := client.Ping(ctx); err != nil {
			log.Printf("face service: %v", err)
		}
		faces = client
	} else {
		faces = faceverify.NewScripted(cfg.FaceRejectEvery)
	}

	svc := punchlog.NewService(backend, q, faces, cfg.DedupWindow)

	if cfg.SeedPhone != "" && cfg.SeedPassword != "" {
		if _, err := svc.SeedOperator(ctx, "Site", "Admin", cfg.SeedPhone, cfg.SeedPassword, auth.RoleAdmin, nil); err != nil {
			log.Printf("seed operator: %v", err)
		} else {
			log.Printf("seeded admin operator %s", cfg.SeedPhone)
		}
	}

	photos := photoarchive.New(cfg.PhotoDir)
	go sweepLoop(ctx, photos, cfg.PhotoRetention)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      hub.NewServer(cfg, svc, photos, db, redisClient).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("hubd listening on :%s (store=%s queue=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}

	log.Println("hubd exited")
	return nil
}

// sweepLoop prunes archived evidence frames past the retention window once a
// day.
func sweepLoop(ctx context.Context, photos *photoarchive.Archive, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := photos.Sweep(retention)
			if err != nil {
				log.Printf("photo sweep: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("photo sweep removed %d day folders", removed)
			}
		}
	}
}
