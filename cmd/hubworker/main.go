package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/config"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/punchlog"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/queue"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/store"
)

// Worker consumes hub events and maintains per-day attendance rollups in
// Redis for the reporting dashboards.
func main() {
	cfg := config.LoadHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var redisClient *store.Redis
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		log.Println("WARNING: in-memory queue does not cross processes; worker will idle")
	} else {
		redisClient = store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, "hr:events")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("hubworker started, waiting for events...")
	for msg := range messages {
		switch msg.Type {
		case queue.TypePunchRecorded:
			var evt punchlog.PunchEvent
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				log.Printf("decode punch event: %v", err)
				continue
			}
			log.Printf("punch %s: employee %s %s at %s", evt.PunchID, evt.EmployeeID, evt.Kind, evt.At.Format(time.RFC3339))
			rollup(ctx, redisClient, evt)

		case queue.TypeEmployeeEnrolled:
			var evt punchlog.EnrollEvent
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				log.Printf("decode enrollment event: %v", err)
				continue
			}
			log.Printf("employee %s (%s) completed onboarding", evt.EmployeeID, evt.Phone)
		}
	}

	log.Println("hubworker stopped")
}

// rollup bumps the employee's punch count in the day's hash. Keys expire
// after 90 days; long-term history lives in Postgres.
func rollup(ctx context.Context, r *store.Redis, evt punchlog.PunchEvent) {
	if r == nil {
		return
	}
	day := evt.At.UTC().Format("2006-01-02")
	key := "hr:rollup:" + day
	if err := r.Client.HIncrBy(ctx, key, evt.EmployeeID, 1).Err(); err != nil {
		log.Printf("rollup %s: %v", key, err)
		return
	}
	if err := r.Client.Expire(ctx, key, 90*24*time.Hour).Err(); err != nil {
		log.Printf("rollup expire %s: %v", key, err)
	}
}
