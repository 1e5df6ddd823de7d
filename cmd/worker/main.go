package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"dncl-checker/internal/artifact"
	"dncl-checker/internal/browser"
	"dncl-checker/internal/captcha"
	"dncl-checker/internal/config"
	"dncl-checker/internal/dncl"
	"dncl-checker/internal/ratelimit"
	"dncl-checker/internal/store"
	"dncl-checker/internal/telemetry"
	workerproc "dncl-checker/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	// Rows stranded mid-flight by a previous crash go back to the queue.
	if n, err := st.ResetStuck(ctx); err != nil {
		log.Fatalf("reset stuck rows: %v", err)
	} else if n > 0 {
		log.Printf("re-queued %d rows stuck in PROCESSING", n)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	strategy, err := captcha.StrategyFromConfig(cfg, artifacts)
	if err != nil {
		log.Fatalf("init solve strategy: %v", err)
	}
	machine := captcha.NewMachine(strategy, captcha.OptionsFromConfig(cfg))

	checker, err := dncl.New(cfg)
	if err != nil {
		log.Fatalf("init registry client: %v", err)
	}

	rt, err := browser.NewRuntime(ctx)
	if err != nil {
		log.Fatalf("init browser runtime: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	processor := workerproc.NewProcessor(cfg, st, rt, machine, checker, limiter)
	log.Printf("worker started: method=%s batch=%d browsers=%dx%d",
		cfg.CaptchaMethod, cfg.BatchSize, cfg.BrowserCount, cfg.SessionsPerBrowser)
	if err := processor.ProcessAll(ctx); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
	if s, ok := processor.Tracker().Stats(); ok {
		log.Printf("queue drained: %s", s)
	} else {
		log.Print("queue drained: nothing to do")
	}
}
