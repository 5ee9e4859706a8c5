package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/pawtrack/internal/config"
	"github.com/pawtrack/internal/datetime"
	"github.com/pawtrack/internal/db"
	"github.com/pawtrack/internal/maintenance"
	"github.com/pawtrack/internal/notify"
	"github.com/pawtrack/internal/recurrence"
	"github.com/pawtrack/internal/router"
	"github.com/pawtrack/internal/service"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)
	datetime.SetDeviceTimezone(cfg.DeviceTimezone)

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}()

	rules := service.NewRecurrenceService(db.DB,
		service.WithGenerator(recurrence.Generator{
			HorizonDays:    cfg.HorizonDays,
			MaxOccurrences: cfg.MaxOccurrences,
		}),
		service.WithScheduler(notify.LogScheduler{}),
	)

	runner, err := maintenance.New(cfg.MaintenanceCron, rules, cfg.MissedGrace)
	if err != nil {
		log.Fatalf("failed to configure maintenance: %v", err)
	}
	runner.RunOnce(context.Background())
	runner.Start()
	defer runner.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.SetupRouter(rules),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("pawtrack listening on %s (timezone %s)", cfg.ListenAddr, datetime.DeviceTimezone())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown failed: %v", err)
	}
}
