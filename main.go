package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"tutorgo/internal/api"
	"tutorgo/internal/auth"
	"tutorgo/internal/blob"
	"tutorgo/internal/config"
	"tutorgo/internal/dispatch"
	"tutorgo/internal/realtime"
	"tutorgo/internal/redis"
	"tutorgo/internal/relay"
	"tutorgo/internal/scheduler"
	"tutorgo/internal/service/tutor"
	"tutorgo/internal/storage"
	"tutorgo/internal/worker"
)

func main() {
	cfgPath := os.Getenv("TUTORGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("TUTORGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	store := tutor.NewService(db, rdb)
	authService := auth.NewService(db, rdb, 24*time.Hour)

	blobs := blob.NewStore(cfg.Uploads.BaseDir, cfg.Uploads.PublicBaseURL, cfg.Uploads.MaxBytes)

	hook, err := dispatch.NewClient(cfg.Webhook)
	if err != nil {
		log.Fatalf("create webhook client: %v", err)
	}

	hub := realtime.NewHub()
	go hub.Run()

	limiter := worker.NewLimiter(cfg.BasicConfig.MaxDispatches)
	relayService := relay.NewService(store, blobs, hook, hub, limiter)

	reminderScheduler := scheduler.New(store, hub)
	if err := reminderScheduler.Start(); err != nil {
		log.Fatalf("start reminder scheduler: %v", err)
	}
	defer reminderScheduler.Stop()

	handlers := api.NewHandler(relayService, store, authService, hub, cfg.Uploads.BaseDir)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
