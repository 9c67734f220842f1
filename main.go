package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-sync/config"
	"chat-sync/controllers"
	"chat-sync/logger"
	"chat-sync/models"
	"chat-sync/routes"
	"chat-sync/services"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	closer, err := logger.Setup(cfg.Logger, "chat-sync")
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}
	defer closer.Close()

	// 初始化数据库
	if err := config.InitDB(cfg, logger.NewGormLogger(cfg.Logger.Level)); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	// 自动迁移
	if err := models.Migrate(config.DB); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	tokens, err := services.NewTokenIssuer(cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to initialize tokens: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := services.NewHub(cfg.Realtime, nil, tokens)
	rows := services.NewRowStore(config.DB, hub)
	hub.SetAuthorizer(rows)
	go hub.Run(ctx)

	gin.SetMode(cfg.Server.Mode)
	r := routes.RegisterRoutes(cfg.Server, &controllers.Handlers{
		Rows:     rows,
		Accounts: services.NewAccounts(config.DB),
		Tokens:   tokens,
		Hub:      hub,
	})

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: r}
	go func() {
		log.Printf("🟢 chat-sync store listening on %s", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %v, shutting down...", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
