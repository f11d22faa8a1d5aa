package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pricesettle/config"
	"pricesettle/internal/api"
	"pricesettle/internal/engine"
	"pricesettle/logger"

	gin "github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	// run engine
	eng, err := engine.New(cfg, log)
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}
	if err := eng.Start(context.Background()); err != nil {
		log.Fatal("engine start failed", zap.Error(err))
	}

	s := api.NewServer(eng, logger.Component(log, "http"), cfg.HTTP.CORSOrigin)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: s.R}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http", zap.Error(err))
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctxShut, cancelShut := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShut()
	if err := server.Shutdown(ctxShut); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := eng.Stop(ctxShut); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}
