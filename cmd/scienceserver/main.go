package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/config"
	"github.com/zhouzirui/scienceserver/internal/handler"
	"github.com/zhouzirui/scienceserver/internal/handler/activation"
	"github.com/zhouzirui/scienceserver/internal/handler/static"
	videohandler "github.com/zhouzirui/scienceserver/internal/handler/video"
	"github.com/zhouzirui/scienceserver/internal/logger"
	"github.com/zhouzirui/scienceserver/internal/server"
	"github.com/zhouzirui/scienceserver/internal/service/auth"
	"github.com/zhouzirui/scienceserver/internal/service/chat"
	"github.com/zhouzirui/scienceserver/internal/service/session"
	"github.com/zhouzirui/scienceserver/internal/service/video"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	if err := run(ctx, cfg, logg); err != nil {
		logg.WithError(err).Fatal("server error")
	}
}

// run serves until ctx is cancelled or the listener fails, and returns only
// after the sweeper has stopped.
func run(ctx context.Context, cfg *config.Config, logg logrus.FieldLogger) error {
	registry := session.NewRegistry(cfg.Session.TTL, logg)
	sweeper, err := session.NewSweeper(registry, cfg.Session.SweepSchedule, logg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()
	defer func() {
		cancel()
		<-sweepDone
	}()

	if cfg.Auth.FailOpen {
		logg.Warn("AUTH_FAIL_OPEN is set: logins succeed while the password file is unreadable")
	}
	validator := auth.NewFileStore(cfg.Auth.PasswordFile, cfg.Auth.FailOpen, logg)
	relay := chat.NewRelay(registry, logg)
	streamer := video.NewStreamer(cfg.Video.WaitTimeout, cfg.Video.MaxFrameBytes, logg)

	router := handler.NewRouter(
		activation.New(registry, validator, relay, cfg.Server.WriteTimeout, cfg.Server.MaxLineBytes, logg),
		videohandler.New(registry, streamer, logg),
		static.NewRouter(cfg.Static.Root, logg),
		cfg.Server.RequestTimeout,
		cfg.Server.MaxLineBytes,
		logg,
	)

	logg.WithFields(logrus.Fields{
		"addr":     cfg.Server.Addr,
		"www_root": cfg.Static.Root,
		"session":  cfg.Session.TTL.String(),
	}).Info("science server starting")

	return server.New(cfg.Server, router, logg).ListenAndServe(ctx)
}
