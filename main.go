package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"molva/internal/auth"
	"molva/internal/authz"
	"molva/internal/codec"
	"molva/internal/config"
	"molva/internal/http"
	"molva/internal/presence"
	"molva/internal/router"
	"molva/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return err
	}
	messageCodec, err := codec.New(key)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	rt := router.New(router.Config{
		Users:    bbStorage,
		Groups:   bbStorage,
		Store:    bbStorage,
		Gate:     authz.New(bbStorage, bbStorage),
		Codec:    messageCodec,
		Presence: registry,
		Logger:   logger,
	})
	registry.OnChange(rt.PresenceChanged)

	apiServer := http.NewAPIServer(authService, bbStorage, rt, registry, logger, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
