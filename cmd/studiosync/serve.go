package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/studiosync/internal/config"
	"github.com/MarcoPoloResearchLab/studiosync/internal/database"
	"github.com/MarcoPoloResearchLab/studiosync/internal/logging"
	"github.com/MarcoPoloResearchLab/studiosync/internal/members"
	"github.com/MarcoPoloResearchLab/studiosync/internal/server"
	"github.com/MarcoPoloResearchLab/studiosync/internal/studio"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "studiosync"
	tokenAudienceName = "studiosync-clients"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and channel socket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := broadcast.NewHub()
	var publisher broadcast.Publisher = hub
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()

		redisPublisher, err := broadcast.NewRedisPublisher(redisClient)
		if err != nil {
			return err
		}
		relay, err := broadcast.NewRelay(redisClient, hub, appConfig.Realtime.Scope+":*", logger)
		if err != nil {
			return err
		}
		if err := relay.Start(signalCtx); err != nil {
			return err
		}
		defer relay.Close()
		publisher = redisPublisher
		logger.Info("redis broadcast enabled", zap.String("address", appConfig.RedisAddress))
	}

	studioService, err := studio.NewService(studio.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: studio.NewUUIDProvider(),
		Publisher:  publisher,
		Scope:      appConfig.Realtime.Scope,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	membershipService, err := members.NewService(members.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     tokenIssuer,
		Studio:     studioService,
		Members:    membershipService,
		Hub:        hub,
		ServiceKey: appConfig.Auth.ServiceKey,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
