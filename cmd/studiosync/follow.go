package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/MarcoPoloResearchLab/studiosync/internal/client"
	"github.com/MarcoPoloResearchLab/studiosync/internal/config"
	"github.com/MarcoPoloResearchLab/studiosync/internal/database"
	"github.com/MarcoPoloResearchLab/studiosync/internal/liveview"
	"github.com/MarcoPoloResearchLab/studiosync/internal/logging"
	"github.com/MarcoPoloResearchLab/studiosync/internal/members"
	"github.com/MarcoPoloResearchLab/studiosync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/studiosync/internal/studio"
	"github.com/MarcoPoloResearchLab/studiosync/internal/subscription"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errFollowTransport = errors.New("follow needs --server or redis.address")

type followOptions struct {
	tenantID  string
	userID    string
	email     string
	resource  string
	serverURL string
}

type transport interface {
	channels.Transport
	auth.Propagator
}

func newFollowCommand() *cobra.Command {
	options := followOptions{}
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow a tenant's channel and log the reconciled view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollow(cmd.Context(), options)
		},
	}
	cmd.Flags().StringVar(&options.tenantID, "tenant", "", "Tenant to follow")
	cmd.Flags().StringVar(&options.userID, "user", "", "User to sign in as")
	cmd.Flags().StringVar(&options.email, "email", "", "Email of the signed-in user")
	cmd.Flags().StringVar(&options.resource, "resource", channels.ResourceTasks, "Channel resource (quotes, tasks, logs, notifications)")
	cmd.Flags().StringVar(&options.serverURL, "server", "", "Follow a remote server instead of the local database and Redis")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// followBackend is the storage, auth and transport a follower runs against.
type followBackend struct {
	issuer     auth.AccessTokenIssuer
	fetcher    liveview.Fetcher
	authorizer subscription.Authorizer
	transport  transport
	close      func()
}

func runFollow(ctx context.Context, options followOptions) error {
	load := config.Load
	if options.serverURL != "" {
		load = config.LoadClient
	}
	appConfig, err := load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	preset, err := channels.LookupPreset(options.resource)
	if err != nil {
		return err
	}
	preset.Scope = appConfig.Realtime.Scope

	var backend followBackend
	if options.serverURL != "" {
		backend, err = remoteBackend(appConfig, options.serverURL, logger)
	} else {
		backend, err = localBackend(appConfig, logger)
	}
	if err != nil {
		return err
	}
	defer backend.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{Issuer: backend.issuer})
	if err != nil {
		return err
	}
	identity := auth.Identity{UserID: options.userID, Email: options.email, TenantIDs: []string{options.tenantID}}
	if _, err := sessions.SignIn(signalCtx, identity); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	handshake, err := auth.NewHandshake(auth.HandshakeConfig{
		Identities:       sessions,
		Sessions:         sessions,
		Propagator:       backend.transport,
		PropagationDelay: appConfig.Realtime.PropagationDelay,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	manager, err := channels.NewManager(channels.ManagerConfig{Transport: backend.transport, Logger: logger})
	if err != nil {
		return err
	}
	defer manager.CloseAll(context.Background())

	view, err := liveview.New(liveview.Config{TenantID: options.tenantID, Fetcher: backend.fetcher, Logger: logger})
	if err != nil {
		return err
	}
	if _, err := view.Refresh(signalCtx); err != nil {
		logger.Warn("initial view load failed", zap.Error(err))
	}

	dispatcher, err := subscription.Start(signalCtx, subscription.Config{
		Channel:            channels.Config{Preset: preset, TenantID: options.tenantID},
		Handshake:          handshake,
		Authorizer:         backend.authorizer,
		Manager:            manager,
		Handlers:           view.Handlers(),
		AuthorizationDelay: appConfig.Realtime.AuthorizationDelay,
		RetryAttempts:      appConfig.Realtime.RetryAttempts,
		RetryDelay:         appConfig.Realtime.RetryDelay,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	logView(logger, view.Current())
	updates := dispatcher.Updates()
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case <-dispatcher.Done():
			return dispatcher.Err()
		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			fields := []zap.Field{
				zap.String("channel", update.Topic),
				zap.String("status", string(update.Status)),
				zap.Int("attempt", update.Attempt),
				zap.Bool("retrying", update.Retrying),
			}
			if update.Err != nil {
				fields = append(fields, zap.Error(update.Err))
			}
			if update.Fatal {
				logger.Error("subscription gave up", fields...)
				continue
			}
			logger.Info("subscription status", fields...)
		case current := <-view.Updates():
			logView(logger, current)
		}
	}
}

func localBackend(appConfig config.AppConfig, logger *zap.Logger) (followBackend, error) {
	if appConfig.RedisAddress == "" {
		return followBackend{}, errFollowTransport
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return followBackend{}, err
	}
	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		closeDatabase(db)
		return followBackend{}, err
	}
	studioService, err := studio.NewService(studio.ServiceConfig{Database: db, Scope: appConfig.Realtime.Scope, Logger: logger})
	if err != nil {
		closeDatabase(db)
		return followBackend{}, err
	}
	membershipService, err := members.NewService(members.ServiceConfig{Database: db})
	if err != nil {
		closeDatabase(db)
		return followBackend{}, err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
	redisTransport, err := broadcast.NewRedisTransport(broadcast.RedisTransportConfig{
		Client:    redisClient,
		Validator: tokenIssuer,
		Logger:    logger,
	})
	if err != nil {
		_ = redisClient.Close()
		closeDatabase(db)
		return followBackend{}, err
	}
	return followBackend{
		issuer:     tokenIssuer,
		fetcher:    studioService,
		authorizer: membershipService,
		transport:  redisTransport,
		close: func() {
			_ = redisClient.Close()
			closeDatabase(db)
		},
	}, nil
}

func remoteBackend(appConfig config.AppConfig, serverURL string, logger *zap.Logger) (followBackend, error) {
	remote, err := client.New(client.Config{BaseURL: serverURL, ServiceKey: appConfig.Auth.ServiceKey})
	if err != nil {
		return followBackend{}, err
	}
	socketTransport, err := broadcast.NewSocketTransport(broadcast.SocketTransportConfig{
		BaseURL: strings.TrimRight(serverURL, "/"),
		Logger:  logger,
	})
	if err != nil {
		return followBackend{}, err
	}
	return followBackend{
		issuer:     remote,
		fetcher:    remote,
		authorizer: remote,
		transport:  socketTransport,
		close:      func() {},
	}, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func logView(logger *zap.Logger, view reconcile.View) {
	pending := 0
	for _, task := range view.ManualTasks {
		if task.Pending() {
			pending++
		}
	}
	logger.Info("view updated",
		zap.Int("quotes", len(view.Quotes)),
		zap.Int("manual_tasks", len(view.ManualTasks)),
		zap.Int("pending_tasks", pending),
	)
}
