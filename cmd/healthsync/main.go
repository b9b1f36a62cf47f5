package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/auth"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/config"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/conflicts"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/database"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/devices"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/logging"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/propagation"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/server"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthsync",
		Short: "Offline-first health record store with relay synchronisation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "relay",
		Short: "Run the relay that persists and fans out record changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "device",
		Short: "Run a device node with its local API and sync coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "token <user-id> <device-id>",
		Short: "Issue a device token signed with the shared secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printToken(cmd, args[0], args[1])
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "Relay HTTP listen address")
	flags.String("device-http-address", defaults.GetString("device.http_address"), "Device API listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.String("device-id", "", "Identifier of this device")
	flags.String("user-id", "", "Owner of the records held by this device")
	flags.String("relay-url", defaults.GetString("relay.url"), "Relay websocket URL")
	flags.Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between outbound sync passes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "device.http_address", "device-http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "device.user_id", "user-id")
	bindFlag(cmd, "relay.url", "relay-url")
	bindFlag(cmd, "sync.interval", "sync-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenIssuer(cfg config.AuthConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		TokenTTL:      cfg.TokenTTL,
	})
}

func printToken(cmd *cobra.Command, userID, deviceID string) error {
	authConfig, err := config.LoadAuth(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(authConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), userID, deviceID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%ds\n", token, expiresIn)
	return err
}

func openDatabase(path string, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(path, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func runRelay(ctx context.Context) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(relayConfig.LogLevel, "relay")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(relayConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	store, err := records.NewStore(records.StoreConfig{
		Database:   db,
		DeviceID:   "relay",
		PurgeGuard: registry,
		IDProvider: records.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	hub, err := propagation.NewHub(propagation.HubConfig{
		Store:      store,
		Devices:    registry,
		IDProvider: records.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	issuer, err := newTokenIssuer(relayConfig.Auth)
	if err != nil {
		return err
	}
	handler, err := server.NewRelayHandler(server.RelayDependencies{Hub: hub, Tokens: issuer, Logger: logger})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	serveHTTP(groupCtx, group, relayConfig.HTTPAddress, handler, logger)
	group.Go(func() error {
		<-groupCtx.Done()
		hub.Close()
		return nil
	})
	return group.Wait()
}

func runDevice(ctx context.Context) error {
	deviceConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(deviceConfig.LogLevel, "device")
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("device_id", deviceConfig.DeviceID))
	defer logger.Sync() //nolint:errcheck

	ownerID, err := records.NewUserID(deviceConfig.UserID)
	if err != nil {
		return err
	}
	deviceID, err := records.NewDeviceID(deviceConfig.DeviceID)
	if err != nil {
		return err
	}

	db, closeDB, err := openDatabase(deviceConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	pending, err := queue.NewQueue(queue.Config{Database: db, Backoff: deviceConfig.Sync.Backoff, Logger: logger})
	if err != nil {
		return err
	}
	store, err := records.NewStore(records.StoreConfig{
		Database:   db,
		DeviceID:   deviceID,
		Queue:      pending,
		IDProvider: records.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	registry, err := conflicts.NewRegistry(conflicts.RegistryConfig{Database: db, IDProvider: records.NewUUIDProvider(), Logger: logger})
	if err != nil {
		return err
	}
	resolver, err := conflicts.NewResolver(conflicts.ResolverConfig{Store: store, Registry: registry, Logger: logger})
	if err != nil {
		return err
	}

	issuer, err := newTokenIssuer(deviceConfig.Auth)
	if err != nil {
		return err
	}
	client, err := propagation.NewClient(propagation.ClientConfig{
		URL: deviceConfig.RelayURL,
		TokenSource: func(ctx context.Context) (string, error) {
			token, _, err := issuer.IssueDeviceToken(ctx, ownerID.String(), deviceID.String())
			return token, err
		},
		DeviceID: deviceID.String(),
		Backoff:  deviceConfig.Sync.Backoff,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := syncer.NewCoordinator(syncer.Config{
		Store:           store,
		Queue:           pending,
		Registry:        registry,
		Resolver:        resolver,
		Transport:       client,
		OwnerID:         ownerID,
		BatchSize:       deviceConfig.Sync.BatchSize,
		Interval:        deviceConfig.Sync.Interval,
		TransmitTimeout: deviceConfig.Sync.TransmitTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewDeviceHandler(server.DeviceDependencies{
		Store:       store,
		Coordinator: coordinator,
		Queue:       pending,
		OwnerID:     ownerID,
		Tokens:      issuer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	serveHTTP(groupCtx, group, deviceConfig.HTTPAddress, handler, logger)
	group.Go(func() error {
		return coordinator.Run(groupCtx)
	})
	group.Go(func() error {
		return client.Run(groupCtx, coordinator)
	})
	return group.Wait()
}

func serveHTTP(ctx context.Context, group *errgroup.Group, address string, handler http.Handler, logger *zap.Logger) {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
}
