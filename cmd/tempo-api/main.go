package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/auth"
	"github.com/MarcoPoloResearchLab/tempo/internal/bus"
	"github.com/MarcoPoloResearchLab/tempo/internal/config"
	"github.com/MarcoPoloResearchLab/tempo/internal/database"
	"github.com/MarcoPoloResearchLab/tempo/internal/dispatch"
	"github.com/MarcoPoloResearchLab/tempo/internal/events"
	"github.com/MarcoPoloResearchLab/tempo/internal/logging"
	"github.com/MarcoPoloResearchLab/tempo/internal/server"
	"github.com/MarcoPoloResearchLab/tempo/internal/storage"
	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/MarcoPoloResearchLab/tempo/internal/versioning"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tempo-api",
		Short: "Tempo versioned entity sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the request dispatcher",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newTokenCommand(),
		newConflictsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("bus-path", defaults.GetString("bus.path"), "Badger directory for the bus (empty for in-memory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("default-role", defaults.GetString("sync.default_role"), "Role for bus requests that carry none")
	cmd.PersistentFlags().Int("dispatch-concurrency", defaults.GetInt("dispatch.concurrency"), "Requests applied in parallel")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "bus.path", "bus-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.default_role", "default-role")
	bindFlag(cmd, "dispatch.concurrency", "dispatch-concurrency")
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

// application holds the wired services shared by the commands.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	closers   []func() error
	store     *storage.EntityStore
	conflicts *storage.ConflictRepository
	factory   *transaction.Factory
	manager   *syncer.Manager
}

func openApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logging.Component(logger, "database"))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	storeConfig := storage.StoreConfig{Database: db, Clock: time.Now, Logger: logging.Component(logger, "storage")}
	if app.store, err = storage.NewEntityStore(storeConfig); err != nil {
		return nil, app.fail(err)
	}
	graphs, err := storage.NewGraphRepository(storeConfig)
	if err != nil {
		return nil, app.fail(err)
	}
	if app.conflicts, err = storage.NewConflictRepository(storeConfig); err != nil {
		return nil, app.fail(err)
	}
	if app.factory, err = transaction.NewFactory(transaction.FactoryConfig{Store: app.store, Clock: time.Now}); err != nil {
		return nil, app.fail(err)
	}
	versions, err := versioning.NewService(versioning.ServiceConfig{
		Repository: graphs,
		Factory:    app.factory,
		Clock:      time.Now,
		Logger:     logging.Component(logger, "versioning"),
	})
	if err != nil {
		return nil, app.fail(err)
	}
	app.manager, err = syncer.NewManager(syncer.Config{
		Store:     app.store,
		Factory:   app.factory,
		Graphs:    versions,
		Locator:   graphs,
		Conflicts: app.conflicts,
		Clock:     time.Now,
		Logger:    logging.Component(logger, "syncer"),
	})
	if err != nil {
		return nil, app.fail(err)
	}
	return app, nil
}

func (a *application) fail(err error) error {
	_ = a.Close()
	return err
}

func (a *application) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		errs = append(errs, a.closers[index]())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func runServer(ctx context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck
	appConfig, logger := app.config, app.logger
	busLogger := logging.Component(logger, "bus")

	badgerDB, err := bus.OpenBadger(appConfig.BusPath, busLogger)
	if err != nil {
		return err
	}
	app.closers = append(app.closers, badgerDB.Close)
	broker, err := bus.NewBroker(bus.BrokerConfig{DB: badgerDB, Retention: appConfig.BusRetention, Logger: busLogger})
	if err != nil {
		return err
	}
	app.closers = append(app.closers, broker.Close)
	cache, err := bus.NewResponseCache(badgerDB, appConfig.CacheTTL)
	if err != nil {
		return err
	}

	localEvents := events.NewDispatcher()
	busEvents, err := events.NewBusPublisher(broker, appConfig.SyncTopic, logging.Component(logger, "events"))
	if err != nil {
		return err
	}
	publisher := events.Fanout{localEvents, busEvents}

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Broker:       broker,
		Applier:      app.manager,
		Factory:      app.factory,
		Publisher:    publisher,
		RequestTopic: appConfig.RequestTopic,
		ReplyTopic:   appConfig.ReplyTopic,
		ErrorTopic:   appConfig.ErrorTopic,
		DefaultRole:  appConfig.DefaultRole,
		Concurrency:  appConfig.DispatchConcurrency,
		PollTimeout:  appConfig.PollTimeout,
		Logger:       logging.Component(logger, "dispatch"),
	})
	if err != nil {
		return err
	}
	resolver, err := bus.NewResolver(bus.ResolverConfig{
		Broker:      broker,
		Cache:       cache,
		Topics:      []string{appConfig.ReplyTopic, appConfig.ErrorTopic},
		PollTimeout: appConfig.PollTimeout,
		Logger:      busLogger,
	})
	if err != nil {
		return err
	}
	client, err := bus.NewClient(bus.ClientConfig{
		Broker:       broker,
		Cache:        cache,
		RequestTopic: appConfig.RequestTopic,
		MaxAttempts:  appConfig.MaxAttempts,
		Wait:         appConfig.CorrelationWait,
		Logger:       busLogger,
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  sessions,
		Requester: client,
		Entities:  app.store,
		Versions:  app.manager,
		Conflicts: app.conflicts,
		Events:    localEvents,
		Publisher: publisher,
		Logger:    logging.Component(logger, "server"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return resolver.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
