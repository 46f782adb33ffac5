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

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/clipsync/internal/api"
	"github.com/manpreetbhatti/clipsync/internal/config"
	"github.com/manpreetbhatti/clipsync/internal/db"
	"github.com/manpreetbhatti/clipsync/internal/discovery"
	"github.com/manpreetbhatti/clipsync/internal/events"
	"github.com/manpreetbhatti/clipsync/internal/logging"
	"github.com/manpreetbhatti/clipsync/internal/ratelimit"
	"github.com/manpreetbhatti/clipsync/internal/retention"
	"github.com/manpreetbhatti/clipsync/internal/room"
	"github.com/manpreetbhatti/clipsync/internal/ws"
)

var (
	configPath string
	v          = config.NewViper()

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clipsync-server",
	Short: "Relay server for clipsync rooms",
	Long: `clipsync-server relays clipboard updates between the peers of a room.

It never stores the shared text. Room metadata (first/last seen, joins,
peak peers) is kept in SQLite or Postgres and pruned when idle.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete idle rooms from the registry once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry(cmd.Context())
		if err != nil {
			return err
		}
		if registry == nil {
			return errors.New("no registry configured")
		}
		defer registry.Close()

		svc := retention.New(registry, retention.Config{
			Interval:  cfg.Retention.Interval,
			IdleAfter: cfg.Retention.IdleAfter,
		}, logger)
		n, err := svc.PruneNow(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d rooms\n", n)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("addr", ":8080", "listen address")
	flags.String("storage-driver", "sqlite", "room registry backend: sqlite, postgres or none")
	flags.String("storage-dsn", "./data/clipsync.db", "SQLite path or Postgres URL")
	flags.String("log-level", "info", "log level")
	flags.Bool("dev", false, "human-readable development logging")
	flags.Bool("mdns", false, "advertise the relay on the local network")

	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("storage.driver", flags.Lookup("storage-driver"))
	_ = v.BindPFlag("storage.dsn", flags.Lookup("storage-dsn"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.development", flags.Lookup("dev"))
	_ = v.BindPFlag("discovery.enabled", flags.Lookup("mdns"))

	rootCmd.AddCommand(pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openRegistry(ctx context.Context) (db.Registry, error) {
	if cfg.Storage.Driver == "none" {
		return nil, nil
	}
	registry, err := db.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", cfg.Storage.Driver, err)
	}
	logger.Info("room registry ready", zap.String("driver", cfg.Storage.Driver))
	return registry, nil
}

func openEvents() (events.Publisher, func(), error) {
	if !cfg.Kafka.Enabled {
		return events.Nop{}, func() {}, nil
	}
	producer, err := events.NewProducer(cfg.Kafka.Brokers, "clipsync-server")
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka: %w", err)
	}
	dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, logger, events.Options{
		QueueSize:   cfg.Kafka.QueueSize,
		Workers:     cfg.Kafka.Workers,
		MaxRetry:    cfg.Kafka.MaxRetry,
		BaseBackoff: cfg.Kafka.Backoff,
		MaxBackoff:  cfg.Kafka.Backoff * 20,
	})
	logger.Info("publishing room events",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic))
	return dispatcher, func() { closeEvents(dispatcher, producer) }, nil
}

func closeEvents(d *events.Dispatcher, producer sarama.SyncProducer) {
	d.Close()
	if err := producer.Close(); err != nil {
		logger.Warn("close kafka producer", zap.Error(err))
	}
}

func serve(ctx context.Context) error {
	registry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	if registry != nil {
		defer registry.Close()
	}

	publisher, closePublisher, err := openEvents()
	if err != nil {
		return err
	}
	defer closePublisher()

	opts := []ws.Option{ws.WithLogger(logger), ws.WithEvents(publisher)}
	if registry != nil {
		opts = append(opts, ws.WithRegistry(registry))
	}
	hub := ws.NewHub(opts...)

	var joins *ratelimit.ClientLimiters
	if cfg.Server.JoinsPerMinute > 0 {
		joins = ratelimit.NewClientLimiters(cfg.Server.JoinsPerMinute/60, cfg.Server.JoinBurst)
		defer joins.Stop()
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.New(hub, registry, room.NewResolver(room.WithLogger(logger)), joins, logger, api.Config{
		BaseAddress:    cfg.Server.PublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Discovery.Enabled {
		port, err := discovery.PortFromAddr(cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("mDNS needs a port in server.addr: %w", err)
		}
		ad, err := discovery.Advertise(cfg.Discovery.Instance, port, logger)
		if err != nil {
			logger.Warn("mDNS advertisement disabled", zap.Error(err))
		} else {
			defer ad.Shutdown()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	if registry != nil && cfg.Retention.Enabled {
		svc := retention.New(registry, retention.Config{
			Interval:  cfg.Retention.Interval,
			IdleAfter: cfg.Retention.IdleAfter,
		}, logger)
		g.Go(func() error {
			return svc.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("clipsync relay listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("public_url", cfg.Server.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
