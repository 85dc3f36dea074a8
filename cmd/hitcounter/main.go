package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yourname/go-hitcounter/internal/config"
	"github.com/yourname/go-hitcounter/internal/core"
	"github.com/yourname/go-hitcounter/internal/events"
	"github.com/yourname/go-hitcounter/internal/geo"
	httpapi "github.com/yourname/go-hitcounter/internal/http"
	"github.com/yourname/go-hitcounter/internal/store"
)

func main() {
	var configPath, dsnFlag string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "YAML config file")
	flag.StringVar(&dsnFlag, "dsn", "", "database DSN (overrides env DB_DSN)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if dsnFlag != "" {
		cfg.DB.DSN = dsnFlag
	}
	setupLogging(cfg.Logging)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("hitcounter")
	}
	log.Info().Msg("bye")
}

func setupLogging(c config.LoggingConfig) {
	// Fast JSON logs by default; pretty if running in a TTY/dev
	if c.Pretty || isatty() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.MaxOpenConns)
	if err != nil {
		return err
	}
	defer st.Close()

	// Migrate schema
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	classifier, closeGeo, err := newClassifier(cfg)
	if err != nil {
		return err
	}
	defer closeGeo()

	opts := core.Options{
		Retention:    cfg.Retention.Window,
		PruneOnWrite: cfg.Retention.PruneOnWrite,
		ExcludedKeys: cfg.ExcludedKeys,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer pub.Close()
		opts.Publisher = pub
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("hit events enabled")
	}
	svc := core.NewService(st, classifier, opts)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(cfg, svc),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("db", cfg.DB.Driver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Retention.PruneInterval > 0 {
		g.Go(func() error {
			svc.RunPruner(gctx, cfg.Retention.PruneInterval)
			return nil
		})
	}
	g.Go(func() error {
		svc.RunEventForwarder(gctx)
		return nil
	})
	return g.Wait()
}

// newClassifier builds the geo tagger for the configured provider. The
// returned func releases whatever the provider opened.
func newClassifier(cfg config.Config) (geo.Classifier, func(), error) {
	var (
		lookup  geo.Lookup
		closers []func() error
	)
	switch cfg.Geo.Provider {
	case "countryis":
		lookup = geo.NewCountryIS(cfg.Geo.Endpoint, &http.Client{Timeout: cfg.Geo.Timeout})
	case "maxmind":
		mm, err := geo.OpenMaxMind(cfg.Geo.DBPath)
		if err != nil {
			return nil, nil, err
		}
		lookup = mm
		closers = append(closers, mm.Close)
	default:
		return geo.Static(geo.Other), func() {}, nil
	}

	var cache geo.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, rdb.Close)
		cache = geo.NewRedisCache(rdb, cfg.Geo.CacheTTL)
	} else {
		cache = geo.NewMemoryCache(cfg.Geo.CacheTTL)
	}

	log.Info().Str("provider", cfg.Geo.Provider).Strs("buckets", cfg.Geo.Buckets).Msg("geo tagging enabled")
	return geo.NewTagger(lookup, cache, cfg.Geo.Buckets, cfg.Geo.Timeout), func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("close geo provider")
			}
		}
	}, nil
}

func isatty() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
