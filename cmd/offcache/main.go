package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/offcache/offcache/engine"
	"github.com/offcache/offcache/store"
)

var (
	configFilenameFlag string
	portFlag           int
	originFlag         string
	providerFlag       string
	dbFileFlag         string
	queueFileFlag      string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin to serve resources from (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache store provider to use")
	flag.StringVar(&dbFileFlag, "db", "", "SQLite file for cache stores (empty for in-memory)")
	flag.StringVar(&queueFileFlag, "queue-db", "", "SQLite file for the sync queue (empty for in-memory)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

// Environment overrides, applied on top of flags.
type envOverrides struct {
	Origin    string `env:"OFFCACHE_ORIGIN"`
	Port      int    `env:"OFFCACHE_PORT"`
	Provider  string `env:"OFFCACHE_PROVIDER"`
	DBFile    string `env:"OFFCACHE_DB"`
	QueueFile string `env:"OFFCACHE_QUEUE_DB"`
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		log.Fatal().Err(err).Msg("Bad environment")
	}
	if overrides.Origin != "" {
		originFlag = overrides.Origin
	}
	if overrides.Port > 0 {
		portFlag = overrides.Port
	}
	if overrides.Provider != "" {
		providerFlag = overrides.Provider
	}
	if overrides.DBFile != "" {
		dbFileFlag = overrides.DBFile
	}
	if overrides.QueueFile != "" {
		queueFileFlag = overrides.QueueFile
	}

	var cfg engine.Config
	if configFilenameFlag != "" {
		fileConfig, err := engine.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
		cfg, err = fileConfig.EngineConfig()
		if err != nil {
			log.Fatal().Err(err).Msg("Bad config")
		}
	}

	if originFlag != "" {
		originURL, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad origin URL")
		}
		cfg.OriginURL = originURL
	}
	if cfg.OriginURL == nil {
		log.Fatal().Msg("Please specify origin")
	}

	switch providerFlag {
	case "sqlite":
		cfg.Provider = store.NewSQLiteProvider(dbFileFlag)
	case "memory":
		cfg.Provider = store.NewMemoryProvider()
	default:
		log.Fatal().Msgf("Unsupported store provider: %s", providerFlag)
	}
	if queueFileFlag != "" {
		cfg.QueueFile = queueFileFlag
	}
	cfg.Logger = &log.Logger

	e, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create engine")
	}

	ctx := context.Background()
	if err := e.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}
	// standalone mode has no predecessor to wait for
	e.SkipWaiting()

	go e.Run(ctx)
	go func() {
		for ev := range e.Events() {
			event := log.Info().Str("event", string(ev.Kind))
			if ev.Mutation != nil {
				event = event.Str("mutation", ev.Mutation.ID).Str("url", ev.Mutation.URL)
			}
			event.Msg("Engine event")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/_offcache", e.AdminHandler())
	r.Handle("/*", e)

	addr := fmt.Sprintf(":%d", portFlag)
	log.Info().Str("addr", addr).Str("origin", cfg.OriginURL.String()).Msg("Listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
