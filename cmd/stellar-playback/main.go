// Package main is the entry point for the Stellar playback daemon.
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/edumarques81/stellar-playback/internal/config"
	"github.com/edumarques81/stellar-playback/internal/domain/artwork"
	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/infra/cache"
	"github.com/edumarques81/stellar-playback/internal/infra/catalog"
	"github.com/edumarques81/stellar-playback/internal/infra/mpd"
	"github.com/edumarques81/stellar-playback/internal/infra/overlayclock"
	"github.com/edumarques81/stellar-playback/internal/transport/socketio"
	"github.com/edumarques81/stellar-playback/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	listen := flag.String("listen", "", "HTTP listen address, e.g. :3002")
	mpdHost := flag.String("mpd-host", "", "MPD host")
	mpdPort := flag.Int("mpd-port", 0, "MPD port")
	mpdPassword := flag.String("mpd-password", "", "MPD password")
	catalogPath := flag.String("catalog", "", "Path to the media catalog")
	dbPath := flag.String("db", "", "Path to the SQLite database")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	setupLogging(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	// Flags win over the file.
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *mpdHost != "" {
		cfg.MPD.Host = *mpdHost
	}
	if *mpdPort != 0 {
		cfg.MPD.Port = *mpdPort
	}
	if *mpdPassword != "" {
		cfg.MPD.Password = *mpdPassword
	}
	if *catalogPath != "" {
		cfg.Catalog = *catalogPath
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
	cfg.Debug = cfg.Debug || *debug
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg.Debug)

	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  Playback Orchestration Core")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Str("listen", cfg.Listen).
		Str("mpd_host", cfg.MPD.Host).
		Int("mpd_port", cfg.MPD.Port).
		Bool("password_set", cfg.MPD.Password != "").
		Str("catalog", cfg.Catalog).
		Str("database", cfg.Database).
		Str("entitlement", string(cfg.Entitlement)).
		Msg("Configuration")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Server stopped")
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func run(ctx context.Context, cfg config.Config) error {
	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	log.Info().Int("items", cat.Len()).Msg("Catalog loaded")

	db := cache.NewDB(cfg.Database)
	if err := db.Open(); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	socketServer, err := socketio.NewServer(
		socketio.WithPublishWindow(cfg.Socket.PublishWindow),
		socketio.WithMaxExternalClients(cfg.Socket.MaxExternalClients),
	)
	if err != nil {
		return fmt.Errorf("create Socket.io server: %w", err)
	}
	defer socketServer.Close()

	entitlement := cfg.Entitlement.Entitlement()
	svc, err := player.NewService(player.Dependencies{
		Resolver:  cat,
		Renderers: mpd.NewFactory(cfg.MPD.Host, cfg.MPD.Port, cfg.MPD.Password),
		Overlay:   overlayclock.New(),
		Publisher: socketServer.Publisher(),
		Thumbnails: artwork.NewFetcher(
			artwork.WithSize(artwork.ThumbnailSize(cfg.Thumbnails.Size)),
			artwork.WithRateLimit(cfg.Thumbnails.Rate, cfg.Thumbnails.Burst),
		),
		Positions:   db,
		Entitlement: func(context.Context) player.Entitlement { return entitlement },
	},
		player.WithPolicy(cfg.Policy()),
		player.WithDefaultQuality(cfg.Player.DefaultQuality),
		player.WithResolveTimeout(cfg.Player.ResolveTimeout),
		player.WithClockSync(cfg.ClockSyncParams()),
		player.WithOverlayEnabled(cfg.Player.Overlay),
		player.WithQueue(cfg.NewQueue()),
	)
	if err != nil {
		return fmt.Errorf("create player service: %w", err)
	}
	defer svc.Close()
	socketServer.Bind(svc)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      (&api{svc: svc, history: db, socket: socketServer}).routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	// Advance the queue when MPD finishes an item.
	watcher := mpd.NewWatcher(cfg.MPD.Host, cfg.MPD.Port, cfg.MPD.Password)
	g.Go(func() error {
		return watcher.Run(ctx, func() {
			sess := svc.Active()
			if sess == nil || sess.State() != player.StatePlaying {
				return
			}
			log.Info().Str("item", sess.ItemID()).Msg("Item finished")
			if _, err := svc.HandleCompletion(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to advance queue")
			}
			socketServer.BroadcastQueue()
		})
	})

	// SIGHUP reloads the catalog.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := cat.Reload(); err != nil {
					log.Warn().Err(err).Msg("Catalog reload failed, keeping previous catalog")
					continue
				}
				log.Info().Int("items", cat.Len()).Msg("Catalog reloaded")
			}
		}
	})

	return g.Wait()
}
