package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
)

func main() {
	log := logging.L()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	app := &cli.App{
		Name:        "relaychat",
		Usage:       "broadcast chat relay over WebSocket",
		Description: "Clients name themselves, receive recent history, then every message is stored and relayed to everyone.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"RELAYCHAT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (trace, debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "pretty-log",
				Usage: "human readable console logs instead of JSON",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		// run may have replaced the global logger.
		log = logging.L()
		log.Fatal().Err(err).Msg("relaychat stopped with error")
	}
}

func run(c *cli.Context) error {
	cfg, err := server.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("pretty-log") {
		cfg.Log.Pretty = c.Bool("pretty-log")
	}

	logging.Init(cfg.Log)
	log := logging.Component("main")
	log.Info().Str("port", cfg.Port).Str(logging.FieldDriver, cfg.History.Driver).Msg("starting relaychat")

	store, err := history.Open(cfg.History, logging.L())
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing history store")
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(cfg, store, logging.L())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info().Msg("relaychat stopped")
	return nil
}
