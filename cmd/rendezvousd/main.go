package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/meshrtc/presence/config"
	"github.com/meshrtc/presence/relay"
	httpServer "github.com/meshrtc/presence/server/http"
	wsServer "github.com/meshrtc/presence/server/ws"
	"github.com/meshrtc/presence/service"
	store "github.com/meshrtc/presence/storage/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("rendezvousd", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to config file")
		signalAddr = fs.StringP("signal-listen-addr", "w", "", "websocket signaling listen address")
		apiAddr    = fs.StringP("api-listen-addr", "a", "", "api listen address")
		logLevel   = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.LoadRendezvous(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *signalAddr != "" {
		cfg.SignalAddr = *signalAddr
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Logger:      &logger,
		RoomStore:   store.NewStore(cfg.MaxRoomSize),
		Relay:       relay.NewRelay(&logger),
		PresenceTTL: cfg.PresenceTTL,
	})
	sigSrv := wsServer.NewServer(wsServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: cfg.SignalAddr,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go sigSrv.Run(ctx, wg, errc)
	go apiSrv.Run(ctx, wg, errc)
	go svc.RunJanitor(ctx)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
