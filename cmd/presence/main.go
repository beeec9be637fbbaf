// Command presence joins a room and moves a synthetic avatar in a slow
// orbit, logging membership and connection-state changes. Useful for
// exercising a rendezvousd instance and watching a mesh form.
package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/meshrtc/presence/config"
	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/session"
)

const (
	orbitRadius   = 3.0
	orbitPeriod   = 12 * time.Second
	localTickRate = 30 * time.Millisecond
	dumpInterval  = 10 * time.Second
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("presence", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to config file")
		endpoint   = fs.StringP("endpoint", "e", "", "rendezvous endpoint")
		roomID     = fs.StringP("room", "r", "", "room to join")
		logLevel   = fs.StringP("log-level", "l", "", "log level")
		dump       = fs.BoolP("dump", "d", false, "periodically dump the membership table")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *roomID != "" {
		cfg.RoomID = *roomID
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	sess, err := session.New(session.Config{
		Logger:             &logger,
		Endpoint:           cfg.Endpoint,
		RoomID:             cfg.RoomID,
		BroadcastRate:      cfg.BroadcastRate,
		NegotiationTimeout: cfg.NegotiationTimeout,
		LivenessTimeout:    cfg.LivenessTimeout,
		MaxRestarts:        cfg.MaxRestarts,
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectMax:       cfg.ReconnectMax,
		ICEServers:         cfg.ICEServers,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = sess.Join(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to join room")
	}
	logger.Info().
		Str("roomID", cfg.RoomID).
		Str("peerID", sess.LocalPeerID()).
		Msg("joined")

	go orbit(ctx, sess)
	if *dump {
		go dumpLoop(ctx, sess, &logger)
	}

	for {
		select {
		case <-ctx.Done():
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err = sess.Leave(leaveCtx); err != nil {
				logger.Warn().Err(err).Msg("leave did not finish cleanly")
			}
			leaveCancel()
			return

		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventPeerState:
				logger.Info().
					Str("peerID", ev.PeerID).
					Str("state", ev.State.String()).
					Msg("peer state changed")
			case session.EventRendezvousStatus:
				logger.Info().Bool("connected", ev.Connected).Msg("rendezvous status")
			case session.EventControlMessage:
				logger.Info().
					Str("peerID", ev.PeerID).
					Int("bytes", len(ev.Data)).
					Msg("control message")
			case session.EventRemoteTrack:
				logger.Info().Str("peerID", ev.PeerID).Msg("remote track")
			}
		}
	}
}

// orbit feeds the scheduler a circular path so remote peers see
// continuous movement.
func orbit(ctx context.Context, sess *session.Session) {
	start := time.Now()
	ticker := time.NewTicker(localTickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			phase := 2 * math.Pi * float64(now.Sub(start)) / float64(orbitPeriod)
			sess.SetLocalState(
				model.Vec3{
					float32(orbitRadius * math.Cos(phase)),
					0,
					float32(orbitRadius * math.Sin(phase)),
				},
				model.Quat{0, float32(math.Sin(phase / 2)), 0, float32(math.Cos(phase / 2))},
				map[string]any{"t": now.UnixMilli()},
			)
		}
	}
}

func dumpLoop(ctx context.Context, sess *session.Session, logger *zerolog.Logger) {
	ticker := time.NewTicker(dumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().Msg("membership table:\n" + spew.Sdump(sess.Snapshot()))
		}
	}
}
