package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NiklasEi/game-off-2021/internal/app/httpapi"
	"github.com/NiklasEi/game-off-2021/internal/app/rooms"
	"github.com/NiklasEi/game-off-2021/pkg/presence"
	"github.com/NiklasEi/game-off-2021/pkg/signaling"
	"github.com/NiklasEi/game-off-2021/pkg/webrtc/ice"
)

const (
	redisTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// RootCmd is the root command for the signaling server
var RootCmd = NewRootCmd()

// NewRootCmd builds the matchbox-server command with its own config.
func NewRootCmd() *cobra.Command {
	config := NewDefaultConfig()
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "matchbox-server",
		Short: "WebRTC signaling server for matchbox rooms",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loadEnv()
			return loadConfig(v, cmd, config)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(config)
		},
	}
	AddFlags(cmd, config)
	return cmd
}

// stores holds the presence and room stores picked at startup.
type stores struct {
	presence presence.Store
	rooms    rooms.Store
	close    func() error
}

func openStores(c *Config, logger *logrus.Entry) (*stores, error) {
	if c.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set; keeping presence and room codes in memory")
		return &stores{
			presence: presence.NewMemoryStore(),
			rooms:    rooms.NewMemoryStore(c.RoomTTL),
			close:    func() error { return nil },
		}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.RedisAddr, err)
	}

	p := presence.NewRedisStore(rdb, c.RedisPrefix)
	if err := p.Reset(ctx); err != nil {
		logger.WithError(err).Warn("redis reset presence")
	}

	logger.WithField("addr", c.RedisAddr).Info("using redis")
	return &stores{
		presence: p,
		rooms:    rooms.NewRedisStore(rdb, c.RedisPrefix, c.RoomTTL),
		close:    rdb.Close,
	}, nil
}

// runServer starts the HTTP server and waits for a SIGINT or SIGTERM
func runServer(c *Config) error {
	base, err := newLogger(c)
	if err != nil {
		return err
	}
	logger := base.WithField("prefix", "server")

	iceMode, iceServers, err := ice.Servers(c.ICE(), base.WithField("prefix", "ice"))
	if err != nil {
		return err
	}

	st, err := openStores(c, logger)
	if err != nil {
		return err
	}
	defer st.close()

	hub := signaling.NewHub(signaling.HubOptions{
		Logger:       base.WithField("prefix", "signaling"),
		Presence:     st.presence,
		PingInterval: c.PingInterval,
		ReadLimit:    c.ReadLimit,
		OutboxLimit:  c.OutboxLimit,
		OnEmpty: func() {
			logger.Debug("no peers connected")
		},
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Hub:      hub,
		Rooms:    st.rooms,
		Presence: st.presence,
		Settings: httpapi.Settings{
			ICEMode:     iceMode,
			ICEServers:  iceServers,
			PublicWSURL: c.PublicWSURL,
		},
		Logger: base.WithField("prefix", "http"),
	})

	srv := &http.Server{
		Addr:              c.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":        srv.Addr,
			"ice_mode":    iceMode,
			"ice_servers": len(iceServers),
		}).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	// Upgraded connections are hijacked and not closed by srv.Shutdown.
	if err := hub.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("signaling shutdown")
	}
	return nil
}
