package commands

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/NiklasEi/game-off-2021/internal/app/rooms"
	"github.com/NiklasEi/game-off-2021/pkg/webrtc/ice"
)

// Config is the server configuration. Every field can be set by flag, by
// environment variable (upper-cased, dashes to underscores) or config file.
type Config struct {
	Listen      string `mapstructure:"listen"`
	Port        string `mapstructure:"port"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisPrefix string `mapstructure:"redis-prefix"`
	LogLevel    string `mapstructure:"log"`
	LogFile     string `mapstructure:"log-file"`

	ICEMode      string `mapstructure:"ice-mode"`
	STUNURLs     string `mapstructure:"stun-urls"`
	TURNURLs     string `mapstructure:"turn-urls"`
	TURNUsername string `mapstructure:"turn-username"`
	TURNPassword string `mapstructure:"turn-password"`
	PublicWSURL  string `mapstructure:"public-ws-url"`

	PingInterval time.Duration `mapstructure:"ping-interval"`
	ReadLimit    int64         `mapstructure:"read-limit"`
	OutboxLimit  int           `mapstructure:"outbox-limit"`
	RoomTTL      time.Duration `mapstructure:"room-ttl"`
}

// DefaultPort matches the port the game clients dial by default.
const DefaultPort = "3536"

// NewDefaultConfig returns the configuration used when nothing is set.
func NewDefaultConfig() *Config {
	return &Config{
		Listen:       net.JoinHostPort("0.0.0.0", DefaultPort),
		RedisPrefix:  "matchbox",
		LogLevel:     "info",
		ICEMode:      ice.ModeSTUNTURN,
		PingInterval: 40 * time.Second,
		ReadLimit:    64 * 1024,
		RoomTTL:      rooms.DefaultTTL,
	}
}

// Addr is the address to listen on. PORT, when set, wins over --listen so the
// server runs unchanged on hosts that assign a port through the environment.
func (c *Config) Addr() string {
	if p := strings.TrimSpace(c.Port); p != "" {
		return net.JoinHostPort("0.0.0.0", p)
	}
	return c.Listen
}

// ICE returns the ICE section of the configuration.
func (c *Config) ICE() ice.Config {
	return ice.Config{
		Mode:     c.ICEMode,
		STUNURLs: ice.SplitList(c.STUNURLs),
		TURNURLs: ice.SplitList(c.TURNURLs),
		Username: c.TURNUsername,
		Password: c.TURNPassword,
	}
}

// AddFlags adds the server flags to cmd.
func AddFlags(cmd *cobra.Command, c *Config) {
	cmd.Flags().String("config", "", "Config file (yaml, toml or json)")
	cmd.Flags().StringP("listen", "l", c.Listen, "Listen IP:Port")
	cmd.Flags().String("port", c.Port, "Port to listen on all interfaces; overrides --listen")
	cmd.Flags().String("redis-addr", c.RedisAddr, "Redis address for presence and room codes; in-memory when empty")
	cmd.Flags().String("redis-prefix", c.RedisPrefix, "Key prefix for Redis")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", c.LogFile, "Also write logs to this file")

	// ICE
	cmd.Flags().String("ice-mode", c.ICEMode, "stun-turn, turn-only or stun-only")
	cmd.Flags().String("stun-urls", c.STUNURLs, "Comma-separated STUN URLs")
	cmd.Flags().String("turn-urls", c.TURNURLs, "Comma-separated TURN URLs")
	cmd.Flags().String("turn-username", c.TURNUsername, "TURN username")
	cmd.Flags().String("turn-password", c.TURNPassword, "TURN password")
	cmd.Flags().String("public-ws-url", c.PublicWSURL, "Websocket base URL advertised to clients")

	// Connections
	cmd.Flags().Duration("ping-interval", c.PingInterval, "Websocket keepalive period; negative disables")
	cmd.Flags().Int64("read-limit", c.ReadLimit, "Maximum inbound frame size in bytes")
	cmd.Flags().Int("outbox-limit", c.OutboxLimit, "Pending frames per peer before it is disconnected; 0 is unbounded")
	cmd.Flags().Duration("room-ttl", c.RoomTTL, "How long issued room codes are remembered")
}

// loadConfig binds the command's flags and the environment into v and reads
// the result into c.
func loadConfig(v *viper.Viper, cmd *cobra.Command, c *Config) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}

	return v.Unmarshal(c)
}

func newLogger(c *Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Level = logLevel(c.LogLevel)
	logger.Formatter = &prefixed.TextFormatter{FullTimestamp: true}

	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		f.Close()

		pathMap := lfshook.PathMap{}
		for _, level := range logrus.AllLevels {
			pathMap[level] = c.LogFile
		}
		logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.JSONFormatter{}))
	}
	return logger, nil
}

func logLevel(l string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}
