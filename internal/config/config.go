package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Phone/internal/domain"
)

type Transport struct {
	URL            string        `mapstructure:"url"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type Backoff struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Registrar struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	WSURL       string        `mapstructure:"ws_url"`
	ContactHost string        `mapstructure:"contact_host"`
	Expires     time.Duration `mapstructure:"expires"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Call struct {
	NoAnswerTimeout time.Duration `mapstructure:"no_answer_timeout"`
	SendRetryDelay  time.Duration `mapstructure:"send_retry_delay"`
}

type Media struct {
	ICEServers []string `mapstructure:"ice_servers"`
	Source     string   `mapstructure:"source"`
	Loopback   bool     `mapstructure:"loopback"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Relay struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	Secret          string        `mapstructure:"secret"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	InviteLimit     int           `mapstructure:"invite_limit"`
	InviteWindow    time.Duration `mapstructure:"invite_window"`
	KickOnBackpress bool          `mapstructure:"kick_on_backpressure"`
}

type Config struct {
	LogLevel   string    `mapstructure:"log_level"`
	Identity   string    `mapstructure:"identity"`
	Credential string    `mapstructure:"credential"`
	Transport  Transport `mapstructure:"transport"`
	Backoff    Backoff   `mapstructure:"backoff"`
	Registrar  Registrar `mapstructure:"registrar"`
	Call       Call      `mapstructure:"call"`
	Media      Media     `mapstructure:"media"`
	Metrics    Metrics   `mapstructure:"metrics"`
	Relay      Relay     `mapstructure:"relay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("identity", "")
	v.SetDefault("credential", "")
	v.SetDefault("transport.url", "ws://localhost:8080/ws")
	v.SetDefault("transport.ping_period", "30s")
	v.SetDefault("transport.read_limit", 65536)
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.send_buffer", 64)
	v.SetDefault("backoff.base_delay", "1s")
	v.SetDefault("backoff.max_attempts", 5)
	v.SetDefault("registrar.enabled", false)
	v.SetDefault("registrar.host", "")
	v.SetDefault("registrar.port", 5060)
	v.SetDefault("registrar.ws_url", "")
	v.SetDefault("registrar.contact_host", "localhost")
	v.SetDefault("registrar.expires", "300s")
	v.SetDefault("registrar.timeout", "10s")
	v.SetDefault("call.no_answer_timeout", "30s")
	v.SetDefault("call.send_retry_delay", "1s")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("media.source", "silence")
	v.SetDefault("media.loopback", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.invite_limit", 3)
	v.SetDefault("relay.invite_window", "10s")
	v.SetDefault("relay.kick_on_backpressure", true)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) over the
// defaults; PHONE_* environment variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

// Validate checks what the phone needs before it touches the network.
func (c *Config) Validate() error {
	if _, err := domain.ParseIdentity(c.Identity); err != nil {
		return fmt.Errorf("%w: identity: %v", ErrInvalid, err)
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("%w: transport.url is empty", ErrInvalid)
	}
	if c.Backoff.BaseDelay <= 0 || c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("%w: backoff needs a positive base_delay and max_attempts", ErrInvalid)
	}
	if c.Registrar.Enabled && c.Registrar.Host == "" {
		return fmt.Errorf("%w: registrar.host is empty", ErrInvalid)
	}
	switch c.Media.Source {
	case "silence", "none":
	default:
		return fmt.Errorf("%w: media.source %q", ErrInvalid, c.Media.Source)
	}
	return nil
}
