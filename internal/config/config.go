package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Listen struct {
	Plain string `mapstructure:"plain"`
	TLS   string `mapstructure:"tls"`
}

type TLS struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

type Storage struct {
	Root string `mapstructure:"root"`
}

type SMTP struct {
	MaxSize     int64         `mapstructure:"max_size"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DNS struct {
	Server  string        `mapstructure:"server"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Client struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Port           int           `mapstructure:"port"`
	TLS            string        `mapstructure:"tls"`
	VerifyPeer     bool          `mapstructure:"verify_peer"`
	VerifyPeerName bool          `mapstructure:"verify_peer_name"`
}

type Delivery struct {
	Enabled         bool     `mapstructure:"enabled"`
	InternalDomains []string `mapstructure:"internal_domains"`
}

type Queue struct {
	Workers int    `mapstructure:"workers"`
	AMQPURL string `mapstructure:"amqp_url"`
	Name    string `mapstructure:"name"`
}

type Auth struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	DatabaseURL  string `mapstructure:"database_url"`
}

type Admin struct {
	Listen string `mapstructure:"listen"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is everything mxd reads at startup
type Config struct {
	Hostname string   `mapstructure:"hostname"`
	Listen   Listen   `mapstructure:"listen"`
	TLS      TLS      `mapstructure:"tls"`
	Storage  Storage  `mapstructure:"storage"`
	SMTP     SMTP     `mapstructure:"smtp"`
	DNS      DNS      `mapstructure:"dns"`
	Client   Client   `mapstructure:"client"`
	Delivery Delivery `mapstructure:"delivery"`
	Queue    Queue    `mapstructure:"queue"`
	Auth     Auth     `mapstructure:"auth"`
	Admin    Admin    `mapstructure:"admin"`
	Log      Log      `mapstructure:"log"`
}

// New returns a viper instance with defaults set and the MXD_ environment
// bound, nested keys use underscores, i.e. MXD_SMTP_MAX_SIZE
func New() *viper.Viper {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	v := viper.New()
	v.SetDefault("hostname", hostname)
	v.SetDefault("listen.plain", ":25")
	v.SetDefault("listen.tls", ":587")
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("storage.root", "./storage")
	v.SetDefault("smtp.max_size", 10<<20)
	v.SetDefault("smtp.read_timeout", "5m")
	v.SetDefault("dns.server", "8.8.8.8:53")
	v.SetDefault("dns.timeout", "5s")
	v.SetDefault("client.timeout", "10s")
	v.SetDefault("client.port", 25)
	v.SetDefault("client.tls", "none")
	v.SetDefault("client.verify_peer", false)
	v.SetDefault("client.verify_peer_name", false)
	v.SetDefault("delivery.enabled", false)
	v.SetDefault("delivery.internal_domains", []string{"localhost", "127.0.0.1"})
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.amqp_url", "")
	v.SetDefault("queue.name", "deliveries")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password_hash", "")
	v.SetDefault("auth.database_url", "")
	v.SetDefault("admin.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetConfigType("yaml")
	v.SetEnvPrefix("mxd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// BindFlags lets command line flags override file and environment values.
// Flag names match config keys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || !isKnown(v, f.Name) {
			return
		}
		if berr := v.BindPFlag(f.Name, f); berr != nil {
			err = errors.WithMessagef(berr, "BindPFlag '%s'", f.Name)
		}
	})
	return err
}

func isKnown(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// Load reads file when given and decodes the merged result
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "ReadInConfig '%s'", file)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.WithMessage(err, "Unmarshal")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) validate() error {
	switch c.Client.TLS {
	case "none", "starttls", "implicit":
	default:
		return errors.Errorf("client.tls must be none, starttls or implicit, got '%s'", c.Client.TLS)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Errorf("log.format must be json or console, got '%s'", c.Log.Format)
	}

	if c.SMTP.MaxSize <= 0 {
		return errors.New("smtp.max_size must be positive")
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}

	if c.Storage.Root == "" {
		return errors.New("storage.root is required")
	}

	return nil
}
