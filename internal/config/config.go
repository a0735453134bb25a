// Package config loads and validates the env-logger settings from flags,
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vantutran2k1/env-logger/pkg/auth"
	"github.com/vantutran2k1/env-logger/pkg/logging"
	"github.com/vantutran2k1/env-logger/pkg/tracing"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	MinPort = 1024
	MaxPort = 65535

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	LogLevel         string         `mapstructure:"log_level"`
	LogOutput        string         `mapstructure:"log_output"`
	Bind             string         `mapstructure:"bind"`
	Port             int            `mapstructure:"port"`
	DBFile           string         `mapstructure:"db_file"`
	MetricsAddr      string         `mapstructure:"metrics_addr"`
	PipelineCapacity int            `mapstructure:"pipeline_capacity"`
	Storage          StorageConfig  `mapstructure:"storage"`
	Receiver         ReceiverConfig `mapstructure:"receiver"`
	Auth             AuthConfig     `mapstructure:"auth"`
	Tracing          tracing.Config `mapstructure:"tracing"`

	ShowVersion bool `mapstructure:"-"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// AuthConfig lists the API keys accepted by the ops endpoint. It is only
// read from the YAML file.
type AuthConfig struct {
	Keys []auth.KeyConfig `mapstructure:"keys"`
}

type ReceiverConfig struct {
	ChannelCapacity int           `mapstructure:"channel_capacity"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxLineBytes    int           `mapstructure:"max_line_bytes"`
	DatagramBuffer  int           `mapstructure:"datagram_buffer"`
	MaxInflight     int           `mapstructure:"max_inflight"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_output", "")
	v.SetDefault("bind", "0.0.0.0")
	v.SetDefault("port", 2342)
	v.SetDefault("db_file", "database.db")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("pipeline_capacity", 10)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("receiver.channel_capacity", 10)
	v.SetDefault("receiver.read_timeout", 10*time.Second)
	v.SetDefault("receiver.max_line_bytes", 4096)
	v.SetDefault("receiver.datagram_buffer", 1024)
	v.SetDefault("receiver.max_inflight", 0)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.insecure", true)
}

// usageOutput receives the --help text and flag parse errors.
var usageOutput io.Writer = os.Stderr

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(usageOutput)
	fs.Usage = func() {
		fmt.Fprintf(usageOutput, "Logger for environment sensors\n\nUsage: %s [OPTIONS] [DB_FILE]\n\n", name)
		fs.PrintDefaults()
	}

	fs.StringP("log-level", "l", "INFO", "log level {OFF|ERROR|WARN|INFO|DEBUG|TRACE}")
	fs.StringP("log-output", "L", "", "log output file (default stderr)")
	fs.StringP("bind", "b", "0.0.0.0", "address to listen on for TCP and UDP")
	fs.IntP("port", "p", 2342, "port to listen on for TCP and UDP")
	fs.String("storage-driver", DriverSQLite, "storage backend {sqlite|postgres}")
	fs.String("postgres-url", "", "connection URL when --storage-driver=postgres")
	fs.String("metrics-addr", "", "address of the metrics/health endpoint (disabled when empty)")
	fs.Duration("read-timeout", 10*time.Second, "time a TCP peer has to send its line")
	fs.Int("max-inflight", 0, "per-transport limit of connections/datagrams in flight (0 = unlimited)")
	fs.String("otlp-endpoint", "", "OTLP/gRPC collector host:port for traces (disabled when empty)")
	fs.String("config", "", "YAML configuration file")
	fs.BoolP("version", "V", false, "print version and exit")
	return fs
}

var flagKeys = map[string]string{
	"log-level":      "log_level",
	"log-output":     "log_output",
	"bind":           "bind",
	"port":           "port",
	"storage-driver": "storage.driver",
	"postgres-url":   "storage.postgres_url",
	"metrics-addr":   "metrics_addr",
	"read-timeout":   "receiver.read_timeout",
	"max-inflight":   "receiver.max_inflight",
	"otlp-endpoint":  "tracing.otlp_endpoint",
}

// Load resolves the configuration from defaults, the YAML file, ENVLOGGER_*
// environment variables and the command line, in increasing priority.
// It returns pflag.ErrHelp when help was requested.
func Load(name string, args []string) (Config, error) {
	fs := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)

	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return Config{}, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
		}
	}

	v.SetEnvPrefix("ENVLOGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("env-logger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	switch fs.NArg() {
	case 0:
	case 1:
		v.Set("db_file", fs.Arg(0))
	default:
		return Config{}, fmt.Errorf("%w: unexpected arguments %v", ErrInvalidConfig, fs.Args()[1:])
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ShowVersion, _ = fs.GetBool("version")

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < MinPort || c.Port > MaxPort {
		return fmt.Errorf("%w: port %d out of range [%d, %d]", ErrInvalidConfig, c.Port, MinPort, MaxPort)
	}
	if strings.TrimSpace(c.Bind) == "" {
		return fmt.Errorf("%w: empty bind address", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.PipelineCapacity <= 0 || c.Receiver.ChannelCapacity <= 0 {
		return fmt.Errorf("%w: channel capacities must be positive", ErrInvalidConfig)
	}
	if c.Receiver.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive", ErrInvalidConfig)
	}
	if c.Receiver.MaxLineBytes <= 0 || c.Receiver.DatagramBuffer <= 0 {
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidConfig)
	}
	if c.Receiver.MaxInflight < 0 {
		return fmt.Errorf("%w: max inflight must not be negative", ErrInvalidConfig)
	}

	for i, k := range c.Auth.Keys {
		if k.Key == "" {
			return fmt.Errorf("%w: auth key %d (%s) is empty", ErrInvalidConfig, i, k.Name)
		}
		if _, err := auth.ParseScopes(k.Scopes); err != nil {
			return fmt.Errorf("%w: auth key %d (%s): %v", ErrInvalidConfig, i, k.Name, err)
		}
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.DBFile == "" {
			return fmt.Errorf("%w: empty database file", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("%w: postgres driver needs a postgres url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}

	return nil
}

// Endpoint is the host:port pair both receivers bind to.
func (c Config) Endpoint() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}
