package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/user/nearby-pairing/util"
)

// DefaultServiceID is the advertising/discovery namespace shared by every
// instance unless overridden
const DefaultServiceID = "01948e9b-7815-70a5-b83e-d02b85fbd86c"

// Config holds application configuration.
type Config struct {
	Pairing PairingConfig `mapstructure:"pairing"`
	Wire    WireConfig    `mapstructure:"wire"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// PairingConfig holds coordinator settings.
type PairingConfig struct {
	ServiceID        string `mapstructure:"service_id"`
	Name             string `mapstructure:"name"`
	DiscoveredReplay int    `mapstructure:"discovered_replay"`
}

// WireConfig holds socket transport settings.
type WireConfig struct {
	DataDir        string        `mapstructure:"data_dir"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
	DialAttempts   int           `mapstructure:"dial_attempts"`
	Debug          bool          `mapstructure:"debug"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the metrics listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// flagKeys maps command line flags onto config keys
var flagKeys = map[string]string{
	"service-id":        "pairing.service_id",
	"name":              "pairing.name",
	"discovered-replay": "pairing.discovered_replay",
	"data-dir":          "wire.data_dir",
	"rescan-interval":   "wire.rescan_interval",
	"dial-attempts":     "wire.dial_attempts",
	"wire-debug":        "wire.debug",
	"log-level":         "log.level",
	"metrics-addr":      "metrics.addr",
}

// Load reads configuration from defaults, an optional TOML file, env vars and
// flags, lowest to highest precedence. Env var overrides use prefix
// NEARBY_PAIRING_ (e.g. NEARBY_PAIRING_PAIRING_NAME). An explicit path must
// exist; the default path is optional. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("pairing.service_id", DefaultServiceID)
	v.SetDefault("pairing.name", "")
	v.SetDefault("pairing.discovered_replay", 10)
	v.SetDefault("wire.data_dir", util.GetDataDir())
	v.SetDefault("wire.rescan_interval", time.Second)
	v.SetDefault("wire.dial_attempts", 5)
	v.SetDefault("wire.debug", false)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("metrics.addr", "")

	v.SetConfigType("toml")

	if path == "" {
		path = os.Getenv("NEARBY_PAIRING_CONFIG")
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "nearby-pairing"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("NEARBY_PAIRING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, c.Validate()
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Pairing.ServiceID) == "":
		return errors.New("pairing.service_id must not be empty")
	case c.Pairing.DiscoveredReplay < 1:
		return fmt.Errorf("pairing.discovered_replay must be at least 1, got %d", c.Pairing.DiscoveredReplay)
	case c.Wire.RescanInterval <= 0:
		return fmt.Errorf("wire.rescan_interval must be positive, got %s", c.Wire.RescanInterval)
	case c.Wire.DialAttempts < 1:
		return fmt.Errorf("wire.dial_attempts must be at least 1, got %d", c.Wire.DialAttempts)
	}
	return nil
}
