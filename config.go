package lensgate

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tfkr-ae/lensgate/domain"
)

const (
	configName   = "config" // Config file name, without extension
	keyDelimiter = "::"     // Waypoint keys are hostnames and contain dots

	defaultPublicPrefix   = "/api/"
	defaultInternalPrefix = "/python-api/"
	defaultHost           = "localhost:3000"
)

// ErrNoConfigFile is returned when a config change is requested on a Config that was not loaded from a directory
var ErrNoConfigFile = errors.New("config has no backing file")

// Config is the operator configuration of the gateway. It is loaded once at process start and
// handed to the Gateway, nothing reads the environment per request.
type Config struct {
	file            string
	ConfigDir       string            `mapstructure:"config_dir"`       // Directory holding config.yaml
	PublicPrefix    string            `mapstructure:"public_prefix"`    // Inbound path prefix, "/api/"
	InternalPrefix  string            `mapstructure:"internal_prefix"`  // Backend path prefix, "/python-api/"
	DefaultHost     string            `mapstructure:"default_host"`     // Host used when the inbound request carries none
	BackendURL      string            `mapstructure:"backend_url"`      // Backend base override for local development
	BypassSecret    string            `mapstructure:"bypass_secret"`    // Deployment protection bypass secret
	PublishableKey  string            `mapstructure:"publishable_key"`  // Identity provider publishable key
	DevHosts        []string          `mapstructure:"dev_hosts"`        // Extra host patterns served over plain http
	Waypoints       map[string]string `mapstructure:"waypoints"`        // Inbound host -> backend base
	ForwardQuery    bool              `mapstructure:"forward_query"`    // Forward the inbound query string
	UpstreamTimeout time.Duration     `mapstructure:"upstream_timeout"` // 0 leaves the outbound call unbounded
	Debug           bool              `mapstructure:"debug"`            // Dump forwarded exchanges to the logger
}

// DefaultConfig returns the configuration used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		PublicPrefix:   defaultPublicPrefix,
		InternalPrefix: defaultInternalPrefix,
		DefaultHost:    defaultHost,
		Waypoints:      make(map[string]string),
		ForwardQuery:   true,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("public_prefix", defaultPublicPrefix)
	v.SetDefault("internal_prefix", defaultInternalPrefix)
	v.SetDefault("default_host", defaultHost)
	v.SetDefault("backend_url", "")
	v.SetDefault("dev_hosts", []string{})
	v.SetDefault("waypoints", map[string]string{})
	v.SetDefault("forward_query", true)
	v.SetDefault("upstream_timeout", "0s")
	v.SetDefault("debug", false)
}

// bindEnv wires the environment overrides. It runs after the config file was read or written so
// secrets coming from the environment never end up in config.yaml.
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("LENSGATE")
	v.AutomaticEnv()

	bindings := map[string][]string{
		"bypass_secret":   {"LENSGATE_BYPASS_SECRET", "VERCEL_AUTOMATION_BYPASS_SECRET"},
		"backend_url":     {"LENSGATE_BACKEND_URL", "BACKEND_URL"},
		"default_host":    {"LENSGATE_DEFAULT_HOST", "VERCEL_URL"},
		"publishable_key": {"LENSGATE_PUBLISHABLE_KEY"},
	}
	for key, names := range bindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("binding env for %s : %w", key, err)
		}
	}
	return nil
}

// LoadConfig reads config.yaml from configDir, creating the directory and a default file when
// they do not exist, then applies environment overrides.
func LoadConfig(configDir string) (*Config, error) {
	if _, err := os.ReadDir(configDir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking if directory exists %s : %w", configDir, err)
		}
		log.Println("[*] creating config dir")
		if err := os.MkdirAll(configDir, 0700); err != nil {
			return nil, fmt.Errorf("creating config dir %s : %w", configDir, err)
		}
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	cfg.file = filepath.Join(configDir, configName+".yaml")
	cfg.ConfigDir = configDir
	if cfg.Waypoints == nil {
		cfg.Waypoints = make(map[string]string)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the prefixes and every configured backend base.
func (cfg *Config) Validate() error {
	for name, prefix := range map[string]string{"public_prefix": cfg.PublicPrefix, "internal_prefix": cfg.InternalPrefix} {
		if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
			return fmt.Errorf("%s %q must start and end with /", name, prefix)
		}
	}
	if cfg.BackendURL != "" {
		if err := validateBase(cfg.BackendURL); err != nil {
			return fmt.Errorf("backend_url : %w", err)
		}
	}
	for hostname, override := range cfg.Waypoints {
		if err := validateBase(override); err != nil {
			return fmt.Errorf("waypoint %s : %w", hostname, err)
		}
	}
	for _, pattern := range cfg.DevHosts {
		if err := NewHostScope().AddRule(pattern, false); err != nil {
			return fmt.Errorf("dev_hosts : %w", err)
		}
	}
	return nil
}

func validateBase(base string) error {
	parsed, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parsing %q : %w", base, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", base)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%q has no host", base)
	}
	return nil
}

// WaypointList returns the configured waypoints as domain values.
func (cfg *Config) WaypointList() []domain.Waypoint {
	waypoints := make([]domain.Waypoint, 0, len(cfg.Waypoints))
	for hostname, override := range cfg.Waypoints {
		waypoints = append(waypoints, domain.Waypoint{Hostname: hostname, Override: override})
	}
	return waypoints
}

// SetWaypoint creates or updates the waypoint for hostname and writes the config file.
func (cfg *Config) SetWaypoint(hostname, override string) error {
	if err := validateBase(override); err != nil {
		return fmt.Errorf("waypoint %s : %w", hostname, err)
	}
	hostname = strings.ToLower(hostname)
	waypoints := make(map[string]string, len(cfg.Waypoints)+1)
	for k, v := range cfg.Waypoints {
		waypoints[k] = v
	}
	waypoints[hostname] = strings.TrimSuffix(override, "/")
	return cfg.saveWaypoints(waypoints)
}

// DeleteWaypoint removes the waypoint for hostname and writes the config file.
func (cfg *Config) DeleteWaypoint(hostname string) error {
	hostname = strings.ToLower(hostname)
	if _, ok := cfg.Waypoints[hostname]; !ok {
		return fmt.Errorf("hostname %s has no waypoint configured", hostname)
	}
	waypoints := make(map[string]string, len(cfg.Waypoints))
	for k, v := range cfg.Waypoints {
		if k != hostname {
			waypoints[k] = v
		}
	}
	return cfg.saveWaypoints(waypoints)
}

// saveWaypoints rewrites config.yaml from the file contents only, so values that came from the
// environment are not written to disk. The file is rebuilt from a fresh map because a Set on top
// of the read file would keep deleted waypoints.
func (cfg *Config) saveWaypoints(waypoints map[string]string) error {
	if cfg.file == "" {
		return ErrNoConfigFile
	}
	current := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	current.SetConfigFile(cfg.file)
	if err := current.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s : %w", cfg.file, err)
	}

	settings := current.AllSettings()
	entries := make(map[string]any, len(waypoints))
	for hostname, override := range waypoints {
		entries[hostname] = override
	}
	settings["waypoints"] = entries

	next := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	next.SetConfigFile(cfg.file)
	if err := next.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("merging config : %w", err)
	}
	if err := next.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	cfg.Waypoints = waypoints
	return nil
}
