package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Watch modes for the shared XML database file.
const (
	WatchModeNative  = "native"
	WatchModePolling = "polling"
)

// XML source selection modes.
const (
	XMLModeAutoOffline = "auto-offline"
	XMLModeAutoMain    = "auto-main"
	XMLModeManual      = "manual"
)

// Options holds the startup configuration of the gateway.
type Options struct {
	Port    int    `yaml:"port"`
	TCPHost string `yaml:"tcpHost"`
	TCPPort int    `yaml:"tcpPort"`
	UDPPort int    `yaml:"udpPort"`

	// AutoDiscovery latches the TCP host from the first valid UDP
	// announcement instead of using TCPHost.
	AutoDiscovery bool `yaml:"autoDiscovery"`

	WatchMode    string        `yaml:"watchMode"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Debounce     time.Duration `yaml:"debounceMs"`

	// XMLMode selects how the shared XML file path is resolved:
	// auto-offline, auto-main or manual.
	XMLMode string `yaml:"xmlSourceMode"`
	XMLPath string `yaml:"xmlPath"`

	// SettingsPath is where the persisted settings document lives.
	SettingsPath string `yaml:"settingsPath"`

	// PublisherURL enables the external results forwarder when non-empty.
	PublisherURL   string `yaml:"publisherUrl"`
	PublisherToken string `yaml:"publisherToken"`
}

// DefaultOptions returns the option set used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Port:          27123,
		TCPHost:       "127.0.0.1",
		TCPPort:       27333,
		UDPPort:       27333,
		AutoDiscovery: true,
		WatchMode:     WatchModeNative,
		PollInterval:  time.Second,
		Debounce:      100 * time.Millisecond,
		XMLMode:       XMLModeAutoOffline,
		SettingsPath:  defaultSettingsPath(),
	}
}

// LoadOptions builds Options from defaults, the optional YAML file named by
// C123_CONFIG and finally environment overrides, in that order.
func LoadOptions(logger *logrus.Logger) (Options, error) {
	opts := DefaultOptions()

	if path := os.Getenv("C123_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if logger != nil {
			logger.WithField("path", path).Info("Loaded configuration file")
		}
	}

	opts.Port = GetEnvInt("PORT", opts.Port)
	opts.TCPHost = GetEnv("TCP_HOST", opts.TCPHost)
	opts.TCPPort = GetEnvInt("TCP_PORT", opts.TCPPort)
	opts.UDPPort = GetEnvInt("UDP_PORT", opts.UDPPort)
	opts.AutoDiscovery = GetEnvBool("AUTO_DISCOVERY", opts.AutoDiscovery)
	opts.WatchMode = GetEnv("WATCH_MODE", opts.WatchMode)
	opts.XMLMode = GetEnv("XML_SOURCE_MODE", opts.XMLMode)
	opts.XMLPath = GetEnv("XML_PATH", opts.XMLPath)
	opts.SettingsPath = GetEnv("SETTINGS_PATH", opts.SettingsPath)
	opts.PublisherURL = GetEnv("PUBLISHER_URL", opts.PublisherURL)
	opts.PublisherToken = GetEnv("PUBLISHER_TOKEN", opts.PublisherToken)
	if ms := GetEnvInt("POLL_INTERVAL_MS", 0); ms > 0 {
		opts.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := GetEnvInt("DEBOUNCE_MS", 0); ms > 0 {
		opts.Debounce = time.Duration(ms) * time.Millisecond
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate checks enum-valued options.
func (o Options) Validate() error {
	switch o.WatchMode {
	case WatchModeNative, WatchModePolling:
	default:
		return fmt.Errorf("invalid watch mode %q", o.WatchMode)
	}
	switch o.XMLMode {
	case XMLModeAutoOffline, XMLModeAutoMain, XMLModeManual:
	default:
		return fmt.Errorf("invalid xml source mode %q", o.XMLMode)
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	return nil
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "c123-server-settings.json"
	}
	return dir + string(os.PathSeparator) + "c123-server" + string(os.PathSeparator) + "settings.json"
}
