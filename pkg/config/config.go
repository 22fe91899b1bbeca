package config

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global       GlobalConfig       `yaml:"global"        mapstructure:"global"`
	Docker       DockerConfig       `yaml:"docker"        mapstructure:"docker"`
	Resolver     ResolverConfig     `yaml:"resolver"      mapstructure:"resolver"`
	Shaper       ShaperConfig       `yaml:"shaper"        mapstructure:"shaper"`
	DesiredState DesiredStateConfig `yaml:"desired_state" mapstructure:"desired_state"`
	API          APIConfig          `yaml:"api"           mapstructure:"api"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DockerConfig selects the container runtime endpoint and the event that
// triggers reapplication.
type DockerConfig struct {
	Host          string `yaml:"host"           mapstructure:"host"`
	TriggerStatus string `yaml:"trigger_status" mapstructure:"trigger_status"`
}

// ResolverConfig controls how containers are mapped to host veth adapters.
type ResolverConfig struct {
	AdapterSource string   `yaml:"adapter_source" mapstructure:"adapter_source"`
	SysfsNetPath  string   `yaml:"sysfs_net_path" mapstructure:"sysfs_net_path"`
	AdapterPrefix string   `yaml:"adapter_prefix" mapstructure:"adapter_prefix"`
	Interface     string   `yaml:"interface"      mapstructure:"interface"`
	IflinkCommand []string `yaml:"iflink_command" mapstructure:"iflink_command"`
}

// ShaperConfig names the shaping tool executables.
type ShaperConfig struct {
	ApplyCommand string `yaml:"apply_command" mapstructure:"apply_command"`
	ShowCommand  string `yaml:"show_command"  mapstructure:"show_command"`
}

// DesiredStateConfig locates the file-backed desired state.
type DesiredStateConfig struct {
	StateFile string `yaml:"state_file" mapstructure:"state_file"`
	PatchDir  string `yaml:"patch_dir"  mapstructure:"patch_dir"`
}

// APIConfig enables the HTTP desired-state API when Listen is set.
type APIConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// Adapter sources supported by the resolver.
const (
	AdapterSourceSysfs   = "sysfs"
	AdapterSourceNetlink = "netlink"
)

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)
	setDefaults(viperInstance)

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", "info")
	v.SetDefault("docker.trigger_status", "top")
	v.SetDefault("resolver.adapter_source", AdapterSourceSysfs)
	v.SetDefault("resolver.sysfs_net_path", "/trafficControl/sys/devices/virtual/net")
	v.SetDefault("resolver.adapter_prefix", "veth")
	v.SetDefault("resolver.interface", "eth0")
	v.SetDefault("resolver.iflink_command", []string{"/bin/sh", "-c", "cat /sys/class/net/{{interface}}/iflink"})
	v.SetDefault("shaper.apply_command", "tcset")
	v.SetDefault("shaper.show_command", "tcshow")
	v.SetDefault("desired_state.state_file", "/etc/eztc/desired.json")
	v.SetDefault("desired_state.patch_dir", "/etc/eztc/patches")
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if _, err := ParseLevel(cfg.Global.LogLevel); err != nil {
		return err
	}

	if cfg.Docker.TriggerStatus == "" {
		return fmt.Errorf("docker.trigger_status is required")
	}

	switch cfg.Resolver.AdapterSource {
	case AdapterSourceSysfs:
		if cfg.Resolver.SysfsNetPath == "" {
			return fmt.Errorf("resolver.sysfs_net_path is required for adapter_source %q", AdapterSourceSysfs)
		}
	case AdapterSourceNetlink:
	default:
		return fmt.Errorf("unsupported resolver.adapter_source %q (supported: sysfs, netlink)", cfg.Resolver.AdapterSource)
	}
	if cfg.Resolver.AdapterPrefix == "" {
		return fmt.Errorf("resolver.adapter_prefix is required")
	}
	if len(cfg.Resolver.IflinkCommand) == 0 {
		return fmt.Errorf("resolver.iflink_command must not be empty")
	}

	if cfg.Shaper.ApplyCommand == "" {
		return fmt.Errorf("shaper.apply_command is required")
	}
	if cfg.Shaper.ShowCommand == "" {
		return fmt.Errorf("shaper.show_command is required")
	}

	if cfg.DesiredState.StateFile == "" && cfg.API.Listen == "" {
		return fmt.Errorf("at least one of desired_state.state_file or api.listen must be set")
	}
	if cfg.DesiredState.StateFile != "" && cfg.DesiredState.PatchDir != "" &&
		filepath.Clean(cfg.DesiredState.PatchDir) == filepath.Dir(filepath.Clean(cfg.DesiredState.StateFile)) {
		return fmt.Errorf("desired_state.patch_dir must not be the directory holding state_file")
	}

	if cfg.API.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("invalid api.listen %q: %w", cfg.API.Listen, err)
		}
	}

	return nil
}

// ParseLevel converts global.log_level into a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid global.log_level %q: %w", level, err)
	}
	return parsed, nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
