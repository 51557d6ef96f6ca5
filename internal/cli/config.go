package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/larder/internal/paths"
	"github.com/mesh-intelligence/larder/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
	envPrefix      = "LARDER"

	cfgKeyConnection = "connection"
	cfgKeyDataDir    = "data_dir"
	cfgKeyLogLevel   = "log_level"

	defaultLogLevel = "info"
)

// configFile holds the structure written to config.yaml.
type configFile struct {
	Connection string `yaml:"connection,omitempty"`
	DataDir    string `yaml:"data_dir,omitempty"`
	LogLevel   string `yaml:"log_level"`
}

// settings is the resolved configuration of one invocation.
type settings struct {
	configDir string
	dataDir   string
	config    types.Config
}

// loadConfig reads config.yaml from configDir, with LARDER_* environment
// variables overriding the file. A missing config.yaml is not an error.
func loadConfig(configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// resolveSettings applies flag > environment > config.yaml > default to
// every setting and validates the result.
func resolveSettings() (settings, error) {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return settings{}, fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return settings{}, err
	}
	dataDir, err := paths.ResolveDataDir(flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return settings{}, fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := types.Config{
		Connection: firstNonEmpty(flags.connection, v.GetString(cfgKeyConnection), paths.DefaultConnection(dataDir)),
		LogLevel:   firstNonEmpty(flags.logLevel, v.GetString(cfgKeyLogLevel)),
	}
	if err := cfg.Validate(); err != nil {
		return settings{}, err
	}
	return settings{configDir: configDir, dataDir: dataDir, config: cfg}, nil
}

// writeConfigIfMissing creates config.yaml for s if the file does not
// exist. It reports whether a file was written.
func writeConfigIfMissing(s settings) (bool, error) {
	path := filepath.Join(s.configDir, configFileExt)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}
	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}

	cfg := configFile{
		Connection: s.config.Connection,
		DataDir:    s.dataDir,
		LogLevel:   firstNonEmpty(s.config.LogLevel, defaultLogLevel),
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	return true, os.WriteFile(path, data, 0o644)
}

// newLogger builds the text logger used by every command.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
