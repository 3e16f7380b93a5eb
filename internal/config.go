package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const configDirName = ".udprep"

type SenderConfig struct {
	MSS           int    `mapstructure:"mss"`
	WindowSize    int    `mapstructure:"window_size"`
	RetryAfterMs  int    `mapstructure:"retry_after_ms"`
	AckIntervalMs int    `mapstructure:"ack_interval_ms"`
	MaxRetries    int    `mapstructure:"max_retries"`
	PeerTimeoutMs int    `mapstructure:"peer_timeout_ms"`
	RateLimitMbps int    `mapstructure:"rate_limit_mbps"`
	SenderID      string `mapstructure:"sender_id"`
	LogLevel      string `mapstructure:"log_level"`
}

func (cfg *SenderConfig) RetryAfter() time.Duration {
	return time.Duration(cfg.RetryAfterMs) * time.Millisecond
}

func (cfg *SenderConfig) AckInterval() time.Duration {
	return time.Duration(cfg.AckIntervalMs) * time.Millisecond
}

func (cfg *SenderConfig) PeerTimeout() time.Duration {
	return time.Duration(cfg.PeerTimeoutMs) * time.Millisecond
}

// SenderUUID parses sender_id, falling back to a fresh id when it is unset or invalid.
func (cfg *SenderConfig) SenderUUID() uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(cfg.SenderID))
	if err != nil {
		return uuid.New()
	}
	return id
}

func LoadSenderConfig(configPath string) (*SenderConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v, err := initViper(configPath, filepath.Join(home, configDirName), "sender_config", "toml", "UDPREP_SENDER")
	if err != nil {
		return nil, err
	}

	v.SetDefault("mss", 1400)
	v.SetDefault("window_size", 10)
	v.SetDefault("retry_after_ms", 2000)
	v.SetDefault("ack_interval_ms", 100)
	v.SetDefault("max_retries", 5)
	v.SetDefault("peer_timeout_ms", 30_000)
	v.SetDefault("rate_limit_mbps", 0)
	v.SetDefault("sender_id", uuid.New().String())
	v.SetDefault("log_level", "info")

	var cfg SenderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !configFileRead(v) {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, configDirName, "sender_config.toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default sender config: %w", err)
			}
			Info("sender config written", Fields{
				ConfigPath: writePath,
			})
		}
	}
	return &cfg, nil
}

func (cfg *SenderConfig) Validate() error {
	if cfg.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", cfg.WindowSize)
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", cfg.MaxRetries)
	}
	if cfg.RetryAfterMs <= 0 {
		return fmt.Errorf("retry_after_ms must be positive, got %d", cfg.RetryAfterMs)
	}
	return nil
}

func (cfg *SenderConfig) Save(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, configDirName, "sender_config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("mss", cfg.MSS)
	v.Set("window_size", cfg.WindowSize)
	v.Set("retry_after_ms", cfg.RetryAfterMs)
	v.Set("ack_interval_ms", cfg.AckIntervalMs)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("peer_timeout_ms", cfg.PeerTimeoutMs)
	v.Set("rate_limit_mbps", cfg.RateLimitMbps)
	v.Set("sender_id", cfg.SenderID)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write sender config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

type ReceiverConfig struct {
	Port            int     `mapstructure:"port"`
	RootDir         string  `mapstructure:"root_dir"`
	SessionCapacity int     `mapstructure:"session_capacity"`
	ReorderBuffer   int     `mapstructure:"reorder_buffer"`
	SessionTTLSecs  int     `mapstructure:"session_ttl"`
	LingerSecs      int     `mapstructure:"completed_linger"`
	DropPercent     float64 `mapstructure:"drop_percent"`
	DropSeed        uint64  `mapstructure:"drop_seed"`
	ReadBufferSize  int     `mapstructure:"read_buffer_size"`
	MetricsAddr     string  `mapstructure:"metrics_addr"`
	LogLevel        string  `mapstructure:"log_level"`
}

func (cfg *ReceiverConfig) SessionTTL() time.Duration {
	return time.Duration(cfg.SessionTTLSecs) * time.Second
}

// CompletedLinger is how long a finished session keeps its slot. Zero leaves
// the receiver default in place.
func (cfg *ReceiverConfig) CompletedLinger() time.Duration {
	return time.Duration(cfg.LingerSecs) * time.Second
}

func LoadReceiverConfig(configPath string) (*ReceiverConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New("failed to load users home directory: " + err.Error())
	}
	v, err := initViper(configPath, filepath.Join(home, configDirName), "receiver_config", "toml", "UDPREP_RECEIVER")
	if err != nil {
		return nil, errors.New("failed to load receiver config: " + err.Error())
	}

	v.SetDefault("port", 9877)
	v.SetDefault("root_dir", "")
	v.SetDefault("session_capacity", 32)
	v.SetDefault("reorder_buffer", 5)
	v.SetDefault("session_ttl", 60)
	v.SetDefault("completed_linger", 15)
	v.SetDefault("drop_percent", 0)
	v.SetDefault("drop_seed", 1)
	v.SetDefault("read_buffer_size", 64*1024)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	var cfg ReceiverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.RootDir = expandPath(cfg.RootDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !configFileRead(v) {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(home, configDirName, "receiver_config.toml")
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default receiver config: %w", err)
			}
			Info("receiver config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func (cfg *ReceiverConfig) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.SessionCapacity <= 0 {
		return fmt.Errorf("session_capacity must be positive, got %d", cfg.SessionCapacity)
	}
	if cfg.ReorderBuffer <= 0 {
		return fmt.Errorf("reorder_buffer must be positive, got %d", cfg.ReorderBuffer)
	}
	if cfg.LingerSecs < 0 {
		return fmt.Errorf("completed_linger must not be negative, got %d", cfg.LingerSecs)
	}
	if cfg.DropPercent < 0 || cfg.DropPercent > 100 {
		return fmt.Errorf("drop_percent must be within [0,100], got %v", cfg.DropPercent)
	}
	return nil
}

func (cfg *ReceiverConfig) Save(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, configDirName, "receiver_config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("port", cfg.Port)
	v.Set("root_dir", cfg.RootDir)
	v.Set("session_capacity", cfg.SessionCapacity)
	v.Set("reorder_buffer", cfg.ReorderBuffer)
	v.Set("session_ttl", cfg.SessionTTLSecs)
	v.Set("completed_linger", cfg.LingerSecs)
	v.Set("drop_percent", cfg.DropPercent)
	v.Set("drop_seed", cfg.DropSeed)
	v.Set("read_buffer_size", cfg.ReadBufferSize)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write receiver config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		if configPath != "" && errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		Error("failed to read config file", Fields{
			ConfigPath: configPath,
			FieldError: err.Error(),
		})
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// configFileRead reports whether v was populated from a file that exists.
// ConfigFileUsed alone is not enough since SetConfigFile records the path
// even when it is missing.
func configFileRead(v *viper.Viper) bool {
	used := v.ConfigFileUsed()
	if used == "" {
		return false
	}
	_, err := os.Stat(used)
	return err == nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
