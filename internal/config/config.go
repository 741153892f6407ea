package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	ArchivePath string `mapstructure:"archive_path"`
	ArchiveDays int    `mapstructure:"archive_days"`
}

type QueueConfig struct {
	NumParallel              int    `mapstructure:"num_parallel"`
	EnableResourceScheduling bool   `mapstructure:"enable_resource_scheduling"`
	NumGPU                   int    `mapstructure:"num_gpu"`
	MaxGPU                   []int  `mapstructure:"max_gpu"`
	MinImageWidth            int    `mapstructure:"min_image_width"`
	MinImageHeight           int    `mapstructure:"min_image_height"`
	ProfilesPath             string `mapstructure:"profiles_path"`
	// RunHours lists the hours of day (0-23) during which jobs may start.
	RunHours              []int         `mapstructure:"run_hours"`
	RunHoursCheckInterval time.Duration `mapstructure:"run_hours_check_interval"`
}

type TranscoderConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
	TempDir     string `mapstructure:"temp_dir"`
}

type WebhookConfig struct {
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QueueSize    int           `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultParallelism is a quarter of the logical cores, at least one.
func DefaultParallelism() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 4 {
		return 1
	}
	return n / 4
}

func allHours() []int {
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	return hours
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.session_ttl", 24*time.Hour)

	v.SetDefault("database.path", "./data/tsfarm.db")
	v.SetDefault("database.archive_path", "./data/archives")
	v.SetDefault("database.archive_days", 30)

	v.SetDefault("queue.num_parallel", DefaultParallelism())
	v.SetDefault("queue.enable_resource_scheduling", true)
	v.SetDefault("queue.num_gpu", 1)
	v.SetDefault("queue.max_gpu", []int{100})
	v.SetDefault("queue.min_image_width", 320)
	v.SetDefault("queue.min_image_height", 240)
	v.SetDefault("queue.profiles_path", "./profiles.yaml")
	v.SetDefault("queue.run_hours", allHours())
	v.SetDefault("queue.run_hours_check_interval", time.Minute)

	v.SetDefault("transcoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcoder.ffprobe_path", "ffprobe")
	v.SetDefault("transcoder.temp_dir", os.TempDir())

	v.SetDefault("webhook.retry_max", 3)
	v.SetDefault("webhook.retry_wait_min", time.Second)
	v.SetDefault("webhook.retry_wait_max", 5*time.Second)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.queue_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load merges defaults, the YAML file at configPath (optional) and TSFARM_*
// environment variables, in increasing precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TSFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.SessionTTL < 0 {
		return fmt.Errorf("session ttl must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Queue.NumParallel < 0 {
		return fmt.Errorf("num_parallel must be non-negative")
	}

	if c.Queue.NumGPU < 1 {
		return fmt.Errorf("num_gpu must be at least 1")
	}

	for i, m := range c.Queue.MaxGPU {
		if m < 0 {
			return fmt.Errorf("max_gpu[%d] must be non-negative", i)
		}
	}

	if c.Queue.MinImageWidth < 0 || c.Queue.MinImageHeight < 0 {
		return fmt.Errorf("minimum image size must be non-negative")
	}

	for _, h := range c.Queue.RunHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("run_hours entries must be between 0 and 23, got %d", h)
		}
	}

	if c.Queue.RunHoursCheckInterval <= 0 {
		return fmt.Errorf("run hours check interval must be positive")
	}

	if c.Webhook.RetryMax < 0 {
		return fmt.Errorf("webhook retry max must be non-negative")
	}

	if c.Webhook.RetryWaitMin < 0 || c.Webhook.RetryWaitMax < c.Webhook.RetryWaitMin {
		return fmt.Errorf("webhook retry waits must satisfy 0 <= min <= max")
	}

	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}

	if c.Webhook.QueueSize < 1 {
		return fmt.Errorf("webhook queue size must be at least 1")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
