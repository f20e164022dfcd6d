// watchmux/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin      string `mapstructure:"FF_BIN"`
	FFProbeBin string `mapstructure:"FFPROBE_BIN"`

	// WatchRoot is the positional CLI argument, not a viper key.
	WatchRoot string

	SourceExt string `mapstructure:"SOURCE_EXT"`
	TargetExt string `mapstructure:"TARGET_EXT"`

	MaxConcurrency int `mapstructure:"MAX_CONCURRENCY"`
	QueueSize      int `mapstructure:"QUEUE_SIZE"`

	DebounceWindow    time.Duration `mapstructure:"DEBOUNCE_WINDOW"`
	SettleInterval    time.Duration `mapstructure:"SETTLE_INTERVAL"`
	SettleSamples     int           `mapstructure:"SETTLE_SAMPLES"`
	RetryLimit        int           `mapstructure:"RETRY_LIMIT"`
	RetryBackoff      time.Duration `mapstructure:"RETRY_BACKOFF"`
	JobTimeout        time.Duration `mapstructure:"JOB_TIMEOUT"`
	DurationTolerance time.Duration `mapstructure:"DURATION_TOLERANCE"`

	AudioCodec   string `mapstructure:"AUDIO_CODEC"`
	AudioBitrate string `mapstructure:"AUDIO_BITRATE"`
	FFExtraArgs  string `mapstructure:"FF_EXTRA_ARGS"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	StatusAddr string `mapstructure:"STATUS_ADDR"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("SOURCE_EXT", ".mkv")
	vp.SetDefault("TARGET_EXT", ".mp4")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("QUEUE_SIZE", 256)
	vp.SetDefault("DEBOUNCE_WINDOW", "500ms")
	vp.SetDefault("SETTLE_INTERVAL", "2s")
	vp.SetDefault("SETTLE_SAMPLES", 2)
	vp.SetDefault("RETRY_LIMIT", 3)
	vp.SetDefault("RETRY_BACKOFF", "10s")
	vp.SetDefault("JOB_TIMEOUT", "2h")
	vp.SetDefault("DURATION_TOLERANCE", "1s")
	vp.SetDefault("AUDIO_CODEC", "aac")
	vp.SetDefault("AUDIO_BITRATE", "128k")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("STATUS_ADDR", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")

	// Load from config file
	vp.SetConfigName("watchmux_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/watchmux/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("WATCHMUX")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	cfg.SourceExt = normalizeExt(cfg.SourceExt)
	cfg.TargetExt = normalizeExt(cfg.TargetExt)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.SourceExt == "." || c.TargetExt == "." {
		return fmt.Errorf("source and target extensions must be non-empty")
	}
	if c.SourceExt == c.TargetExt {
		return fmt.Errorf("source extension %q equals target extension; conversion would overwrite its own input", c.SourceExt)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.SettleSamples < 1 {
		return fmt.Errorf("SETTLE_SAMPLES must be at least 1, got %d", c.SettleSamples)
	}
	if c.SettleInterval <= 0 {
		return fmt.Errorf("SETTLE_INTERVAL must be positive, got %v", c.SettleInterval)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("RETRY_LIMIT must not be negative, got %d", c.RetryLimit)
	}
	if c.AuthEnable && c.AuthKey == "" {
		return fmt.Errorf("AUTH_ENABLE is set but AUTH_KEY is empty")
	}
	return nil
}

// normalizeExt lowercases an extension and ensures a leading dot, so that
// ".MKV", "mkv" and ".mkv" all configure the same filter.
func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
