// Package config loads settings shared by the CLI and the Lambda from
// ENHANCE_* environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fpang/enhance-studio/internal/enhance"
)

// Config holds all configuration.
type Config struct {
	API     APIConfig
	Resolve ResolveConfig
	Redis   RedisConfig
	AWS     AWSConfig
	Log     LogConfig
	Metrics bool
}

// APIConfig addresses the enhancement backend.
type APIConfig struct {
	BaseURL string
	Key     string
}

// ResolveConfig tunes the resolver.
type ResolveConfig struct {
	PollInterval time.Duration
	PollDelay    time.Duration
	MaxWait      time.Duration
}

type RedisConfig struct {
	URL string
}

// AWSConfig names the backend's AWS resources. Secrets are referenced by SSM
// parameter path, never stored here.
type AWSConfig struct {
	Table              string
	Bucket             string
	UploadPrefix       string
	StateMachineARN    string
	WorkerFunction     string
	WebhookSecretParam string
	APIKeyParam        string
}

type LogConfig struct {
	Level  string
	Format string
}

// Options converts the resolve settings into resolver options.
func (c ResolveConfig) Options() enhance.Options {
	return enhance.Options{
		PollInterval: c.PollInterval,
		PollDelay:    c.PollDelay,
		MaxWait:      c.MaxWait,
	}
}

// New returns a viper instance with defaults and ENHANCE_ env binding. Keys
// are dotted (resolve.max_wait) and map to ENHANCE_RESOLVE_MAX_WAIT.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ENHANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := enhance.DefaultOptions()
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.key", "")
	v.SetDefault("resolve.poll_interval", defaults.PollInterval)
	v.SetDefault("resolve.poll_delay", defaults.PollDelay)
	v.SetDefault("resolve.max_wait", defaults.MaxWait)
	v.SetDefault("redis.url", "")
	v.SetDefault("aws.table", "")
	v.SetDefault("aws.bucket", "")
	v.SetDefault("aws.upload_prefix", "enhance/input")
	v.SetDefault("aws.state_machine_arn", "")
	v.SetDefault("aws.worker_function", "")
	v.SetDefault("aws.webhook_secret_param", "/enhance-studio/prod/webhook-secret")
	v.SetDefault("aws.api_key_param", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("metrics", false)
	return v
}

// Load reads file into v when set, then builds and validates a Config.
// A missing explicit file is an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL: v.GetString("api.base_url"),
			Key:     v.GetString("api.key"),
		},
		Resolve: ResolveConfig{
			PollInterval: v.GetDuration("resolve.poll_interval"),
			PollDelay:    v.GetDuration("resolve.poll_delay"),
			MaxWait:      v.GetDuration("resolve.max_wait"),
		},
		Redis: RedisConfig{URL: v.GetString("redis.url")},
		AWS: AWSConfig{
			Table:              v.GetString("aws.table"),
			Bucket:             v.GetString("aws.bucket"),
			UploadPrefix:       v.GetString("aws.upload_prefix"),
			StateMachineARN:    v.GetString("aws.state_machine_arn"),
			WorkerFunction:     v.GetString("aws.worker_function"),
			WebhookSecretParam: v.GetString("aws.webhook_secret_param"),
			APIKeyParam:        v.GetString("aws.api_key_param"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: v.GetBool("metrics"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the resolver cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.Resolve.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("resolve.poll_interval must be positive, got %s", c.Resolve.PollInterval))
	}
	if c.Resolve.PollDelay < 0 {
		errs = append(errs, fmt.Errorf("resolve.poll_delay must not be negative, got %s", c.Resolve.PollDelay))
	}
	if c.Resolve.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("resolve.max_wait must be positive, got %s", c.Resolve.MaxWait))
	} else if c.Resolve.PollDelay >= c.Resolve.MaxWait {
		errs = append(errs, fmt.Errorf("resolve.poll_delay (%s) must be shorter than resolve.max_wait (%s)", c.Resolve.PollDelay, c.Resolve.MaxWait))
	}
	if c.AWS.StateMachineARN != "" && c.AWS.WorkerFunction != "" {
		errs = append(errs, errors.New("set only one of aws.state_machine_arn and aws.worker_function"))
	}
	return errors.Join(errs...)
}
