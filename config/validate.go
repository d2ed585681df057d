package config

import (
	"fmt"
	"strings"

	"github.com/BaSui01/streamgate/llm/streaming"
)

// Validate 验证配置，汇总所有错误后一次返回
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		errs = append(errs, "rate_limit_burst must be positive when rate limiting is enabled")
	}

	if _, err := streaming.ParseTransforms(c.Stream.Transforms); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := streaming.ParseNormalizer(c.Stream.DefaultNormalizer); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Stream.JoinTimeout < 0 || c.Stream.IdleTimeout < 0 {
		errs = append(errs, "stream timeouts must not be negative")
	}
	if c.Stream.MaxSources <= 0 {
		errs = append(errs, "max_sources must be positive")
	}
	if c.Stream.ChannelPrefix == "" {
		errs = append(errs, "channel_prefix is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
