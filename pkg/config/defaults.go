package config

import (
	"time"

	"github.com/spf13/viper"
)

// Defaults applied before file and environment merging.
const (
	DefaultListen          = "3128"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 60 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyBuffer      = 1 << 20
	DefaultMetricsAddress  = "127.0.0.1:9321"
)

func applyDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("auth", "ntlm")
	v.SetDefault("listen", []string{DefaultListen})

	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("read_timeout", DefaultReadTimeout)
	v.SetDefault("idle_conn_timeout", DefaultIdleConnTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("body_buffer_limit", DefaultBodyBuffer)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", DefaultMetricsAddress)
}
