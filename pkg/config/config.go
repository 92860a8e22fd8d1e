// Package config loads orchestrator settings from a YAML file and
// DROVER_-prefixed environment variables, with sane defaults for every
// key. Environment beats file beats default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultListenAddr is where the API and the worker channel listen.
const DefaultListenAddr = ":7740"

// Config is the full orchestrator configuration tree.
type Config struct {
	// Listen is the HTTP/websocket bind address.
	Listen string `mapstructure:"listen"`

	// DataDir roots the bbolt store and artifact blobs.
	DataDir string `mapstructure:"data_dir"`

	// OrchestratorURL is advertised to provisioned workers. Empty
	// derives a loopback URL from Listen.
	OrchestratorURL string `mapstructure:"orchestrator_url"`

	// ShutdownGrace bounds how long shutdown waits for in-flight jobs.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// Providers names the enabled worker backends, in registry order.
	Providers []string `mapstructure:"providers"`

	Log        Log        `mapstructure:"log"`
	Queue      Queue      `mapstructure:"queue"`
	Hub        Hub        `mapstructure:"hub"`
	Autoscale  Loop       `mapstructure:"autoscale"`
	Metrics    Loop       `mapstructure:"metrics"`
	Monitor    Loop       `mapstructure:"monitor"`
	Reconcile  Loop       `mapstructure:"reconcile"`
	Containerd Containerd `mapstructure:"containerd"`
	Cluster    Cluster    `mapstructure:"cluster"`
	Simulated  Simulated  `mapstructure:"simulated"`
}

// Log controls zerolog output.
type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Queue tunes the job queue.
type Queue struct {
	MaxSize     int  `mapstructure:"max_size"`
	MaxRetries  int  `mapstructure:"max_retries"`
	FailExpired bool `mapstructure:"fail_expired"`
}

// Hub tunes the worker channel.
type Hub struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Compression       string        `mapstructure:"compression"`
	ChunkDelay        time.Duration `mapstructure:"chunk_delay"`
}

// Loop is a single background-loop cadence.
type Loop struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Containerd configures the containerd provider.
type Containerd struct {
	Address     string `mapstructure:"address"`
	Namespace   string `mapstructure:"namespace"`
	TotalCPU    string `mapstructure:"total_cpu"`
	TotalMemory string `mapstructure:"total_memory"`
}

// Cluster configures the remote cluster-manager provider.
type Cluster struct {
	Endpoint string `mapstructure:"endpoint"`
	APIToken string `mapstructure:"api_token"`
}

// Simulated configures the in-memory provider.
type Simulated struct {
	TotalCPU    string `mapstructure:"total_cpu"`
	TotalMemory string `mapstructure:"total_memory"`
}

// Load reads configuration. With an explicit path the file must exist;
// otherwise drover.yaml is searched in the working directory and
// /etc/drover, and a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("drover")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/drover")
	}

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListenAddr)
	v.SetDefault("data_dir", "/var/lib/drover")
	v.SetDefault("orchestrator_url", "")
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("providers", []string{"simulated"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.fail_expired", false)

	v.SetDefault("hub.heartbeat_interval", 30*time.Second)
	v.SetDefault("hub.compression", "zstd")
	v.SetDefault("hub.chunk_delay", time.Duration(0))

	v.SetDefault("autoscale.interval", 30*time.Second)
	v.SetDefault("metrics.interval", 60*time.Second)
	v.SetDefault("monitor.interval", 15*time.Second)
	v.SetDefault("reconcile.interval", 10*time.Second)

	v.SetDefault("containerd.address", "/run/containerd/containerd.sock")
	v.SetDefault("containerd.namespace", "drover")
	v.SetDefault("containerd.total_cpu", "")
	v.SetDefault("containerd.total_memory", "")

	v.SetDefault("cluster.endpoint", "")
	v.SetDefault("cluster.api_token", "")

	v.SetDefault("simulated.total_cpu", "8")
	v.SetDefault("simulated.total_memory", "16Gi")
}
