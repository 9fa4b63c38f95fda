package config

import (
	"fmt"
	"os"
	"time"

	"eventnotify/internal/deliveryclient"
	"eventnotify/internal/deliveryserver"
	"eventnotify/internal/dispatcher"
	"eventnotify/internal/scheduler"
	"eventnotify/pkg/config"
	"eventnotify/pkg/logger"
	"eventnotify/pkg/otel"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	TransportLocal = "local"
	TransportAMQP  = "amqp"
)

type StorageConfig struct {
	// postgres 或 memory
	Driver string `yaml:"driver"`
}

type DispatcherConfig struct {
	dispatcher.Config `yaml:",inline"`
	// local: 进程内通道；amqp: RabbitMQ jobs 交换机
	Transport string `yaml:"transport"`
}

type SweeperConfig struct {
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
	Batch             int `yaml:"batch"`
}

func (c SweeperConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

type OutboxConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	BatchSize       int  `yaml:"batch_size"`
	MaxRetries      int  `yaml:"max_retries"`
}

func (c OutboxConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Config worker 和 delivery-server 共用的配置
type Config struct {
	Log        logger.Config         `yaml:"log"`
	DB         config.DBConfig       `yaml:"db"`
	MQ         config.MQConfig       `yaml:"mq"`
	Redis      config.RedisConfig    `yaml:"redis"`
	Otel       otel.Config           `yaml:"otel"`
	Storage    StorageConfig         `yaml:"storage"`
	HTTPAddr   string                `yaml:"http_addr"`
	Server     deliveryserver.Config `yaml:"server"`
	Client     deliveryclient.Config `yaml:"client"`
	Dispatcher DispatcherConfig      `yaml:"dispatcher"`
	Scheduler  scheduler.Config      `yaml:"scheduler"`
	Sweeper    SweeperConfig         `yaml:"sweeper"`
	Outbox     OutboxConfig          `yaml:"outbox"`
	// Redis 去重键的过期时间，Redis 未配置时不去重
	DedupTTLSeconds int `yaml:"dedup_ttl_seconds"`
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

// Load 使用统一配置中心：base.yaml + <CONFIG_ENV>.yaml + secrets.env，环境变量优先级最高
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 所有配置项的默认值，yaml 中出现的字段会覆盖
func Default() *Config {
	return &Config{
		Log:      logger.Config{Level: "info"},
		Otel:     otel.Config{ServiceName: "eventnotify", ServiceVersion: "dev"},
		Storage:  StorageConfig{Driver: StorageMemory},
		HTTPAddr: ":8080",
		Server: deliveryserver.Config{
			Addr:          deliveryserver.DefaultAddr,
			MaxConcurrent: deliveryserver.DefaultMaxConcurrent,
		},
		Client: deliveryclient.Config{
			Target:            deliveryclient.DefaultTarget,
			TimeoutSeconds:    int(deliveryclient.DefaultTimeout / time.Second),
			ClaimLeaseSeconds: int(deliveryclient.DefaultClaimLease / time.Second),
		},
		Dispatcher: DispatcherConfig{
			Config: dispatcher.Config{
				High:    dispatcher.LaneConfig{Workers: 4},
				Default: dispatcher.LaneConfig{Workers: 1},
				Retry:   dispatcher.RetryPolicy{MaxAttempts: 1},
				Buffer:  dispatcher.DefaultLocalBuffer,
			},
			Transport: TransportLocal,
		},
		Scheduler: scheduler.Config{
			ReminderSpec: scheduler.DefaultReminderSpec,
			SweepSpec:    scheduler.DefaultSweepSpec,
		},
		Sweeper: SweeperConfig{StaleAfterSeconds: 300, Batch: 100},
		Outbox: OutboxConfig{
			IntervalSeconds: 5,
			BatchSize:       100,
			MaxRetries:      3,
		},
		DedupTTLSeconds: 86400,
	}
}

func overrideFromEnv(cfg *Config) {
	if target := os.Getenv("DELIVERY_TARGET"); target != "" {
		cfg.Client.Target = target
	}
	if addr := os.Getenv("RPC_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if transport := os.Getenv("JOB_TRANSPORT"); transport != "" {
		cfg.Dispatcher.Transport = transport
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Otel.Endpoint = endpoint
		cfg.Otel.Enabled = true
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Dispatcher.Transport {
	case TransportLocal:
	case TransportAMQP:
		if c.MQ.URL == "" {
			return fmt.Errorf("dispatcher transport amqp requires mq.url")
		}
	default:
		return fmt.Errorf("unknown dispatcher transport %q", c.Dispatcher.Transport)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Client.Target == "" {
		return fmt.Errorf("client.target is required")
	}
	return nil
}
