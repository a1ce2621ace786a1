package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Running struct {
	Port int `mapstructure:"port"`
	// 单条 op_submit 的处理时限
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type Mysql struct {
	DSN string `mapstructure:"dsn"`
}

type Redis struct {
	// 一个地址为单机，多个地址为集群
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
}

type Kafka struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
	Workers   int      `mapstructure:"workers"`
	MaxRetry  int      `mapstructure:"max_retry"`
}

type Auth struct {
	Secret string `mapstructure:"secret"`
}

type History struct {
	// memory | pebble | mysql
	Backend       string        `mapstructure:"backend"`
	DataDir       string        `mapstructure:"data_dir"`
	Fsync         string        `mapstructure:"fsync"`
	FsyncInterval time.Duration `mapstructure:"fsync_interval"`
}

type Presence struct {
	// memory | redis
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type Broadcast struct {
	QueueSize int `mapstructure:"queue_size"`
}

type Sequencer struct {
	MaxInflight    int           `mapstructure:"max_inflight"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type Snapshot struct {
	// 0 表示不做快照；需要 mysql
	Interval time.Duration `mapstructure:"interval"`
}

type Metadata struct {
	// 没有 mysql 时：true 表示任何文档都存在、任何人可编辑
	Open     bool          `mapstructure:"open"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type Config struct {
	Running   Running   `mapstructure:"running"`
	Mysql     Mysql     `mapstructure:"mysql"`
	Redis     Redis     `mapstructure:"redis"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Auth      Auth      `mapstructure:"auth"`
	History   History   `mapstructure:"history"`
	Presence  Presence  `mapstructure:"presence"`
	Broadcast Broadcast `mapstructure:"broadcast"`
	Sequencer Sequencer `mapstructure:"sequencer"`
	Snapshot  Snapshot  `mapstructure:"snapshot"`
	Metadata  Metadata  `mapstructure:"metadata"`
}

// Default 不依赖任何外部组件的配置：内存日志、内存在线状态、不发 Kafka
func Default() Config {
	return Config{
		Running:   Running{Port: 8081, SubmitTimeout: 2 * time.Second},
		Auth:      Auth{Secret: "dev-secret"},
		Kafka:     Kafka{Topic: "collab-audit", QueueSize: 10_000, Workers: 4, MaxRetry: 3},
		History:   History{Backend: "memory", DataDir: "./data/history", Fsync: "always", FsyncInterval: 100 * time.Millisecond},
		Presence:  Presence{Backend: "memory", TTL: 30 * time.Minute, SweepInterval: time.Minute},
		Broadcast: Broadcast{QueueSize: 256},
		Sequencer: Sequencer{MaxInflight: 100, AcquireTimeout: 200 * time.Millisecond},
		Metadata:  Metadata{Open: true, CacheTTL: 5 * time.Second},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	// AutomaticEnv 只对 viper 已知的 key 生效，所有 key 都要先登记默认值
	v.SetDefault("running.port", d.Running.Port)
	v.SetDefault("running.submit_timeout", d.Running.SubmitTimeout)
	v.SetDefault("mysql.dsn", d.Mysql.DSN)
	v.SetDefault("redis.addrs", d.Redis.Addrs)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.queue_size", d.Kafka.QueueSize)
	v.SetDefault("kafka.workers", d.Kafka.Workers)
	v.SetDefault("kafka.max_retry", d.Kafka.MaxRetry)
	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("history.backend", d.History.Backend)
	v.SetDefault("history.data_dir", d.History.DataDir)
	v.SetDefault("history.fsync", d.History.Fsync)
	v.SetDefault("history.fsync_interval", d.History.FsyncInterval)
	v.SetDefault("presence.backend", d.Presence.Backend)
	v.SetDefault("presence.ttl", d.Presence.TTL)
	v.SetDefault("presence.sweep_interval", d.Presence.SweepInterval)
	v.SetDefault("broadcast.queue_size", d.Broadcast.QueueSize)
	v.SetDefault("sequencer.max_inflight", d.Sequencer.MaxInflight)
	v.SetDefault("sequencer.acquire_timeout", d.Sequencer.AcquireTimeout)
	v.SetDefault("snapshot.interval", d.Snapshot.Interval)
	v.SetDefault("metadata.open", d.Metadata.Open)
	v.SetDefault("metadata.cache_ttl", d.Metadata.CacheTTL)
}

// Load 读取配置文件并应用 COLLAB_ 前缀的环境变量（例如 COLLAB_RUNNING_PORT）。
// file 为空时按顺序查找 collabConfig.yaml；找不到文件不算错误。
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.History.Backend {
	case "memory", "pebble":
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("history.backend=mysql requires mysql.dsn")
		}
	default:
		return fmt.Errorf("unknown history.backend %q", c.History.Backend)
	}
	switch c.History.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("unknown history.fsync %q", c.History.Fsync)
	}
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return errors.New("presence.backend=redis requires redis.addrs")
		}
	default:
		return fmt.Errorf("unknown presence.backend %q", c.Presence.Backend)
	}
	if c.Snapshot.Interval > 0 && c.Mysql.DSN == "" {
		return errors.New("snapshot.interval requires mysql.dsn")
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("invalid running.port %d", c.Running.Port)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is empty")
	}
	return nil
}
