// Package config 基于 viper 的应用配置：配置文件 + COMFYUME_ 环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Serverless ServerlessConfig `mapstructure:"serverless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RedisConfig 共享存储（Redis）连接配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// DialTimeout/ReadTimeout 连接与单命令超时，如 "5s"/"10s"，空则用默认
	DialTimeout string `mapstructure:"dial_timeout"`
	ReadTimeout string `mapstructure:"read_timeout"`
	PoolSize    int    `mapstructure:"pool_size"`
}

// Addr 返回 host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig 队列调度配置
type QueueConfig struct {
	// Mode 出队纪律：fifo | priority | round_robin
	Mode string `mapstructure:"mode"`
	// MaxDepth pending 上限，<=0 表示不限
	MaxDepth int `mapstructure:"max_depth"`
	// JobTimeout running 超时（reaper 判定），如 "1h"
	JobTimeout string `mapstructure:"job_timeout"`
	// ReaperInterval reaper 扫描周期，如 "60s"
	ReaperInterval string `mapstructure:"reaper_interval"`
	// HeartbeatTTL worker 心跳过期时间，如 "60s"
	HeartbeatTTL string `mapstructure:"heartbeat_ttl"`
}

// ServerlessConfig 直发弹性后端（serverless 模式）配置
type ServerlessConfig struct {
	// Mode 推理模式：local | redis 走队列；serverless 直发后端
	Mode     string `mapstructure:"mode"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	// Delivery 结果交付策略：sfs（目录监视，默认）| http（history 轮询回退）
	Delivery string `mapstructure:"delivery"`
	// SFSOutputDir 共享文件系统输出目录（sfs 策略）
	SFSOutputDir string `mapstructure:"sfs_output_dir"`
	// SFSPollInterval 目录扫描间隔，如 "3s"
	SFSPollInterval string `mapstructure:"sfs_poll_interval"`
	// SFSSettleTime 首个匹配文件出现后的收敛等待，如 "2s"
	SFSSettleTime string `mapstructure:"sfs_settle_time"`
	// MaxWait 单次提交的总等待上限，如 "10m"
	MaxWait string `mapstructure:"max_wait"`
	// HistoryPollInterval history 轮询间隔（http 策略），如 "2s"
	HistoryPollInterval string `mapstructure:"history_poll_interval"`
	// HistoryPollTimeout 单次 history 请求超时，如 "10s"
	HistoryPollTimeout string `mapstructure:"history_poll_timeout"`
}

// StorageConfig 本地产物路径配置
type StorageConfig struct {
	// OutputsPath 用户私有输出区根目录（outputs/{user_id}/）
	OutputsPath string `mapstructure:"outputs_path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 可观测配置
type MonitoringConfig struct {
	// Tracing 为 true 时启用 OpenTelemetry（hertz server tracer）
	Tracing      bool   `mapstructure:"tracing"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// Load 加载配置：./configs/config.yaml（可缺省）+ COMFYUME_ 环境变量覆盖
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("comfyume")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件可缺省，全部走默认值与环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)

	v.SetDefault("redis.host", "redis")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "10s")
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("queue.mode", "fifo")
	v.SetDefault("queue.max_depth", 100)
	v.SetDefault("queue.job_timeout", "1h")
	v.SetDefault("queue.reaper_interval", "60s")
	v.SetDefault("queue.heartbeat_ttl", "60s")

	v.SetDefault("serverless.mode", "local")
	v.SetDefault("serverless.endpoint", "")
	v.SetDefault("serverless.delivery", "sfs")
	v.SetDefault("serverless.sfs_output_dir", "/mnt/sfs/outputs")
	v.SetDefault("serverless.sfs_poll_interval", "3s")
	v.SetDefault("serverless.sfs_settle_time", "2s")
	v.SetDefault("serverless.max_wait", "10m")
	v.SetDefault("serverless.history_poll_interval", "2s")
	v.SetDefault("serverless.history_poll_timeout", "10s")

	v.SetDefault("storage.outputs_path", "/outputs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.tracing", false)
	v.SetDefault("monitoring.service_name", "queue-manager")
}

// Validate 校验模式取值与时长格式
func (c *Config) Validate() error {
	switch c.Queue.Mode {
	case "fifo", "priority", "round_robin":
	default:
		return fmt.Errorf("invalid queue.mode %q (want fifo|priority|round_robin)", c.Queue.Mode)
	}
	switch c.Serverless.Mode {
	case "local", "redis", "serverless":
	default:
		return fmt.Errorf("invalid serverless.mode %q (want local|redis|serverless)", c.Serverless.Mode)
	}
	// 直发模式没有端点就无处提交，与其静默退回队列不如启动即拒绝
	if c.Serverless.Mode == "serverless" && c.Serverless.Endpoint == "" {
		return fmt.Errorf("serverless.endpoint is required when serverless.mode is %q", c.Serverless.Mode)
	}
	switch c.Serverless.Delivery {
	case "", "sfs", "http":
	default:
		return fmt.Errorf("invalid serverless.delivery %q (want sfs|http)", c.Serverless.Delivery)
	}
	for name, val := range map[string]string{
		"queue.job_timeout":                c.Queue.JobTimeout,
		"queue.reaper_interval":            c.Queue.ReaperInterval,
		"queue.heartbeat_ttl":              c.Queue.HeartbeatTTL,
		"serverless.sfs_poll_interval":     c.Serverless.SFSPollInterval,
		"serverless.sfs_settle_time":       c.Serverless.SFSSettleTime,
		"serverless.max_wait":              c.Serverless.MaxWait,
		"serverless.history_poll_interval": c.Serverless.HistoryPollInterval,
		"serverless.history_poll_timeout":  c.Serverless.HistoryPollTimeout,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// Duration 解析时长字段，空或非法时返回 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
