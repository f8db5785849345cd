package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Points     PointsConfig     `mapstructure:"points"`
	Job        JobConfig        `mapstructure:"job"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvent  string `mapstructure:"ledger_event"`
	Notification string `mapstructure:"notification"`
}

// LedgerConfig 总账入账相关参数
type LedgerConfig struct {
	MaxRetryCount   int   `mapstructure:"max_retry_count"`   // 乐观锁冲突重试次数
	RetryIntervalMs int   `mapstructure:"retry_interval_ms"` // 重试间隔
	OverdraftFloor  int64 `mapstructure:"overdraft_floor"`   // 透支下限（override 时 remaining 最多到 -floor）
}

// AllocationConfig 拨款引擎参数
// 绩效得分 = 1 + ambassador_weight*大使数 + task_weight*任务数 + rating_weight*(平均评分-3)
// 缩放系数 clamp 到 [scale_min, scale_max]，避免单月波动把预算放大到失控
type AllocationConfig struct {
	AmbassadorWeight float64 `mapstructure:"ambassador_weight"`
	TaskWeight       float64 `mapstructure:"task_weight"`
	RatingWeight     float64 `mapstructure:"rating_weight"`
	DefaultRating    float64 `mapstructure:"default_rating"` // 任务系统未接入时的兜底评分
	ScaleMin         float64 `mapstructure:"scale_min"`
	ScaleMax         float64 `mapstructure:"scale_max"`
}

// PointsConfig 积分参数
type PointsConfig struct {
	ConversionRate int64 `mapstructure:"conversion_rate"` // 每单位货币折算积分数，建户时写入积分户
}

// JobConfig 后台任务参数
type JobConfig struct {
	AllocationIntervalSeconds int `mapstructure:"allocation_interval_seconds"`
	RefillIntervalSeconds     int `mapstructure:"refill_interval_seconds"`
	ExpiryIntervalSeconds     int `mapstructure:"expiry_interval_seconds"`
	MaxRetryCount             int `mapstructure:"max_retry_count"` // outbox 投递重试上限
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// Default 返回一套可直接运行的默认业务参数（测试使用）
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			MaxRetryCount:   3,
			RetryIntervalMs: 50,
			OverdraftFloor:  0,
		},
		Allocation: AllocationConfig{
			AmbassadorWeight: 0.005,
			TaskWeight:       0.002,
			RatingWeight:     0.05,
			DefaultRating:    3.0,
			ScaleMin:         0.8,
			ScaleMax:         1.5,
		},
		Points: PointsConfig{
			ConversionRate: 100,
		},
		Job: JobConfig{
			AllocationIntervalSeconds: 3600,
			RefillIntervalSeconds:     60,
			ExpiryIntervalSeconds:     300,
			MaxRetryCount:             3,
		},
	}
}
