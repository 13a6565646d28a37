// internal/service/config.go
package service

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig          `mapstructure:"Exchange"`
	Screener ScreenerConfig          `mapstructure:"Screener"`
	Traders  map[string]TraderConfig `mapstructure:"Traders"`
}

// ExchangeConfig 定义了行情源的连接信息
type ExchangeConfig struct {
	Name      string
	WSURL     string
	RESTURL   string
	Symbols   []string // 要订阅的交易对，如 BTCUSDT
	Intervals []string // 要订阅的 K 线周期，如 1m, 5m, 1h
}

// ScreenerConfig 定义了筛选引擎的容量和调度参数
type ScreenerConfig struct {
	MaxSymbols          int           // 符号总容量上限，超出为致命配置错误
	KlineCapacity       int           // 每个 (symbol, interval) 的 K 线环形容量
	MinBars             int           // 评估一个符号所需的最小 K 线数量
	CycleInterval       time.Duration // 排空/评估循环周期
	BatchSize           int           // 单批评估的脏符号数量上限
	TickerMinInterval   time.Duration // 同一符号两次 Ticker 更新的最小间隔 (限流)
	MaxCacheSize        int           // 每个评估器的 trader 状态缓存上限
	MaxCompiledFilters  int           // 驻留的已编译过滤器数量上限
	MaintenanceInterval time.Duration // 缓存维护周期
	ErrorRateThreshold  int           // 每分钟错误数阈值，超过触发恢复流程
	RecoveryBackoff     time.Duration // 恢复前的固定退避时间
	FilterTimeout       time.Duration // 单次过滤器执行的墙钟超时
}

// TraderConfig 定义了通过配置文件预载的 trader
type TraderConfig struct {
	Filter          string        // 过滤器源码 (Go 表达式体)
	Timeframes      []string      // 过滤器需要的 K 线周期
	RefreshInterval time.Duration // 元数据：期望的刷新间隔
	Language        string        // 执行方式: "go" (本地 yaegi) 或 "remote"
	RemoteEndpoint  string        // Language=remote 时的执行服务地址
	Enabled         bool
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析配置文件
func LoadConfig(configPath string) *Config {
	// 设置配置文件的名称、类型和路径
	viper.SetConfigName("config") // 文件名是 config
	viper.SetConfigType("yaml")   // 文件类型是 yaml
	viper.AddConfigPath(configPath)

	// 填充调度参数默认值，配置文件里只需覆盖需要调整的项
	viper.SetDefault("Screener.MaxSymbols", 512)
	viper.SetDefault("Screener.KlineCapacity", 250)
	viper.SetDefault("Screener.MinBars", 30)
	viper.SetDefault("Screener.CycleInterval", "1s")
	viper.SetDefault("Screener.BatchSize", 50)
	viper.SetDefault("Screener.TickerMinInterval", "100ms")
	viper.SetDefault("Screener.MaxCacheSize", 200)
	viper.SetDefault("Screener.MaxCompiledFilters", 100)
	viper.SetDefault("Screener.MaintenanceInterval", "30s")
	viper.SetDefault("Screener.ErrorRateThreshold", 10)
	viper.SetDefault("Screener.RecoveryBackoff", "5s")
	viper.SetDefault("Screener.FilterTimeout", "1s")

	// 查找并读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	// 将配置绑定到结构体
	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	return &GlobalConfig
}
