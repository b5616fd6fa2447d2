// internal/service/config.go
package service

import (
	"log"
	"strings"
	"time"

	"dca-trader/internal/model"

	"github.com/spf13/viper"
)

// Config 是应用的全部配置，从 config/config.yaml 加载，环境变量可覆盖
type Config struct {
	Log       LogConfig                  `mapstructure:"log"`
	Server    ServerConfig               `mapstructure:"server"`
	Database  DatabaseConfig             `mapstructure:"database"`
	Endpoints EndpointsConfig            `mapstructure:"endpoints"`
	Backfill  BackfillConfig             `mapstructure:"backfill"`
	Exchanges map[string]ExchangeConfig  `mapstructure:"exchanges"`
	Paper     PaperConfig                `mapstructure:"paper"`
	Bots      map[string]model.BotConfig `mapstructure:"bots"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug / info / warn / error
	Format     string `mapstructure:"format"`      // json 或 console
	OutputFile string `mapstructure:"output_file"` // 可选的日志文件路径 (自动轮转)
}

// ServerConfig 下游 WebSocket 服务配置
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // 例如 ":8080"
}

// DatabaseConfig 周期存储配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite / postgres / mysql
	DSN  string `mapstructure:"dsn"`
}

// EndpointsConfig 交易所端点解析配置
type EndpointsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 解析结果缓存时间
}

// BackfillConfig 历史 K 线回填配置
type BackfillConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`  // REST 结果缓存 TTL
	MinCached int           `mapstructure:"min_cached"` // 实时缓存低于该数量时走 REST
	Timeout   time.Duration `mapstructure:"timeout"`    // REST 请求超时
}

// ExchangeConfig 定义了一个交易所账户的连接信息
type ExchangeConfig struct {
	Name    string `mapstructure:"name"`
	WSURL   string `mapstructure:"ws_url"`
	RESTURL string `mapstructure:"rest_url"`
	Testnet bool   `mapstructure:"testnet"`
}

// PaperConfig 模拟盘执行器配置
type PaperConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	FeeRate        float64 `mapstructure:"fee_rate"` // 例如 0.001 表示 0.1%
}

// LoadConfig 读取并解析配置文件
func LoadConfig(configPath string) *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 环境变量覆盖，例如 SERVER_ADDR、DATABASE_DSN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 缺省值
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "dca-trader.db")
	v.SetDefault("endpoints.cache_ttl", time.Minute)
	v.SetDefault("backfill.cache_ttl", time.Minute)
	v.SetDefault("backfill.min_cached", 50)
	v.SetDefault("backfill.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	// Bot 配置的 map key 即 BotID
	for id, bot := range cfg.Bots {
		bot.BotID = id
		cfg.Bots[id] = bot
	}

	return &cfg
}
