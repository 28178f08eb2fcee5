// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（configs/{env}.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
//	.env 文件同时被 Docker Compose（--env-file）、Go 应用（godotenv）、
//	systemd（EnvironmentFile=）共用，确保单一数据源。
//
// 环境：
//   - 开发: APP_ENV=dev (默认) → configs/dev.yaml
//   - 测试: APP_ENV=test → configs/test.yaml
//   - 生产: APP_ENV=prod → configs/prod.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`     // API Server 监听配置
	Database  DatabaseConfig  `yaml:"database"`   // 数据库
	Redis     RedisConfig     `yaml:"redis"`      // Redis（同步互斥锁）
	MinIO     MinIOConfig     `yaml:"minio"`      // MinIO 对象存储（镜像内容）
	Auth      AuthConfig      `yaml:"auth"`       // 认证
	ImageSync ImageSyncConfig `yaml:"image_sync"` // 镜像同步
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"（默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"` // 默认 "boot-resources"
}

// AuthConfig 认证配置
// 注意：JWTSecret/AdminPassword 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	JWTSecret      string `yaml:"-"`                // 只从 JWT_SECRET 环境变量读取
	AccessTokenTTL string `yaml:"access_token_ttl"` // 例如 "15m"
	AdminUser      string `yaml:"admin_user"`
	AdminPassword  string `yaml:"-"` // 只从 ADMIN_PASSWORD 环境变量读取
}

// ImageSyncConfig 镜像同步配置
type ImageSyncConfig struct {
	Sources     []string      `yaml:"sources"`      // simplestreams 上游地址
	Interval    time.Duration `yaml:"interval"`     // 同步周期
	Concurrency int           `yaml:"concurrency"`  // 内容写入并发度
	LockKey     string        `yaml:"lock_key"`     // Redis 互斥锁键
	HTTPTimeout time.Duration `yaml:"http_timeout"` // 上游请求超时
	MetricsAddr string        `yaml:"metrics_addr"` // 指标监听地址，空则不暴露
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" 或 "sqlite"
	DatabaseURL    string // postgres DSN 或 sqlite 文件路径
	RedisURL       string
	APIPort        string
	MinIO          MinIOConfig
	Auth           AuthConfig
	ImageSync      ImageSyncConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	// 敏感信息只从环境变量读取
	yamlCfg.Database.Password = getEnv("DB_PASSWORD", "metal_dev_password")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ROOT_USER", "minioadmin")
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_ROOT_PASSWORD", "minioadmin")
	yamlCfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	yamlCfg.Auth.AdminPassword = os.Getenv("ADMIN_PASSWORD")

	driver, dbURL := resolveDatabase(yamlCfg.Database)

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		RedisURL:       buildRedisURL(yamlCfg.Redis),
		APIPort:        yamlCfg.Server.Port,
		MinIO:          yamlCfg.MinIO,
		Auth:           yamlCfg.Auth,
		ImageSync:      yamlCfg.ImageSync,
	}
	cfg.ImageSync.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "metal.db", Host: "localhost", Port: 5432, User: "metal", Name: "metal_admin", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "boot-resources"},
		Auth:     AuthConfig{AccessTokenTTL: "15m", AdminUser: "admin"},
		ImageSync: ImageSyncConfig{
			Interval:    time.Hour,
			Concurrency: 4,
			LockKey:     "metal-admin:image-sync",
			HTTPTimeout: 5 * time.Minute,
		},
	}

	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// resolveDatabase 根据驱动类型构建连接串
func resolveDatabase(db DatabaseConfig) (driver, url string) {
	switch strings.ToLower(db.Driver) {
	case "postgres", "postgresql":
		return "postgres", fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			db.User, db.Password, db.Host, db.Port, db.Name, db.SSLMode)
	default:
		path := db.Path
		if path == "" {
			path = "metal.db"
		}
		return "sqlite", path
	}
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(r RedisConfig) string {
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", r.Password, r.Host, r.Port, r.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", r.Host, r.Port, r.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s/%s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL))
}

// maskPassword 隐藏连接串中的密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充镜像同步默认值
func (s *ImageSyncConfig) validate() {
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	if s.LockKey == "" {
		s.LockKey = "metal-admin:image-sync"
	}
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = 5 * time.Minute
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = ":9200"
	}
}
