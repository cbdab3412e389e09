package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// TelegramConfig holds delivery channel configuration
type TelegramConfig struct {
	Token       string        `mapstructure:"token"`
	AdminChatID int64         `mapstructure:"admin_chat_id"`
	SendDelay   time.Duration `mapstructure:"send_delay"`
}

// ExtractorConfig holds structured-extraction service configuration
type ExtractorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKeys   []string      `mapstructure:"api_keys"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batch_size"`
	FloodCap  int           `mapstructure:"flood_cap"`
}

// CrawlerConfig holds polling pipeline configuration
type CrawlerConfig struct {
	TickSeconds       int           `mapstructure:"tick_seconds"`
	FetchWorkers      int           `mapstructure:"fetch_workers"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	FailThreshold     int           `mapstructure:"fail_threshold"`
	NightUltraMin     int           `mapstructure:"night_ultra_min"`
	NightOtherMin     int           `mapstructure:"night_other_min"`
	RetentionDays     int           `mapstructure:"retention_days"`
	MaintenanceHour   int           `mapstructure:"maintenance_hour"`
	MasterEnabled     bool          `mapstructure:"master_enabled"`
	MasterURLs        []string      `mapstructure:"master_urls"`
	MasterIntervalMin int           `mapstructure:"master_interval_min"`
	MasterMaxPages    int           `mapstructure:"master_max_pages"`
}

// EnrichConfig holds enrichment side-channel API configuration
type EnrichConfig struct {
	APIKey   string `mapstructure:"api_key"`
	MaxLimit int    `mapstructure:"max_limit"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("telegram.send_delay", "500ms")

	viper.SetDefault("extractor.enabled", true)
	viper.SetDefault("extractor.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("extractor.model", "google/gemini-flash-1.5")
	viper.SetDefault("extractor.timeout", "45s")
	viper.SetDefault("extractor.batch_size", 15)
	viper.SetDefault("extractor.flood_cap", 45)

	viper.SetDefault("crawler.tick_seconds", 120)
	viper.SetDefault("crawler.fetch_workers", 3)
	viper.SetDefault("crawler.fetch_timeout", "30s")
	viper.SetDefault("crawler.fail_threshold", 3)
	viper.SetDefault("crawler.night_ultra_min", 15)
	viper.SetDefault("crawler.night_other_min", 30)
	viper.SetDefault("crawler.retention_days", 14)
	viper.SetDefault("crawler.maintenance_hour", 3)
	viper.SetDefault("crawler.master_enabled", false)
	viper.SetDefault("crawler.master_interval_min", 30)
	viper.SetDefault("crawler.master_max_pages", 5)

	viper.SetDefault("enrich.max_limit", 200)
}

func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	viper.BindEnv("telegram.token", "TELEGRAM_TOKEN")
	viper.BindEnv("telegram.admin_chat_id", "TELEGRAM_ADMIN_CHAT_ID")

	viper.BindEnv("extractor.enabled", "EXTRACTOR_ENABLED")
	viper.BindEnv("extractor.base_url", "EXTRACTOR_BASE_URL")
	viper.BindEnv("extractor.api_keys", "EXTRACTOR_API_KEYS")
	viper.BindEnv("extractor.model", "EXTRACTOR_MODEL")

	viper.BindEnv("crawler.tick_seconds", "CRAWLER_TICK_SECONDS")
	viper.BindEnv("crawler.fetch_workers", "CRAWLER_FETCH_WORKERS")

	viper.BindEnv("enrich.api_key", "ENRICH_API_KEY")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	if c.Extractor.Enabled && len(c.Extractor.APIKeys) == 0 {
		return fmt.Errorf("extractor api keys are required when extraction is enabled")
	}

	if c.Crawler.TickSeconds <= 0 {
		return fmt.Errorf("crawler tick interval must be greater than 0")
	}

	if c.Crawler.FetchWorkers <= 0 {
		return fmt.Errorf("crawler fetch worker count must be greater than 0")
	}

	if c.Enrich.APIKey == "" {
		return fmt.Errorf("enrichment api key is required")
	}

	return nil
}
