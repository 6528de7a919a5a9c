package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// LedgerConfig holds batch ledger configuration
// バッチ台帳固有の設定を保持
type LedgerConfig struct {
	StorageDriver       string        `yaml:"storage_driver"`        // postgres, memory
	MaxConflictRetries  int           `yaml:"max_conflict_retries"`  // 同時更新時の再試行回数
	MaxRequirements     int           `yaml:"max_requirements"`      // 1回の消費の要求行数上限
	DefaultCurrency     string        `yaml:"default_currency"`      // 既定通貨
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"` // 期限切れ再分類の間隔（0で無効）
	DefaultExpiringDays int           `yaml:"default_expiring_days"` // 期限間近照会の既定日数
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// TelemetryConfig holds tracing configuration
// トレース設定を保持
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // 空の場合はエクスポートしない
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the built-in configuration
// 組み込みの既定設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "ledger",
			Password:        "password",
			DBName:          "batch_ledger",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Ledger: LedgerConfig{
			StorageDriver:       DriverPostgres,
			MaxConflictRetries:  1,
			MaxRequirements:     100,
			DefaultCurrency:     "JPY",
			ExpirySweepInterval: time.Hour,
			DefaultExpiringDays: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "batch-ledger",
			Insecure:    true,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by CONFIG_FILE (if any)
// and environment variables, in that order
// 既定値 → CONFIG_FILEのYAML → 環境変数 の順に設定を読み込み
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without applying the environment
// 環境変数を適用せずにYAMLファイルを既定値に重ねて読み込み
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗しました %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)

	c.Ledger.StorageDriver = getEnv("LEDGER_STORAGE_DRIVER", c.Ledger.StorageDriver)
	c.Ledger.MaxConflictRetries = getEnvAsInt("LEDGER_MAX_CONFLICT_RETRIES", c.Ledger.MaxConflictRetries)
	c.Ledger.MaxRequirements = getEnvAsInt("LEDGER_MAX_REQUIREMENTS", c.Ledger.MaxRequirements)
	c.Ledger.DefaultCurrency = getEnv("LEDGER_DEFAULT_CURRENCY", c.Ledger.DefaultCurrency)
	c.Ledger.ExpirySweepInterval = getEnvAsDuration("LEDGER_EXPIRY_SWEEP_INTERVAL", c.Ledger.ExpirySweepInterval)
	c.Ledger.DefaultExpiringDays = getEnvAsInt("LEDGER_DEFAULT_EXPIRING_DAYS", c.Ledger.DefaultExpiringDays)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.Insecure = getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// 台帳設定チェック
	switch c.Ledger.StorageDriver {
	case DriverPostgres:
		// データベース設定チェック（postgres使用時のみ）
		if c.Database.Host == "" {
			return errors.New("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return errors.New("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return errors.New("データベース名が指定されていません")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("無効なストレージドライバー: %s", c.Ledger.StorageDriver)
	}
	if c.Ledger.MaxConflictRetries < 0 {
		return errors.New("再試行回数は0以上である必要があります")
	}
	if c.Ledger.MaxRequirements <= 0 {
		return errors.New("要求行数の上限は正の値である必要があります")
	}
	if c.Ledger.ExpirySweepInterval < 0 {
		return errors.New("期限切れ再分類の間隔は0以上である必要があります")
	}
	if c.Ledger.DefaultExpiringDays < 0 {
		return errors.New("期限間近照会の既定日数は0以上である必要があります")
	}
	if len(c.Ledger.DefaultCurrency) != 3 {
		return fmt.Errorf("無効な既定通貨: %s", c.Ledger.DefaultCurrency)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
