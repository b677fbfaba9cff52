package config

import (
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env                string            `mapstructure:"env"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type"`
	ServiceName        string            `mapstructure:"service_name"`
	Version            string            `mapstructure:"version"`
	UserAgent          string            `mapstructure:"user_agent"`
	ProbeSettings      *ProbeConfig      `mapstructure:"probe"`
	ScreenshotSettings *ScreenshotConfig `mapstructure:"screenshot"`
	RobotsSettings     *RobotsConfig     `mapstructure:"robots"`
	CsvSettings        *CsvConfig        `mapstructure:"csv"`
	CacheSettings      *CacheConfig      `mapstructure:"cache"`
	DbSettings         *DatabaseConfig   `mapstructure:"database"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka"`
	S3Settings         *S3Config         `mapstructure:"s3"`
}

type ProbeConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type ScreenshotConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	Quality           int           `mapstructure:"quality"`
	OutputDir         string        `mapstructure:"output_dir"`
}

type RobotsConfig struct {
	CacheDir     string        `mapstructure:"cache_dir"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type CsvConfig struct {
	InputDir  string `mapstructure:"input_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Servers         string        `mapstructure:"servers"`
	TtlForProcessed time.Duration `mapstructure:"ttl_for_processed"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

func MustLoad() *Config {
	viper.AddConfigPath(path.Join("."))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("error unmarshalling viper config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &cfg
}
