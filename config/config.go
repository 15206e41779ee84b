package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Worker struct {
		// Addr is the base URL of the external generation worker, e.g. http://gpu-worker:8188
		Addr        string `yaml:"addr"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	Pipeline struct {
		MaxRetries        int `yaml:"max_retries"`         // default attempts per stage
		RetryBackoffSecs  int `yaml:"retry_backoff_secs"`  // base of the exponential backoff
		PollIntervalSecs  int `yaml:"poll_interval_secs"`  // generation worker poll tick
		JobTimeoutMinutes int `yaml:"job_timeout_minutes"` // hard cap per generation job
	} `yaml:"pipeline"`
	Stream struct {
		IdleTimeoutSecs int `yaml:"idle_timeout_secs"` // subscription closes after this much silence
		PoolSize        int `yaml:"pool_size"`         // ants pool for SSE/WS pumps
	} `yaml:"stream"`
}

var AppConfig *Config

func InitConfig() {
	// .env may override where the yaml file lives (container vs local runs)
	_ = godotenv.Load()
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("read config failed: %v", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("parse config failed: %v", err)
	}
	applyDefaults(AppConfig)
}

func applyDefaults(c *Config) {
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 5
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.RetryBackoffSecs <= 0 {
		c.Pipeline.RetryBackoffSecs = 5
	}
	if c.Pipeline.PollIntervalSecs <= 0 {
		c.Pipeline.PollIntervalSecs = 3
	}
	if c.Pipeline.JobTimeoutMinutes <= 0 {
		c.Pipeline.JobTimeoutMinutes = 30
	}
	if c.Stream.IdleTimeoutSecs <= 0 {
		c.Stream.IdleTimeoutSecs = 300
	}
	if c.Stream.PoolSize <= 0 {
		c.Stream.PoolSize = 128
	}
}
