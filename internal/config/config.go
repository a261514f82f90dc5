package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`

		// APIKeys maps project → key; empty disables auth.
		APIKeys map[string]string `yaml:"apiKeys"`

		RateLimit struct {
			Capacity  int `yaml:"capacity"`
			PerSecond int `yaml:"perSecond"`
		} `yaml:"rateLimit"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	MQTT struct {
		Broker         string `yaml:"broker"`
		ClientID       string `yaml:"clientId"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		InferenceTopic string `yaml:"inferenceTopic"`
		TrainingTopic  string `yaml:"trainingTopic"`
	} `yaml:"mqtt"`

	Analysis struct {
		ID              string `yaml:"id"`              // e.g. anomaly-detection
		FeatureAnalysis string `yaml:"featureAnalysis"` // prerequisite, e.g. vggish
		FeatureFilename string `yaml:"featureFilename"`
		ValidityDays    int    `yaml:"validityDays"`
		WorkDir         string `yaml:"workDir"`
		ScoreCommand    string `yaml:"scoreCommand"`
	} `yaml:"analysis"`

	Training struct {
		FitCommand            string `yaml:"fitCommand"`
		FitTimeoutMinutes     int    `yaml:"fitTimeoutMinutes"`
		FailOnMissingFeatures bool   `yaml:"failOnMissingFeatures"`
	} `yaml:"training"`

	Dispatch struct {
		IntervalMinutes        int `yaml:"intervalMinutes"`
		PendingAgeHours        int `yaml:"pendingAgeHours"`
		ProcessingTimeoutHours int `yaml:"processingTimeoutHours"`
		MaxAttempts            int `yaml:"maxAttempts"`
	} `yaml:"dispatch"`
}

// Load baca file config.yaml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Server.RateLimit.Capacity <= 0 {
		c.Server.RateLimit.Capacity = 60
	}
	if c.Server.RateLimit.PerSecond <= 0 {
		c.Server.RateLimit.PerSecond = 10
	}
	if c.Analysis.ID == "" {
		c.Analysis.ID = "anomaly-detection"
	}
	if c.Analysis.FeatureAnalysis == "" {
		c.Analysis.FeatureAnalysis = "vggish"
	}
	if c.Analysis.FeatureFilename == "" {
		c.Analysis.FeatureFilename = "raw_audioset_feats_960ms.npy"
	}
	if c.Analysis.ValidityDays <= 0 {
		c.Analysis.ValidityDays = 5
	}
	if c.Analysis.WorkDir == "" {
		c.Analysis.WorkDir = os.TempDir()
	}
	if c.Training.FitTimeoutMinutes <= 0 {
		c.Training.FitTimeoutMinutes = 240
	}
	if c.Dispatch.IntervalMinutes <= 0 {
		c.Dispatch.IntervalMinutes = 60
	}
	if c.Dispatch.PendingAgeHours <= 0 {
		// give audio backfills time to settle before a model is trained
		c.Dispatch.PendingAgeHours = 2
	}
	if c.Dispatch.ProcessingTimeoutHours <= 0 {
		c.Dispatch.ProcessingTimeoutHours = 8
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 6
	}
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	ssl := c.Database.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		ssl,
	)
}

func (c *Config) FitTimeout() time.Duration {
	return time.Duration(c.Training.FitTimeoutMinutes) * time.Minute
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatch.IntervalMinutes) * time.Minute
}

func (c *Config) PendingAge() time.Duration {
	return time.Duration(c.Dispatch.PendingAgeHours) * time.Hour
}

func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.Dispatch.ProcessingTimeoutHours) * time.Hour
}
