package main

import (
	"fmt"
	"os"
	"strings"

	book "github.com/0x5487/tickbook"
	"github.com/0x5487/tickbook/protocol"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the daemon.
type Config struct {
	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Store struct {
		Dir                   string `yaml:"dir"`
		CheckpointIntervalSec int    `yaml:"checkpoint_interval_sec"`
	} `yaml:"store"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Engine struct {
		CommandBuffer int `yaml:"command_buffer"`
	} `yaml:"engine"`

	Markets []MarketConfig `yaml:"markets"`
}

// MarketConfig is a market opened at startup when it is not recovered.
type MarketConfig struct {
	Base     string `yaml:"base"`
	Quote    string `yaml:"quote"`
	UnitSize uint64 `yaml:"unit_size"`
	MakerFee string `yaml:"maker_fee"`
	TakerFee string `yaml:"taker_fee"`
	Hooks    string `yaml:"hooks"`
}

// Key converts the entry into a market key.
func (m MarketConfig) Key() (book.MarketKey, error) {
	return book.MarketKeyFromCommand(&protocol.OpenMarketCommand{
		Base:     m.Base,
		Quote:    m.Quote,
		UnitSize: m.UnitSize,
		MakerFee: m.MakerFee,
		TakerFee: m.TakerFee,
		Hooks:    m.Hooks,
	})
}

// LoadConfig reads, defaults and validates the config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.Store.CheckpointIntervalSec == 0 {
		c.Store.CheckpointIntervalSec = 60
	}
	if c.Engine.CommandBuffer == 0 {
		c.Engine.CommandBuffer = book.DefaultCommandBuffer
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}

	if c.Store.Dir == "" {
		return fmt.Errorf("store dir is required")
	}
	if c.Store.CheckpointIntervalSec < 0 {
		return fmt.Errorf("checkpoint interval must not be negative")
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}

	if c.Engine.CommandBuffer < 0 {
		return fmt.Errorf("command buffer must be positive")
	}

	for i, m := range c.Markets {
		if _, err := m.Key(); err != nil {
			return fmt.Errorf("market %d (%s/%s): %w", i, m.Base, m.Quote, err)
		}
	}
	return nil
}

// overrideWithEnv lets the deployment override connection settings.
func overrideWithEnv(cfg *Config) {
	if brokers := os.Getenv("BOOKD_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if dir := os.Getenv("BOOKD_STORE_DIR"); dir != "" {
		cfg.Store.Dir = dir
	}
}
