package puma

import (
	"log"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type EventRouterConfig struct {
	KafkaBrokers string `yaml:"kafka_brokers" toml:"kafka_brokers"`
	KafkaTopic   string `yaml:"kafka_topic" toml:"kafka_topic"`
	DedupTtlSec  int    `yaml:"dedup_ttl_sec" toml:"dedup_ttl_sec"`
}

type Config struct {
	Global  Global            `yaml:"global" toml:"global"`
	Reactor ReactorConfig     `yaml:"reactor" toml:"reactor"`
	Events  EventRouterConfig `yaml:"events" toml:"events"`
}

func LoadConfig(filePath string) *Config {
	file, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") {
		err = yaml.Unmarshal(file, config)
	}
	if err != nil {
		log.Fatalf("%+v", err)
	}
	validateConfig(config)
	return config
}

func validateConfig(config *Config) {
	if config.Reactor.EventBufferSize <= 0 {
		config.Reactor.EventBufferSize = defEventsBufferSize
	}
	if config.Events.DedupTtlSec < 0 {
		config.Events.DedupTtlSec = 0
	}
}
