package queue

import (
	"time"

	"github.com/ternarybob/menulens/internal/common"
)

// Config holds configuration for the work queue and its worker pool
type Config struct {
	// PollInterval is how often idle workers poll for units
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers
	Concurrency int

	// VisibilityTimeout is the unit visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a unit can be received before it is dropped
	MaxReceive int

	// QueueName is the key namespace of the queue in Badger
	QueueName string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      50 * time.Millisecond,
		Concurrency:       4,
		VisibilityTimeout: 5 * time.Minute,
		MaxReceive:        3,
		QueueName:         "menulens_units",
	}
}

// NewConfig converts the [queue] section, keeping defaults for unset values
func NewConfig(cfg common.QueueConfig) Config {
	config := NewDefaultConfig()
	config.PollInterval = common.ParseDuration(cfg.PollInterval, config.PollInterval)
	config.VisibilityTimeout = common.ParseDuration(cfg.VisibilityTimeout, config.VisibilityTimeout)
	if cfg.Concurrency > 0 {
		config.Concurrency = cfg.Concurrency
	}
	if cfg.MaxReceive > 0 {
		config.MaxReceive = cfg.MaxReceive
	}
	if cfg.QueueName != "" {
		config.QueueName = cfg.QueueName
	}
	return config
}
