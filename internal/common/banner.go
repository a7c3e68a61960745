package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective runtime settings
func PrintBanner(name string, config *Config, logger arbor.ILogger) {
	banner.PrintSimple(name, GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("ephemeral_store", config.Storage.Ephemeral).
		Str("durable_store", config.Storage.SQLite.Path).
		Bool("parallel_enabled", config.Pipeline.ParallelEnabled).
		Bool("chunk_level", config.Pipeline.ChunkLevel).
		Int("workers", config.Queue.Concurrency).
		Msg("Configuration loaded")
}
