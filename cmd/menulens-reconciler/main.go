// Command menulens-reconciler drains the shared ephemeral store into the durable store.
// It runs beside one or more menulens servers that have reconciler.enabled = false.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/services/events"
	"github.com/ternarybob/menulens/internal/services/reconciler"
	"github.com/ternarybob/menulens/internal/storage"
)

type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	once        = flag.Bool("once", false, "Run a single reconciliation pass and exit")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile("menulens-reconciler")

	flag.Parse()

	if *showVersion {
		fmt.Printf("MenuLens reconciler version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	logger := common.InitLogger(config, "menulens-reconciler")
	common.PrintBanner("MenuLens Reconciler", config, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := storage.NewReconcilerManager(ctx, logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer manager.Close()

	eventService := events.NewService(logger)
	defer eventService.Close()
	if err := events.SubscribeLoggerToAllEvents(eventService, logger); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}

	service := reconciler.NewService(
		manager.EphemeralStore(),
		manager.DurableStore(),
		eventService,
		reconciler.NewConfig(config.Reconciler),
		logger,
	)

	if *once {
		stats, err := service.RunOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Reconciliation pass failed")
			os.Exit(1)
		}
		logger.Info().
			Int("written", stats.Written).
			Int("failed", stats.Failed).
			Int("pending", stats.Pending).
			Int("sessions_completed", stats.Completed).
			Msg("Reconciliation pass complete")
		return
	}

	if err := service.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start reconciler")
	}

	<-ctx.Done()
	logger.Info().Msg("Interrupt signal received")
	service.Stop()
	logger.Info().Msg("Reconciler stopped")
}
