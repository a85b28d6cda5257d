package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/cache"
	"github.com/subflowhq/subflow/internal/pkg/chain"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
	"github.com/subflowhq/subflow/internal/pkg/database"
	"github.com/subflowhq/subflow/internal/pkg/env"
	"github.com/subflowhq/subflow/internal/pkg/executor"
	"github.com/subflowhq/subflow/internal/pkg/indexer"
	"github.com/subflowhq/subflow/internal/pkg/router"
	"github.com/subflowhq/subflow/internal/pkg/s3export"
	"github.com/subflowhq/subflow/internal/pkg/webhook"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	chains, err := chaincfg.Load()
	if err != nil {
		log.Fatalf("chain configuration: %v", err)
	}
	merchants := chaincfg.MerchantAllowlist()

	// Background engines: event indexer, charge executor, webhook delivery.
	indexerManager := indexer.NewManager(chains, repos, merchants)
	indexerManager.Start()
	defer indexerManager.Stop()

	execCtx, stopExecutor := context.WithCancel(context.Background())
	exec := executor.New(executor.Config{
		Chains:            chains,
		MerchantAllowlist: merchants,
		BatchSize:         env.GetEnvInt("EXECUTOR_BATCH_SIZE", 25),
		RunInterval:       time.Duration(env.GetEnvInt("EXECUTOR_INTERVAL_SECONDS", 60)) * time.Second,
	}, repos, chain.NewSignerClient())
	go exec.Run(execCtx)
	defer stopExecutor()

	dispatcher := webhook.NewDispatcher(repos)
	dispatcher.Start()
	defer dispatcher.Stop()

	if exportCfg, err := s3export.LoadConfig(); err != nil {
		fiberlog.Errorf("[Main] S3 export config invalid: %v", err)
	} else if exportCfg.IsEnabled() {
		chainIDs := make([]uint64, 0, len(chains))
		for _, cc := range chains {
			chainIDs = append(chainIDs, cc.ChainID)
		}
		exporter, err := s3export.NewExporter(exportCfg, repos, chainIDs)
		if err != nil {
			fiberlog.Errorf("[Main] S3 export disabled: %v", err)
		} else {
			scheduler := s3export.NewScheduler(exporter)
			scheduler.Start()
			defer scheduler.Stop()
		}
	}

	app := newApplication(chains)

	// Serve until a shutdown signal, then drain the workers via the defers.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		fiberlog.Info("[Main] Shutdown signal received")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Fatal(err)
	}
}

func newApplication(chains []chaincfg.ChainConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "subflow",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	router.InstallRouter(app, chains)

	return app
}
