// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"fmt"
	rawLog "log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/inventorypulse/pulseflow/activity"
	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/engine"
	"github.com/inventorypulse/pulseflow/persistence"
	"github.com/inventorypulse/pulseflow/persistence/memory"
	"github.com/inventorypulse/pulseflow/persistence/sql"
	"github.com/inventorypulse/pulseflow/service/api"
	"github.com/inventorypulse/pulseflow/workflow"
	"github.com/inventorypulse/pulseflow/workflows"
)

const ApiServiceName = "api"
const WorkerServiceName = "worker"

const FlagConfig = "config"
const FlagService = "service"

func StartPulseFlowServerCli(c *cli.Context) {
	// register interrupt signal for graceful shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := c.String(FlagConfig)
	services := getServices(c)

	cfg, err := config.NewConfig(configPath)
	if err != nil {
		rawLog.Fatalf("Unable to load config for path %v because of error %v", configPath, err)
	}
	shutdownFunc := StartPulseFlowServer(rootCtx, cfg, services)
	// wait for os signals
	<-rootCtx.Done()

	ctx, cancF := context.WithTimeout(context.Background(), time.Second*10)
	defer cancF()
	err = shutdownFunc(ctx)
	if err != nil {
		fmt.Println("shutdown error:", err)
	}
}

type GracefulShutdown func(ctx context.Context) error

func StartPulseFlowServer(
	rootCtx context.Context, cfg *config.Config, services map[string]bool,
) GracefulShutdown {
	if len(services) == 0 {
		services = map[string]bool{ApiServiceName: true, WorkerServiceName: true}
	}

	zapLogger, err := cfg.Log.NewZapLogger()
	if err != nil {
		rawLog.Fatalf("Unable to create a new zap logger %v", err)
	}
	logger := log.NewLogger(zapLogger)
	logger.Info("config is loaded", tag.Value(cfg.String()))
	err = cfg.ValidateAndSetDefaults()
	if err != nil {
		logger.Fatal("config is invalid", tag.Error(err))
	}

	store := newOrchestrationStore(rootCtx, cfg, logger)

	definitions := newWorkflowRegistry(logger)
	activities := activity.NewRegistry()
	collaborators := activity.NewLocalCollaborators(logger)
	if err := collaborators.RegisterAll(activities); err != nil {
		logger.Fatal("error on activity registration", tag.Error(err))
	}

	orchestrator := engine.NewEngine(cfg, store, definitions, activities, logger)

	if services[WorkerServiceName] {
		if err := orchestrator.Start(); err != nil {
			logger.Fatal("Failed to start orchestration engine", tag.Error(err))
		}
	}

	var apiServer api.Server
	if services[ApiServiceName] {
		apiServer = api.NewDefaultAPIServerWithGin(
			rootCtx, cfg, orchestrator, logger.WithTags(tag.Service(ApiServiceName)))
		err = apiServer.Start()
		if err != nil {
			logger.Fatal("Failed to start api server", tag.Error(err))
		}
	}

	return func(ctx context.Context) error {
		// graceful shutdown
		var errs error
		// stop taking new requests first
		if apiServer != nil {
			err := apiServer.Stop(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if services[WorkerServiceName] {
			err := orchestrator.Stop(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		err := store.Close()
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		return errs
	}
}

func newOrchestrationStore(
	rootCtx context.Context, cfg *config.Config, logger log.Logger,
) persistence.OrchestrationStore {
	if cfg.Database.InMemory {
		logger.Info("using in-memory store; history will not survive a restart")
		return memory.NewMemoryStore()
	}
	store, err := sql.NewSQLStore(*cfg.Database.SQL, logger)
	if err != nil {
		logger.Fatal("error on persistence setup", tag.Error(err))
	}
	if setup, ok := store.(sql.SchemaSetup); ok {
		if err := setup.SetupSchema(rootCtx); err != nil {
			logger.Fatal("error on schema setup", tag.Error(err))
		}
	}
	return store
}

func newWorkflowRegistry(logger log.Logger) *workflow.Registry {
	definitions := workflow.NewRegistry()
	if err := workflows.RegisterAll(definitions); err != nil {
		logger.Fatal("error on workflow registration", tag.Error(err))
	}
	return definitions
}

func getServices(c *cli.Context) map[string]bool {
	val := strings.TrimSpace(c.String(FlagService))
	tokens := strings.Split(val, ",")

	if len(tokens) == 0 {
		rawLog.Fatal("No services specified for starting")
	}

	services := map[string]bool{}
	for _, token := range tokens {
		t := strings.TrimSpace(token)
		services[t] = true
	}

	return services
}
