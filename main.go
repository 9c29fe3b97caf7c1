/*
Copyright 2024 The CdsCTF Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/cds-ctf/cds-server/pkg/cluster"
	"github.com/cds-ctf/cds-server/pkg/config"
	"github.com/cds-ctf/cds-server/pkg/engine"
	"github.com/cds-ctf/cds-server/pkg/logging"
	"github.com/cds-ctf/cds-server/pkg/queue"
	"github.com/cds-ctf/cds-server/pkg/server"
	storepkg "github.com/cds-ctf/cds-server/pkg/store"
	"github.com/cds-ctf/cds-server/pkg/store/gormstore"
	"github.com/cds-ctf/cds-server/pkg/store/memstore"
	"github.com/cds-ctf/cds-server/pkg/tracing"
	"github.com/cds-ctf/cds-server/pkg/version"
	"github.com/cds-ctf/cds-server/pkg/worker/calculator"
	"github.com/cds-ctf/cds-server/pkg/worker/checker"
)

const reapInterval = 10 * time.Second

func main() {
	var configPath string
	var opsAddr string
	var devStore bool
	flag.StringVar(&configPath, "config", "config.toml", "Path to the TOML configuration file.")
	flag.StringVar(&opsAddr, "ops-addr", ":8081", "Listen address of the operational endpoints.")
	flag.BoolVar(&devStore, "dev-store", false, "Use the in-memory store instead of postgres.")
	logOpts := logging.NewOptions()
	logOpts.AddFlags(flag.CommandLine)
	flag.Parse()

	logger := logOpts.Setup()
	setupLog := logger.WithName("setup")
	setupLog.Info("starting cds-server", "version", version.String())

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		setupLog.Error(err, "trace export disabled")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	var st storepkg.Store
	if devStore {
		st = memstore.New()
	} else {
		st, err = gormstore.Open(cfg.Database.DSN)
		if err != nil {
			setupLog.Error(err, "unable to connect to database")
			os.Exit(1)
		}
	}

	q, err := buildQueue(cfg.Queue)
	if err != nil {
		setupLog.Error(err, "unable to connect to queue broker", "driver", cfg.Queue.Driver)
		os.Exit(1)
	}
	defer q.Close()

	mgr, err := cluster.NewManager(cfg.Cluster, logger)
	if err != nil {
		setupLog.Error(err, "unable to connect to cluster")
		os.Exit(1)
	}

	eng := engine.New(engine.Options{
		Modules:       []engine.Module{engine.ModuleCrypto, engine.ModuleJSON, engine.ModuleTOML, engine.ModuleHTTP},
		UnitTTL:       cfg.Engine.UnitTTL,
		SweepInterval: cfg.Engine.SweepInterval,
		Log:           logger,
	})

	chk := checker.New(st, q, eng, logger)
	calc := calculator.New(st, q, cfg.Scoring.Curve.DifficultyScale, logger)

	if err := chk.Recover(ctx); err != nil {
		setupLog.Error(err, "pending submission recovery failed")
	}
	if err := chk.Run(ctx); err != nil {
		setupLog.Error(err, "unable to start checker")
		os.Exit(1)
	}
	if err := calc.Run(ctx); err != nil {
		setupLog.Error(err, "unable to start calculator")
		os.Exit(1)
	}
	go eng.RunSweeper(ctx)
	go mgr.RunReaper(ctx, reapInterval)

	if err := server.New(opsAddr, logger).Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		setupLog.Error(err, "operational server failed")
		os.Exit(1)
	}
	setupLog.Info("shutdown complete")
}

func buildQueue(cfg config.Queue) (queue.Queue, error) {
	switch cfg.Driver {
	case "amqp":
		return queue.DialAMQP(cfg.URL)
	case "kafka":
		return queue.NewKafka(cfg.Brokers, cfg.Group), nil
	default:
		return queue.NewMemory(), nil
	}
}
