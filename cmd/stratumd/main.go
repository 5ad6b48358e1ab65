// Command stratumd runs the mining pool: stratum listeners, the job
// builder, background recorders, and the payout scheduler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"stratumd/internal/config"
	"stratumd/internal/database"
	"stratumd/internal/job"
	"stratumd/internal/logger"
	"stratumd/internal/metrics"
	"stratumd/internal/node"
	"stratumd/internal/pool"
	"stratumd/internal/stratum"
)

var version = "dev"

type options struct {
	Config  string `short:"c" long:"config" description:"path to the YAML configuration file" default:"config.yml"`
	Version bool   `short:"V" long:"version" description:"print the version and exit"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}
	if opts.Version {
		fmt.Println("stratumd", version)
		return
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "stratumd:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.File); err != nil {
		return err
	}
	log := logger.Component("main")
	log.WithField("version", version).Info("stratumd starting")

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	client := node.NewClient(cfg.RestAPI)
	watcher := node.NewWatcher(cfg.RestAPI, logger.Component("node"))
	registry := stratum.NewRegistry()

	p := pool.New(db, client, nil, registry, workerSource{registry}, cfg,
		logger.Component("pool"))
	builder := job.NewBuilder(job.BuilderOptions{
		Node:           client,
		Cache:          job.NewCache(),
		Distributions:  p,
		PayoutMethod:   cfg.PayoutMethod,
		Bech32HRP:      cfg.Bech32HRP,
		ExtraOutputFee: cfg.Payout.ExtraOutputFee,
		AlgorithmName:  cfg.AlgorithmName,
		Log:            logger.Component("job"),
	})
	p.SetBuilder(builder)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// prime the job cache so the first connecting miner gets work
	// immediately; a slow node only delays notifications, not startup
	for _, algorithm := range cfg.AlgorithmIDs() {
		if _, err := builder.AddNewJob(ctx, algorithm, true); err != nil {
			log.WithError(err).WithField("algorithm", algorithm).
				Warn("initial job build failed")
		}
	}

	deps := stratum.Deps{
		DB:           db,
		Builder:      builder,
		Node:         client,
		Registry:     registry,
		Log:          logger.Component("stratum"),
		HostName:     cfg.HostName,
		Bech32HRP:    cfg.Bech32HRP,
		PayoutMethod: cfg.PayoutMethod,
		Coefficient:  cfg.Coefficient,
	}
	servers := make([]*stratum.Server, 0, len(cfg.Stratums))
	for _, sc := range cfg.Stratums {
		srv := stratum.NewServer(stratum.ListenerConfig{
			Port:              sc.Port,
			Algorithm:         sc.Algorithm,
			InitialDifficulty: sc.InitialDifficulty,
			VariableDiff:      sc.VariableDiff,
			SubmitSpanSec:     sc.SubmitSpanSec,
		}, deps)
		if err := srv.Start(ctx); err != nil {
			for _, s := range servers {
				s.Stop()
			}
			return err
		}
		servers = append(servers, srv)
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			log.WithField("listen", cfg.MetricsListen).Info("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	go watcher.Run(ctx)
	go p.RunNotify(ctx, watcher)
	go p.RunTxHistory(ctx, watcher)
	go p.RunDistribution(ctx)
	go p.RunStatus(ctx)
	go p.RunPayout(ctx)
	go p.RunCleanup(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	for _, srv := range servers {
		srv.Stop()
	}
	return nil
}

// workerSource adapts the session registry to the status recorder's view.
type workerSource struct {
	registry *stratum.Registry
}

func (w workerSource) Workers() []pool.WorkerSnapshot {
	sessions := w.registry.Sessions()
	out := make([]pool.WorkerSnapshot, 0, len(sessions))
	for _, s := range sessions {
		if !s.Authorized() {
			continue
		}
		snap := pool.WorkerSnapshot{Algorithm: s.Algorithm()}
		for _, tw := range s.TimeWorks() {
			snap.Samples = append(snap.Samples, pool.WorkSample{
				Time:       tw.Time,
				Difficulty: tw.Difficulty,
			})
		}
		out = append(out, snap)
	}
	return out
}
