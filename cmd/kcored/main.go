/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Command kcored is the long-running daemon that owns the time subsystem:
// it drives ktime.State's tick handler off a real ticker, runs the drift
// compensator against the host RTC, and serves its metrics over HTTP, the
// same shape as sptp-exporter's flag/pprof/metrics-server wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/corekit/kcore/internal/config"
	"github.com/corekit/kcore/internal/drift"
	"github.com/corekit/kcore/internal/hostclock"
	"github.com/corekit/kcore/internal/ktime"
)

// realHWClock reads the host's CLOCK_REALTIME integer second value,
// standing in for the hardware RTC the design treats as out of scope.
type realHWClock struct{}

func (realHWClock) ReadSeconds() (int64, error) {
	return hostclock.Seconds(unix.CLOCK_REALTIME)
}

func main() {
	var (
		verboseFlag    bool
		configPathFlag string
		pprofFlag      string
	)
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&configPathFlag, "config", "/etc/kcored.yaml", "path to kcored's YAML config")
	flag.StringVar(&pprofFlag, "pprof", "", "address to have the profiler listen on, disabled if empty")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.ReadConfig(configPathFlag)
	if err != nil {
		log.Fatalf("kcored: reading config: %v", err)
	}
	if err := cfg.EvalAndValidate(); err != nil {
		log.Fatalf("kcored: invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := ktime.NewState(cfg.BootTimestamp)
	state.SetTickDuration(uint32(ktime.TSScale / uint64(cfg.TickHz)))

	comp := drift.New(state, realHWClock{})
	comp.LoopDelay = cfg.DriftLoopDelay
	comp.Discipline = hostclock.SystemClock{}
	if err := comp.Start(ctx); err != nil {
		log.Fatalf("kcored: starting drift compensator: %v", err)
	}

	registry := prometheus.NewRegistry()
	for _, c := range comp.Metrics().Collectors() {
		registry.MustRegister(c)
	}

	// eg supervises every background goroutine the daemon runs - pprof,
	// the metrics server and its shutdown watcher, and the tick loop -
	// the same errgroup.Group shape fbclock/daemon uses to run and join a
	// batch of workers together: the first one to return an error cancels
	// egCtx, tearing down the rest instead of leaking them.
	eg, egCtx := errgroup.WithContext(ctx)

	if pprofFlag != "" {
		pprofSrv := &http.Server{Addr: pprofFlag}
		eg.Go(func() error {
			log.Infof("kcored: pprof listening on %s", pprofFlag)
			if err := pprofSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed { //nolint:gosec
				return fmt.Errorf("pprof server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return pprofSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		eg.Go(func() error {
			log.Infof("kcored: metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(cfg.TickHz))
		defer ticker.Stop()
		log.Infof("kcored: ticking at %d Hz", cfg.TickHz)

		for {
			select {
			case <-ticker.C:
				state.Tick()
			case <-egCtx.Done():
				log.Info("kcored: shutting down")
				return nil
			}
		}
	})

	if err := eg.Wait(); err != nil {
		log.Errorf("kcored: exiting after goroutine error: %v", err)
	}
}
