// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command kerneld composes every subsystem of the kernel core into one
// runnable process: the buddy page allocator, slab caches, adaptive
// memory manager, telepage shared-memory regions, the coherence
// engine, the zero-copy transfer engine, the heterogeneous scheduler
// and its extension, and synchronization primitives threaded through
// all of the above. It exposes Prometheus metrics over HTTP and shuts
// down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mosaicos/kernelcore/pkg/archhost"
	"github.com/mosaicos/kernelcore/pkg/aws"
	"github.com/mosaicos/kernelcore/pkg/coherence"
	"github.com/mosaicos/kernelcore/pkg/memory/adaptive"
	"github.com/mosaicos/kernelcore/pkg/memory/page"
	"github.com/mosaicos/kernelcore/pkg/memory/slab"
	"github.com/mosaicos/kernelcore/pkg/metrics"
	"github.com/mosaicos/kernelcore/pkg/sched"
	"github.com/mosaicos/kernelcore/pkg/sched/ext"
	"github.com/mosaicos/kernelcore/pkg/telepage"
	"github.com/mosaicos/kernelcore/pkg/transfer"
)

var setupLog logr.Logger

func main() {
	var (
		metricsAddr      string
		cpusPerNUMANode  int
		totalFrames      int
		pageSize         uint64
		numaNodes        int
		adaptiveInterval time.Duration
		systemProfile    string
		autoProfile      bool
		awsDiscovery     bool
		devMode          bool
	)

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":9090", "address the Prometheus /metrics endpoint binds to")
	flag.IntVar(&cpusPerNUMANode, "cpus-per-node", 4, "simulated CPUs per NUMA node")
	flag.IntVar(&totalFrames, "frames", 1<<20, "total page frames the buddy allocator manages")
	flag.Uint64Var(&pageSize, "page-size", 4096, "page size in bytes")
	flag.IntVar(&numaNodes, "numa-nodes", 1, "NUMA node count when AWS auto-discovery is disabled")
	flag.DurationVar(&adaptiveInterval, "adaptive-interval", 2*time.Second, "adaptive memory manager sampling interval")
	flag.StringVar(&systemProfile, "system-profile", string(adaptive.ProfileBalanced), "initial system memory profile")
	flag.BoolVar(&autoProfile, "auto-profile-detection", true, "auto profile detection setting passed to the adaptive manager; the manager keeps the initial system profile either way")
	flag.BoolVar(&awsDiscovery, "aws-numa-discovery", false, "enrich NUMA topology from EC2 instance metadata")
	flag.BoolVar(&devMode, "dev", false, "use a human-readable development logger instead of JSON")
	flag.Parse()

	zapLog, err := buildZapLogger(devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLog.Sync() }()
	setupLog = zapr.NewLogger(zapLog).WithName("kerneld")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arch := buildArch(ctx, awsDiscovery, numaNodes, cpusPerNUMANode, pageSize, totalFrames)

	pageAlloc := page.New(totalFrames, pageSize, numaNodes, setupLog.WithName("page"))
	slabMgr := slab.New(pageAlloc, arch.CPUCount(), true, setupLog.WithName("slab"))

	adaptiveMgr := adaptive.New(pageAlloc, slabMgr, adaptiveInterval, adaptive.SystemProfile(systemProfile), autoProfile, setupLog.WithName("adaptive"))
	if err := adaptiveMgr.Start(ctx); err != nil {
		setupLog.Error(err, "failed to start adaptive memory manager")
		os.Exit(1)
	}
	defer adaptiveMgr.Stop()

	telepageMgr, err := telepage.New(pageAlloc, setupLog.WithName("telepage"))
	if err != nil {
		setupLog.Error(err, "failed to start telepage manager")
		os.Exit(1)
	}
	defer func() { _ = telepageMgr.Close() }()

	localTransport := coherence.NewLocalTransport()
	dir := coherence.NewDirectory()
	coherenceEngine := coherence.NewEngine("node-0", dir, localTransport, int(pageSize), setupLog.WithName("coherence"))
	localTransport.Register(coherenceEngine)

	transferEngine := transfer.New(arch.CPUCount(),
		transfer.WithRDMADevices(arch.RDMADevices()),
		transfer.WithMaxConcurrent(arch.CPUCount()*2),
		transfer.WithLogger(setupLog.WithName("transfer")),
	)
	transferEngine.Start()
	defer transferEngine.Stop()

	sim := arch.(*archhost.Sim)

	scheduler, err := sched.New(arch, sim, sched.DefaultConfig(), setupLog.WithName("sched"))
	if err != nil {
		setupLog.Error(err, "failed to start scheduler")
		os.Exit(1)
	}
	if err := scheduler.StartLoadAverages(ctx); err != nil {
		setupLog.Error(err, "failed to start load average sampling")
		os.Exit(1)
	}
	defer scheduler.StopLoadAverages()

	extMgr, err := ext.NewManager(arch, scheduler, nil, ext.DefaultEnergyConfig(), setupLog.WithName("sched-ext"))
	if err != nil {
		setupLog.Error(err, "failed to start scheduler extension")
		os.Exit(1)
	}
	go runExtensionLoops(ctx, extMgr)

	srv := &http.Server{Addr: metricsAddr, Handler: promMux()}
	go func() {
		setupLog.Info("metrics server listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "metrics server failed")
		}
	}()

	setupLog.Info("kerneld started",
		"cpus", arch.CPUCount(), "frames", totalFrames, "pageSize", pageSize, "numaNodes", numaNodes)

	<-ctx.Done()
	setupLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildArch constructs the archhost.Sim this process drives. When
// awsDiscovery is set, it sizes the CPU pool from EC2 instance metadata
// via pkg/aws. If the AWS client cannot be built it uses the
// flag-provided node count; if metadata is unreachable,
// DiscoverNUMAHint falls back to a single node.
func buildArch(ctx context.Context, awsDiscovery bool, numaNodes, cpusPerNode int, pageSize uint64, totalFrames int) archhost.Arch {
	if !awsDiscovery {
		return archhost.NewSim(numaNodes*cpusPerNode, pageSize)
	}

	client, err := aws.NewClient(aws.WithAutoDiscovery(ctx), aws.WithLogger(setupLog.WithName("aws")))
	if err != nil {
		setupLog.V(1).Info("AWS client unavailable, using flag-provided NUMA node count", "error", err)
		return archhost.NewSim(numaNodes*cpusPerNode, pageSize)
	}

	hint := archhost.DiscoverNUMAHint(ctx, client, setupLog.WithName("aws"))
	return archhost.NewSimFromHint(hint, cpusPerNode, pageSize)
}

// runExtensionLoops drives the scheduler extension's periodic
// frequency/power/load-balance passes every 100ms until ctx is
// cancelled, using the same ticker-and-select loop shape as
// pkg/memory/adaptive.
func runExtensionLoops(ctx context.Context, m *ext.Manager) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.AdjustFrequencies(); err != nil {
				setupLog.V(1).Info("frequency adjustment failed", "error", err)
			}
			if err := m.UpdatePowerStates(); err != nil {
				setupLog.V(1).Info("power state update failed", "error", err)
			}
			m.BalanceLoad()
		}
	}
}

func promMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func buildZapLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
