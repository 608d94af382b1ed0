// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/m3os/tilekernel/internal/tilemuxd"
	"github.com/m3os/tilekernel/pkg/audit"
	"github.com/m3os/tilekernel/pkg/kernel"
	"github.com/m3os/tilekernel/pkg/kernel/tilemux"
	"github.com/m3os/tilekernel/pkg/platform"
)

var (
	setupLog logr.Logger

	// CLI Options
	numTiles      int
	epsPerTile    uint
	rootKMemBytes uint64
	healthAddr    string
	timeslice     time.Duration
	devMode       bool
)

func init() {
	flag.IntVar(&numTiles, "tiles", 4,
		"Number of compute tiles in the platform")
	flag.UintVar(&epsPerTile, "eps-per-tile", 64,
		"Number of TCU endpoints each tile exposes")
	flag.Uint64Var(&rootKMemBytes, "root-kmem-bytes", 64<<20,
		"Size of the root kernel-memory quota in bytes")
	flag.StringVar(&healthAddr, "health-bind-address", ":8081",
		"The address the gRPC health service binds to. Set this to '0' to disable it")
	flag.DurationVar(&timeslice, "timeslice", 10*time.Millisecond,
		"Round-robin timeslice granted per scheduling tick on each tile")
	flag.BoolVar(&devMode, "dev", false,
		"Use the zap development config (console encoding, debug level)")
	flag.Parse()
}

func newLogger() logr.Logger {
	var zl *zap.Logger
	var err error
	if devMode {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	return zapr.NewLogger(zl)
}

// exitNotifier routes a mux's Exit upcall through the kernel-side channel
// for its tile.
type exitNotifier struct {
	k  *kernel.Kernel
	ch *tilemux.Channel
}

func (e exitNotifier) NotifyExit(ctx context.Context, act uint64, status int32) error {
	return e.ch.HandleExit(ctx, e.k, act, status)
}

func main() {
	logger := newLogger()
	setupLog = logger.WithName("setup")

	// Invariant violations are fatal and halt the kernel.
	defer func() {
		if r := recover(); r != nil {
			setupLog.Error(nil, "kernel invariant violation", "panic", r)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tiles := make(map[platform.TileId]platform.TileDesc, numTiles)
	for i := 0; i < numTiles; i++ {
		tiles[platform.NewTileId(0, uint16(i))] = platform.TileDesc{
			ISA:             platform.ISARISCV,
			Type:            platform.TileTypeCompute,
			HasVirtMem:      true,
			Shareable:       true,
			SupportsTileMux: true,
			EPCount:         epsPerTile,
		}
	}
	plat := platform.New(tiles)

	ledger, err := audit.New()
	if err != nil {
		setupLog.Error(err, "unable to open audit ledger")
		os.Exit(1)
	}
	defer ledger.Close()

	transport := tilemuxd.NewLocalTransport()
	cfg := kernel.DefaultConfig()
	cfg.RootKMemBytes = rootKMemBytes
	k, err := kernel.New(logger, plat, transport, cfg, kernel.WithAuditLedger(ledger))
	if err != nil {
		setupLog.Error(err, "unable to boot kernel")
		os.Exit(1)
	}

	// One TileMux Core per shared tile, wired back to the kernel for Exit.
	muxes := make([]*tilemuxd.Mux, 0, numTiles)
	for _, id := range plat.Tiles() {
		ch, ok := k.Channel(id.Tile)
		if !ok {
			continue
		}
		m := tilemuxd.New(id.Tile, k.Fabric, exitNotifier{k: k, ch: ch}, logger)
		transport.Register(m)
		muxes = append(muxes, m)
	}

	auditWorker, err := audit.NewWorker(ledger, audit.WithLogger(logger.WithName("audit-worker")))
	if err != nil {
		setupLog.Error(err, "unable to create audit worker")
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(ctx) })
	g.Go(func() error { return auditWorker.Start(ctx) })
	for _, m := range muxes {
		m := m
		g.Go(func() error { return m.Run(ctx, timeslice) })
	}

	// Liveness surface for the external resmng supervisor.
	if healthAddr != "0" {
		lis, err := net.Listen("tcp", healthAddr)
		if err != nil {
			setupLog.Error(err, "unable to bind health service", "addr", healthAddr)
			os.Exit(1)
		}
		srv := grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(srv, hs)
		g.Go(func() error { return srv.Serve(lis) })
		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	setupLog.Info("kernel booted", "tiles", numTiles, "rootActivity", k.Root().ID)
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "kernel stopped")
		os.Exit(1)
	}
}
