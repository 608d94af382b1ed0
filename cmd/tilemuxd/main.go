// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// tilemuxd runs a single TileMux Core standalone, for tiles whose
// multiplexer lives in its own process rather than inside kerneld. The
// sidecall channel to the kernel is out of process here, so this daemon
// only exposes the scheduling loop and the health surface; EP state rides
// the shared TCU fabric.
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
	"github.com/m3os/tilekernel/pkg/tcu"
)

var (
	setupLog logr.Logger

	// CLI Options
	tileID     uint
	healthAddr string
	timeslice  time.Duration
	devMode    bool
)

func init() {
	flag.UintVar(&tileID, "tile", 0,
		"The tile id this multiplexer is responsible for")
	flag.StringVar(&healthAddr, "health-bind-address", ":8082",
		"The address the gRPC health service binds to. Set this to '0' to disable it")
	flag.DurationVar(&timeslice, "timeslice", 10*time.Millisecond,
		"Round-robin timeslice granted per scheduling tick")
	flag.BoolVar(&devMode, "dev", false,
		"Use the zap development config (console encoding, debug level)")
	flag.Parse()
}

func main() {
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
	logger := zapr.NewLogger(zl)
	setupLog = logger.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := tilemuxd.New(uint16(tileID), tcu.NewFabric(), nil, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mux.Run(ctx, timeslice) })

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

	setupLog.Info("tilemux started", "tile", tileID)
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "tilemux stopped")
		os.Exit(1)
	}
}
