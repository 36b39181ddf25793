package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sushant-115/hvac/config"
	"github.com/sushant-115/hvac/config/certs"
	"github.com/sushant-115/hvac/core/data_mover"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	"github.com/sushant-115/hvac/core/transport"
	internaltelemetry "github.com/sushant-115/hvac/internal/telemetry"
	"github.com/sushant-115/hvac/pkg/connection"
	"github.com/sushant-115/hvac/pkg/logger"
	"github.com/sushant-115/hvac/pkg/telemetry"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var (
	zlogger *zap.Logger

	// Command-line flags. Unset flags keep the environment's value.
	envFile       = flag.String("env_file", ".env", "Optional dotenv file loaded before reading the environment")
	listenAddr    = flag.String("listen_addr", "", "gRPC listen address (overrides HVAC_LISTEN_ADDR)")
	advertiseAddr = flag.String("advertise_addr", "", "Address published in the registry; derived from the listener when empty")
	rank          = flag.Int("rank", -1, "Server rank (overrides SLURM_PROCID)")
	fastCapacity  = flag.Uint64("fast_capacity", 0, "FastTier capacity in bytes (overrides HVAC_PM_CAPACITY)")
	ssdCapacity   = flag.Uint64("ssd_capacity", 0, "CapacityTier capacity in bytes (overrides HVAC_SSD_CAPACITY)")
	stagingBase   = flag.String("staging_base", "", "Mover staging directory (overrides BBPATH)")
	maxAttempts   = flag.Int("mover_attempts", 1, "Copy attempts per migrated file")
	verifyCopies  = flag.Bool("mover_verify", false, "Checksum staged copies")
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	TelemetryStopTimeout  = 5 * time.Second
)

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	cfg, err := config.Load(config.ServerRole)
	if err != nil {
		log.Fatalf("CRITICAL: Can't load configuration: %v", err)
	}
	applyFlags(cfg)

	zlogger, err = logger.New(cfg.Logger, logger.ForProcess("server", cfg.Rank, cfg.JobID)...)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}
	if tel.MetricsAddr != "" {
		zlogger.Info("Serving metrics", zap.String("address", tel.MetricsAddr))
	}
	cacheMetrics, err := internaltelemetry.NewCacheMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to create cache metrics", zap.Error(err))
	}
	rpcMetrics, err := internaltelemetry.NewRPCMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to create RPC metrics", zap.Error(err))
	}

	// --- Placement, migration and eviction ---
	store := tiered_storage.NewPolicyStore(cfg.Policy, zlogger, cacheMetrics)
	if err := cacheMetrics.ObserveUsage(func() (uint64, uint64, uint64, uint64) {
		u := store.Usage()
		return u.FastUsed, u.FastCapacity, u.CapacityUsed, u.CapacityCapacity
	}); err != nil {
		zlogger.Warn("Tier usage gauges unavailable", zap.Error(err))
	}

	mover, err := data_mover.NewMover(data_mover.Config{
		StagingBase:     cfg.StagingBase,
		RateBytesPerSec: cfg.MoverRate,
		MaxAttempts:     *maxAttempts,
		Verify:          *verifyCopies,
	}, zlogger, cacheMetrics)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to create data mover", zap.Error(err))
	}
	if err := mover.Start(); err != nil {
		zlogger.Fatal("CRITICAL: Failed to start data mover", zap.Error(err))
	}

	var sweeper *tiered_storage.Sweeper
	if cfg.SweepInterval > 0 {
		sweeper = tiered_storage.NewSweeper(store, tiered_storage.SweeperConfig{Interval: cfg.SweepInterval}, mover.HandleEviction, zlogger)
		if err := sweeper.Start(); err != nil {
			zlogger.Fatal("CRITICAL: Failed to start eviction sweeper", zap.Error(err))
		}
	}

	// --- gRPC ---
	svc := transport.NewService(store, mover, zlogger, rpcMetrics, tel.Tracer)
	var opts []grpc.ServerOption
	if cfg.TLSDir != "" {
		tlsCfg, err := certs.ServerTLS(cfg.TLSDir)
		if err != nil {
			zlogger.Fatal("CRITICAL: Failed to load TLS material", zap.String("dir", cfg.TLSDir), zap.Error(err))
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := transport.NewGRPCServer(svc, opts...)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		zlogger.Fatal("Failed to listen for gRPC", zap.Error(err), zap.String("address", cfg.ListenAddr))
	}
	published, err := publishedAddr(lis.Addr())
	if err != nil {
		zlogger.Fatal("Failed to derive advertised address", zap.Error(err))
	}
	registry := connection.NewRegistry(cfg.RegistryDir, cfg.JobID)
	if err := registry.Publish(cfg.Rank, published); err != nil {
		zlogger.Fatal("Failed to publish server address", zap.Error(err), zap.String("registry", registry.Path()))
	}

	zlogger.Info("Starting hvac server",
		zap.Int("rank", cfg.Rank),
		zap.String("listen", lis.Addr().String()),
		zap.String("advertised", published),
		zap.String("registry", registry.Path()),
		zap.String("fastPath", cfg.Policy.FastPath),
		zap.String("capacityPath", cfg.Policy.CapacityPath),
		zap.String("stagingBase", cfg.StagingBase),
		zap.Bool("tls", cfg.TLSDir != ""))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcServer.Serve(lis); err != nil {
			zlogger.Error("gRPC server failed to serve", zap.Error(err))
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	stopGRPC(grpcServer)
	wg.Wait()
	if sweeper != nil {
		sweeper.Stop()
	}
	svc.Shutdown()
	mover.Stop()

	fast, capacity := store.GetUsageBytes()
	zlogger.Info("Final tier usage",
		zap.Int("files", store.Len()),
		zap.Uint64("fastUsed", fast),
		zap.Uint64("capacityUsed", capacity),
		zap.Int("redirected", mover.Redirects().Len()))

	ctx, cancel := context.WithTimeout(context.Background(), TelemetryStopTimeout)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("hvac server shut down gracefully.")
}

func applyFlags(cfg *config.Config) {
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *rank >= 0 {
		cfg.Rank = *rank
	}
	if *fastCapacity > 0 {
		cfg.Policy.FastCapacity = *fastCapacity
	}
	if *ssdCapacity > 0 {
		cfg.Policy.CapacityCapacity = *ssdCapacity
	}
	if *stagingBase != "" {
		cfg.StagingBase = *stagingBase
	}
}

// publishedAddr picks the address clients should dial. An unspecified
// listen host is replaced by this node's hostname.
func publishedAddr(addr net.Addr) (string, error) {
	if *advertiseAddr != "" {
		return *advertiseAddr, nil
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host, err = os.Hostname()
		if err != nil {
			return "", fmt.Errorf("hostname: %w", err)
		}
	}
	return net.JoinHostPort(host, port), nil
}

// stopGRPC drains in-flight calls, falling back to a hard stop.
func stopGRPC(s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(GrpcServerStopTimeout):
		zlogger.Warn("Graceful gRPC stop timed out, forcing")
		s.Stop()
	}
}
