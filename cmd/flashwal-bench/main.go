// Command flashwal-bench stands up a flashwal.Log against the
// file-backed blockdevice.FileDevice, appends a stream of synthetic
// mutations, and reports throughput and the final replay position.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"flashwal"
	"flashwal/internal/blockdevice"
	"flashwal/internal/config"
	"flashwal/internal/hostiface"
	"flashwal/internal/hostiface/hostifacetest"
	"flashwal/internal/ratelimit"
	"flashwal/internal/segment"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "Directory backing the file device (required)")
		configPath  = flag.String("config", "", "Path to a JWCC config file; defaults built in if absent")
		count       = flag.Int("count", 10000, "Number of synthetic mutations to append")
		payloadSize = flag.Int("payload-bytes", 200, "Size in bytes of each synthetic mutation payload")
		qps         = flag.Uint64("qps", 0, "Cap appends per second; 0 means unthrottled")
		verbose     = flag.Bool("v", false, "Enable debug logging")
	)
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "flashwal-bench: -data-dir is required")
		os.Exit(2)
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "flashwal-bench: creating data dir: %v\n", err)
		os.Exit(1)
	}

	logLevel := zap.NewProductionConfig()
	if *verbose {
		logLevel.Level.SetLevel(zap.DebugLevel)
	}
	logger, err := logLevel.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashwal-bench: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	runID := uuid.New()
	logger = logger.With(zap.String("run_id", runID.String()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, *dataDir, cfg, *count, *payloadSize, *qps, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, dataDir string, cfg config.Config, count, payloadSize int, qps uint64, logger *zap.Logger) error {
	dev := blockdevice.NewFileDevice(dataDir)

	catalog := hostifacetest.NewCatalog()
	catalog.Register(hostiface.ColumnFamilyID(1), hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()

	logCfg := flashwal.Config{
		Segment: segment.Config{
			StartOffset:      cfg.StartOffset,
			MaxSegments:      cfg.MaxSegments,
			BlocksPerSegment: cfg.BlocksPerSegment,
			EmergencyValve:   cfg.EmergencyValve,
		},
		Threads:      cfg.Threads,
		BufferBlocks: cfg.BufferBlocks(),
		DeviceNames:  cfg.Devices,
	}

	log, err := flashwal.Open(ctx, logCfg, dev, flusher, catalog, codec, apply, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("opening commit log: %w", err)
	}
	defer func() {
		if err := log.Shutdown(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	replayed, err := log.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering: %w", err)
	}
	logger.Info("recovered", zap.Int("mutations_replayed", replayed))

	var limiter *ratelimit.TokenBucket
	if qps > 0 {
		limiter = ratelimit.New(qps, qps, time.Second)
	}

	rng := rand.New(rand.NewSource(1))
	start := time.Now()
	var accepted, rejected int

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		if limiter != nil {
			limiter.Wait()
		}

		payload := make([]byte, payloadSize)
		rng.Read(payload)
		encoded := codec.Encode(payload, hostiface.ColumnFamilyID(1))
		mutation := hostifacetest.Mutation{Payload: encoded, CFs: []hostiface.ColumnFamilyID{1}}

		pos, err := log.Add(ctx, hostiface.ColumnFamilyID(1), mutation)
		if err != nil {
			return fmt.Errorf("appending mutation %d: %w", i, err)
		}
		if pos == flashwal.SentinelPosition {
			rejected++
			continue
		}
		accepted++
	}

	elapsed := time.Since(start)
	finalPos, err := log.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("getting final context: %w", err)
	}

	fmt.Printf("accepted=%d rejected=%d elapsed=%s rate=%.0f/s final_position=%+v\n",
		accepted, rejected, elapsed, float64(accepted)/elapsed.Seconds(), finalPos)

	if err := log.ForceRecycleAllSegments(ctx, nil); err != nil {
		logger.Warn("force recycle at shutdown", zap.Error(err))
	}

	return nil
}
