package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/internal/config"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/internal/observability"
	"github.com/signalsfoundry/leo-relay-simulator/internal/opsapi"
	"github.com/signalsfoundry/leo-relay-simulator/internal/sim"
)

// Runs one satellite's relay. Every satellite process moves the whole ring
// from a shared epoch, so they agree on topology without talking to each
// other.
func main() {
	log := logging.NewFromEnv()
	cfg := config.FromEnv(log)

	id := flag.Int("id", 1, "satellite id; the relay listens on base-port+id")
	opsAddr := flag.String("ops-addr", cfg.MetricsAddr, "HTTP address for /metrics, /healthz and /api/v1 (empty disables it)")
	flag.IntVar(&cfg.Satellites, "satellites", cfg.Satellites, "number of satellites on the ring")
	flag.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "satellite i listens on base-port+i")
	flag.IntVar(&cfg.MaxRelayHops, "max-relay-hops", cfg.MaxRelayHops, "longest route forwarded (0 never forwards, negative is unlimited)")
	flag.Parse()

	ctx := context.Background()
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}
	if *id < 1 || *id > cfg.Satellites {
		log.Error(ctx, "satellite id outside the ring", logging.Int("id", *id), logging.Int("satellites", cfg.Satellites))
		os.Exit(1)
	}
	log = log.With(logging.Int("satellite", *id))

	shutdownTracing, err := observability.InitTracing(ctx,
		observability.TracingConfigFromEnv().ForNode(observability.RoleSatellite, *id), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	epoch := time.Now().UTC().Truncate(24 * time.Hour)
	rt := sim.New(cfg, sim.RingSatellites(cfg, epoch),
		sim.WithLogger(log),
		sim.WithCollector(collector),
		sim.WithLocalRelays(*id),
		sim.WithDeliveryHandler(func(_ int, origin uint32, payload []byte) {
			log.Info(runCtx, "message reconstructed",
				logging.Uint32("origin", origin),
				logging.String("payload", string(payload)),
			)
		}),
	)
	if err := rt.Start(runCtx); err != nil {
		log.Error(ctx, "failed to start relay", logging.Err(err))
		os.Exit(1)
	}

	if *opsAddr != "" {
		ops := opsapi.New(
			opsapi.WithTopology(rt.Topology()),
			opsapi.WithRegistry(rt.Registry()),
			opsapi.WithEvents(rt.Events()),
			opsapi.WithMetrics(collector.Handler()),
			opsapi.WithLogger(log),
		)
		go func() {
			if err := ops.ListenAndServe(runCtx, *opsAddr); err != nil {
				log.Warn(runCtx, "ops API exited", logging.Err(err))
			}
		}()
	}

	<-runCtx.Done()
	log.Info(ctx, "shutting down satellite")
	rt.Wait()
}
